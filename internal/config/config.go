// Package config provides the configuration schema, loader, and character
// file watcher for the Lanlan runtime.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// UpstreamProvider selects the realtime speech upstream.
type UpstreamProvider string

const (
	// UpstreamOpenAIRealtime is the OpenAI Realtime API over WebSocket.
	UpstreamOpenAIRealtime UpstreamProvider = "openai-realtime"

	// UpstreamGeminiLive is the Gemini Live API over WebSocket.
	UpstreamGeminiLive UpstreamProvider = "gemini-live"
)

// IsValid reports whether u is a recognised upstream provider.
func (u UpstreamProvider) IsValid() bool {
	return u == UpstreamOpenAIRealtime || u == UpstreamGeminiLive
}

// NativeImages reports whether the upstream ingests image frames directly.
// Non-native upstreams go through the vision-describe path instead.
func (u UpstreamProvider) NativeImages() bool {
	return u == UpstreamGeminiLive
}

// InputMode is the modality of a user session.
type InputMode string

const (
	InputAudio InputMode = "audio"
	InputText  InputMode = "text"
)

// Config is the root configuration structure, loaded from YAML via [Load].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Vision     VisionConfig     `yaml:"vision"`
	Agent      AgentConfig      `yaml:"agent"`
	Audio      AudioConfig      `yaml:"audio"`

	// CharactersFile is the path to the characters YAML file, watched for
	// hot reload.
	CharactersFile string `yaml:"characters_file"`

	// DataDir is where small persisted state lives: per-character
	// recent_{name}.json snapshots and, unless overridden, the MCP server
	// list. Default ".".
	DataDir string `yaml:"data_dir"`
}

// ServerConfig holds per-process network settings and the external
// collaborator endpoints.
type ServerConfig struct {
	// MainAddr is the TCP address of the Main process (user WebSocket +
	// notify API), e.g. ":48911".
	MainAddr string `yaml:"main_addr"`

	// AgentAddr is the TCP address of the Agent process. Bound to
	// localhost regardless of the host part given here.
	AgentAddr string `yaml:"agent_addr"`

	// MonitorURL is the WebSocket URL of the Monitor process consumed by
	// the per-character sync connectors. Empty disables forwarding.
	MonitorURL string `yaml:"monitor_url"`

	// MemoryURL is the HTTP base URL of the Memory process.
	MemoryURL string `yaml:"memory_url"`

	// MemoryCommand / MonitorCommand are optional external commands the
	// launcher spawns for the collaborator processes. Empty means the
	// operator runs them separately.
	MemoryCommand  string `yaml:"memory_command"`
	MonitorCommand string `yaml:"monitor_command"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// UpstreamConfig configures the realtime LLM connection shared by all
// characters.
type UpstreamConfig struct {
	// Provider selects the realtime backend.
	Provider UpstreamProvider `yaml:"provider"`

	// APIKey authenticates against the upstream. Required; sessions refuse
	// to start without it.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default WebSocket endpoint.
	// Primarily used in tests to point at a local mock server.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// ImageMinInterval rate-limits native image frames. Default 2s.
	ImageMinInterval time.Duration `yaml:"image_min_interval"`

	// SilenceTimeout closes a session after this long without user speech.
	// Only enforced for providers listed in AggressiveIdle. Default 90s.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`

	// AggressiveIdle lists the providers whose sessions are billed while
	// idle and therefore get the silence watchdog.
	AggressiveIdle []UpstreamProvider `yaml:"aggressive_idle"`

	// SendWindow bounds in-flight frames toward the upstream. Default 25.
	SendWindow int `yaml:"send_window"`

	// ThrottleWindow is how long audio frames are shed after an upstream
	// overload error. Default 2s.
	ThrottleWindow time.Duration `yaml:"throttle_window"`

	// RepetitionThreshold is the similarity score above which consecutive
	// responses count as repetition. Default 0.8.
	RepetitionThreshold float64 `yaml:"repetition_threshold"`
}

// SilenceWatchdog reports whether the silence watchdog applies to the
// configured provider.
func (u UpstreamConfig) SilenceWatchdog() bool {
	for _, p := range u.AggressiveIdle {
		if p == u.Provider {
			return true
		}
	}
	return false
}

// ClassifierConfig selects the auxiliary LLM used for task detection and
// dedup. Provider names follow any-llm-go ("openai", "anthropic", "ollama",
// ...).
type ClassifierConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	// Fallbacks are tried in order when the primary classifier fails or its
	// circuit breaker is open.
	Fallbacks []ClassifierConfig `yaml:"fallbacks,omitempty"`
}

// VisionConfig selects the vision model used to describe screen/camera
// frames for upstreams without native image support.
type VisionConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// AgentConfig holds the Agent process feature flags and service locations.
type AgentConfig struct {
	// MCPEnabled / ComputerUseEnabled / UserPluginEnabled are the initial
	// backend flags; they can be changed at runtime via POST /agent/flags.
	MCPEnabled         bool `yaml:"mcp_enabled"`
	ComputerUseEnabled bool `yaml:"computer_use_enabled"`
	UserPluginEnabled  bool `yaml:"user_plugin_enabled"`

	// PluginServiceURL is the HTTP base of the user-plugin registry.
	PluginServiceURL string `yaml:"plugin_service_url"`

	// MCPServersFile is the persisted upstream list, rewritten on every
	// admin mutation. Default "mcp_servers.json".
	MCPServersFile string `yaml:"mcp_servers_file"`

	// ComputerUseCommand is the worker executable for GUI-automation
	// tasks. It receives the instruction as its single argument.
	ComputerUseCommand string `yaml:"computer_use_command"`

	// QueueBound caps the GUI-automation queue. Default 32.
	QueueBound int `yaml:"queue_bound"`
}

// AudioConfig tunes the audio pre-processing pipeline.
type AudioConfig struct {
	// Workers is the per-session worker pool size. Values above 1 may
	// reorder chunks; default 1.
	Workers int `yaml:"workers"`

	// GateThreshold is the RMS noise-gate threshold. 0 selects the
	// built-in default.
	GateThreshold float64 `yaml:"gate_threshold"`
}

// CharacterConfig describes one persona. Characters live in their own YAML
// file (see Config.CharactersFile) so the CRUD surface and the watcher can
// rewrite them without touching server settings.
type CharacterConfig struct {
	// Name is the unique character name used in URLs and wire frames.
	Name string `yaml:"name"`

	// Prompt is the system prompt defining the persona.
	Prompt string `yaml:"prompt"`

	// VoiceID selects the upstream voice. Empty uses the provider default.
	VoiceID string `yaml:"voice_id"`

	// Model optionally overrides the upstream model for this character.
	Model string `yaml:"model"`

	// Language is the user's language hint (e.g. "zh", "en").
	Language string `yaml:"language"`
}

// CharactersFile is the schema of the watched characters YAML document.
type CharactersFile struct {
	Characters []CharacterConfig `yaml:"characters"`
}
