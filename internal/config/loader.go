package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Defaults are applied before validation.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued tuning fields with their documented
// defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.MainAddr == "" {
		cfg.Server.MainAddr = ":48911"
	}
	if cfg.Server.AgentAddr == "" {
		cfg.Server.AgentAddr = "127.0.0.1:48912"
	}
	if cfg.Upstream.ImageMinInterval <= 0 {
		cfg.Upstream.ImageMinInterval = 2 * time.Second
	}
	if cfg.Upstream.SilenceTimeout <= 0 {
		cfg.Upstream.SilenceTimeout = 90 * time.Second
	}
	if cfg.Upstream.SendWindow <= 0 {
		cfg.Upstream.SendWindow = 25
	}
	if cfg.Upstream.ThrottleWindow <= 0 {
		cfg.Upstream.ThrottleWindow = 2 * time.Second
	}
	if cfg.Upstream.RepetitionThreshold <= 0 {
		cfg.Upstream.RepetitionThreshold = 0.8
	}
	if cfg.Agent.MCPServersFile == "" {
		cfg.Agent.MCPServersFile = "mcp_servers.json"
	}
	if cfg.Agent.QueueBound <= 0 {
		cfg.Agent.QueueBound = 32
	}
	if cfg.Audio.Workers <= 0 {
		cfg.Audio.Workers = 1
	}
	if cfg.CharactersFile == "" {
		cfg.CharactersFile = "characters.yaml"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Upstream.Provider != "" && !cfg.Upstream.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("upstream.provider %q is invalid; valid values: openai-realtime, gemini-live", cfg.Upstream.Provider))
	}
	for i, p := range cfg.Upstream.AggressiveIdle {
		if !p.IsValid() {
			errs = append(errs, fmt.Errorf("upstream.aggressive_idle[%d] %q is invalid", i, p))
		}
	}
	if cfg.Upstream.RepetitionThreshold < 0 || cfg.Upstream.RepetitionThreshold > 1 {
		errs = append(errs, fmt.Errorf("upstream.repetition_threshold %.2f is out of range [0, 1]", cfg.Upstream.RepetitionThreshold))
	}

	return errors.Join(errs...)
}

// LoadCharacters reads and validates the characters file at path.
func LoadCharacters(path string) ([]CharacterConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open characters %q: %w", path, err)
	}
	defer f.Close()
	return LoadCharactersFromReader(f)
}

// LoadCharactersFromReader decodes a characters YAML document from r.
func LoadCharactersFromReader(r io.Reader) ([]CharacterConfig, error) {
	doc := &CharactersFile{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(doc); err != nil {
		return nil, fmt.Errorf("config: decode characters yaml: %w", err)
	}

	var errs []error
	seen := make(map[string]int, len(doc.Characters))
	for i, c := range doc.Characters {
		if c.Name == "" {
			errs = append(errs, fmt.Errorf("characters[%d].name is required", i))
			continue
		}
		if prev, ok := seen[c.Name]; ok {
			errs = append(errs, fmt.Errorf("characters[%d].name %q is a duplicate of characters[%d]", i, c.Name, prev))
		}
		seen[c.Name] = i
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return doc.Characters, nil
}
