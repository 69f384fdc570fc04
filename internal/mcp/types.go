package mcp

import "fmt"

// Transport selects the connection mechanism for an MCP upstream.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP
	// protocol (JSON-RPC over POST with optional SSE responses).
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one MCP upstream.
type ServerConfig struct {
	// Name uniquely identifies the upstream within the aggregator. Used in
	// the routing table, logs, and the admin API.
	Name string `json:"name"`

	// Transport selects stdio or streamable-http.
	Transport Transport `json:"transport"`

	// Command is the executable and arguments for stdio upstreams,
	// space-separated.
	Command string `json:"command,omitempty"`

	// URL is the endpoint for streamable-http upstreams.
	URL string `json:"url,omitempty"`

	// BearerToken, when set, is sent as an Authorization header on
	// streamable-http requests.
	BearerToken string `json:"bearer_token,omitempty"`

	// Env holds extra environment variables for stdio subprocesses.
	Env map[string]string `json:"env,omitempty"`
}

// Validate checks the config for the selected transport.
func (c ServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("mcp: server config requires a name")
	}
	if !c.Transport.IsValid() {
		return fmt.Errorf("mcp: server %q has unknown transport %q", c.Name, c.Transport)
	}
	if c.Transport == TransportStdio && c.Command == "" {
		return fmt.Errorf("mcp: stdio server %q requires a command", c.Name)
	}
	if c.Transport == TransportStreamableHTTP && c.URL == "" {
		return fmt.Errorf("mcp: streamable-http server %q requires a url", c.Name)
	}
	return nil
}

// ToolInfo is one entry of the merged catalog. InputSchema carries the
// upstream's JSON-Schema declaration as delivered over the wire; the
// aggregator never interprets it, only forwards it.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema,omitempty"`

	// Server is the owning upstream name; empty for local tools.
	Server string `json:"server,omitempty"`
}

// ToolResult holds the outcome of one tool invocation.
type ToolResult struct {
	// Content is the tool's textual output.
	Content string `json:"content"`

	// IsError marks an application-level error; Content then carries the
	// error message. Transport failures surface as Go errors instead.
	IsError bool `json:"is_error,omitempty"`

	// DurationMs is the wall-clock execution time.
	DurationMs int64 `json:"duration_ms"`
}
