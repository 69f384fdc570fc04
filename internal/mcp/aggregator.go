// Package mcp implements the MCP aggregation layer: it connects to multiple
// upstream MCP servers (stdio or streamable HTTP), merges their tool
// catalogs with a handful of built-in local tools, and routes tool calls to
// the owning upstream. The merged catalog is also re-exported as an MCP
// server so external hosts see one endpoint (see [Exporter]).
//
// Protocol plumbing (JSON-RPC framing, SSE responses, session ids, stdio
// pipes) is delegated to the official MCP Go SDK; this package owns the
// merge, routing, and persistence semantics.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	defaultCallTimeout = 10 * time.Second
	defaultCatalogTTL  = 10 * time.Second
)

// ErrUnknownTool is returned by CallTool for names absent from the catalog.
// The re-export server maps it to JSON-RPC -32602.
var ErrUnknownTool = errors.New("mcp: unknown tool")

// ServerStatus is one row of the admin listing.
type ServerStatus struct {
	ServerConfig
	Connected bool `json:"connected"`
	Tools     int  `json:"tools"`
}

// Aggregator merges tool catalogs from configured upstreams and routes
// calls. Safe for concurrent use: reads are lock-free snapshots, writes only
// happen on (re)connect.
type Aggregator struct {
	store       *Store
	client      *mcpsdk.Client
	callTimeout time.Duration
	catalogTTL  time.Duration

	mu          sync.RWMutex
	sessions    map[string]*mcpsdk.ClientSession
	locals      map[string]LocalTool
	localOrder  []string
	routing     map[string]string // tool name → server name, "" for local
	catalog     []ToolInfo
	toolCount   map[string]int // per-server tool count for the admin listing
	refreshedAt time.Time
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithCallTimeout overrides the per-call upstream timeout (default 10s).
func WithCallTimeout(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.callTimeout = d
		}
	}
}

// WithCatalogTTL overrides how long a merged catalog stays fresh before
// Catalog triggers a new tools/list roundtrip (default 10s).
func WithCatalogTTL(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.catalogTTL = d
		}
	}
}

// WithLocalTool registers an additional in-process tool.
func WithLocalTool(t LocalTool) AggregatorOption {
	return func(a *Aggregator) { a.addLocal(t) }
}

// NewAggregator creates an aggregator over the persisted upstream list. Call
// ConnectAll to establish the upstream sessions.
func NewAggregator(store *Store, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		store: store,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "lanlan-mcp", Version: "1.0.0"},
			nil,
		),
		callTimeout: defaultCallTimeout,
		catalogTTL:  defaultCatalogTTL,
		sessions:    make(map[string]*mcpsdk.ClientSession),
		locals:      make(map[string]LocalTool),
		routing:     make(map[string]string),
		toolCount:   make(map[string]int),
	}
	for _, t := range builtinTools() {
		a.addLocal(t)
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Aggregator) addLocal(t LocalTool) {
	if _, ok := a.locals[t.Info.Name]; ok {
		slog.Warn("mcp: duplicate local tool ignored", "tool", t.Info.Name)
		return
	}
	a.locals[t.Info.Name] = t
	a.localOrder = append(a.localOrder, t.Info.Name)
}

// ── Connection management ─────────────────────────────────────────────────────

// ConnectAll (re)connects every configured upstream in file order and
// rebuilds the merged catalog. A failing upstream is logged and skipped; the
// rest of the catalog still comes up.
func (a *Aggregator) ConnectAll(ctx context.Context) error {
	a.closeSessions()

	for _, cfg := range a.store.List() {
		if err := a.connectOne(ctx, cfg); err != nil {
			slog.Warn("mcp: upstream connect failed", "server", cfg.Name, "err", err)
		}
	}
	return a.refresh(ctx)
}

// connectOne establishes one upstream session, replacing any previous
// session with the same name.
func (a *Aggregator) connectOne(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.BearerToken != "" {
			t.HTTPClient = &http.Client{
				Transport: &bearerRoundTripper{token: cfg.BearerToken, base: http.DefaultTransport},
			}
		}
		transport = t
	}

	session, err := a.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp: connect %q: %w", cfg.Name, err)
	}

	a.mu.Lock()
	if old, ok := a.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	a.sessions[cfg.Name] = session
	a.mu.Unlock()

	slog.Info("mcp: upstream connected", "server", cfg.Name, "transport", cfg.Transport)
	return nil
}

// upstreamListing is one upstream's freshly listed tool set.
type upstreamListing struct {
	Server string
	Tools  []ToolInfo
}

// refresh runs tools/list against every live upstream and swaps in the newly
// merged catalog.
func (a *Aggregator) refresh(ctx context.Context) error {
	a.mu.RLock()
	live := make(map[string]*mcpsdk.ClientSession, len(a.sessions))
	for name, s := range a.sessions {
		live[name] = s
	}
	a.mu.RUnlock()

	var listings []upstreamListing
	var errs []error
	for _, cfg := range a.store.List() {
		session, ok := live[cfg.Name]
		if !ok {
			continue
		}
		var tools []ToolInfo
		failed := false
		for tool, err := range session.Tools(ctx, nil) {
			if err != nil {
				errs = append(errs, fmt.Errorf("mcp: list tools of %q: %w", cfg.Name, err))
				failed = true
				break
			}
			tools = append(tools, ToolInfo{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
				Server:      cfg.Name,
			})
		}
		if failed {
			continue
		}
		listings = append(listings, upstreamListing{Server: cfg.Name, Tools: tools})
	}

	catalog, routing, toolCount := mergeCatalog(a.localOrder, a.locals, listings)

	a.mu.Lock()
	a.catalog = catalog
	a.routing = routing
	a.toolCount = toolCount
	a.refreshedAt = time.Now()
	a.mu.Unlock()

	slog.Info("mcp: catalog rebuilt", "tools", len(catalog), "upstreams", len(listings))
	return errors.Join(errs...)
}

// mergeCatalog builds the merged view. Merge order is deterministic: local
// tools first, then upstreams in configuration order; the first claimant of
// a name wins and later claimants are skipped with a warning.
func mergeCatalog(localOrder []string, locals map[string]LocalTool, listings []upstreamListing) ([]ToolInfo, map[string]string, map[string]int) {
	catalog := make([]ToolInfo, 0, len(localOrder))
	routing := make(map[string]string)
	toolCount := make(map[string]int)

	for _, name := range localOrder {
		catalog = append(catalog, locals[name].Info)
		routing[name] = ""
	}
	for _, l := range listings {
		for _, t := range l.Tools {
			if owner, claimed := routing[t.Name]; claimed {
				slog.Warn("mcp: tool name already claimed, skipping",
					"tool", t.Name, "server", l.Server, "owner", ownerLabel(owner))
				continue
			}
			catalog = append(catalog, t)
			routing[t.Name] = l.Server
			toolCount[l.Server]++
		}
	}
	return catalog, routing, toolCount
}

func ownerLabel(server string) string {
	if server == "" {
		return "local"
	}
	return server
}

// ── Catalog and invocation ────────────────────────────────────────────────────

// Catalog returns the merged tool catalog, refreshing it when the cached
// copy is older than the TTL.
func (a *Aggregator) Catalog(ctx context.Context) []ToolInfo {
	a.mu.RLock()
	fresh := time.Since(a.refreshedAt) < a.catalogTTL
	snapshot := a.catalog
	a.mu.RUnlock()

	if fresh {
		return snapshot
	}
	return a.RefreshCapabilities(ctx)
}

// RefreshCapabilities forces a tools/list roundtrip to every upstream and
// returns the merged catalog.
func (a *Aggregator) RefreshCapabilities(ctx context.Context) []ToolInfo {
	if err := a.refresh(ctx); err != nil {
		slog.Warn("mcp: capability refresh incomplete", "err", err)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.catalog
}

// CallTool executes the named tool. Local tools run inline; upstream tools
// are forwarded verbatim under the per-call timeout. Unknown names return
// [ErrUnknownTool].
func (a *Aggregator) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	a.mu.RLock()
	server, known := a.routing[name]
	local := a.locals[name]
	session := a.sessions[server]
	a.mu.RUnlock()

	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	start := time.Now()

	if server == "" {
		out, err := local.Handler(ctx, args)
		if err != nil {
			return &ToolResult{Content: err.Error(), IsError: true, DurationMs: time.Since(start).Milliseconds()}, nil
		}
		return &ToolResult{Content: out, DurationMs: time.Since(start).Milliseconds()}, nil
	}

	if session == nil {
		return nil, fmt.Errorf("mcp: upstream %q for tool %q is not connected", server, name)
	}

	callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
	defer cancel()

	res, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("mcp: call %q on %q: %w", name, server, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &ToolResult{
		Content:    sb.String(),
		IsError:    res.IsError,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// ── Admin operations ──────────────────────────────────────────────────────────

// AddServer persists and connects a new upstream, then rebuilds the catalog.
func (a *Aggregator) AddServer(ctx context.Context, cfg ServerConfig) error {
	if err := a.store.Add(cfg); err != nil {
		return err
	}
	if err := a.connectOne(ctx, cfg); err != nil {
		return err
	}
	return a.refresh(ctx)
}

// RemoveServer disconnects and unpersists an upstream, then rebuilds the
// catalog.
func (a *Aggregator) RemoveServer(ctx context.Context, name string) error {
	if err := a.store.Remove(name); err != nil {
		return err
	}

	a.mu.Lock()
	if session, ok := a.sessions[name]; ok {
		_ = session.Close()
		delete(a.sessions, name)
	}
	a.mu.Unlock()

	return a.refresh(ctx)
}

// Servers returns the admin view of the configured upstreams.
func (a *Aggregator) Servers() []ServerStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]ServerStatus, 0, len(a.store.List()))
	for _, cfg := range a.store.List() {
		cfg.BearerToken = "" // never expose secrets through the admin API
		_, connected := a.sessions[cfg.Name]
		out = append(out, ServerStatus{
			ServerConfig: cfg,
			Connected:    connected,
			Tools:        a.toolCount[cfg.Name],
		})
	}
	return out
}

// Close shuts down all upstream sessions.
func (a *Aggregator) Close() error {
	a.closeSessions()
	return nil
}

func (a *Aggregator) closeSessions() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, session := range a.sessions {
		if err := session.Close(); err != nil {
			slog.Debug("mcp: closing upstream session", "server", name, "err", err)
		}
		delete(a.sessions, name)
	}
}

// splitCommand splits a command string into executable and arguments,
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// bearerRoundTripper injects a static Authorization header.
type bearerRoundTripper struct {
	token string
	base  http.RoundTripper
}

func (b *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+b.token)
	return b.base.RoundTrip(clone)
}
