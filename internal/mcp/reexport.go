package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Exporter re-exports the merged catalog as a single MCP server over
// streamable HTTP. External hosts (IDEs, other agents) see one endpoint; the
// aggregator routes each call to its actual owner. Calls for tools outside
// the catalog are rejected by the protocol layer with a JSON-RPC invalid
// params error (-32602).
type Exporter struct {
	agg *Aggregator

	mu     sync.RWMutex
	server *mcpsdk.Server
}

// NewExporter creates an exporter and builds the initial server from the
// aggregator's current catalog. Call Rebuild after reconnects so the
// exported tool set follows the catalog.
func NewExporter(ctx context.Context, agg *Aggregator) *Exporter {
	e := &Exporter{agg: agg}
	e.Rebuild(ctx)
	return e
}

// Rebuild replaces the exported server with one matching the current merged
// catalog. In-flight sessions keep their old server; new connections get the
// fresh tool set.
func (e *Exporter) Rebuild(ctx context.Context) {
	server := mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: "lanlan-mcp", Version: "1.0.0"},
		nil,
	)

	for _, info := range e.agg.Catalog(ctx) {
		schema := info.InputSchema
		if schema == nil {
			schema = &jsonschema.Schema{Type: "object"}
		}
		name := info.Name
		server.AddTool(
			&mcpsdk.Tool{Name: name, Description: info.Description, InputSchema: schema},
			func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
				return e.forward(ctx, name, req)
			},
		)
	}

	e.mu.Lock()
	e.server = server
	e.mu.Unlock()
}

// forward routes one exported call through the aggregator.
func (e *Exporter) forward(ctx context.Context, name string, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args map[string]any
	if req.Params != nil && req.Params.Arguments != nil {
		raw, err := json.Marshal(req.Params.Arguments)
		if err == nil {
			_ = json.Unmarshal(raw, &args)
		}
	}

	res, err := e.agg.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: res.Content}},
		IsError: res.IsError,
	}, nil
}

// Handler returns the streamable HTTP handler serving the exported MCP
// endpoint.
func (e *Exporter) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.server
	}, nil)
}
