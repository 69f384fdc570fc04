package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lanlantech/lanlan/internal/resilience"
)

const pluginCallTimeout = 5 * time.Second

// Plugin describes one HTTP endpoint registered with the user-plugin service.
type Plugin struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Endpoint    string         `json:"endpoint"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// PluginClient talks to the external user-plugin registry service. The
// registry is re-fetched on every dispatch so plugins can be registered and
// removed without restarting the agent.
type PluginClient struct {
	registryURL string
	http        *http.Client

	mu       sync.Mutex
	cached   []Plugin
	breakers map[string]*resilience.CircuitBreaker
}

// NewPluginClient creates a client against the given registry URL.
func NewPluginClient(registryURL string) *PluginClient {
	return &PluginClient{
		registryURL: registryURL,
		http:        &http.Client{Timeout: pluginCallTimeout},
		breakers:    make(map[string]*resilience.CircuitBreaker),
	}
}

// breaker returns the circuit breaker guarding one plugin endpoint, creating
// it on first use. A plugin whose endpoint keeps failing trips its breaker
// and is rejected fast until the reset timeout elapses.
func (c *PluginClient) breaker(id string) *resilience.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.breakers[id]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "plugin:" + id,
			MaxFailures: 3,
		})
		c.breakers[id] = cb
	}
	return cb
}

// Refresh fetches the current plugin registry. On failure the last good
// snapshot is returned alongside the error.
func (c *PluginClient) Refresh(ctx context.Context) ([]Plugin, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.registryURL, nil)
	if err != nil {
		return c.snapshot(), fmt.Errorf("plugin registry request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.snapshot(), fmt.Errorf("plugin registry fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.snapshot(), fmt.Errorf("plugin registry returned %d", resp.StatusCode)
	}

	var plugins []Plugin
	if err := json.NewDecoder(resp.Body).Decode(&plugins); err != nil {
		return c.snapshot(), fmt.Errorf("plugin registry decode: %w", err)
	}
	valid := plugins[:0]
	for _, p := range plugins {
		if p.ID != "" && p.Endpoint != "" {
			valid = append(valid, p)
		}
	}

	c.mu.Lock()
	c.cached = valid
	c.mu.Unlock()
	return valid, nil
}

func (c *PluginClient) snapshot() []Plugin {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Plugin, len(c.cached))
	copy(out, c.cached)
	return out
}

// Find returns the plugin with the given id from the cached registry.
func (c *PluginClient) Find(id string) (Plugin, bool) {
	for _, p := range c.snapshot() {
		if p.ID == id {
			return p, true
		}
	}
	return Plugin{}, false
}

// Execute POSTs the task to the plugin's endpoint. Any 2xx status counts as
// success; the body is decoded as JSON when possible and wrapped as raw text
// otherwise. Calls run behind a per-plugin circuit breaker.
func (c *PluginClient) Execute(ctx context.Context, p Plugin, taskID string, args map[string]any) (any, error) {
	var result any
	err := c.breaker(p.ID).Execute(func() error {
		var callErr error
		result, callErr = c.call(ctx, p, taskID, args)
		return callErr
	})
	return result, err
}

func (c *PluginClient) call(ctx context.Context, p Plugin, taskID string, args map[string]any) (any, error) {
	payload, err := json.Marshal(map[string]any{"task_id": taskID, "args": args})
	if err != nil {
		return nil, fmt.Errorf("encode plugin payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, pluginCallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("plugin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plugin %s call: %w", p.ID, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("plugin %s returned %d: %s", p.ID, resp.StatusCode, truncate(string(body), 200))
	}

	var result any
	if err := json.Unmarshal(body, &result); err != nil {
		return map[string]any{"raw_text": string(body)}, nil
	}
	return result, nil
}
