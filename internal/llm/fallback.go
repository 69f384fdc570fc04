package llm

import (
	"context"
	"fmt"

	"github.com/lanlantech/lanlan/internal/config"
	"github.com/lanlantech/lanlan/internal/resilience"
)

// FallbackClient composes a primary classifier with zero or more fallbacks.
// Each entry sits behind its own circuit breaker, so a dead provider is
// bypassed without burning a timeout on every classification round.
type FallbackClient struct {
	group *resilience.FallbackGroup[Client]
}

var _ Client = (*FallbackClient)(nil)

// NewFallbackClient creates a fallback chain with primary as the first entry.
func NewFallbackClient(primary Client, primaryName string) *FallbackClient {
	return &FallbackClient{
		group: resilience.NewFallbackGroup(primary, primaryName, resilience.FallbackConfig{}),
	}
}

// AddFallback appends a fallback classifier, tried after all earlier entries.
func (c *FallbackClient) AddFallback(name string, client Client) {
	c.group.AddFallback(name, client)
}

// Complete implements Client by trying each entry until one succeeds.
func (c *FallbackClient) Complete(ctx context.Context, system, user string) (string, error) {
	return resilience.ExecuteWithResult(c.group, func(cl Client) (string, error) {
		return cl.Complete(ctx, system, user)
	})
}

// NewWithFallbacks builds the classifier from configuration. With no
// fallbacks configured the plain primary client is returned; otherwise the
// chain is wrapped in a [FallbackClient].
func NewWithFallbacks(cfg config.ClassifierConfig) (Client, error) {
	primary, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Fallbacks) == 0 {
		return primary, nil
	}

	fc := NewFallbackClient(primary, cfg.Provider+"/"+cfg.Model)
	for _, f := range cfg.Fallbacks {
		client, err := New(f)
		if err != nil {
			return nil, fmt.Errorf("llm: fallback %s/%s: %w", f.Provider, f.Model, err)
		}
		fc.AddFallback(f.Provider+"/"+f.Model, client)
	}
	return fc, nil
}
