// Package llm wraps the auxiliary LLM used for task classification, dedup
// checks, and other short structured completions. It is backed by
// github.com/mozilla-ai/any-llm-go so the classifier can run on a different
// provider than the realtime upstream (a small local Ollama model is a
// common choice).
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/lanlantech/lanlan/internal/config"
)

// Client is a single-shot completion client. Implementations must be safe
// for concurrent use.
type Client interface {
	// Complete runs one system+user exchange and returns the raw model
	// output.
	Complete(ctx context.Context, system, user string) (string, error)
}

// AnyLLMClient implements Client on top of any-llm-go. Completions run at
// temperature zero so classification is deterministic.
type AnyLLMClient struct {
	backend anyllmlib.Provider
	model   string
}

var _ Client = (*AnyLLMClient)(nil)

// New creates a classifier client from the configuration. Provider names
// follow any-llm-go: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq".
func New(cfg config.ClassifierConfig) (*AnyLLMClient, error) {
	if cfg.Provider == "" || cfg.Model == "" {
		return nil, errors.New("llm: classifier provider and model are required")
	}

	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}

	backend, err := newBackend(cfg.Provider, opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: create %q backend: %w", cfg.Provider, err)
	}
	return &AnyLLMClient{backend: backend, model: cfg.Model}, nil
}

func newBackend(provider string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(provider) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq", provider)
	}
}

// Complete implements Client.
func (c *AnyLLMClient) Complete(ctx context.Context, system, user string) (string, error) {
	zero := 0.0
	resp, err := c.backend.Completion(ctx, anyllmlib.CompletionParams{
		Model: c.model,
		Messages: []anyllmlib.Message{
			{Role: anyllmlib.RoleSystem, Content: system},
			{Role: anyllmlib.RoleUser, Content: user},
		},
		Temperature: &zero,
	})
	if err != nil {
		return "", fmt.Errorf("llm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: empty choices in response")
	}
	return resp.Choices[0].Message.ContentString(), nil
}

// ── Retry ─────────────────────────────────────────────────────────────────────

const maxAttempts = 3

// retryDelays is the pause schedule between classifier attempts. Note the
// schedule holds one delay fewer than there are retries: the final attempt
// fires immediately after the previous failure.
var retryDelays = []time.Duration{time.Second, 2 * time.Second}

// retryDelay returns the pause before the given zero-based attempt.
func retryDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= 0 && idx < len(retryDelays)-1 {
		return retryDelays[idx]
	}
	return 0
}

// CompleteWithRetry runs Complete with the classifier retry schedule. All
// errors, including timeouts, count as a failed attempt.
func CompleteWithRetry(ctx context.Context, c Client, system, user string) (string, error) {
	var lastErr error
	for attempt := range maxAttempts {
		if d := retryDelay(attempt); d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		out, err := c.Complete(ctx, system, user)
		if err == nil {
			return out, nil
		}
		lastErr = err
		slog.Warn("llm: classifier attempt failed", "attempt", attempt+1, "err", err)
	}
	return "", fmt.Errorf("llm: all %d attempts failed: %w", maxAttempts, lastErr)
}

// ExtractJSON strips Markdown code fences from a model reply, returning the
// bare payload. Models regularly wrap JSON in ```json fences even when asked
// not to.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the info string ("json", "JSON", ...).
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
