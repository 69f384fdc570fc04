package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/lanlantech/lanlan/internal/config"
	"github.com/lanlantech/lanlan/internal/resilience"
)

type cannedClient struct {
	out   string
	err   error
	calls int
}

func (c *cannedClient) Complete(context.Context, string, string) (string, error) {
	c.calls++
	return c.out, c.err
}

func TestFallbackClient_PrimaryWins(t *testing.T) {
	primary := &cannedClient{out: "primary"}
	backup := &cannedClient{out: "backup"}

	fc := NewFallbackClient(primary, "primary")
	fc.AddFallback("backup", backup)

	out, err := fc.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "primary" {
		t.Errorf("out = %q, want primary", out)
	}
	if backup.calls != 0 {
		t.Error("fallback was called although the primary succeeded")
	}
}

func TestFallbackClient_FailsOverToBackup(t *testing.T) {
	primary := &cannedClient{err: errors.New("down")}
	backup := &cannedClient{out: "backup"}

	fc := NewFallbackClient(primary, "primary")
	fc.AddFallback("backup", backup)

	out, err := fc.Complete(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "backup" {
		t.Errorf("out = %q, want backup", out)
	}
}

func TestFallbackClient_AllFail(t *testing.T) {
	primary := &cannedClient{err: errors.New("down")}
	backup := &cannedClient{err: errors.New("also down")}

	fc := NewFallbackClient(primary, "primary")
	fc.AddFallback("backup", backup)

	_, err := fc.Complete(context.Background(), "sys", "user")
	if !errors.Is(err, resilience.ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackClient_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &cannedClient{err: errors.New("down")}
	backup := &cannedClient{out: "backup"}

	fc := NewFallbackClient(primary, "primary")
	fc.AddFallback("backup", backup)

	// Trip the primary's breaker, then confirm it is no longer called.
	for range 5 {
		if _, err := fc.Complete(context.Background(), "sys", "user"); err != nil {
			t.Fatalf("Complete: %v", err)
		}
	}
	before := primary.calls
	if _, err := fc.Complete(context.Background(), "sys", "user"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if primary.calls != before {
		t.Errorf("primary called %d times after its breaker opened", primary.calls-before)
	}
}

func TestNewWithFallbacks_NoFallbacksReturnsPlainClient(t *testing.T) {
	client, err := NewWithFallbacks(config.ClassifierConfig{
		Provider: "ollama",
		Model:    "qwen3:8b",
	})
	if err != nil {
		t.Fatalf("NewWithFallbacks: %v", err)
	}
	if _, ok := client.(*AnyLLMClient); !ok {
		t.Errorf("client type = %T, want *AnyLLMClient", client)
	}
}

func TestNewWithFallbacks_BuildsChain(t *testing.T) {
	client, err := NewWithFallbacks(config.ClassifierConfig{
		Provider: "ollama",
		Model:    "qwen3:8b",
		Fallbacks: []config.ClassifierConfig{
			{Provider: "ollama", Model: "qwen3:4b"},
		},
	})
	if err != nil {
		t.Fatalf("NewWithFallbacks: %v", err)
	}
	if _, ok := client.(*FallbackClient); !ok {
		t.Errorf("client type = %T, want *FallbackClient", client)
	}
}
