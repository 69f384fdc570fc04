package agentd

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type cannedClient struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (c *cannedClient) Complete(context.Context, string, string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.reply, c.err
}

func TestLLMDeduper_MatchesActiveTask(t *testing.T) {
	active := []*Task{
		{ID: "t1", Status: StatusRunning, Instruction: "set a timer"},
		{ID: "t2", Status: StatusQueued, Instruction: "play some music"},
	}
	client := &cannedClient{reply: `{"duplicate":true,"task_id":"t2"}`}

	id, err := NewLLMDeduper(client).Duplicate(context.Background(), "put on music", active)
	if err != nil || id != "t2" {
		t.Fatalf("Duplicate = %q, %v", id, err)
	}
}

func TestLLMDeduper_NoActiveTasksSkipsModel(t *testing.T) {
	client := &cannedClient{reply: `{"duplicate":true,"task_id":"t1"}`}
	id, err := NewLLMDeduper(client).Duplicate(context.Background(), "anything", nil)
	if err != nil || id != "" {
		t.Fatalf("Duplicate = %q, %v", id, err)
	}
	if client.calls != 0 {
		t.Errorf("model called %d times with no active tasks", client.calls)
	}
}

func TestLLMDeduper_FailsOpen(t *testing.T) {
	active := []*Task{{ID: "t1", Status: StatusRunning, Instruction: "x"}}

	tests := []struct {
		name   string
		client *cannedClient
	}{
		{"model error", &cannedClient{err: errors.New("model down")}},
		{"garbage reply", &cannedClient{reply: "hmm, maybe?"}},
		{"hallucinated id", &cannedClient{reply: `{"duplicate":true,"task_id":"never-existed"}`}},
		{"not duplicate", &cannedClient{reply: `{"duplicate":false}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewLLMDeduper(tt.client).Duplicate(context.Background(), "x", active)
			if err != nil || id != "" {
				t.Errorf("Duplicate = %q, %v, want request treated as new", id, err)
			}
		})
	}
}
