package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lanlantech/lanlan/internal/llm"
)

// Deduper decides whether an incoming request duplicates a task that is
// already queued or running. It returns the matched task id, or "" when the
// request is new.
type Deduper interface {
	Duplicate(ctx context.Context, query string, active []*Task) (string, error)
}

// NopDeduper never matches. Used when no classifier model is configured.
type NopDeduper struct{}

func (NopDeduper) Duplicate(context.Context, string, []*Task) (string, error) { return "", nil }

var _ Deduper = NopDeduper{}

const dedupSystem = `你是一个去重判断器。下面列出正在执行或排队中的任务，判断新请求是否和其中某个任务重复（语义相同即算重复）。
只输出一个 JSON 对象，不要输出其他内容：
{"duplicate": bool, "task_id": "..."}
重复时 task_id 是被匹配任务的 id，不重复时 duplicate 为 false。`

// LLMDeduper asks the classifier model whether the request repeats an active
// task. Errors and malformed replies fail open: the request is treated as
// new rather than rejected.
type LLMDeduper struct {
	client llm.Client
}

// NewLLMDeduper wraps a classifier client as a Deduper.
func NewLLMDeduper(client llm.Client) *LLMDeduper {
	return &LLMDeduper{client: client}
}

var _ Deduper = (*LLMDeduper)(nil)

func (d *LLMDeduper) Duplicate(ctx context.Context, query string, active []*Task) (string, error) {
	if len(active) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("进行中的任务：\n")
	for _, t := range active {
		fmt.Fprintf(&b, "- id=%s [%s] %s\n", t.ID, t.Status, t.Instruction)
	}
	fmt.Fprintf(&b, "\n新请求：%s\n", query)

	raw, err := d.client.Complete(ctx, dedupSystem, b.String())
	if err != nil {
		slog.Warn("dedup check failed, treating request as new", "err", err)
		return "", nil
	}

	var verdict struct {
		Duplicate bool   `json:"duplicate"`
		TaskID    string `json:"task_id"`
	}
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &verdict); err != nil {
		slog.Debug("dedup verdict is not valid JSON", "raw", truncate(raw, 200))
		return "", nil
	}
	if !verdict.Duplicate {
		return "", nil
	}
	// Only accept ids that actually belong to an active task.
	for _, t := range active {
		if t.ID == verdict.TaskID {
			return verdict.TaskID, nil
		}
	}
	return "", nil
}
