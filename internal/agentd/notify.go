package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const (
	notifyTimeout = 500 * time.Millisecond
	notifyMaxLen  = 240
)

// Notifier pushes completed-task summaries to the Main process so the
// character can mention them in conversation. Delivery is best-effort: the
// Main process may be mid-reload, and a dropped notification only costs a
// spoken acknowledgement.
type Notifier struct {
	baseURL string
	http    *http.Client
}

// NewNotifier creates a notifier against the Main process base URL
// (for example "http://127.0.0.1:48911").
func NewNotifier(baseURL string) *Notifier {
	return &Notifier{
		baseURL: baseURL,
		http:    &http.Client{Timeout: notifyTimeout},
	}
}

// TaskCompleted tells Main that a tool call finished. The summary is clamped
// to 240 runes so it stays speakable.
func (n *Notifier) TaskCompleted(ctx context.Context, character, toolName, resultText string) {
	if n == nil || n.baseURL == "" {
		return
	}
	// truncate appends an ellipsis rune, so clamp one short of the limit.
	text := truncate(fmt.Sprintf("任务「%s」已完成：%s", toolName, resultText), notifyMaxLen-1)

	payload, err := json.Marshal(map[string]string{
		"text":        text,
		"lanlan_name": character,
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.baseURL+"/api/notify_task_result", bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		slog.Debug("task result notification dropped", "character", character, "err", err)
		return
	}
	resp.Body.Close()
}
