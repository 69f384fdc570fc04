package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/lanlantech/lanlan/internal/character"
)

// analyzeTimeout bounds one conversation hand-off. The Agent only
// acknowledges receipt; the dispatch round itself runs over there in the
// background.
const analyzeTimeout = 3 * time.Second

// agentClient hands conversation windows to the Agent process so every
// completed turn gets a task-analysis round. Best effort: a dead Agent
// degrades the runtime to chat-only, it never breaks the session.
type agentClient struct {
	baseURL string
	hc      *http.Client
}

func newAgentClient(baseURL string) *agentClient {
	return &agentClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: analyzeTimeout},
	}
}

// AnalyzeConversation POSTs the recent turns of one character to the Agent's
// conversation-analysis endpoint. A 409 means the Agent already runs an
// equivalent task and is not an error.
func (c *agentClient) AnalyzeConversation(ctx context.Context, characterName string, turns []character.Turn) error {
	msgs := make([]map[string]string, 0, len(turns))
	for _, turn := range turns {
		msgs = append(msgs, map[string]string{"role": turn.Role, "text": turn.Text})
	}
	if len(msgs) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string]any{
		"lanlan_name": characterName,
		"messages":    msgs,
	})
	if err != nil {
		return fmt.Errorf("encode analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/analyze_and_plan", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Duplicate of an active task; the Agent keeps the original.
		return nil
	default:
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
}

// agentBaseURL turns a listen address like ":48912" into a dialable HTTP
// base URL.
func agentBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
