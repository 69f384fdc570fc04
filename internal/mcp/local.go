package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// LocalTool is an in-process tool that takes part in the merged catalog
// alongside upstream tools. Local tools are registered first, so an upstream
// can never shadow one.
type LocalTool struct {
	Info    ToolInfo
	Handler func(ctx context.Context, args map[string]any) (string, error)
}

// builtinTools returns the tools the aggregator always serves itself.
func builtinTools() []LocalTool {
	return []LocalTool{currentTimeTool()}
}

func currentTimeTool() LocalTool {
	return LocalTool{
		Info: ToolInfo{
			Name:        "get_current_time",
			Description: "Get the current local date and time, including the weekday.",
			InputSchema: &jsonschema.Schema{Type: "object"},
		},
		Handler: func(_ context.Context, _ map[string]any) (string, error) {
			now := time.Now()
			out, err := json.Marshal(map[string]string{
				"datetime": now.Format("2006-01-02 15:04:05"),
				"weekday":  now.Weekday().String(),
				"timezone": now.Format("MST"),
			})
			if err != nil {
				return "", fmt.Errorf("mcp: marshal time: %w", err)
			}
			return string(out), nil
		},
	}
}
