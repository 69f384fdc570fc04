package agentd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lanlantech/lanlan/internal/llm"
	"github.com/lanlantech/lanlan/internal/mcp"
)

// Message is one turn of recent conversation handed to the classifiers.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// McpDecision is the MCP classifier's verdict. A parse failure leaves the
// zero value, which reads as "no task".
type McpDecision struct {
	HasTask         bool           `json:"has_task"`
	CanExecute      bool           `json:"can_execute"`
	TaskDescription string         `json:"task_description"`
	ToolName        string         `json:"tool_name"`
	ToolArgs        map[string]any `json:"tool_args"`
	Reason          string         `json:"reason"`
}

// Accepted reports whether the decision names an executable tool call.
func (d McpDecision) Accepted() bool {
	return d.HasTask && d.CanExecute && d.ToolName != ""
}

// GuiDecision is the computer-use classifier's verdict.
type GuiDecision struct {
	HasTask         bool   `json:"has_task"`
	CanExecute      bool   `json:"can_execute"`
	TaskDescription string `json:"task_description"`
	Reason          string `json:"reason"`
}

func (d GuiDecision) Accepted() bool {
	return d.HasTask && d.CanExecute && d.TaskDescription != ""
}

// PluginDecision is the user-plugin classifier's verdict.
type PluginDecision struct {
	HasTask         bool           `json:"has_task"`
	CanExecute      bool           `json:"can_execute"`
	TaskDescription string         `json:"task_description"`
	PluginID        string         `json:"plugin_id"`
	PluginArgs      map[string]any `json:"plugin_args"`
	Reason          string         `json:"reason"`
}

func (d PluginDecision) Accepted() bool {
	return d.HasTask && d.CanExecute && d.PluginID != ""
}

// ── prompts ───────────────────────────────────────────────────────────────────

const mcpClassifierSystem = `你是一个任务分类器。根据最近的对话判断用户是否提出了一个可以用下面列出的工具完成的任务。
只输出一个 JSON 对象，不要输出其他内容：
{"has_task": bool, "can_execute": bool, "task_description": "...", "tool_name": "...", "tool_args": {...}, "reason": "..."}
has_task 表示对话中是否存在任务，can_execute 表示列出的工具能否完成它。
tool_name 必须是工具列表中的名字，tool_args 必须符合该工具的参数。没有任务时 has_task 为 false 并在 reason 中说明。`

const guiClassifierSystem = `你是一个任务分类器。判断最近的对话是否要求在图形界面上操作电脑（点击、输入、打开应用等）。
只输出一个 JSON 对象，不要输出其他内容：
{"has_task": bool, "can_execute": bool, "task_description": "...", "reason": "..."}
task_description 是交给桌面自动化执行器的完整指令。没有任务时 has_task 为 false。`

const pluginClassifierSystem = `你是一个任务分类器。判断最近的对话是否匹配下面列出的用户插件之一。
只输出一个 JSON 对象，不要输出其他内容：
{"has_task": bool, "can_execute": bool, "task_description": "...", "plugin_id": "...", "plugin_args": {...}, "reason": "..."}
plugin_id 必须是插件列表中的 id。没有匹配的插件时 has_task 为 false。`

func renderMessages(msgs []Message) string {
	var b strings.Builder
	b.WriteString("最近的对话：\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Text)
	}
	return b.String()
}

func renderToolCatalog(tools []mcp.ToolInfo) string {
	var b strings.Builder
	b.WriteString("可用工具：\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if t.InputSchema != nil {
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				fmt.Fprintf(&b, " 参数: %s", raw)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderPluginCatalog(plugins []Plugin) string {
	var b strings.Builder
	b.WriteString("可用插件：\n")
	for _, p := range plugins {
		fmt.Fprintf(&b, "- id=%s %s: %s", p.ID, p.Name, p.Description)
		if len(p.InputSchema) > 0 {
			if raw, err := json.Marshal(p.InputSchema); err == nil {
				fmt.Fprintf(&b, " 参数: %s", raw)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ── parsing ───────────────────────────────────────────────────────────────────

func parseMcpDecision(raw string) McpDecision {
	var d McpDecision
	parseDecision(raw, &d, "mcp")
	return d
}

func parseGuiDecision(raw string) GuiDecision {
	var d GuiDecision
	parseDecision(raw, &d, "gui")
	return d
}

func parsePluginDecision(raw string) PluginDecision {
	var d PluginDecision
	parseDecision(raw, &d, "plugin")
	return d
}

// parseDecision fills dst from a classifier reply. Malformed output leaves
// dst zeroed, so the backend is skipped rather than the dispatch aborted.
func parseDecision(raw string, dst any, backend string) {
	cleaned := llm.ExtractJSON(raw)
	if err := json.Unmarshal([]byte(cleaned), dst); err != nil {
		slog.Debug("classifier output is not valid JSON, treating as no task",
			"backend", backend, "err", err, "raw", truncate(raw, 200))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
