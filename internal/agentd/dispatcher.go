package agentd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lanlantech/lanlan/internal/llm"
	"github.com/lanlantech/lanlan/internal/mcp"
	"github.com/lanlantech/lanlan/internal/observe"
)

// Flags gates the three execution backends. All default to off; the Main
// process pushes the configured values after startup.
type Flags struct {
	MCPEnabled         bool `json:"mcp_enabled"`
	ComputerUseEnabled bool `json:"computer_use_enabled"`
	UserPluginEnabled  bool `json:"user_plugin_enabled"`
}

// ToolBackend is the slice of the MCP aggregator the dispatcher needs.
type ToolBackend interface {
	Catalog(ctx context.Context) []mcp.ToolInfo
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
}

var _ ToolBackend = (*mcp.Aggregator)(nil)

// DispatchResult is what an analyze-and-execute round produced.
type DispatchResult struct {
	ExecutionMethod string         `json:"execution_method"` // mcp, gui_auto, plugin or none
	Success         bool           `json:"success"`
	TaskID          string         `json:"task_id,omitempty"`
	ToolName        string         `json:"tool_name,omitempty"`
	ToolArgs        map[string]any `json:"tool_args,omitempty"`
	Result          any            `json:"result,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

// Dispatcher classifies recent conversation against the enabled backends and
// executes at most one task per round, preferring MCP over desktop
// automation over user plugins.
type Dispatcher struct {
	classifier llm.Client
	tools      ToolBackend
	plugins    *PluginClient
	gui        *GuiScheduler
	registry   *Registry
	notifier   *Notifier
	deduper    Deduper
	metrics    *observe.Metrics

	mu       sync.Mutex
	flags    Flags
	analyzer bool
}

// NewDispatcher wires the dispatcher. plugins and tools may be nil when the
// corresponding backend is not configured.
func NewDispatcher(classifier llm.Client, tools ToolBackend, plugins *PluginClient,
	gui *GuiScheduler, registry *Registry, notifier *Notifier, deduper Deduper) *Dispatcher {
	if deduper == nil {
		deduper = NopDeduper{}
	}
	return &Dispatcher{
		classifier: classifier,
		tools:      tools,
		plugins:    plugins,
		gui:        gui,
		registry:   registry,
		notifier:   notifier,
		deduper:    deduper,
		metrics:    observe.DefaultMetrics(),
		analyzer:   true,
	}
}

// Registry returns the task registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Flags returns the current backend flags.
func (d *Dispatcher) Flags() Flags {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flags
}

// SetFlags applies a partial flag update; nil fields keep their value.
func (d *Dispatcher) SetFlags(mcpEnabled, computerUse, userPlugin *bool) Flags {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mcpEnabled != nil {
		d.flags.MCPEnabled = *mcpEnabled
	}
	if computerUse != nil {
		d.flags.ComputerUseEnabled = *computerUse
	}
	if userPlugin != nil {
		d.flags.UserPluginEnabled = *userPlugin
	}
	return d.flags
}

// AnalyzerEnabled reports whether background conversation analysis runs.
func (d *Dispatcher) AnalyzerEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.analyzer
}

// SetAnalyzerEnabled toggles background conversation analysis.
func (d *Dispatcher) SetAnalyzerEnabled(on bool) {
	d.mu.Lock()
	d.analyzer = on
	d.mu.Unlock()
}

// MCPAvailable reports whether the MCP backend can serve a call right now.
func (d *Dispatcher) MCPAvailable(ctx context.Context) bool {
	return d.Flags().MCPEnabled && d.tools != nil && len(d.tools.Catalog(ctx)) > 0
}

// ComputerUseAvailable reports whether the desktop-automation backend is on.
func (d *Dispatcher) ComputerUseAvailable() bool {
	return d.Flags().ComputerUseEnabled && d.gui != nil && d.gui.Available()
}

// CheckDuplicate runs the duplicate check against the character's active
// tasks. It returns the matched task id, or "" for a new request.
func (d *Dispatcher) CheckDuplicate(ctx context.Context, character, query string) string {
	id, err := d.deduper.Duplicate(ctx, query, d.registry.Active(character))
	if err != nil {
		slog.Warn("duplicate check errored, treating request as new", "err", err)
		return ""
	}
	return id
}

// AnalyzeAndExecute runs every enabled classifier over the conversation in
// parallel and executes the highest-priority accepted decision. When taskID
// is non-empty the caller pre-registered a pending task; it is claimed by
// whichever backend executes, or failed when nothing does.
func (d *Dispatcher) AnalyzeAndExecute(ctx context.Context, character string, msgs []Message, taskID string) *DispatchResult {
	flags := d.Flags()

	runMCP := flags.MCPEnabled && d.tools != nil
	runGUI := flags.ComputerUseEnabled && d.gui != nil && d.gui.Available()
	runPlugin := flags.UserPluginEnabled && d.plugins != nil

	if !runMCP && !runGUI && !runPlugin {
		return d.settle(taskID, &DispatchResult{
			ExecutionMethod: "none",
			Reason:          "no execution backends are enabled",
		})
	}

	conversation := renderMessages(msgs)

	var (
		mcpDec    McpDecision
		guiDec    GuiDecision
		pluginDec PluginDecision
		plugins   []Plugin
	)

	// A classifier that fails all its retries leaves the zero decision, so
	// its backend is skipped for this round.
	g, gctx := errgroup.WithContext(ctx)
	if runMCP {
		catalog := d.tools.Catalog(ctx)
		if len(catalog) == 0 {
			runMCP = false
		} else {
			g.Go(func() error {
				user := renderToolCatalog(catalog) + "\n" + conversation
				raw, err := d.classify(gctx, mcpClassifierSystem, user)
				if err != nil {
					slog.Warn("mcp classifier gave up", "err", err)
					return nil
				}
				mcpDec = parseMcpDecision(raw)
				return nil
			})
		}
	}
	if runGUI {
		g.Go(func() error {
			raw, err := d.classify(gctx, guiClassifierSystem, conversation)
			if err != nil {
				slog.Warn("computer-use classifier gave up", "err", err)
				return nil
			}
			guiDec = parseGuiDecision(raw)
			return nil
		})
	}
	if runPlugin {
		var err error
		plugins, err = d.plugins.Refresh(ctx)
		if err != nil {
			slog.Warn("plugin registry refresh failed", "err", err)
		}
		if len(plugins) == 0 {
			runPlugin = false
		} else {
			g.Go(func() error {
				user := renderPluginCatalog(plugins) + "\n" + conversation
				raw, err := d.classify(gctx, pluginClassifierSystem, user)
				if err != nil {
					slog.Warn("plugin classifier gave up", "err", err)
					return nil
				}
				pluginDec = parsePluginDecision(raw)
				return nil
			})
		}
	}
	_ = g.Wait()

	// Exactly one backend executes per round.
	switch {
	case runMCP && mcpDec.Accepted():
		return d.executeMCP(ctx, character, mcpDec, taskID)
	case runGUI && guiDec.Accepted():
		return d.executeGUI(character, guiDec, taskID)
	case runPlugin && pluginDec.Accepted():
		return d.executePlugin(ctx, character, pluginDec, taskID)
	}

	return d.settle(taskID, &DispatchResult{
		ExecutionMethod: "none",
		Reason:          combineReasons(mcpDec.Reason, guiDec.Reason, pluginDec.Reason),
	})
}

// classify runs one classifier prompt and records its latency.
func (d *Dispatcher) classify(ctx context.Context, system, user string) (string, error) {
	start := time.Now()
	raw, err := llm.CompleteWithRetry(ctx, d.classifier, system, user)
	d.metrics.ClassifierDuration.Record(ctx, time.Since(start).Seconds())
	return raw, err
}

func (d *Dispatcher) executeMCP(ctx context.Context, character string, dec McpDecision, taskID string) *DispatchResult {
	taskID = d.claim(taskID, KindMCP, character, dec.TaskDescription, dec.ToolArgs)
	if err := d.registry.MarkRunning(taskID); err != nil {
		slog.Debug("mcp dispatch: mark running", "task", taskID, "err", err)
	}

	start := time.Now()
	res, err := d.tools.CallTool(ctx, dec.ToolName, dec.ToolArgs)
	d.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds())
	out := &DispatchResult{
		ExecutionMethod: string(KindMCP),
		TaskID:          taskID,
		ToolName:        dec.ToolName,
		ToolArgs:        dec.ToolArgs,
	}
	switch {
	case err != nil:
		_ = d.registry.Fail(taskID, err.Error())
		out.Reason = err.Error()
		d.metrics.RecordToolCall(ctx, dec.ToolName, "error")
	case res.IsError:
		_ = d.registry.Fail(taskID, res.Content)
		out.Reason = res.Content
		d.metrics.RecordToolCall(ctx, dec.ToolName, "error")
	default:
		_ = d.registry.Complete(taskID, res.Content)
		out.Success = true
		out.Result = res.Content
		d.metrics.RecordToolCall(ctx, dec.ToolName, "ok")
		d.notifier.TaskCompleted(ctx, character, dec.ToolName, res.Content)
	}
	d.metrics.RecordTaskDispatch(ctx, string(KindMCP), dispatchStatus(out.Success))
	return out
}

func dispatchStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (d *Dispatcher) executeGUI(character string, dec GuiDecision, taskID string) *DispatchResult {
	taskID = d.claim(taskID, KindGUI, character, dec.TaskDescription, nil)
	out := &DispatchResult{
		ExecutionMethod: string(KindGUI),
		TaskID:          taskID,
	}
	if err := d.gui.Enqueue(taskID, dec.TaskDescription); err != nil {
		_ = d.registry.Fail(taskID, err.Error())
		out.Reason = err.Error()
		d.metrics.RecordTaskDispatch(context.Background(), string(KindGUI), "error")
		return out
	}
	// The scheduler reports the terminal state later; scheduling itself
	// succeeded.
	out.Success = true
	out.Result = map[string]any{"status": string(StatusQueued)}
	d.metrics.RecordTaskDispatch(context.Background(), string(KindGUI), "ok")
	return out
}

func (d *Dispatcher) executePlugin(ctx context.Context, character string, dec PluginDecision, taskID string) *DispatchResult {
	taskID = d.claim(taskID, KindPlugin, character, dec.TaskDescription, dec.PluginArgs)
	out := &DispatchResult{
		ExecutionMethod: string(KindPlugin),
		TaskID:          taskID,
		ToolName:        dec.PluginID,
		ToolArgs:        dec.PluginArgs,
	}

	plugin, ok := d.plugins.Find(dec.PluginID)
	if !ok {
		reason := fmt.Sprintf("classifier chose unknown plugin %q", dec.PluginID)
		_ = d.registry.Fail(taskID, reason)
		out.Reason = reason
		return out
	}

	if err := d.registry.MarkRunning(taskID); err != nil {
		slog.Debug("plugin dispatch: mark running", "task", taskID, "err", err)
	}
	result, err := d.plugins.Execute(ctx, plugin, taskID, dec.PluginArgs)
	if err != nil {
		_ = d.registry.Fail(taskID, err.Error())
		out.Reason = err.Error()
		d.metrics.RecordTaskDispatch(ctx, string(KindPlugin), "error")
		return out
	}
	_ = d.registry.Complete(taskID, result)
	out.Success = true
	out.Result = result
	d.metrics.RecordTaskDispatch(ctx, string(KindPlugin), "ok")
	return out
}

// claim binds the round to a task entry: either the pending one the HTTP
// layer created, or a fresh one.
func (d *Dispatcher) claim(taskID string, kind Kind, character, instruction string, params map[string]any) string {
	if taskID != "" {
		d.registry.SetKind(taskID, kind)
		return taskID
	}
	return d.registry.Create(kind, character, instruction, params).ID
}

// settle closes out a pending task when no backend executed.
func (d *Dispatcher) settle(taskID string, res *DispatchResult) *DispatchResult {
	if taskID != "" {
		res.TaskID = taskID
		_ = d.registry.Fail(taskID, res.Reason)
	}
	return res
}

func combineReasons(reasons ...string) string {
	var parts []string
	for _, r := range reasons {
		if r != "" {
			parts = append(parts, r)
		}
	}
	if len(parts) == 0 {
		return "no classifier identified an executable task"
	}
	return strings.Join(parts, "; ")
}
