package agentd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// dispatchTimeout bounds one background analyze-and-execute round, including
// classifier retries and the tool call itself.
const dispatchTimeout = 2 * time.Minute

// Server is the Agent process HTTP surface. Task submission, status polling
// and backend toggles for the Main process live here; the MCP admin routes
// are mounted separately by the caller.
type Server struct {
	dispatcher *Dispatcher
}

// NewServer creates the HTTP surface over a dispatcher.
func NewServer(d *Dispatcher) *Server {
	return &Server{dispatcher: d}
}

// Register mounts all agent routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("POST /plan", s.handlePlan)
	mux.HandleFunc("POST /analyze_and_plan", s.handleAnalyzeAndPlan)
	mux.HandleFunc("POST /agent/flags", s.handleFlags)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleTask)
	mux.HandleFunc("GET /capabilities", s.handleCapabilities)
	mux.HandleFunc("GET /mcp/availability", s.handleMCPAvailability)
	mux.HandleFunc("GET /computer_use/availability", s.handleComputerUseAvailability)
	mux.HandleFunc("POST /computer_use/run", s.handleComputerUseRun)
	mux.HandleFunc("POST /admin/control", s.handleControl)
}

type submitRequest struct {
	Query     string `json:"query"`
	Character string `json:"lanlan_name"`
}

// handleProcess accepts a task request, rejects duplicates of active tasks
// and dispatches in the background.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty query")
		return
	}

	if dup := s.dispatcher.CheckDuplicate(r.Context(), req.Character, req.Query); dup != "" {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"error":   "duplicate of an active task",
			"task_id": dup,
		})
		return
	}

	task := s.dispatcher.Registry().Create(KindPending, req.Character, req.Query, nil)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		msgs := []Message{{Role: "user", Text: req.Query}}
		res := s.dispatcher.AnalyzeAndExecute(ctx, req.Character, msgs, task.ID)
		slog.Info("background dispatch finished",
			"task", task.ID, "method", res.ExecutionMethod, "success", res.Success)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":    task.ID,
		"status":     task.Status,
		"start_time": task.StartTime,
	})
}

// handlePlan is the synchronous variant: the caller waits for the dispatch
// round and gets the full result back.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty query")
		return
	}

	if dup := s.dispatcher.CheckDuplicate(r.Context(), req.Character, req.Query); dup != "" {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"error":   "duplicate of an active task",
			"task_id": dup,
		})
		return
	}

	task := s.dispatcher.Registry().Create(KindPending, req.Character, req.Query, nil)
	msgs := []Message{{Role: "user", Text: req.Query}}
	res := s.dispatcher.AnalyzeAndExecute(r.Context(), req.Character, msgs, task.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": task.ID,
		"plan":    res,
	})
}

// handleAnalyzeAndPlan takes a window of recent conversation and dispatches
// in the background. The response only acknowledges receipt.
func (s *Server) handleAnalyzeAndPlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages  []Message `json:"messages"`
		Character string    `json:"lanlan_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty messages list")
		return
	}

	if !s.dispatcher.AnalyzerEnabled() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "analyzer_disabled"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		res := s.dispatcher.AnalyzeAndExecute(ctx, req.Character, req.Messages, "")
		if res.ExecutionMethod != "none" {
			slog.Info("conversation analysis dispatched a task",
				"task", res.TaskID, "method", res.ExecutionMethod, "success", res.Success)
		}
	}()

	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MCPEnabled         *bool `json:"mcp_enabled"`
		ComputerUseEnabled *bool `json:"computer_use_enabled"`
		UserPluginEnabled  *bool `json:"user_plugin_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	flags := s.dispatcher.SetFlags(req.MCPEnabled, req.ComputerUseEnabled, req.UserPluginEnabled)
	writeJSON(w, http.StatusOK, flags)
}

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.dispatcher.Registry().List()})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.dispatcher.Registry().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	var tools any = []struct{}{}
	if s.dispatcher.tools != nil {
		tools = s.dispatcher.tools.Catalog(r.Context())
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) handleMCPAvailability(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"available": s.dispatcher.MCPAvailable(r.Context())})
}

func (s *Server) handleComputerUseAvailability(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"available": s.dispatcher.ComputerUseAvailable()})
}

// handleComputerUseRun puts an explicit desktop-automation instruction on
// the queue, bypassing classification.
func (s *Server) handleComputerUseRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instruction string `json:"instruction"`
		Character   string `json:"lanlan_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Instruction == "" {
		writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty instruction")
		return
	}
	if !s.dispatcher.ComputerUseAvailable() {
		writeError(w, http.StatusServiceUnavailable, "computer use is not available")
		return
	}

	if dup := s.dispatcher.CheckDuplicate(r.Context(), req.Character, req.Instruction); dup != "" {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"error":   "duplicate of an active task",
			"task_id": dup,
		})
		return
	}

	task := s.dispatcher.Registry().Create(KindGUI, req.Character, req.Instruction, nil)
	if err := s.dispatcher.gui.Enqueue(task.ID, req.Instruction); err != nil {
		_ = s.dispatcher.Registry().Fail(task.ID, err.Error())
		status := http.StatusInternalServerError
		if errors.Is(err, ErrGuiQueueFull) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":    task.ID,
		"status":     task.Status,
		"start_time": task.StartTime,
	})
}

// handleControl serves administrative resets and analyzer toggles.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	switch req.Action {
	case "end_all":
		if s.dispatcher.gui != nil {
			s.dispatcher.gui.Flush()
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
	case "enable_analyzer":
		s.dispatcher.SetAnalyzerEnabled(true)
		writeJSON(w, http.StatusOK, map[string]string{"status": "analyzer_enabled"})
	case "disable_analyzer":
		s.dispatcher.SetAnalyzerEnabled(false)
		writeJSON(w, http.StatusOK, map[string]string{"status": "analyzer_disabled"})
	default:
		writeError(w, http.StatusBadRequest, "unknown action "+req.Action)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("agentd: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
