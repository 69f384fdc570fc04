// Package server implements the Main process: the user-facing WebSocket
// endpoint, the task-result notification API consumed by the Agent process,
// and hot reload of the character set.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/lanlantech/lanlan/internal/character"
	"github.com/lanlantech/lanlan/internal/config"
	"github.com/lanlantech/lanlan/internal/observe"
	"github.com/lanlantech/lanlan/internal/realtime"
)

// RealtimeSession is the slice of a realtime session the WebSocket handler
// drives.
type RealtimeSession interface {
	StreamAudio(chunk []byte)
	StreamImage(jpegBase64 string)
	SendUserText(text string) error
	CreateResponse(extra string, skipped bool) error
	HandleInterruption() error
	Close() error
}

var _ RealtimeSession = (*realtime.Session)(nil)

// SessionFactory opens a realtime session for one character. Injected so
// tests run against a fake upstream.
type SessionFactory func(ctx context.Context, cfg config.CharacterConfig, mode config.InputMode, sink realtime.Sink) (RealtimeSession, error)

// Server is the Main process HTTP surface.
type Server struct {
	cfg      *config.Config
	registry *character.Registry
	factory  SessionFactory
	metrics  *observe.Metrics
	agent    *agentClient

	mu    sync.Mutex
	conns map[string]*clientConn // character name -> connected frontend
}

// New creates the Main server over a character registry. When the Agent
// address is configured, every completed conversational turn is handed to
// the Agent for task analysis.
func New(cfg *config.Config, registry *character.Registry, factory SessionFactory) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		factory:  factory,
		metrics:  observe.DefaultMetrics(),
		conns:    make(map[string]*clientConn),
	}
	if cfg.Server.AgentAddr != "" {
		s.agent = newAgentClient(agentBaseURL(cfg.Server.AgentAddr))
	}
	return s
}

// Register mounts the Main routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{character_name}", s.handleWS)
	mux.HandleFunc("POST /api/notify_task_result", s.handleNotifyTaskResult)
}

// handleNotifyTaskResult queues a task summary on the named character; it
// surfaces on the next conversational turn.
func (s *Server) handleNotifyTaskResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text      string `json:"text"`
		Character string `json:"lanlan_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "body must be JSON with a non-empty text")
		return
	}

	mgr, ok := s.registry.Get(req.Character)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown character "+req.Character)
		return
	}
	mgr.PushExtraReply(req.Text)
	slog.Info("task result queued for next turn", "character", req.Character)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// ApplyReload pushes a changed character set into the registry and walks the
// voice-changed characters through the frontend-driven reconnect: the client
// gets a reload_page frame first, then the session closes, and the
// reconnecting page starts a fresh session with the new voice.
func (s *Server) ApplyReload(chars []config.CharacterConfig) character.ReloadReport {
	report := s.registry.Reload(chars)
	for _, name := range report.VoiceChanged {
		if cc := s.lookupConn(name); cc != nil {
			cc.sendFrame(map[string]any{
				"type":    "reload_page",
				"message": "voice changed, reconnecting",
			})
		}
		if mgr, ok := s.registry.Get(name); ok {
			mgr.EndSession()
		}
	}
	return report
}

func (s *Server) trackConn(name string, cc *clientConn) {
	s.mu.Lock()
	s.conns[name] = cc
	s.mu.Unlock()
}

func (s *Server) untrackConn(name string, cc *clientConn) {
	s.mu.Lock()
	if s.conns[name] == cc {
		delete(s.conns, name)
	}
	s.mu.Unlock()
}

func (s *Server) lookupConn(name string) *clientConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[name]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
