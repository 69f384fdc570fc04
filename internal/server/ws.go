package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lanlantech/lanlan/internal/character"
	"github.com/lanlantech/lanlan/internal/config"
)

// writeTimeout bounds one frame write toward the frontend.
const writeTimeout = 5 * time.Second

// clientFrame is one JSON text frame from the frontend.
type clientFrame struct {
	Action     string `json:"action"`
	InputType  string `json:"input_type"`
	NewSession bool   `json:"new_session"`

	// stream_data payload; exactly one is set per frame.
	Audio string `json:"audio,omitempty"` // base64 PCM chunk
	Image string `json:"image,omitempty"` // base64 JPEG
	Text  string `json:"text,omitempty"`
}

// clientConn wraps the frontend WebSocket with a write lock so the session
// sink and the action loop can both push frames.
type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *clientConn) sendFrame(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.conn, v); err != nil {
		slog.Debug("client frame dropped", "err", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("character_name")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("websocket accept", "err", err)
		return
	}
	cc := &clientConn{conn: conn}

	mgr, ok := s.registry.Get(name)
	if !ok {
		// Tell the frontend which character it should switch to before
		// hanging up, so it can self-correct its URL.
		hint := ""
		if names := s.registry.Names(); len(names) > 0 {
			hint = names[0]
		}
		cc.sendFrame(map[string]any{
			"type":        "catgirl_switched",
			"new_catgirl": hint,
			"old_catgirl": name,
		})
		conn.Close(websocket.StatusPolicyViolation, "unknown character")
		return
	}

	s.trackConn(name, cc)
	defer s.untrackConn(name, cc)

	h := &wsHandler{server: s, mgr: mgr, cc: cc}
	defer h.cleanup()
	h.loop(r.Context())
}

// wsHandler drives one frontend connection.
type wsHandler struct {
	server *Server
	mgr    *character.Manager
	cc     *clientConn

	mu      sync.Mutex
	session RealtimeSession
	mode    config.InputMode
}

func (h *wsHandler) loop(ctx context.Context) {
	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, h.cc.conn, &frame); err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Debug("client read loop ended", "character", h.mgr.Name(), "err", err)
			}
			return
		}

		switch frame.Action {
		case "ping":
			h.cc.sendFrame(map[string]string{"type": "pong"})
		case "start_session":
			h.startSession(ctx, frame)
		case "stream_data":
			h.streamData(frame)
		case "end_session":
			h.endSession(false)
		case "pause_session":
			h.endSession(true)
		default:
			h.cc.sendFrame(map[string]any{
				"type":  "error",
				"error": "unknown action " + frame.Action,
			})
		}
	}
}

func (h *wsHandler) startSession(ctx context.Context, frame clientFrame) {
	if frame.NewSession {
		h.endSession(false)
	}

	mode := config.InputAudio
	if frame.InputType == "text" {
		mode = config.InputText
	}

	sink := &clientSink{mgr: h.mgr, cc: h.cc, agent: h.server.agent}
	session, err := h.mgr.BeginSession(func(cfg config.CharacterConfig) (character.Session, error) {
		return h.server.factory(ctx, cfg, mode, sink)
	})
	if err != nil {
		if errors.Is(err, character.ErrSessionActive) {
			// The manager survives end_session, so a reconnecting client may
			// race its own old session. Treat it as already started.
			h.cc.sendFrame(map[string]string{"type": "session_started"})
			return
		}
		h.cc.sendFrame(map[string]any{"type": "error", "error": err.Error(), "fatal": true})
		return
	}

	rs := session.(RealtimeSession)
	sink.bind(rs, h.endSessionOnFatal)
	h.mu.Lock()
	h.session = rs
	h.mode = mode
	h.mu.Unlock()
	h.server.metrics.ActiveSessions.Add(context.Background(), 1)

	slog.Info("realtime session started", "character", h.mgr.Name(), "input", mode)
	h.cc.sendFrame(map[string]string{"type": "session_started"})
}

func (h *wsHandler) streamData(frame clientFrame) {
	h.mu.Lock()
	session := h.session
	h.mu.Unlock()
	if session == nil {
		h.cc.sendFrame(map[string]any{"type": "error", "error": "no active session"})
		return
	}

	switch {
	case frame.Audio != "":
		chunk, err := base64.StdEncoding.DecodeString(frame.Audio)
		if err != nil {
			slog.Debug("undecodable audio chunk", "character", h.mgr.Name(), "err", err)
			return
		}
		session.StreamAudio(chunk)
	case frame.Image != "":
		session.StreamImage(frame.Image)
	case frame.Text != "":
		if err := session.SendUserText(frame.Text); err != nil {
			slog.Debug("text send failed", "character", h.mgr.Name(), "err", err)
		}
	}
}

func (h *wsHandler) endSession(pause bool) {
	h.mu.Lock()
	had := h.session != nil
	h.session = nil
	h.mu.Unlock()
	if had {
		h.server.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	if pause {
		h.mgr.PauseSession()
	} else {
		h.mgr.EndSession()
	}
}

// endSessionOnFatal releases the manager slot after the session killed
// itself, so the next start_session gets a fresh one.
func (h *wsHandler) endSessionOnFatal() {
	h.endSession(false)
}

func (h *wsHandler) cleanup() {
	h.endSession(false)
}
