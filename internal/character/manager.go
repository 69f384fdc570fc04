package character

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/lanlantech/lanlan/internal/config"
)

// ErrSessionActive is returned when a second realtime session is opened for
// a character that already has one.
var ErrSessionActive = errors.New("character: a realtime session is already active")

// Session is the slice of a realtime session the manager controls. The
// WebSocket handler owns the concrete session; the manager only tracks its
// existence and tears it down during reload or shutdown.
type Session interface {
	Close() error
}

// Manager owns everything tied to one character: its persona config, the
// at-most-one active realtime session, replies queued for the next turn, the
// monitor fan-out link and the conversation snapshot. The manager's lock
// serializes session lifecycle against hot reload.
type Manager struct {
	mu      sync.Mutex
	cfg     config.CharacterConfig
	session Session
	paused  bool

	// pendingExtra holds task-result texts delivered by the Agent process,
	// surfaced on the character's next conversational turn.
	pendingExtra []string

	monitor   *MonitorLink
	snapshots *SnapshotWriter
}

// NewManager creates a manager for one character. monitorURL and snapshotDir
// may be empty to disable the respective feature.
func NewManager(cfg config.CharacterConfig, monitorURL, snapshotDir string) *Manager {
	m := &Manager{cfg: cfg}
	if monitorURL != "" {
		m.monitor = NewMonitorLink(monitorURL, cfg.Name)
	}
	if snapshotDir != "" {
		m.snapshots = NewSnapshotWriter(snapshotDir, cfg.Name)
	}
	return m
}

// Name returns the character name.
func (m *Manager) Name() string { return m.cfg.Name }

// Config returns the current persona configuration.
func (m *Manager) Config() config.CharacterConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SetPersona mutates the prompt and voice in place. Used by hot reload when
// the character has an active session that must not be disturbed.
func (m *Manager) SetPersona(prompt, voiceID string) {
	m.mu.Lock()
	m.cfg.Prompt = prompt
	m.cfg.VoiceID = voiceID
	m.mu.Unlock()
}

// BeginSession claims the session slot and builds the session under the
// manager's lock, so reload never observes a half-started session.
func (m *Manager) BeginSession(start func(cfg config.CharacterConfig) (Session, error)) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return nil, ErrSessionActive
	}
	s, err := start(m.cfg)
	if err != nil {
		return nil, err
	}
	m.session = s
	m.paused = false
	return s, nil
}

// EndSession closes and releases the active session. Ending an idle manager
// is a no-op so reconnecting clients can always send end_session first.
func (m *Manager) EndSession() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.paused = false
	m.mu.Unlock()

	if s != nil {
		if err := s.Close(); err != nil {
			slog.Debug("session close", "character", m.Name(), "err", err)
		}
	}
}

// PauseSession closes the upstream session but keeps the manager marked
// idle-by-choice, which the UI renders differently from a hard stop.
func (m *Manager) PauseSession() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.paused = true
	m.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
}

// Active reports whether a realtime session is currently attached.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil
}

// Paused reports whether the last session ended via pause_session.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// PushExtraReply queues a task-result text for the next turn.
func (m *Manager) PushExtraReply(text string) {
	m.mu.Lock()
	m.pendingExtra = append(m.pendingExtra, text)
	m.mu.Unlock()
}

// DrainExtraReplies returns and clears the queued task-result texts.
func (m *Manager) DrainExtraReplies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pendingExtra
	m.pendingExtra = nil
	return out
}

// Publish queues a frame for the Monitor process. Dropped when no monitor
// is configured.
func (m *Manager) Publish(frame any) {
	if m.monitor != nil {
		m.monitor.Publish(frame)
	}
}

// RecentTurns returns the rolling window of recent conversation turns.
func (m *Manager) RecentTurns() []Turn {
	if m.snapshots == nil {
		return nil
	}
	return m.snapshots.Turns()
}

// RecordTurn appends one conversational turn to the rolling snapshot.
func (m *Manager) RecordTurn(role, text string) {
	if m.snapshots != nil {
		if err := m.snapshots.Record(role, text); err != nil {
			slog.Debug("snapshot write", "character", m.Name(), "err", err)
		}
	}
}

// Close tears the manager down: the active session is closed and the
// sync-connector receives its shutdown event and is joined with a timeout.
func (m *Manager) Close() {
	m.EndSession()
	if m.monitor != nil {
		m.monitor.Close()
	}
}
