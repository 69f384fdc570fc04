package character

import (
	"log/slog"
	"sync"

	"github.com/lanlantech/lanlan/internal/config"
)

// Registry holds the Session Manager for every configured character and
// applies hot reloads without disturbing connected users.
type Registry struct {
	monitorURL  string
	snapshotDir string

	mu       sync.Mutex
	managers map[string]*Manager
}

// ReloadReport says what a hot reload did, so the caller can push
// reload_page frames where the voice changed under an active session.
type ReloadReport struct {
	Added    []string
	Replaced []string
	Mutated  []string
	Removed  []string

	// VoiceChanged lists active characters whose voice id changed. Voice is
	// fixed at session setup, so these need a frontend-driven reconnect:
	// reload_page first, then close, then a fresh session.
	VoiceChanged []string
}

// NewRegistry builds managers for the initial character set.
func NewRegistry(chars []config.CharacterConfig, monitorURL, snapshotDir string) *Registry {
	r := &Registry{
		monitorURL:  monitorURL,
		snapshotDir: snapshotDir,
		managers:    make(map[string]*Manager),
	}
	for _, c := range chars {
		r.managers[c.Name] = NewManager(c, monitorURL, snapshotDir)
	}
	return r
}

// Get returns the manager for a character name.
func (r *Registry) Get(name string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[name]
	return m, ok
}

// Names returns the configured character names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.managers))
	for name := range r.managers {
		out = append(out, name)
	}
	return out
}

// Reload applies a changed character set:
//   - characters with an active session keep their manager; only prompt and
//     voice are mutated in place
//   - idle characters get a replacement manager
//   - deleted characters are torn down, connector threads joined
//
// Each manager's own lock serializes this against session starts.
func (r *Registry) Reload(chars []config.CharacterConfig) ReloadReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report ReloadReport
	incoming := make(map[string]config.CharacterConfig, len(chars))
	for _, c := range chars {
		incoming[c.Name] = c
	}

	for name, m := range r.managers {
		cfg, stillThere := incoming[name]
		if !stillThere {
			m.Close()
			delete(r.managers, name)
			report.Removed = append(report.Removed, name)
			continue
		}
		if m.Active() {
			if m.Config().VoiceID != cfg.VoiceID {
				report.VoiceChanged = append(report.VoiceChanged, name)
			}
			m.SetPersona(cfg.Prompt, cfg.VoiceID)
			report.Mutated = append(report.Mutated, name)
		} else {
			m.Close()
			r.managers[name] = NewManager(cfg, r.monitorURL, r.snapshotDir)
			report.Replaced = append(report.Replaced, name)
		}
	}

	for name, cfg := range incoming {
		if _, exists := r.managers[name]; !exists {
			r.managers[name] = NewManager(cfg, r.monitorURL, r.snapshotDir)
			report.Added = append(report.Added, name)
		}
	}

	slog.Info("character registry reloaded",
		"added", len(report.Added), "replaced", len(report.Replaced),
		"mutated", len(report.Mutated), "removed", len(report.Removed),
		"voice_changed", len(report.VoiceChanged))
	return report
}

// Close tears down every manager.
func (r *Registry) Close() {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		managers = append(managers, m)
	}
	r.managers = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range managers {
		m.Close()
	}
}
