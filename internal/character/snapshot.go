package character

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// snapshotLimit is how many turns the rolling snapshot keeps. The Memory
// process consumes the file; older history lives there.
const snapshotLimit = 20

// Turn is one conversational exchange entry in the snapshot.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// SnapshotWriter maintains the per-character recent_{name}.json file: the
// last few conversation turns, atomically rewritten on every update.
type SnapshotWriter struct {
	path string

	mu    sync.Mutex
	turns []Turn
}

// NewSnapshotWriter creates a writer for one character. Existing snapshot
// content is loaded so restarts append rather than truncate.
func NewSnapshotWriter(dir, name string) *SnapshotWriter {
	w := &SnapshotWriter{path: filepath.Join(dir, "recent_"+name+".json")}
	if data, err := os.ReadFile(w.path); err == nil {
		_ = json.Unmarshal(data, &w.turns)
	}
	return w
}

// Path returns the snapshot file location.
func (w *SnapshotWriter) Path() string { return w.path }

// Record appends a turn, clamps to the last entries and rewrites the file.
func (w *SnapshotWriter) Record(role, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.turns = append(w.turns, Turn{Role: role, Text: text, At: time.Now()})
	if len(w.turns) > snapshotLimit {
		w.turns = w.turns[len(w.turns)-snapshotLimit:]
	}

	data, err := json.MarshalIndent(w.turns, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".recent-*.json")
	if err != nil {
		return fmt.Errorf("snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Turns returns a copy of the buffered turns.
func (w *SnapshotWriter) Turns() []Turn {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}
