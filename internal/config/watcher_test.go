package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func writeCharacters(t *testing.T, path, doc string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCharacterWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "characters.yaml")
	writeCharacters(t, path, "characters:\n  - name: lanlan\n")

	w, err := NewCharacterWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewCharacterWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current(); len(got) != 1 || got[0].Name != "lanlan" {
		t.Fatalf("Current() = %+v, want one character named lanlan", got)
	}
}

func TestCharacterWatcher_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "characters.yaml")
	writeCharacters(t, path, "characters:\n  - name: lanlan\n")

	var mu sync.Mutex
	var gotNew []CharacterConfig
	changed := make(chan struct{}, 1)

	w, err := NewCharacterWatcher(path, func(_, new []CharacterConfig) {
		mu.Lock()
		gotNew = new
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewCharacterWatcher: %v", err)
	}
	defer w.Stop()

	// Rewrite with a different mtime and content.
	time.Sleep(20 * time.Millisecond)
	writeCharacters(t, path, "characters:\n  - name: lanlan\n  - name: momo\n")
	now := time.Now()
	_ = os.Chtimes(path, now, now)

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reported the change")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(gotNew) != 2 {
		t.Fatalf("onChange new = %+v, want 2 characters", gotNew)
	}
}

func TestCharacterWatcher_KeepsOldOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "characters.yaml")
	writeCharacters(t, path, "characters:\n  - name: lanlan\n")

	w, err := NewCharacterWatcher(path, func(_, _ []CharacterConfig) {
		t.Error("onChange must not fire for an invalid file")
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewCharacterWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	writeCharacters(t, path, "characters:\n  - name: lanlan\n  - name: lanlan\n")
	now := time.Now()
	_ = os.Chtimes(path, now, now)

	time.Sleep(100 * time.Millisecond)

	if got := w.Current(); len(got) != 1 {
		t.Fatalf("Current() = %+v, want the pre-corruption list", got)
	}
}
