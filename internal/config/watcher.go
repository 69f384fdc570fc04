package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// CharacterWatcher monitors the characters file for changes and calls a
// callback when the file is modified. It uses polling (not fsnotify) to keep
// dependencies minimal; character edits arrive through a CRUD surface that
// rewrites the file, so sub-second latency is not needed.
type CharacterWatcher struct {
	path     string
	interval time.Duration
	onChange func(old, new []CharacterConfig)

	mu       sync.Mutex
	current  []CharacterConfig
	done     chan struct{}
	stopOnce sync.Once

	// last known file state for change detection
	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [CharacterWatcher].
type WatcherOption func(*CharacterWatcher)

// WithInterval sets the polling interval. The default is 2 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *CharacterWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewCharacterWatcher creates a characters-file watcher. It loads the
// initial character list immediately and starts polling in a background
// goroutine.
func NewCharacterWatcher(path string, onChange func(old, new []CharacterConfig), opts ...WatcherOption) (*CharacterWatcher, error) {
	w := &CharacterWatcher{
		path:     path,
		interval: 2 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	chars, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: character watcher initial load: %w", err)
	}
	w.current = chars
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid character list.
func (w *CharacterWatcher) Current() []CharacterConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *CharacterWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

// poll runs in a background goroutine, checking the file periodically.
func (w *CharacterWatcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reads the characters file and, if it has changed and is valid, calls
// onChange and updates the current list.
func (w *CharacterWatcher) check() {
	// Quick mtime check first to avoid hashing unchanged files.
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("character watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	chars, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("character watcher: failed to load characters", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()

	if hash == w.lastHash {
		// File was touched but content is identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}

	old := w.current
	w.current = chars
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("character watcher: characters reloaded", "path", w.path, "count", len(chars))

	// Invoke the callback outside the lock so it can safely call Current().
	if w.onChange != nil {
		w.onChange(old, chars)
	}
}

// loadAndHash reads the characters file, parses + validates it, and returns
// the list alongside the file's SHA-256 hash and modification time. If the
// file is invalid, it returns an error (the caller keeps the old list).
func (w *CharacterWatcher) loadAndHash() ([]CharacterConfig, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	f, err := os.Open(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	hash := sha256.Sum256(data)

	chars, err := LoadCharactersFromReader(bytesReader(data))
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	return chars, hash, info.ModTime(), nil
}

// bytesReader wraps a byte slice in a minimal io.Reader.
type bytesReaderImpl struct {
	data []byte
	pos  int
}

func bytesReader(b []byte) io.Reader {
	return &bytesReaderImpl{data: b}
}

func (r *bytesReaderImpl) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
