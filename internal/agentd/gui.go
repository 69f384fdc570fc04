package agentd

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	guiPollInterval = 50 * time.Millisecond
	guiKillGrace    = 3 * time.Second
)

// ErrGuiQueueFull is returned when the bounded desktop-automation queue
// cannot accept another task.
var ErrGuiQueueFull = errors.New("agentd: computer-use queue is full")

type guiEntry struct {
	taskID      string
	instruction string
}

type guiResult struct {
	taskID string
	output string
	err    error
}

// GuiScheduler runs desktop-automation tasks one at a time. Tasks wait in a
// bounded queue; a single consumer goroutine polls it and at most one worker
// process is alive at any moment. Results come back on a channel the
// scheduler owns, drained by one goroutine that writes terminal states into
// the registry.
type GuiScheduler struct {
	command  string
	registry *Registry

	queue   chan guiEntry
	results chan guiResult
	active  bool
	mu      sync.Mutex

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewGuiScheduler creates a scheduler for the given worker command. An empty
// command disables desktop automation: Available reports false and Enqueue
// rejects everything.
func NewGuiScheduler(command string, bound int, registry *Registry) *GuiScheduler {
	if bound <= 0 {
		bound = 32
	}
	s := &GuiScheduler{
		command:  command,
		registry: registry,
		queue:    make(chan guiEntry, bound),
		results:  make(chan guiResult, bound),
		done:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.consume()
	go s.drain()
	return s
}

// Available reports whether a worker command is configured.
func (s *GuiScheduler) Available() bool {
	return s.command != ""
}

// Enqueue adds a task to the queue. It never blocks; a full queue is an
// error the caller surfaces to the requester.
func (s *GuiScheduler) Enqueue(taskID, instruction string) error {
	if !s.Available() {
		return errors.New("agentd: computer use is not configured")
	}
	select {
	case s.queue <- guiEntry{taskID: taskID, instruction: instruction}:
		return nil
	default:
		return ErrGuiQueueFull
	}
}

// Pending returns the number of queued entries not yet picked up.
func (s *GuiScheduler) Pending() int {
	return len(s.queue)
}

// Flush fails every queued entry that has not started yet.
func (s *GuiScheduler) Flush() {
	for {
		select {
		case e := <-s.queue:
			if err := s.registry.Fail(e.taskID, "cancelled by admin"); err != nil {
				slog.Debug("gui flush: mark failed", "task", e.taskID, "err", err)
			}
		default:
			return
		}
	}
}

// Stop shuts the scheduler down. A running worker gets SIGTERM and three
// seconds to exit before SIGKILL.
func (s *GuiScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *GuiScheduler) consume() {
	defer s.wg.Done()
	ticker := time.NewTicker(guiPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		busy := s.active
		s.mu.Unlock()
		if busy {
			continue
		}

		select {
		case e := <-s.queue:
			s.mu.Lock()
			s.active = true
			s.mu.Unlock()
			go s.runWorker(e)
		default:
		}
	}
}

func (s *GuiScheduler) drain() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case res := <-s.results:
			if res.err != nil {
				if err := s.registry.Fail(res.taskID, res.err.Error()); err != nil {
					slog.Debug("gui drain: mark failed", "task", res.taskID, "err", err)
				}
			} else {
				if err := s.registry.Complete(res.taskID, map[string]any{"output": res.output}); err != nil {
					slog.Debug("gui drain: mark completed", "task", res.taskID, "err", err)
				}
			}
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}
	}
}

func (s *GuiScheduler) runWorker(e guiEntry) {
	if err := s.registry.MarkRunning(e.taskID); err != nil {
		slog.Debug("gui worker: mark running", "task", e.taskID, "err", err)
	}
	output, err := s.execute(e)

	select {
	case s.results <- guiResult{taskID: e.taskID, output: output, err: err}:
	case <-s.done:
	}
}

func (s *GuiScheduler) execute(e guiEntry) (string, error) {
	cmd := exec.Command(s.command, e.instruction)
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start computer-use worker: %w", err)
	}
	slog.Info("computer-use worker started", "task", e.taskID, "pid", cmd.Process.Pid)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		if err != nil {
			return out.String(), fmt.Errorf("computer-use worker: %w", err)
		}
		return out.String(), nil
	case <-s.done:
		s.terminate(cmd, waitErr)
		return out.String(), errors.New("computer-use worker interrupted by shutdown")
	}
}

// terminate asks the worker to exit and kills it after the grace period.
func (s *GuiScheduler) terminate(cmd *exec.Cmd, waitErr chan error) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitErr:
	case <-time.After(guiKillGrace):
		_ = cmd.Process.Kill()
		<-waitErr
	}
}
