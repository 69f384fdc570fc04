// Package launcher starts and supervises the runtime's long-lived
// processes. There is no restart policy: when any child exits, the launcher
// logs it, tears the others down and exits itself, leaving recovery to the
// operator or an outer supervisor.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const (
	readyProbeInterval = 100 * time.Millisecond
	defaultReadyWait   = 30 * time.Second
	killGrace          = 3 * time.Second
)

// Process describes one child to launch.
type Process struct {
	// Name labels the process in logs.
	Name string

	// Command is the argv to execute.
	Command []string

	// ReadyAddr, when set, is a TCP address polled until it accepts
	// connections. Empty skips the readiness wait.
	ReadyAddr string
}

type exitEvent struct {
	name string
	err  error
}

// Launcher supervises a set of processes.
type Launcher struct {
	procs     []Process
	readyWait time.Duration

	running []*exec.Cmd
	exits   chan exitEvent
}

// New creates a launcher for the given processes.
func New(procs []Process) *Launcher {
	return &Launcher{
		procs:     procs,
		readyWait: defaultReadyWait,
		exits:     make(chan exitEvent, len(procs)),
	}
}

// Run starts every process, waits for readiness, then blocks until either
// the context is cancelled or any child exits. The remaining children get
// SIGTERM and three seconds before SIGKILL.
func (l *Launcher) Run(ctx context.Context) error {
	if len(l.procs) == 0 {
		return errors.New("launcher: nothing to launch")
	}

	for _, p := range l.procs {
		cmd := exec.Command(p.Command[0], p.Command[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			l.terminateAll(len(l.running))
			return fmt.Errorf("launcher: start %s: %w", p.Name, err)
		}
		slog.Info("process started", "name", p.Name, "pid", cmd.Process.Pid)
		l.running = append(l.running, cmd)

		name := p.Name
		go func(c *exec.Cmd) {
			l.exits <- exitEvent{name: name, err: c.Wait()}
		}(cmd)
	}

	for _, p := range l.procs {
		if p.ReadyAddr == "" {
			continue
		}
		evt, err := l.waitReady(ctx, p)
		if err != nil {
			remaining := len(l.running)
			if evt != nil {
				remaining--
			}
			l.terminateAll(remaining)
			return err
		}
		slog.Info("process ready", "name", p.Name, "addr", p.ReadyAddr)
	}
	slog.Info("all processes ready")

	select {
	case <-ctx.Done():
		slog.Info("shutting down children")
		l.terminateAll(len(l.running))
		return ctx.Err()
	case evt := <-l.exits:
		slog.Error("child exited, stopping everything", "name", evt.name, "err", evt.err)
		l.terminateAll(len(l.running) - 1)
		return fmt.Errorf("launcher: %s exited: %w", evt.name, evt.err)
	}
}

// waitReady polls the process's TCP port until it accepts a connection. The
// returned event is non-nil when the wait ended because a child exited.
func (l *Launcher) waitReady(ctx context.Context, p Process) (*exitEvent, error) {
	deadline := time.Now().Add(l.readyWait)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", p.ReadyAddr, readyProbeInterval)
		if err == nil {
			conn.Close()
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case evt := <-l.exits:
			return &evt, fmt.Errorf("launcher: %s exited before becoming ready: %w", evt.name, evt.err)
		case <-time.After(readyProbeInterval):
		}
	}
	return nil, fmt.Errorf("launcher: %s not ready on %s after %s", p.Name, p.ReadyAddr, l.readyWait)
}

// terminateAll signals the children and waits for their exit events, which
// the per-child Wait goroutines deliver. remaining says how many events are
// still owed; events consumed earlier must not be double-counted.
func (l *Launcher) terminateAll(remaining int) {
	for _, cmd := range l.running {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	grace := time.After(killGrace)
	for remaining > 0 {
		select {
		case <-l.exits:
			remaining--
		case <-grace:
			for _, cmd := range l.running {
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			}
			for remaining > 0 {
				select {
				case <-l.exits:
					remaining--
				case <-time.After(time.Second):
					slog.Warn("abandoning unresponsive children", "count", remaining)
					return
				}
			}
		}
	}
}
