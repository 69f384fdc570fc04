package character

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	monitorRedialDelay = 2 * time.Second
	monitorJoinTimeout = 3 * time.Second
)

// MonitorLink forwards subtitle and telemetry frames for one character to
// the Monitor process. Frames go into an unbounded in-memory queue; a single
// connector goroutine drains it onto a WebSocket, redialing on failure so a
// Monitor restart only delays delivery.
type MonitorLink struct {
	url       string
	character string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []any
	closed bool

	done chan struct{}
	join chan struct{}
}

// NewMonitorLink starts the connector goroutine for one character.
func NewMonitorLink(url, character string) *MonitorLink {
	l := &MonitorLink{
		url:       url,
		character: character,
		done:      make(chan struct{}),
		join:      make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Publish queues a frame for delivery. Never blocks.
func (l *MonitorLink) Publish(frame any) {
	l.mu.Lock()
	if !l.closed {
		l.queue = append(l.queue, frame)
		l.cond.Signal()
	}
	l.mu.Unlock()
}

// Pending returns the number of undelivered frames.
func (l *MonitorLink) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close raises the shutdown event and waits for the connector to exit,
// abandoning it after a timeout so teardown never hangs on a dead Monitor.
func (l *MonitorLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.done)
	l.cond.Broadcast()
	l.mu.Unlock()

	select {
	case <-l.join:
	case <-time.After(monitorJoinTimeout):
		slog.Warn("monitor connector did not stop in time, abandoning",
			"character", l.character)
	}
}

func (l *MonitorLink) run() {
	defer close(l.join)

	var conn *websocket.Conn
	defer func() {
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
		}
	}()

	for {
		frame, ok := l.peek()
		if !ok {
			return
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			slog.Debug("monitor frame not serializable", "character", l.character, "err", err)
			l.pop()
			continue
		}

		// The frame stays queued until it is actually delivered, so a dead
		// Monitor loses nothing that arrives while it restarts.
		for {
			if conn == nil {
				conn = l.dial()
				if conn == nil {
					return
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err == nil {
				l.pop()
				break
			}
			slog.Debug("monitor write failed, redialing", "character", l.character, "err", err)
			_ = conn.Close(websocket.StatusGoingAway, "write failed")
			conn = nil
		}
	}
}

// peek blocks until a frame is queued or shutdown is raised.
func (l *MonitorLink) peek() (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) == 0 && !l.closed {
		l.cond.Wait()
	}
	if len(l.queue) == 0 {
		return nil, false
	}
	return l.queue[0], true
}

func (l *MonitorLink) pop() {
	l.mu.Lock()
	if len(l.queue) > 0 {
		l.queue = l.queue[1:]
	}
	l.mu.Unlock()
}

// dial connects to the Monitor, retrying until it succeeds or shutdown is
// raised. Returns nil on shutdown.
func (l *MonitorLink) dial() *websocket.Conn {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, _, err := websocket.Dial(ctx, l.url, nil)
		cancel()
		if err == nil {
			slog.Debug("monitor connected", "character", l.character, "url", l.url)
			return conn
		}
		select {
		case <-l.done:
			return nil
		case <-time.After(monitorRedialDelay):
		}
	}
}
