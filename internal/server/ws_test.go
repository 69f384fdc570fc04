package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lanlantech/lanlan/internal/character"
	"github.com/lanlantech/lanlan/internal/config"
	"github.com/lanlantech/lanlan/internal/realtime"
)

type fakeRT struct {
	mu     sync.Mutex
	audio  [][]byte
	texts  []string
	images []string
	extras []string
	closed int
}

func (f *fakeRT) StreamAudio(chunk []byte) {
	f.mu.Lock()
	f.audio = append(f.audio, chunk)
	f.mu.Unlock()
}

func (f *fakeRT) StreamImage(b64 string) {
	f.mu.Lock()
	f.images = append(f.images, b64)
	f.mu.Unlock()
}

func (f *fakeRT) SendUserText(text string) error {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeRT) CreateResponse(extra string, _ bool) error {
	f.mu.Lock()
	f.extras = append(f.extras, extra)
	f.mu.Unlock()
	return nil
}

func (f *fakeRT) HandleInterruption() error { return nil }

func (f *fakeRT) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

// fakeUpstream hands out fakeRT sessions and exposes the sink of the most
// recent one so tests can inject upstream events.
type fakeUpstream struct {
	mu       sync.Mutex
	sessions []*fakeRT
	sinks    []realtime.Sink
}

func (u *fakeUpstream) factory(_ context.Context, _ config.CharacterConfig, _ config.InputMode, sink realtime.Sink) (RealtimeSession, error) {
	rt := &fakeRT{}
	u.mu.Lock()
	u.sessions = append(u.sessions, rt)
	u.sinks = append(u.sinks, sink)
	u.mu.Unlock()
	return rt, nil
}

func (u *fakeUpstream) latest(t *testing.T) (*fakeRT, realtime.Sink) {
	t.Helper()
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.sessions) == 0 {
		t.Fatal("no session was created")
	}
	return u.sessions[len(u.sessions)-1], u.sinks[len(u.sinks)-1]
}

func (u *fakeUpstream) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sessions)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func newTestMain(t *testing.T) (*Server, *fakeUpstream, *httptest.Server) {
	t.Helper()
	registry := character.NewRegistry([]config.CharacterConfig{
		{Name: "mira", Prompt: "you are mira", VoiceID: "alloy"},
	}, "", t.TempDir())
	t.Cleanup(registry.Close)

	upstream := &fakeUpstream{}
	srv := New(testConfig(), registry, upstream.factory)
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, upstream, ts
}

func dialWS(t *testing.T, ts *httptest.Server, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + name
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var frame map[string]any
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// recvType skips frames until one of the wanted type arrives.
func recvType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := recv(t, conn)
		if frame["type"] == want {
			return frame
		}
	}
	t.Fatalf("frame of type %q never arrived", want)
	return nil
}

func TestWS_UnknownCharacterGetsSwitchHint(t *testing.T) {
	_, _, ts := newTestMain(t)
	conn := dialWS(t, ts, "nobody")

	frame := recv(t, conn)
	if frame["type"] != "catgirl_switched" || frame["old_catgirl"] != "nobody" {
		t.Fatalf("frame = %v", frame)
	}
	if frame["new_catgirl"] != "mira" {
		t.Errorf("hint = %v, want the configured character", frame["new_catgirl"])
	}
}

func TestWS_Ping(t *testing.T) {
	_, _, ts := newTestMain(t)
	conn := dialWS(t, ts, "mira")

	send(t, conn, map[string]string{"action": "ping"})
	if frame := recv(t, conn); frame["type"] != "pong" {
		t.Fatalf("frame = %v", frame)
	}
}

func TestWS_SessionLifecycle(t *testing.T) {
	_, upstream, ts := newTestMain(t)
	conn := dialWS(t, ts, "mira")

	send(t, conn, map[string]any{"action": "start_session", "input_type": "audio"})
	recvType(t, conn, "session_started")

	chunk := []byte{1, 2, 3, 4}
	send(t, conn, map[string]string{
		"action": "stream_data",
		"audio":  base64.StdEncoding.EncodeToString(chunk),
	})
	send(t, conn, map[string]string{"action": "stream_data", "text": "hello"})

	rt, _ := upstream.latest(t)
	waitFor(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.audio) == 1 && len(rt.texts) == 1
	})
	rt.mu.Lock()
	if string(rt.audio[0]) != string(chunk) || rt.texts[0] != "hello" {
		t.Errorf("session saw audio=%v texts=%v", rt.audio, rt.texts)
	}
	rt.mu.Unlock()

	send(t, conn, map[string]string{"action": "end_session"})
	waitFor(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.closed == 1
	})

	// The manager survives; a new start_session opens a second session.
	send(t, conn, map[string]any{"action": "start_session", "input_type": "audio"})
	recvType(t, conn, "session_started")
	if upstream.count() != 2 {
		t.Errorf("sessions created = %d, want 2", upstream.count())
	}
}

func TestWS_DoubleStartIsIdempotent(t *testing.T) {
	_, upstream, ts := newTestMain(t)
	conn := dialWS(t, ts, "mira")

	send(t, conn, map[string]any{"action": "start_session"})
	recvType(t, conn, "session_started")
	send(t, conn, map[string]any{"action": "start_session"})
	recvType(t, conn, "session_started")

	if upstream.count() != 1 {
		t.Fatalf("sessions created = %d, want 1", upstream.count())
	}
}

func TestWS_NewSessionReplacesOld(t *testing.T) {
	_, upstream, ts := newTestMain(t)
	conn := dialWS(t, ts, "mira")

	send(t, conn, map[string]any{"action": "start_session"})
	recvType(t, conn, "session_started")
	send(t, conn, map[string]any{"action": "start_session", "new_session": true})
	recvType(t, conn, "session_started")

	if upstream.count() != 2 {
		t.Fatalf("sessions created = %d, want 2", upstream.count())
	}
	first := upstream.sessions[0]
	first.mu.Lock()
	defer first.mu.Unlock()
	if first.closed != 1 {
		t.Error("first session was not closed by new_session")
	}
}

func TestWS_SinkForwardsUpstreamEvents(t *testing.T) {
	_, upstream, ts := newTestMain(t)
	conn := dialWS(t, ts, "mira")

	send(t, conn, map[string]any{"action": "start_session"})
	recvType(t, conn, "session_started")
	_, sink := upstream.latest(t)

	sink.OnTextDelta("你好", true)
	frame := recvType(t, conn, "text_delta")
	if frame["text"] != "你好" || frame["first_chunk"] != true {
		t.Errorf("frame = %v", frame)
	}

	sink.OnAudioDelta([]byte{9, 9}, false)
	frame = recvType(t, conn, "audio_delta")
	if frame["audio"] != base64.StdEncoding.EncodeToString([]byte{9, 9}) {
		t.Errorf("frame = %v", frame)
	}

	sink.OnResponseDone("你好呀")
	frame = recvType(t, conn, "response_done")
	if frame["transcript"] != "你好呀" {
		t.Errorf("frame = %v", frame)
	}
}

func TestWS_StreamWithoutSessionIsError(t *testing.T) {
	_, _, ts := newTestMain(t)
	conn := dialWS(t, ts, "mira")

	send(t, conn, map[string]string{"action": "stream_data", "text": "hi"})
	if frame := recv(t, conn); frame["type"] != "error" {
		t.Fatalf("frame = %v", frame)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
