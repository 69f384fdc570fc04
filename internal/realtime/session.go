// Package realtime implements the duplex voice session against a realtime
// LLM upstream (OpenAI Realtime or Gemini Live).
//
// A Session owns one WebSocket connection and one audio pre-processing
// pipeline. Inbound audio/image/text is normalized and forwarded upstream;
// upstream events are routed to a [Sink]. The session enforces the runtime's
// protective behaviors: send-window backpressure, overload throttling,
// a silence watchdog for providers that bill idle sessions, and repetition
// detection on final transcripts.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lanlantech/lanlan/internal/config"
	"github.com/lanlantech/lanlan/internal/observe"
	"github.com/lanlantech/lanlan/pkg/audio"
)

const (
	defaultSendWindow   = 25
	defaultWatchdogTick = 10 * time.Second
	historyCap          = 64
)

// Params carries everything a session needs to connect and behave. Most
// fields come straight from [config.UpstreamConfig] plus the character's
// persona.
type Params struct {
	Provider     config.UpstreamProvider
	APIKey       string
	BaseURL      string
	Model        string
	Voice        string
	Instructions string

	// InputSampleRate is the client capture rate (48000 desktop, 16000
	// mobile). Zero means desktop.
	InputSampleRate int

	ImageMinInterval    time.Duration
	SendWindow          int
	ThrottleWindow      time.Duration
	SilenceTimeout      time.Duration // zero disables the watchdog
	RepetitionThreshold float64
	AudioWorkers        int
	GateThreshold       float64
}

// Describer turns a JPEG frame into a short textual description. Used for
// providers without native image input.
type Describer interface {
	Describe(ctx context.Context, jpegBase64 string) (string, error)
}

// Message is one entry of the session's rolling conversation history.
type Message struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Option configures a Session before its goroutines start.
type Option func(*Session)

// WithDescriber installs the vision fallback for non-native-image providers.
func WithDescriber(d Describer) Option {
	return func(s *Session) { s.describer = d }
}

// withWatchdogTick shortens the silence watchdog tick in tests.
func withWatchdogTick(d time.Duration) Option {
	return func(s *Session) { s.watchdogTick = d }
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session is one live connection to the realtime upstream. Safe for
// concurrent use.
type Session struct {
	wire      Wire
	sink      Sink
	params    Params
	describer Describer

	proc    *audio.Processor
	pool    *audio.Pool
	sem     *semaphore.Weighted
	rep     *repetitionDetector
	metrics *observe.Metrics

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
	watchdogTick time.Duration

	mu            sync.Mutex
	closed        bool
	fatal         bool
	responding    bool
	suppress      bool // current response's deltas are dropped
	skipNext      bool // suppress the next response (staged by CreateResponse)
	firstText     bool
	firstAudio    bool
	outputTx      strings.Builder
	throttleUntil time.Time
	lastActivity  time.Time
	imageSentAt   time.Time
	imageTurnDone bool
	history       []Message
}

// Connect dials the upstream, configures the session, and starts the receive
// loop. The sink starts receiving events before Connect returns.
func Connect(ctx context.Context, d Dialer, p Params, sink Sink, opts ...Option) (*Session, error) {
	if p.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if p.SendWindow <= 0 {
		p.SendWindow = defaultSendWindow
	}
	if p.InputSampleRate == 0 {
		p.InputSampleRate = audio.DesktopSampleRate
	}
	if sink == nil {
		sink = NopSink{}
	}

	wire, err := d.Dial(ctx, p)
	if err != nil {
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		wire:         wire,
		sink:         sink,
		params:       p,
		proc:         audio.NewProcessor(p.InputSampleRate, audio.WithGate(audio.NewNoiseGate(p.GateThreshold, 0))),
		pool:         audio.NewPool(p.AudioWorkers, 128),
		sem:          semaphore.NewWeighted(int64(p.SendWindow)),
		rep:          newRepetitionDetector(p.RepetitionThreshold),
		metrics:      observe.DefaultMetrics(),
		ctx:          sessCtx,
		cancel:       cancel,
		watchdogTick: defaultWatchdogTick,
		lastActivity: time.Now(),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.sendSessionUpdate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	if p.SilenceTimeout > 0 {
		s.wg.Add(1)
		go s.silenceWatchdog()
	}

	return s, nil
}

// sendSessionUpdate configures voice, persona, audio formats, server-side
// turn detection, and input transcription.
func (s *Session) sendSessionUpdate() error {
	return s.send(sessionUpdateFrame{
		Type: "session.update",
		Session: sessionParams{
			Voice:                   s.params.Voice,
			Instructions:            s.params.Instructions,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			TurnDetection:           &turnDetection{Type: "server_vad"},
			InputAudioTranscription: &transcription{Model: "whisper-1"},
		},
	})
}

// send marshals v and writes it under the send-window semaphore. A full
// window blocks until in-flight writes drain or the session closes.
func (s *Session) send(v any) error {
	s.mu.Lock()
	if s.closed || s.fatal {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal frame: %w", err)
	}
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return ErrSessionClosed
	}
	defer s.sem.Release(1)
	if err := s.wire.Write(s.ctx, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// ── Input paths ───────────────────────────────────────────────────────────────

// StreamAudio forwards one capture chunk toward the upstream. Desktop-sized
// chunks (480 samples at 48 kHz) go through the gate/resample pipeline;
// anything else is passed through untouched. Chunks are dropped silently
// while the session is throttled or the worker queue is full — realtime audio
// must never back up into the caller.
func (s *Session) StreamAudio(chunk []byte) {
	s.mu.Lock()
	if s.closed || s.fatal {
		s.mu.Unlock()
		return
	}
	throttled := time.Now().Before(s.throttleUntil)
	s.mu.Unlock()
	if throttled || len(chunk) == 0 {
		return
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	if !s.pool.Submit(func() { s.processAndSend(buf) }) {
		slog.Debug("realtime: audio queue full, dropping chunk", "bytes", len(chunk))
	}
}

func (s *Session) processAndSend(chunk []byte) {
	res := audio.Result{PCM: chunk}
	if len(chunk) == audio.DesktopFrameBytes && s.params.InputSampleRate == audio.DesktopSampleRate {
		res = s.proc.Process(chunk)
	}

	if res.Clear {
		if err := s.send(map[string]string{"type": "input_audio_buffer.clear"}); err != nil {
			return
		}
	}
	if len(res.PCM) == 0 {
		return
	}
	_ = s.send(appendAudioFrame{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(res.PCM),
	})
}

// StreamImage forwards one JPEG frame. Native-image providers get the frame
// directly, rate-limited to one per ImageMinInterval. Other providers get a
// textual description from the vision model instead, at most once per
// conversation turn.
func (s *Session) StreamImage(jpegBase64 string) {
	s.mu.Lock()
	if s.closed || s.fatal {
		s.mu.Unlock()
		return
	}

	if s.params.Provider.NativeImages() {
		now := time.Now()
		if now.Sub(s.imageSentAt) < s.params.ImageMinInterval {
			s.mu.Unlock()
			return
		}
		s.imageSentAt = now
		s.mu.Unlock()

		_ = s.send(appendImageFrame{Type: "input_image_buffer.append", Image: jpegBase64})
		return
	}

	if s.describer == nil || s.imageTurnDone {
		s.mu.Unlock()
		return
	}
	s.imageTurnDone = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		desc, err := s.describer.Describe(s.ctx, jpegBase64)
		if err != nil {
			slog.Warn("realtime: vision describe failed", "err", err)
			return
		}
		_ = s.send(createItemFrame{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:    "message",
				Role:    "user",
				Content: []conversationPart{{Type: "input_text", Text: "[screen] " + desc}},
			},
		})
	}()
}

// SendUserText injects a typed user message and requests a response. Used by
// text-input sessions.
func (s *Session) SendUserText(text string) error {
	s.touch()
	s.appendHistory("user", text)
	if err := s.send(createItemFrame{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:    "message",
			Role:    "user",
			Content: []conversationPart{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	return s.send(map[string]string{"type": "response.create"})
}

// CreateResponse asks the model to speak. extra, when non-empty, is injected
// as a user-role context item first (task results, proactive prompts).
// skipped suppresses the resulting response's deltas: the model still
// produces a turn (keeping its context coherent) but the user hears nothing.
func (s *Session) CreateResponse(extra string, skipped bool) error {
	if extra != "" {
		if err := s.send(createItemFrame{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type:    "message",
				Role:    "user",
				Content: []conversationPart{{Type: "input_text", Text: extra}},
			},
		}); err != nil {
			return err
		}
	}

	if skipped {
		s.mu.Lock()
		s.skipNext = true
		s.mu.Unlock()
	}
	return s.send(map[string]string{"type": "response.create"})
}

// HandleInterruption cancels the in-flight response, if any. Deltas that
// arrive before the upstream acknowledges the cancel are suppressed.
func (s *Session) HandleInterruption() error {
	s.mu.Lock()
	if !s.responding {
		s.mu.Unlock()
		return nil
	}
	s.suppress = true
	s.mu.Unlock()

	return s.send(map[string]string{"type": "response.cancel"})
}

// ── Receive path ──────────────────────────────────────────────────────────────

func (s *Session) receiveLoop() {
	defer s.wg.Done()

	for {
		data, err := s.wire.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || s.isClosed() {
				return
			}
			s.fail(fmt.Errorf("realtime: read: %w", err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("realtime: dropping malformed event", "err", err)
			continue
		}
		s.handleEvent(&evt)
	}
}

func (s *Session) handleEvent(evt *serverEvent) {
	s.metrics.RecordUpstreamEvent(s.ctx, evt.Type)

	switch evt.Type {
	case "session.created":
		slog.Info("realtime: session established", "provider", s.params.Provider)

	case "session.updated", "conversation.item.created",
		"input_audio_buffer.committed", "rate_limits.updated",
		"response.output_item.added", "response.output_item.done",
		"response.content_part.added", "response.content_part.done",
		"response.audio.done", "response.output_audio.done",
		"response.audio_transcript.done", "response.output_audio_transcript.done",
		"response.text.done", "response.output_text.done":
		// Acknowledged, no action needed.

	case "response.created":
		s.mu.Lock()
		s.responding = true
		s.suppress = s.skipNext
		s.skipNext = false
		s.firstText = true
		s.firstAudio = true
		s.outputTx.Reset()
		s.mu.Unlock()

	case "response.text.delta", "response.output_text.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		if s.suppress {
			s.mu.Unlock()
			return
		}
		first := s.firstText
		s.firstText = false
		s.outputTx.WriteString(evt.Delta)
		s.mu.Unlock()
		s.sink.OnTextDelta(evt.Delta, first)

	case "response.audio.delta", "response.output_audio.delta":
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return
		}
		s.mu.Lock()
		if s.suppress {
			s.mu.Unlock()
			return
		}
		first := s.firstAudio
		s.firstAudio = false
		s.mu.Unlock()
		s.sink.OnAudioDelta(pcm, first)

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		if s.suppress {
			s.mu.Unlock()
			return
		}
		s.outputTx.WriteString(evt.Delta)
		s.mu.Unlock()
		s.sink.OnOutputTranscript(evt.Delta)

	case "response.done":
		s.handleResponseDone()

	case "input_audio_buffer.speech_started":
		s.touch()
		// Barge-in: the user started talking over the model.
		_ = s.HandleInterruption()

	case "input_audio_buffer.speech_stopped":
		s.touch()
		s.sink.OnNewMessage()

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.touch()
		s.appendHistory("user", evt.Transcript)
		s.sink.OnInputTranscript(evt.Transcript)

	case "error":
		s.handleErrorEvent(evt)

	default:
		slog.Debug("realtime: unhandled event", "type", evt.Type)
	}
}

func (s *Session) handleResponseDone() {
	s.mu.Lock()
	s.responding = false
	wasSuppressed := s.suppress
	s.suppress = false
	s.imageTurnDone = false
	transcript := s.outputTx.String()
	s.outputTx.Reset()

	repeated := false
	if !wasSuppressed && transcript != "" {
		s.history = appendCapped(s.history, Message{Role: "assistant", Text: transcript, At: time.Now()})
		repeated = s.rep.Check(transcript)
	}
	s.mu.Unlock()

	if wasSuppressed {
		transcript = ""
	}
	// The done callback goes out first so consumers see the turn boundary
	// before any repetition signal for the same turn.
	s.sink.OnResponseDone(transcript)
	if repeated {
		s.metrics.RepetitionDetections.Add(s.ctx, 1)
		s.sink.OnRepetitionDetected()
	}
}

// handleErrorEvent classifies an upstream error event. Overload errors enter
// the throttle window; response timeouts kill the session; everything else is
// reported as non-fatal.
func (s *Session) handleErrorEvent(evt *serverEvent) {
	msg := "unknown upstream error"
	code := ""
	if evt.Error != nil {
		if evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		code = evt.Error.Code
	}

	switch {
	case strings.Contains(msg, "Response timeout"):
		s.fail(fmt.Errorf("realtime: upstream error: %s", msg))

	case code == "503" || strings.Contains(msg, "503") ||
		strings.Contains(strings.ToLower(msg), "overloaded"):
		s.enterThrottle()

	default:
		slog.Warn("realtime: upstream error event", "code", code, "msg", msg)
		s.sink.OnConnectionError(fmt.Errorf("realtime: upstream error: %s", msg), false)
	}
}

// enterThrottle starts (or extends) the frame-shedding window after an
// overload error. The user is told once per entry into the window, not once
// per shed frame.
func (s *Session) enterThrottle() {
	now := time.Now()

	s.mu.Lock()
	alreadyThrottled := now.Before(s.throttleUntil)
	s.throttleUntil = now.Add(s.params.ThrottleWindow)
	s.mu.Unlock()

	if alreadyThrottled {
		return
	}
	s.metrics.ThrottleEntries.Add(s.ctx, 1)
	slog.Warn("realtime: upstream overloaded, shedding audio", "window", s.params.ThrottleWindow)
	s.sink.OnStatusMessage("模型负载过高，请稍后再试")
}

// fail marks the session fatal, reports the error, and tears down.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.fatal || s.closed {
		s.mu.Unlock()
		return
	}
	s.fatal = true
	s.mu.Unlock()

	slog.Error("realtime: fatal session error", "err", err)
	s.sink.OnConnectionError(err, true)
	s.Close()
}

// ── Silence watchdog ──────────────────────────────────────────────────────────

// silenceWatchdog closes the session after SilenceTimeout without user
// activity. Only started for providers that bill idle sessions.
func (s *Session) silenceWatchdog() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.watchdogTick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			responding := s.responding
			s.mu.Unlock()

			if responding || idle < s.params.SilenceTimeout {
				continue
			}
			slog.Info("realtime: silence timeout, closing session", "idle", idle)
			s.Close()
			s.sink.OnSilenceTimeout()
			return
		}
	}
}

// touch records user activity for the silence watchdog.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ── Accessors and teardown ────────────────────────────────────────────────────

// Responding reports whether a model response is currently in flight.
func (s *Session) Responding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.responding
}

// History returns a copy of the rolling conversation history, oldest first.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) appendHistory(role, text string) {
	s.mu.Lock()
	s.history = appendCapped(s.history, Message{Role: role, Text: text, At: time.Now()})
	s.mu.Unlock()
}

func appendCapped(h []Message, m Message) []Message {
	h = append(h, m)
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	return h
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down: cancels in-flight writes, closes the wire,
// and drains the audio pool. Idempotent and safe from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.cancel()
		_ = s.wire.Close("session closed")
		s.pool.Close()
		s.proc.Reset()
	})
	return nil
}
