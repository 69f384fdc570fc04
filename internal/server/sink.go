package server

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"

	"github.com/lanlantech/lanlan/internal/character"
	"github.com/lanlantech/lanlan/internal/realtime"
)

// clientSink fans upstream session events out to the frontend WebSocket,
// the monitor link and the conversation snapshot.
type clientSink struct {
	mgr   *character.Manager
	cc    *clientConn
	agent *agentClient

	mu      sync.Mutex
	session RealtimeSession
	onFatal func()
}

var _ realtime.Sink = (*clientSink)(nil)

// bind attaches the session after construction; the session cannot exist
// before its sink does.
func (k *clientSink) bind(session RealtimeSession, onFatal func()) {
	k.mu.Lock()
	k.session = session
	k.onFatal = onFatal
	k.mu.Unlock()
}

func (k *clientSink) boundSession() RealtimeSession {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.session
}

func (k *clientSink) fatal() {
	k.mu.Lock()
	f := k.onFatal
	k.mu.Unlock()
	if f != nil {
		f()
	}
}

func (k *clientSink) OnTextDelta(text string, first bool) {
	k.cc.sendFrame(map[string]any{"type": "text_delta", "text": text, "first_chunk": first})
}

func (k *clientSink) OnAudioDelta(pcm []byte, first bool) {
	k.cc.sendFrame(map[string]any{
		"type":        "audio_delta",
		"audio":       base64.StdEncoding.EncodeToString(pcm),
		"first_chunk": first,
	})
}

func (k *clientSink) OnInputTranscript(text string) {
	k.cc.sendFrame(map[string]any{"type": "input_transcript", "text": text})
	k.mgr.RecordTurn("user", text)
	k.mgr.Publish(map[string]any{"type": "subtitle", "role": "user", "text": text})
}

func (k *clientSink) OnOutputTranscript(delta string) {
	k.mgr.Publish(map[string]any{"type": "subtitle_delta", "role": "assistant", "text": delta})
}

func (k *clientSink) OnNewMessage() {
	k.cc.sendFrame(map[string]string{"type": "new_message"})
}

func (k *clientSink) OnResponseDone(transcript string) {
	k.cc.sendFrame(map[string]any{"type": "response_done", "transcript": transcript})
	if transcript != "" {
		k.mgr.RecordTurn("assistant", transcript)
		k.mgr.Publish(map[string]any{"type": "subtitle", "role": "assistant", "text": transcript})
	}

	// Task results queued by the Agent surface right after the turn ends.
	if extras := k.mgr.DrainExtraReplies(); len(extras) > 0 {
		if session := k.boundSession(); session != nil {
			if err := session.CreateResponse(strings.Join(extras, "\n"), false); err != nil {
				slog.Debug("extra reply injection failed", "character", k.mgr.Name(), "err", err)
			}
		}
	}

	// Hand the finished turn to the Agent for task analysis. Off the event
	// path: a slow or dead Agent must not stall the next response.
	if k.agent != nil && transcript != "" {
		turns := k.mgr.RecentTurns()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), analyzeTimeout)
			defer cancel()
			if err := k.agent.AnalyzeConversation(ctx, k.mgr.Name(), turns); err != nil {
				slog.Debug("conversation analysis hand-off failed",
					"character", k.mgr.Name(), "err", err)
			}
		}()
	}
}

func (k *clientSink) OnSilenceTimeout() {
	k.cc.sendFrame(map[string]string{"type": "session_timeout"})
	k.fatal()
}

func (k *clientSink) OnStatusMessage(msg string) {
	k.cc.sendFrame(map[string]any{"type": "status", "message": msg})
}

func (k *clientSink) OnConnectionError(err error, fatal bool) {
	k.cc.sendFrame(map[string]any{"type": "error", "error": err.Error(), "fatal": fatal})
	if fatal {
		k.fatal()
	}
}

func (k *clientSink) OnRepetitionDetected() {
	k.cc.sendFrame(map[string]string{"type": "repetition_detected"})
}
