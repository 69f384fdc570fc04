package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/lanlantech/lanlan/internal/config"
)

const (
	defaultOpenAIBaseURL = "wss://api.openai.com/v1/realtime"
	defaultGeminiBaseURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
)

var (
	// ErrMissingAPIKey is returned by Connect when no upstream API key is
	// configured. This is an operator error, not a transient failure.
	ErrMissingAPIKey = errors.New("realtime: upstream api key is not configured")

	// ErrUpstreamUnreachable wraps dial failures toward the upstream.
	ErrUpstreamUnreachable = errors.New("realtime: upstream unreachable")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("realtime: session closed")
)

// Wire is a minimal duplex message connection to the upstream. The production
// implementation wraps a WebSocket; tests substitute an in-process pipe.
type Wire interface {
	// Read returns the next complete message from the upstream.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one complete message to the upstream.
	Write(ctx context.Context, data []byte) error

	// Close tears down the connection. Idempotent.
	Close(reason string) error
}

// Dialer establishes upstream connections for sessions.
type Dialer interface {
	Dial(ctx context.Context, p Params) (Wire, error)
}

// WebSocketDialer dials the configured provider's realtime endpoint.
type WebSocketDialer struct{}

var _ Dialer = WebSocketDialer{}

// Dial connects to the provider endpoint described by p. Dial failures are
// wrapped in [ErrUpstreamUnreachable].
func (WebSocketDialer) Dial(ctx context.Context, p Params) (Wire, error) {
	endpoint, header, err := endpointFor(p)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	// Synthesis audio deltas can be large; the session consumes them promptly.
	conn.SetReadLimit(4 << 20)
	return &wsWire{conn: conn}, nil
}

// endpointFor builds the WebSocket URL and headers for the provider in p.
func endpointFor(p Params) (string, http.Header, error) {
	switch p.Provider {
	case config.UpstreamOpenAIRealtime:
		base := p.BaseURL
		if base == "" {
			base = defaultOpenAIBaseURL
		}
		endpoint := base + "?model=" + url.QueryEscape(p.Model)
		header := http.Header{
			"Authorization": []string{"Bearer " + p.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		}
		return endpoint, header, nil

	case config.UpstreamGeminiLive:
		base := p.BaseURL
		if base == "" {
			base = defaultGeminiBaseURL
		}
		return base + "?key=" + url.QueryEscape(p.APIKey), nil, nil

	default:
		return "", nil, fmt.Errorf("realtime: unknown provider %q", p.Provider)
	}
}

type wsWire struct {
	conn *websocket.Conn
}

func (w *wsWire) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *wsWire) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsWire) Close(reason string) error {
	return w.conn.Close(websocket.StatusNormalClosure, reason)
}
