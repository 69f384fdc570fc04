// Package vision describes screen and camera frames with a multimodal chat
// model. It backs the image path for realtime upstreams without native image
// input: the frame is summarized into text and injected into the
// conversation instead.
package vision

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 15 * time.Second
	maxTokens      = 300

	describePrompt = "用两三句话描述这张截图里正在发生的事情，突出用户正在做什么。直接给出描述，不要开场白。"
)

// Client describes JPEG frames via the OpenAI chat completions API.
type Client struct {
	client oai.Client
	model  string
}

// Option configures a Client.
type Option func(*settings)

type settings struct {
	baseURL string
	model   string
	timeout time.Duration
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(s *settings) { s.baseURL = url }
}

// WithModel overrides the default vision model.
func WithModel(model string) Option {
	return func(s *settings) {
		if model != "" {
			s.model = model
		}
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New creates a vision client.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("vision: apiKey must not be empty")
	}

	s := &settings{model: defaultModel, timeout: defaultTimeout}
	for _, o := range opts {
		o(s)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(&http.Client{Timeout: s.timeout}),
	}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}

	return &Client{client: oai.NewClient(reqOpts...), model: s.model}, nil
}

// Describe returns a short description of the JPEG frame given as base64.
func (c *Client) Describe(ctx context.Context, jpegBase64 string) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: oai.ChatModel(c.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
				oai.TextContentPart(describePrompt),
				oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:image/jpeg;base64," + jpegBase64,
				}),
			}),
		},
		MaxTokens: oai.Int(maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("vision: describe: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("vision: empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
