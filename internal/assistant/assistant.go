// Package assistant talks to an OpenAI-compatible chat completions API on
// behalf of room participants. Every call returns text suitable for display:
// failures are rendered as messages, with the cause kept alongside so callers
// can tell a failed call from a reply that merely reads like one.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "llama-3.1-8b-instant"

	NotConfigured = "The AI assistant is not configured on this server."
	NoResponse    = "No response generated."
)

var (
	ErrNotConfigured = errors.New("assistant not configured")
	ErrTimeout       = errors.New("the assistant took too long to respond")
)

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

type Client struct {
	cfg    Config
	api    *openai.Client
	logger *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = cfg.BaseURL
	apiCfg.HTTPClient = cfg.HTTPClient

	return &Client{cfg: cfg, api: openai.NewClientWithConfig(apiCfg), logger: cfg.Logger}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c != nil && c.cfg.APIKey != ""
}

// Reply is the outcome of one completion. Text is always displayable; Err
// is set when Text describes a failure instead of a model answer.
type Reply struct {
	Text string
	Err  error
}

func (r Reply) Failed() bool { return r.Err != nil }

// Options override per-call generation settings. Zero values keep the
// client's defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Complete sends one system + user exchange.
func (c *Client) Complete(ctx context.Context, system, user string) Reply {
	return c.CompleteWith(ctx, system, user, Options{})
}

func (c *Client) CompleteWith(ctx context.Context, system, user string, opts Options) Reply {
	if !c.Configured() {
		return Reply{Text: NotConfigured, Err: ErrNotConfigured}
	}

	text, err := c.complete(ctx, system, user, opts)
	if err != nil {
		c.logger.Warn("assistant request failed", "model", c.cfg.Model, "error", err)
		return Reply{Text: "Error: " + err.Error(), Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return Reply{Text: NoResponse}
	}
	return Reply{Text: text}
}

func (c *Client) complete(ctx context.Context, system, user string, opts Options) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Temperature: float32(c.cfg.Temperature),
		MaxTokens:   c.cfg.MaxTokens,
	}
	if opts.Temperature > 0 {
		req.Temperature = float32(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if system != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user})

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", describe(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// describe turns provider errors into a short message carrying the status.
func describe(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return fmt.Errorf("API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (status %d)", apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("API error (status %d)", reqErr.HTTPStatusCode)
	}
	return fmt.Errorf("send request: %w", err)
}
