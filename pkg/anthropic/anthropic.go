// Package anthropic implements a direct Anthropic API backend. It is the
// stateless fallback: no tools, no resumable sessions, one request per turn.
package anthropic

import (
	"context"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/harun/remi/pkg/backend"
)

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
	defaultTimeout   = 2 * time.Minute
)

// Config configures the API backend.
type Config struct {
	APIKey       string
	Model        string
	MaxTokens    int
	SystemPrompt string
	Timeout      time.Duration
}

// Client calls the Anthropic Messages API.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	client sdk.Client
}

var _ backend.Backend = (*Client)(nil)

// New creates an API backend. The API key is required.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:    cfg,
		log:    log.With().Str("component", "anthropic_api").Logger(),
		client: sdk.NewClient(option.WithAPIKey(cfg.APIKey)),
	}, nil
}

// Name implements backend.Backend.
func (c *Client) Name() string { return "anthropic_api" }

// Send implements backend.Backend. Session ids are ignored: the API backend
// carries no conversation state, which is why the hub never hands it one.
func (c *Client) Send(ctx context.Context, message string, opts backend.SendOptions) backend.AgentResponse {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	prompt := backend.WrapContext(message, opts.Context)

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.cfg.Model),
		MaxTokens: int64(c.cfg.MaxTokens),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	system := opts.SystemPrompt
	if system == "" {
		system = c.cfg.SystemPrompt
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			c.log.Error().Dur("timeout", c.cfg.Timeout).Msg("API call timed out")
			return backend.Timeout("after %s", c.cfg.Timeout)
		}
		c.log.Error().Err(err).Msg("API call failed")
		return backend.Failure("%v", err)
	}

	var text string
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(sdk.TextBlock); ok {
			text += b.Text
		}
	}

	c.log.Info().
		Str("model", string(resp.Model)).
		Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Msg("API turn done")

	return backend.AgentResponse{
		Text:       text,
		Model:      string(resp.Model),
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// HealthCheck implements backend.Backend. A configured key counts as
// healthy; no probe request is spent on it.
func (c *Client) HealthCheck(_ context.Context) bool {
	return c.cfg.APIKey != ""
}
