// Package responder generates automatic replies to inbound messages through
// an external completion API.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cargoops/courier/internal/retry"
)

// Responder produces a reply to an inbound message. Implementations must be
// safe for concurrent use.
type Responder interface {
	Reply(ctx context.Context, tenantID, message string) (string, error)
}

// Config configures the OpenAI-backed responder.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	MaxTokens    int           `yaml:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default responder configuration.
func DefaultConfig() Config {
	return Config{
		Model:        openai.GPT4oMini,
		SystemPrompt: "You are a logistics support assistant. Answer briefly and only about shipments, cargo status, and deliveries.",
		MaxTokens:    300,
		Timeout:      30 * time.Second,
	}
}

// OpenAI is a Responder backed by OpenAI's chat completion API.
type OpenAI struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

// NewOpenAI creates an OpenAI responder. An empty API key is allowed; Reply
// returns an error until one is configured.
func NewOpenAI(cfg Config, logger *slog.Logger) *OpenAI {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = def.SystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &OpenAI{cfg: cfg, logger: logger}
	if cfg.APIKey != "" {
		r.client = openai.NewClient(cfg.APIKey)
	}
	return r
}

// Reply asks the completion API for a response. Transient failures (rate
// limits, 5xx, timeouts) are retried with backoff; other failures are
// surfaced immediately.
func (r *OpenAI) Reply(ctx context.Context, tenantID, message string) (string, error) {
	if r.client == nil {
		return "", errors.New("responder API key not configured")
	}
	if strings.TrimSpace(message) == "" {
		return "", errors.New("empty message")
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:     r.cfg.Model,
		MaxTokens: r.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: r.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
	}

	cfg := retry.DefaultConfig()
	cfg.OnRetry = func(attempt int, err error) {
		r.logger.Warn("responder completion retrying",
			"tenant_id", tenantID, "attempt", attempt, "error", err)
	}

	reply, result := retry.DoValue(ctx, cfg, func() (string, error) {
		resp, err := r.client.CreateChatCompletion(ctx, req)
		if err != nil {
			if isTransient(err) {
				return "", err
			}
			return "", retry.Permanent(err)
		}
		if len(resp.Choices) == 0 {
			return "", retry.Permanent(errors.New("completion returned no choices"))
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	})
	if result.Err != nil {
		return "", fmt.Errorf("completion request: %w", result.Err)
	}
	return reply, nil
}

// isTransient reports whether a completion error is worth retrying: rate
// limits, 5xx responses, and timeouts.
func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	msg := err.Error()
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

// Static is a Responder that always returns the same reply. Used when no
// completion API is configured and in tests.
type Static struct {
	Text string
}

func (s Static) Reply(ctx context.Context, tenantID, message string) (string, error) {
	return s.Text, nil
}
