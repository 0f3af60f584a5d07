package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/FranksOps/prospector/internal/telemetry"
	"github.com/go-resty/resty/v2"
)

// ErrEmptySummary is returned when the service answers with no text.
var ErrEmptySummary = errors.New("enrich: empty summary")

// Summarizer compresses a skills list into a short description.
type Summarizer interface {
	Summarize(ctx context.Context, skills []string) (string, error)
}

// TextGenConfig points at an OpenAI-compatible chat completions API.
type TextGenConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

func (c TextGenConfig) withDefaults() TextGenConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 50
	}
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// TextGenClient summarizes skills through a chat completions endpoint.
type TextGenClient struct {
	cfg  TextGenConfig
	http *resty.Client
}

var _ Summarizer = (*TextGenClient)(nil)

// NewTextGenClient returns a client for cfg.
func NewTextGenClient(cfg TextGenConfig) *TextGenClient {
	cfg = cfg.withDefaults()

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	telemetry.InstrumentResty(client, "github.com/FranksOps/prospector/internal/enrich")

	return &TextGenClient{cfg: cfg, http: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Prompt is the instruction sent for a skills list.
func Prompt(skills []string) string {
	return "Summarize the following skills: " + strings.Join(skills, ", ")
}

// Summarize asks the service for a summary of skills.
func (c *TextGenClient) Summarize(ctx context.Context, skills []string) (string, error) {
	var out chatResponse
	var apiErr apiError

	res, err := c.http.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:     c.cfg.Model,
			Messages:  []chatMessage{{Role: "user", Content: Prompt(skills)}},
			MaxTokens: c.cfg.MaxTokens,
		}).
		SetResult(&out).
		// Some compatible servers omit or mislabel the response type.
		ForceContentType("application/json").
		SetError(&apiErr).
		Post("/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("enrich: text generation request: %w", err)
	}
	if res.IsError() {
		msg := apiErr.Error.Message
		if msg == "" {
			msg = res.Status()
		}
		return "", fmt.Errorf("enrich: text generation returned %d: %s", res.StatusCode(), msg)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptySummary
	}

	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}
