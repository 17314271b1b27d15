// Package genai is a thin client for chat-completion style text generation
// endpoints. It is used to polish narrative text; callers must always keep a
// deterministic fallback, because generation failures are reported, not fixed.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultTimeout     = 30 * time.Second
	defaultTemperature = 0.2
)

// ErrNotConfigured is returned when Complete is called without an endpoint.
var ErrNotConfigured = errors.New("genai: no endpoint configured")

// Config carries the generation endpoint settings.
type Config struct {
	Endpoint string
	APIKey   string
	Model    string
	Provider string
	Timeout  time.Duration
}

// Client calls a chat-completion endpoint. A zero-endpoint client is valid
// and reports itself as disabled.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// New creates a Client. Timeout defaults to 30s.
func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "genai").Logger(),
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Endpoint != ""
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

// Provider returns the configured provider name.
func (c *Client) Provider() string { return c.cfg.Provider }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model,omitempty"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a system and user prompt and returns the generated text.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if !c.Enabled() {
		return "", ErrNotConfigured
	}

	payload, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Temperature: defaultTemperature,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("genai: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("genai: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("genai: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("genai: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("genai: endpoint returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("genai: decoding response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("genai: endpoint error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("genai: response contained no choices")
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("genai: response contained empty text")
	}
	return text, nil
}
