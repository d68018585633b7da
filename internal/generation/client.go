// Package generation talks to the hosted text-generation endpoint.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

//nolint:staticcheck // Shown verbatim to users in the error fragment.
var errEmptyReply = errors.New("Received an empty or invalid response from the AI.")

// maxResponseBody caps how much of a reply we read.
const maxResponseBody = 16 << 20

// Generator produces raw reply text for a prompt. Implementations never fail:
// errors come back as a displayable HTML fragment.
type Generator interface {
	Generate(ctx context.Context, prompt string) string
}

// Config holds endpoint settings.
type Config struct {
	URL      string
	APIKey   string
	Model    string
	AppTitle string
	System   string
	Timeout  time.Duration
}

// Client is a single-shot chat-completions client. It never retries or caches.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. A zero Timeout leaves timing to the transport.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// NewWithHTTPClient is intended for tests.
func NewWithHTTPClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	c := NewClient(cfg, logger)
	if httpClient != nil {
		c.httpClient = httpClient
	}
	return c
}

var _ Generator = (*Client)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
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

// Generate returns the reply text, or an error fragment embedding the failure.
func (c *Client) Generate(ctx context.Context, prompt string) string {
	content, err := c.Complete(ctx, prompt)
	if err != nil {
		c.logger.Error("Generation request failed", "error", err)
		return ErrorFragment(err)
	}
	return content
}

// Complete performs one request/response exchange and returns the reply text.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.System},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AppTitle != "" {
		req.Header.Set("X-Title", c.cfg.AppTitle)
	}

	c.logger.Debug("Sending prompt to generation endpoint", "model", c.cfg.Model, "prompt_length", len(prompt))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call generation endpoint: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close generation response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var data chatResponse
	decodeErr := json.Unmarshal(raw, &data)

	c.logger.Info("Generation endpoint responded", "status", resp.StatusCode, "bytes", len(raw))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if decodeErr == nil && data.Error != nil && data.Error.Message != "" {
			return "", errors.New(data.Error.Message)
		}
		return "", fmt.Errorf("API error: %s", statusText(resp))
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}
	if len(data.Choices) == 0 || strings.TrimSpace(data.Choices[0].Message.Content) == "" {
		if data.Error != nil && data.Error.Message != "" {
			return "", errors.New(data.Error.Message)
		}
		return "", errEmptyReply
	}
	return data.Choices[0].Message.Content, nil
}

func statusText(resp *http.Response) string {
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return resp.Status
}

// ErrorFragment renders err as a visible HTML block.
func ErrorFragment(err error) string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return `<div class="generation-error">` +
		`<p class="generation-error-title">An Error Occurred</p>` +
		`<p>` + html.EscapeString(msg) + `</p>` +
		`</div>`
}

// IsErrorFragment reports whether doc was produced by ErrorFragment.
func IsErrorFragment(doc string) bool {
	return strings.HasPrefix(doc, `<div class="generation-error">`)
}
