package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/pagewarden/pagewarden/internal/domain"
)

// OllamaClient talks to an Ollama-compatible chat endpoint.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaChatRequest struct {
	Model    string                    `json:"model"`
	Messages []domain.ConversationTurn `json:"messages"`
	Stream   bool                      `json:"stream"`
	Options  map[string]interface{}    `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message domain.ConversationTurn `json:"message"`
	Done    bool                    `json:"done"`
}

// NewOllamaClient creates a client for the given base URL and model.
// Per-request deadlines come from the caller's context, so the underlying
// http.Client carries no timeout of its own.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
	}
}

// Model returns the configured model identifier.
func (c *OllamaClient) Model() string {
	return c.model
}

// Ping reports whether the service is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("build version request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close version response body", "error", closeErr)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: version check returned status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Chat generates a reply for the given message sequence.
func (c *OllamaClient) Chat(ctx context.Context, messages []domain.ConversationTurn, opts Options) (string, error) {
	payload := ollamaChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   false,
	}
	options := make(map[string]interface{})
	if opts.Temperature > 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(options) > 0 {
		payload.Options = options
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("chat request: %w", context.DeadlineExceeded)
		}
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			return "", fmt.Errorf("chat request: %w", context.Canceled)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("failed to close chat response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: chat returned status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}

	return strings.TrimSpace(parsed.Message.Content), nil
}
