package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// maxCompletionTokens caps the response size; decision JSON for six
// symbols fits comfortably.
const maxCompletionTokens = 1500

// APIError is a non-2xx response from a model endpoint.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model API error (status %d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether the call is worth repeating: rate limits and
// server-side failures are, schema and auth errors are not.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client calls one model endpoint with an OpenAI-compatible chat API.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxRetries  int
	httpClient  *http.Client
	log         zerolog.Logger
}

// ClientConfig configures a model client.
type ClientConfig struct {
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
}

// NewClient creates a model client. The temperature is clamped to 0.3;
// trading decisions must stay near-deterministic.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Temperature <= 0 || cfg.Temperature > 0.3 {
		cfg.Temperature = 0.2
	}

	return &Client{
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		log:         log,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	request := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   maxCompletionTokens,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: errResp.Error.Message}
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in model response")
	}
	return &chatResp, nil
}

// CompleteWithRetry retries transient failures with exponential backoff
// before giving up on this model.
func (c *Client) CompleteWithRetry(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt*attempt) * 500 * time.Millisecond
			c.log.Warn().
				Err(lastErr).
				Str("model", c.model).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Msg("Retrying model request")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := c.Complete(ctx, messages)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if apiErr, ok := err.(*APIError); ok && !apiErr.Retryable() {
			return nil, err
		}
	}

	return nil, fmt.Errorf("model request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}
