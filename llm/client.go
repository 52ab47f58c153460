package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"superagent/keypool"
)

// ErrAuth means the provider rejected the credential outright.
var ErrAuth = errors.New("provider rejected credential")

// ChatRequest is the OpenAI-compatible chat completion body. Both the primary
// provider and the Groq-style fallback speak this shape.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	Choices []Choice  `json:"choices"`
	Error   *APIError `json:"error,omitempty"`
	Usage   *Usage    `json:"usage,omitempty"`
}

type Choice struct {
	Message Message `json:"message"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client sends chat completions through whichever credential the key pool
// hands out, reporting rate limits and auth failures back so rotation works.
type Client struct {
	pool       *keypool.Pool
	httpClient *http.Client
	maxTokens  int
}

func NewClient(pool *keypool.Pool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	dialTimeout := 30 * time.Second
	if timeout/2 < dialTimeout {
		dialTimeout = timeout / 2
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &Client{
		pool:       pool,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		maxTokens:  2000,
	}
}

// Chat runs one prompt to completion, rotating credentials on rate limits and
// auth errors. It only gives up when the pool itself is exhausted.
func (c *Client) Chat(ctx context.Context, prompt string) (string, error) {
	// Bound rotation by a generous attempt count; the pool returns
	// ErrProviderRateLimited well before this when truly exhausted.
	const maxAttempts = 8
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		cred, err := c.pool.Acquire(keypool.ProviderPrimary)
		if err != nil {
			if lastErr != nil {
				return "", fmt.Errorf("%w (last provider error: %v)", err, lastErr)
			}
			return "", err
		}

		content, err := c.complete(ctx, cred, prompt)
		if err == nil {
			c.pool.ReportOutcome(cred, keypool.OutcomeSuccess)
			return content, nil
		}
		lastErr = err

		switch {
		case isRateLimit(err):
			log.Printf("⏳ [LLM] %s provider rate-limited, rotating credential", cred.Provider)
			c.pool.ReportOutcome(cred, keypool.OutcomeRateLimited)
		case errors.Is(err, ErrAuth):
			log.Printf("🚫 [LLM] %s provider auth failure, disabling credential", cred.Provider)
			c.pool.ReportOutcome(cred, keypool.OutcomeAuthError)
		case ctx.Err() != nil:
			c.pool.ReportOutcome(cred, keypool.OutcomeTransientError)
			return "", ctx.Err()
		default:
			c.pool.ReportOutcome(cred, keypool.OutcomeTransientError)
			return "", err
		}
	}
	return "", fmt.Errorf("exhausted credential rotation attempts: %w", lastErr)
}

// rateLimitError marks an error as recoverable via key rotation.
type rateLimitError struct{ msg string }

func (e *rateLimitError) Error() string { return e.msg }

func isRateLimit(err error) bool {
	var rle *rateLimitError
	return errors.As(err, &rle)
}

func (c *Client) complete(ctx context.Context, cred *keypool.Credential, prompt string) (string, error) {
	body, err := json.Marshal(ChatRequest{
		Model:       cred.Model,
		Messages:    []Message{{Role: "user", Content: prompt}},
		Temperature: 0.7,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.KeyMaterial)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("LLM request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read LLM response: %w", err)
	}

	if elapsed := time.Since(start); elapsed > 10*time.Second {
		log.Printf("⚠️ [LLM] Slow provider response: %v", elapsed)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &rateLimitError{msg: fmt.Sprintf("provider returned 429: %s", truncate(string(respBody), 200))}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		// Some providers signal quota exhaustion with 200-adjacent codes and a
		// descriptive body; check the wording before treating it as fatal.
		if looksLikeQuotaError(string(respBody)) {
			return "", &rateLimitError{msg: fmt.Sprintf("provider quota error (status %d)", resp.StatusCode)}
		}
		return "", fmt.Errorf("LLM API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var parsed ChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse LLM response: %w", err)
	}
	if parsed.Error != nil {
		if looksLikeQuotaError(parsed.Error.Message) || parsed.Error.Type == "rate_limit_error" {
			return "", &rateLimitError{msg: "provider error: " + parsed.Error.Message}
		}
		return "", fmt.Errorf("LLM API error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("no choices in LLM response")
	}
	return parsed.Choices[0].Message.Content, nil
}

func looksLikeQuotaError(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "too many requests")
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
