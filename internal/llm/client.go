package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Breaker thresholds for provider calls. AI backends recover slowly,
// so the open window is long.
const (
	breakerMinRequests     = 3
	breakerFailureRatio    = 0.6
	breakerOpenTimeout     = 60 * time.Second
	breakerHalfOpenMaxReqs = 2
	breakerCountInterval   = 10 * time.Second

	defaultTemperature = 0.2
	defaultMaxTokens   = 2000
	defaultTimeout     = 30 * time.Second
	defaultRPM         = 60
)

// Provider is one chat backend; Client satisfies it.
type Provider interface {
	Name() string
	Call(ctx context.Context, system, user string) (string, error)
}

// Client talks to one chat-completions endpoint. Calls pass through a
// per-provider rate limiter and circuit breaker.
type Client struct {
	name        string
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	log         zerolog.Logger
}

// ClientConfig contains configuration for one provider client.
type ClientConfig struct {
	Name        string
	Endpoint    string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRPM      float64
}

// NewClient creates a provider client with sane defaults filled in.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRPM == 0 {
		cfg.MaxRPM = defaultRPM
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: breakerHalfOpenMaxReqs,
		Interval:    breakerCountInterval,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
		},
	})

	return &Client{
		name:        cfg.Name,
		endpoint:    cfg.Endpoint,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(rate.Limit(cfg.MaxRPM/60.0), 1),
		breaker:     breaker,
		log:         logger.With().Str("component", "llm").Str("provider", cfg.Name).Logger(),
	}
}

// Name identifies the provider in vote maps and logs.
func (c *Client) Name() string {
	return c.name
}

// Call sends a system+user prompt pair and returns the completion text.
func (c *Client) Call(ctx context.Context, system, user string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(ctx, []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		})
	})
	if err != nil {
		return "", err
	}

	resp := result.(*ChatResponse)
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in %s response", c.name)
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) complete(ctx context.Context, messages []ChatMessage) (*ChatResponse, error) {
	request := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
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
		if err := json.Unmarshal(body, &errResp); err != nil {
			return nil, fmt.Errorf("%s API error (status %d): %s", c.name, resp.StatusCode, string(body))
		}
		return nil, fmt.Errorf("%s API error: %s", c.name, errResp.Error.Message)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	c.log.Debug().
		Str("model", chatResp.Model).
		Int("prompt_tokens", chatResp.Usage.PromptTokens).
		Int("completion_tokens", chatResp.Usage.CompletionTokens).
		Dur("duration", time.Since(start)).
		Msg("Completion finished")

	return &chatResp, nil
}
