package alerts

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

// EmailAlerter delivers alerts through an HTTP email API. The caller
// owns idempotence: the gate marks a finding alerted only after Send
// returns nil.
type EmailAlerter struct {
	endpoint   string
	apiKey     string
	from       string
	to         []string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewEmailAlerter creates an email channel. An empty endpoint or
// recipient list is a configuration error.
func NewEmailAlerter(endpoint, apiKey, from string, to []string, logger zerolog.Logger) (*EmailAlerter, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("email endpoint is required")
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("at least one email recipient is required")
	}

	return &EmailAlerter{
		endpoint:   endpoint,
		apiKey:     apiKey,
		from:       from,
		to:         to,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        logger.With().Str("component", "email_alerter").Logger(),
	}, nil
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html,omitempty"`
}

// Send posts the alert to the email API. Any non-2xx status is an
// error so the caller can retry on a later gate invocation.
func (e *EmailAlerter) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(emailRequest{
		From:    e.from,
		To:      e.to,
		Subject: fmt.Sprintf("[%s] %s", alert.Severity, alert.Title),
		Text:    alert.Message,
		HTML:    alert.HTML,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("email API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	e.log.Info().
		Str("title", alert.Title).
		Int("recipients", len(e.to)).
		Msg("Email alert sent")
	return nil
}
