// Package delivery sends outbound text messages to the chat channel using a
// Cloud-API style HTTP endpoint: POST {base}/{sender_id}/messages.
package delivery

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
	"golang.org/x/time/rate"

	"github.com/replyflow/internal/retry"
)

var ErrNotConfigured = errors.New("delivery credentials not configured")

// Outbound is one message to send on behalf of a workspace.
type Outbound struct {
	AccessToken string
	SenderID    string
	To          string
	Text        string
}

// SendError carries the provider's answer for a rejected send.
type SendError struct {
	StatusCode int
	Code       int
	Detail     string
}

func (e *SendError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("delivery failed (status %d, code %d): %s", e.StatusCode, e.Code, e.Detail)
	}
	return fmt.Sprintf("delivery failed (status %d): %s", e.StatusCode, e.Detail)
}

// Retryable reports whether the provider signalled a transient condition.
func (e *SendError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	Retry      retry.RetryConfig
}

func DefaultConfig() Config {
	return Config{
		BaseURL:    "https://graph.facebook.com/v19.0",
		Timeout:    15 * time.Second,
		RatePerSec: 20,
		Burst:      10,
		Retry:      retry.DeliveryRetryConfig(),
	}
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	log        zerolog.Logger
}

func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("delivery base url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:        logger.With().Str("component", "delivery").Logger(),
	}, nil
}

type textMessage struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send delivers msg and returns the provider message id.
func (c *Client) Send(ctx context.Context, msg Outbound) (string, error) {
	if strings.TrimSpace(msg.AccessToken) == "" || strings.TrimSpace(msg.SenderID) == "" {
		return "", ErrNotConfigured
	}
	if strings.TrimSpace(msg.To) == "" {
		return "", fmt.Errorf("delivery: recipient required")
	}

	payload := textMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To,
		Type:             "text",
	}
	payload.Text.Body = msg.Text
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	var providerID string
	result := retry.RetryWithBackoff(ctx, c.cfg.Retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		id, err := c.post(ctx, msg, body)
		if err != nil {
			return err
		}
		providerID = id
		return nil
	}, c.log)
	if !result.Success {
		return "", result.LastError
	}

	c.log.Debug().
		Str("to", msg.To).
		Str("provider_message_id", providerID).
		Int("attempts", result.Attempts).
		Msg("Message delivered")
	return providerID, nil
}

func (c *Client) post(ctx context.Context, msg Outbound, body []byte) (string, error) {
	url := fmt.Sprintf("%s/%s/messages", c.cfg.BaseURL, msg.SenderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+msg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var parsed sendResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &SendError{StatusCode: resp.StatusCode, Detail: strings.TrimSpace(string(raw))}
		if parsed.Error != nil {
			se.Code = parsed.Error.Code
			se.Detail = parsed.Error.Message
		}
		return "", se
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", &SendError{StatusCode: resp.StatusCode, Detail: "response carried no message id"}
	}
	return parsed.Messages[0].ID, nil
}
