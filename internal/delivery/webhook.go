package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// WebhookConfig configures HTTP delivery.
type WebhookConfig struct {
	Method      string
	ContentType string
	Headers     map[string]string
	Timeout     time.Duration
}

// WebhookClient delivers the payload as an HTTP request body to the
// destination URL.
type WebhookClient struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookClient creates an HTTP delivery client.
func NewWebhookClient(cfg WebhookConfig) *WebhookClient {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Deliver implements Client.
func (c *WebhookClient) Deliver(ctx context.Context, destination string, payload []byte) error {
	u, err := url.Parse(destination)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Permanent(fmt.Errorf("invalid destination url %q", destination))
	}

	req, err := http.NewRequestWithContext(ctx, c.cfg.Method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", c.cfg.ContentType)
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("webhook request: %w", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return classifyStatus(resp.StatusCode)
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return Transient(fmt.Errorf("webhook status %d", code))
	default:
		return Permanent(fmt.Errorf("webhook status %d", code))
	}
}
