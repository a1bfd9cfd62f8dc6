// Package provider is the upstream transactional email client. Every call
// runs behind a process-scoped circuit breaker; failures come back
// classified so the dispatcher can pick the right retry policy.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ignite/campaign-dispatch/internal/config"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/breaker"
)

// ErrCircuitOpen is returned without touching the provider while the
// breaker is open.
var ErrCircuitOpen = errors.New("provider circuit open")

// HTTPDoer is the transport seam for tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client sends single messages to the provider's JSON API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient HTTPDoer
	breaker    *breaker.Breaker
}

// Message is one outbound email.
type Message struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	ReplyTo string   `json:"reply_to,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// NewClient creates a provider client from configuration. Breaker
// thresholds default when the config leaves them zero.
func NewClient(cfg config.ProviderConfig) *Client {
	var opts []breaker.Option
	if cfg.FailureThreshold > 0 {
		opts = append(opts, breaker.WithFailureThreshold(cfg.FailureThreshold))
	}
	if cfg.SuccessThreshold > 0 {
		opts = append(opts, breaker.WithSuccessThreshold(cfg.SuccessThreshold))
	}
	if cfg.CooldownSeconds > 0 {
		opts = append(opts, breaker.WithCooldown(cfg.Cooldown()))
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout()},
		breaker:    breaker.New(opts...),
	}
}

// NewClientWithTransport creates a client with an injected transport and
// breaker, for tests.
func NewClientWithTransport(baseURL, apiKey string, doer HTTPDoer, b *breaker.Breaker) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: doer, breaker: b}
}

// BreakerState exposes the breaker position for health reporting.
func (c *Client) BreakerState() breaker.State {
	return c.breaker.State()
}

// Send delivers one message from a Recipient descriptor.
func (c *Client) Send(ctx context.Context, r domain.Recipient, campaignID string) (string, error) {
	return c.SendMessage(ctx, Message{
		From:    r.From,
		To:      []string{r.Email},
		Subject: r.Subject,
		HTML:    r.HTML,
		ReplyTo: r.ReplyTo,
		Tags:    []string{"campaign:" + campaignID},
	})
}

// SendMessage posts a message to the provider and returns the provider
// message id. Errors are *SendError except the breaker fail-fast.
func (c *Client) SendMessage(ctx context.Context, msg Message) (string, error) {
	if err := c.breaker.Ready(); err != nil {
		return "", ErrCircuitOpen
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		kind := classifyTransport(err)
		c.record(kind)
		return "", &SendError{Kind: kind, Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		c.record(KindNetworkError)
		return "", &SendError{Kind: KindNetworkError, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := classifyStatus(resp.StatusCode, string(respBody))
		c.record(kind)
		return "", &SendError{Kind: kind, StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	c.breaker.RecordSuccess()

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parsing send response: %w", err)
	}
	return parsed.ID, nil
}

func (c *Client) record(kind ErrorKind) {
	if kind.ServiceFailure() {
		c.breaker.RecordServiceFailure()
		return
	}
	c.breaker.RecordClientError()
}
