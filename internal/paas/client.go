// Package paas talks to the easyweb3 platform gateway: audit logs and
// broadcast notifications.
package paas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"rewardhub/internal/config"
)

const DefaultAgent = "rewardhub"

type Client struct {
	BaseURL string
	APIKey  string
	Agent   string

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	HTTP *http.Client
}

// NewClient returns nil when no gateway is configured; a nil *Client is a
// valid no-op Notifier.
func NewClient(cfg config.PaaSConfig) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil
	}
	agent := strings.TrimSpace(cfg.Agent)
	if agent == "" {
		agent = DefaultAgent
	}
	return &Client{
		BaseURL: strings.TrimSpace(cfg.BaseURL),
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Agent:   agent,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (c *Client) Login(ctx context.Context) error {
	apiKey := strings.TrimSpace(c.APIKey)
	if apiKey == "" {
		return errors.New("paas api key is empty")
	}
	body, _ := json.Marshal(map[string]any{"api_key": apiKey})
	b, err := c.do(ctx, "/api/v1/auth/login", body, false)
	if err != nil {
		return fmt.Errorf("paas login: %w", err)
	}
	var lr loginResponse
	if err := json.Unmarshal(b, &lr); err != nil {
		return err
	}
	exp, _ := time.Parse(time.RFC3339, strings.TrimSpace(lr.ExpiresAt))

	c.mu.Lock()
	c.token = strings.TrimSpace(lr.Token)
	c.expiresAt = exp
	c.mu.Unlock()
	return nil
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) EnsureToken(ctx context.Context) error {
	c.mu.RLock()
	tok := c.token
	exp := c.expiresAt
	c.mu.RUnlock()
	if strings.TrimSpace(tok) == "" {
		return c.Login(ctx)
	}
	if !exp.IsZero() && time.Until(exp) < 2*time.Minute {
		return c.Login(ctx)
	}
	return nil
}

type CreateLogRequest struct {
	Agent      string         `json:"agent"`
	Action     string         `json:"action"`
	Level      string         `json:"level"`
	Details    map[string]any `json:"details"`
	SessionKey string         `json:"session_key"`
	Metadata   map[string]any `json:"metadata"`
}

func (c *Client) CreateLog(ctx context.Context, req CreateLogRequest) error {
	if c == nil {
		return nil
	}
	if strings.TrimSpace(req.Agent) == "" {
		req.Agent = c.agent()
	}
	if req.Metadata == nil {
		req.Metadata = map[string]any{}
	}
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := c.authed(ctx, "/api/v1/logs", b); err != nil {
		return fmt.Errorf("paas create log: %w", err)
	}
	return nil
}

type BroadcastRequest struct {
	Message string `json:"message"`
	Event   string `json:"event"`
}

type BroadcastItem struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

type BroadcastResponse struct {
	Project string          `json:"project"`
	Event   string          `json:"event"`
	Items   []BroadcastItem `json:"items"`
}

// Broadcast fans a message out to every notification channel of the project
// subscribed to event.
func (c *Client) Broadcast(ctx context.Context, req BroadcastRequest) (*BroadcastResponse, error) {
	if c == nil {
		return nil, nil
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message required")
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	raw, err := c.authed(ctx, "/api/v1/notify/broadcast", b)
	if err != nil {
		return nil, fmt.Errorf("paas broadcast: %w", err)
	}
	var out BroadcastResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) authed(ctx context.Context, path string, body []byte) ([]byte, error) {
	if err := c.EnsureToken(ctx); err != nil {
		return nil, err
	}
	return c.do(ctx, path, body, true)
}

func (c *Client) do(ctx context.Context, path string, body []byte, bearer bool) ([]byte, error) {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return nil, errors.New("paas base url is empty")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer {
		req.Header.Set("Authorization", "Bearer "+c.Token())
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return b, nil
}

func (c *Client) agent() string {
	if a := strings.TrimSpace(c.Agent); a != "" {
		return a
	}
	return DefaultAgent
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 10 * time.Second}
}
