// Package pricefeed fetches reference prices for poll instruments and the
// project token.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rewardhub/internal/config"
)

// Feed returns the latest price for symbol. ok is false when the source has
// no usable price; err is set only for transport failures.
type Feed interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, bool, error)
}

type HealthStatus struct {
	Status     string     `json:"status"`
	LastPollAt *time.Time `json:"last_poll_at,omitempty"`
	LastError  *string    `json:"last_error,omitempty"`
}

// health is embedded by feeds that report their last poll.
type health struct {
	mu        sync.Mutex
	lastPoll  *time.Time
	lastError *string
	status    string
}

func (h *health) set(ts time.Time, status string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastPoll = &ts
	h.status = status
	if err != nil {
		msg := err.Error()
		h.lastError = &msg
	} else {
		h.lastError = nil
	}
}

func (h *health) Health() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := h.status
	if status == "" {
		status = "unknown"
	}
	return HealthStatus{Status: status, LastPollAt: h.lastPoll, LastError: h.lastError}
}

// TickerFeed polls a REST ticker endpoint such as
// https://api.binance.com/api/v3/ticker/price?symbol=%s.
type TickerFeed struct {
	HTTP    *http.Client
	Logger  *zap.Logger
	Limiter *rate.Limiter

	Endpoint string

	health
}

func NewTickerFeed(cfg config.PriceFeedConfig, logger *zap.Logger) *TickerFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TickerFeed{
		HTTP:     &http.Client{Timeout: timeoutOrDefault(cfg.Timeout)},
		Logger:   logger,
		Limiter:  newLimiter(cfg.RatePerSecond),
		Endpoint: strings.TrimSpace(cfg.TickerEndpoint),
	}
}

func (f *TickerFeed) Price(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if f == nil || symbol == "" {
		return decimal.Zero, false, nil
	}
	endpoint := strings.TrimSpace(f.Endpoint)
	if endpoint == "" {
		return decimal.Zero, false, fmt.Errorf("missing endpoint")
	}
	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return decimal.Zero, false, err
		}
	}
	var parsed struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	found, err := getJSON(ctx, f.HTTP, tickerURL(endpoint, symbol), &parsed)
	now := time.Now().UTC()
	if err != nil {
		f.set(now, "down", err)
		f.logger().Warn("ticker price fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return decimal.Zero, false, err
	}
	f.set(now, "healthy", nil)
	if !found {
		return decimal.Zero, false, nil
	}
	return positive(parsed.Price)
}

func (f *TickerFeed) logger() *zap.Logger {
	if f.Logger == nil {
		return zap.NewNop()
	}
	return f.Logger
}

func tickerURL(endpoint, symbol string) string {
	if strings.Contains(endpoint, "%s") {
		return fmt.Sprintf(endpoint, url.QueryEscape(symbol))
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "symbol=" + url.QueryEscape(symbol)
}

// getJSON decodes a 2xx body into out. A 4xx answer means the source does not
// know the symbol and is reported as found=false without error.
func getJSON(ctx context.Context, client *http.Client, u string, out any) (bool, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, err
	}
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return false, fmt.Errorf("http %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, err
	}
	return true, nil
}

func positive(raw string) (decimal.Decimal, bool, error) {
	p, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !p.IsPositive() {
		return decimal.Zero, false, nil
	}
	return p, true, nil
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
