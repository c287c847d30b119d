package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"rewardhub/internal/config"
)

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// StreamFeed caches mini-ticker updates from a websocket stream and serves
// them while fresh. Stale or unknown symbols go to Fallback.
type StreamFeed struct {
	Logger   *zap.Logger
	Clock    clockwork.Clock
	Fallback Feed

	URL    string
	MaxAge time.Duration

	mu     sync.RWMutex
	quotes map[string]quote

	health
}

func NewStreamFeed(cfg config.PriceFeedConfig, fallback Feed, logger *zap.Logger) *StreamFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamFeed{
		Logger:   logger,
		Clock:    clockwork.NewRealClock(),
		Fallback: fallback,
		URL:      strings.TrimSpace(cfg.StreamURL),
		MaxAge:   cfg.StreamMaxAge,
	}
}

func (f *StreamFeed) Price(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if q, ok := f.cached(symbol); ok {
		return q.price, true, nil
	}
	if f == nil || f.Fallback == nil {
		return decimal.Zero, false, nil
	}
	return f.Fallback.Price(ctx, symbol)
}

func (f *StreamFeed) cached(symbol string) (quote, bool) {
	if f == nil || symbol == "" {
		return quote{}, false
	}
	f.mu.RLock()
	q, ok := f.quotes[symbol]
	f.mu.RUnlock()
	if !ok {
		return quote{}, false
	}
	maxAge := f.MaxAge
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	if f.clock().Since(q.at) > maxAge {
		return quote{}, false
	}
	return q, true
}

// Run reads the stream until ctx ends or the connection fails. Callers
// restart it; the cache survives restarts.
func (f *StreamFeed) Run(ctx context.Context) error {
	if f == nil {
		return nil
	}
	if f.URL == "" {
		return fmt.Errorf("missing stream url")
	}
	conn, _, err := websocket.Dial(ctx, f.URL, nil)
	if err != nil {
		f.set(f.clock().Now().UTC(), "down", err)
		return err
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
	}()
	for {
		_, msg, err := conn.Read(ctx)
		now := f.clock().Now().UTC()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.set(now, "down", err)
			return err
		}
		f.set(now, "healthy", nil)
		for _, t := range parseTickers(msg) {
			f.store(t.Symbol, t.Close, now)
		}
	}
}

// RunForever restarts Run with a fixed backoff until ctx ends.
func (f *StreamFeed) RunForever(ctx context.Context, backoff time.Duration) {
	if f == nil || f.URL == "" {
		return
	}
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	for {
		err := f.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		if f.Logger != nil {
			f.Logger.Warn("price stream disconnected", zap.String("url", f.URL), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-f.clock().After(backoff):
		}
	}
}

func (f *StreamFeed) store(symbol, raw string, at time.Time) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	p, ok, _ := positive(raw)
	if symbol == "" || !ok {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotes == nil {
		f.quotes = make(map[string]quote)
	}
	f.quotes[symbol] = quote{price: p, at: at}
}

func (f *StreamFeed) clock() clockwork.Clock {
	if f.Clock == nil {
		return clockwork.NewRealClock()
	}
	return f.Clock
}

type miniTicker struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

// parseTickers accepts a single ticker, an array of tickers, or either one
// wrapped in a combined-stream envelope.
func parseTickers(msg []byte) []miniTicker {
	var env struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &env); err == nil && len(env.Data) > 0 {
		msg = env.Data
	}
	var many []miniTicker
	if err := json.Unmarshal(msg, &many); err == nil {
		return many
	}
	var one miniTicker
	if err := json.Unmarshal(msg, &one); err == nil && one.Symbol != "" {
		return []miniTicker{one}
	}
	return nil
}
