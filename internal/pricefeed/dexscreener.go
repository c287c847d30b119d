package pricefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"rewardhub/internal/config"
)

// DexScreenerFeed prices the project token in USD from a DEX pair.
// The symbol passed to Price is a pair address; empty means PairAddress.
type DexScreenerFeed struct {
	HTTP    *http.Client
	Logger  *zap.Logger
	Limiter *rate.Limiter

	BaseURL     string
	Chain       string
	PairAddress string

	health
}

func NewDexScreenerFeed(cfg config.PriceFeedConfig, logger *zap.Logger) *DexScreenerFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DexScreenerFeed{
		HTTP:        &http.Client{Timeout: timeoutOrDefault(cfg.Timeout)},
		Logger:      logger,
		Limiter:     newLimiter(cfg.RatePerSecond),
		BaseURL:     cfg.DexScreenerBaseURL,
		Chain:       cfg.Chain,
		PairAddress: cfg.PairAddress,
	}
}

func (f *DexScreenerFeed) Price(ctx context.Context, pair string) (decimal.Decimal, bool, error) {
	if f == nil {
		return decimal.Zero, false, nil
	}
	pair = strings.TrimSpace(pair)
	if pair == "" {
		pair = strings.TrimSpace(f.PairAddress)
	}
	chain := strings.TrimSpace(f.Chain)
	if pair == "" || chain == "" {
		return decimal.Zero, false, fmt.Errorf("dexscreener: chain and pair address required")
	}
	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return decimal.Zero, false, err
		}
	}
	base := strings.TrimRight(strings.TrimSpace(f.BaseURL), "/")
	if base == "" {
		base = "https://api.dexscreener.com/latest/dex"
	}
	u := fmt.Sprintf("%s/pairs/%s/%s", base, url.PathEscape(chain), url.PathEscape(pair))

	// The API answers either {"pair": {...}} or {"pairs": [...]}.
	var parsed struct {
		Pair *struct {
			PriceUSD string `json:"priceUsd"`
		} `json:"pair"`
		Pairs []struct {
			PriceUSD string `json:"priceUsd"`
		} `json:"pairs"`
	}
	found, err := getJSON(ctx, f.HTTP, u, &parsed)
	now := time.Now().UTC()
	if err != nil {
		f.set(now, "down", err)
		if f.Logger != nil {
			f.Logger.Warn("dexscreener price fetch failed", zap.String("pair", pair), zap.Error(err))
		}
		return decimal.Zero, false, err
	}
	f.set(now, "healthy", nil)
	if !found {
		return decimal.Zero, false, nil
	}
	switch {
	case parsed.Pair != nil:
		return positive(parsed.Pair.PriceUSD)
	case len(parsed.Pairs) > 0:
		return positive(parsed.Pairs[0].PriceUSD)
	default:
		// No liquidity.
		return decimal.Zero, false, nil
	}
}
