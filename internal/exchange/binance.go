package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"candlelake/internal/frame"
	"candlelake/internal/lake"
)

const (
	binanceSpotHost    = "https://api.binance.com"
	binanceFuturesHost = "https://fapi.binance.com"

	// Venue weight limits allow far more, but historical backfills run for
	// hours; a conservative request rate keeps the IP off the ban ladder.
	binanceRequestsPerSec = 10

	maxRateLimitRetries = 5
	rateLimitPause      = 30 * time.Second
)

type ctxKey int

const rateBudgetKey ctxKey = iota

// withRateLimitBudget caps consecutive 429 retries for requests made under
// the returned context. The prober uses it to give up after fewer pauses
// than a regular download would.
func withRateLimitBudget(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, rateBudgetKey, n)
}

func rateLimitBudget(ctx context.Context) int {
	if n, ok := ctx.Value(rateBudgetKey).(int); ok && n > 0 {
		return n
	}
	return maxRateLimitRetries
}

// Binance fetches klines and funding rates over the public REST API. One
// instance serves one market (spot or futures); both share the pacing and
// retry behavior.
type Binance struct {
	market  string
	host    string
	prefix  string
	client  *http.Client
	limiter *rate.Limiter
	log     *logrus.Entry
}

// NewBinance returns a connector for market "spot" or "futures".
func NewBinance(market string, log *logrus.Logger) (*Binance, error) {
	b := &Binance{
		market:  market,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(binanceRequestsPerSec), binanceRequestsPerSec),
		log: logrus.NewEntry(log).WithFields(logrus.Fields{
			"exchange": "binance", "market": market,
		}),
	}
	switch market {
	case "spot":
		b.host, b.prefix = binanceSpotHost, "/api/v3"
	case "futures":
		b.host, b.prefix = binanceFuturesHost, "/fapi/v1"
	default:
		return nil, fmt.Errorf("%w: binance market %q", lake.ErrUnknownExchange, market)
	}
	return b, nil
}

// WithBaseURL points the connector at a different host. Test servers use
// it; the prefix is dropped because fakes register flat routes.
func (b *Binance) WithBaseURL(u string) *Binance {
	b.host, b.prefix = u, ""
	return b
}

func (b *Binance) Exchange() string { return "binance" }
func (b *Binance) Market() string   { return b.market }

func (b *Binance) Symbols(ctx context.Context) ([]SymbolInfo, error) {
	body, err := b.get(ctx, "/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Status     string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo: %w", err)
	}
	out := make([]SymbolInfo, 0, len(payload.Symbols))
	for _, s := range payload.Symbols {
		out = append(out, SymbolInfo{
			Symbol: s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
			Active: s.Status == "TRADING",
		})
	}
	return out, nil
}

func (b *Binance) FetchOHLCV(ctx context.Context, symbol, period string, since int64, limit int) (*frame.Frame, error) {
	if _, err := lake.TimeframeMillis(period); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", period)
	q.Set("startTime", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	body, err := b.get(ctx, "/klines", q)
	if err != nil {
		return nil, err
	}

	// Kline rows are positional arrays of mixed numbers and strings.
	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	ts := make([]int64, 0, len(raw))
	open := make([]float64, 0, len(raw))
	high := make([]float64, 0, len(raw))
	low := make([]float64, 0, len(raw))
	closep := make([]float64, 0, len(raw))
	volume := make([]float64, 0, len(raw))
	for _, row := range raw {
		if len(row) < 6 {
			return nil, fmt.Errorf("kline row has %d fields", len(row))
		}
		var t int64
		if err := json.Unmarshal(row[0], &t); err != nil {
			return nil, fmt.Errorf("kline open time: %w", err)
		}
		vals := make([]float64, 5)
		for i := 1; i <= 5; i++ {
			var s string
			if err := json.Unmarshal(row[i], &s); err != nil {
				return nil, fmt.Errorf("kline field %d: %w", i, err)
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("kline field %d: %w", i, err)
			}
			vals[i-1] = v
		}
		ts = append(ts, t)
		open = append(open, vals[0])
		high = append(high, vals[1])
		low = append(low, vals[2])
		closep = append(closep, vals[3])
		volume = append(volume, vals[4])
	}
	return frame.NewCandles(ts, open, high, low, closep, volume), nil
}

func (b *Binance) FetchFunding(ctx context.Context, symbol string, since int64, limit int) (*frame.Frame, error) {
	if b.market != "futures" {
		return nil, fmt.Errorf("funding on binance %s: %w", b.market, lake.ErrNotFound)
	}
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("startTime", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	body, err := b.get(ctx, "/fundingRate", q)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		FundingTime int64  `json:"fundingTime"`
		FundingRate string `json:"fundingRate"`
		MarkPrice   string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode fundingRate: %w", err)
	}
	out := frame.New()
	for _, r := range raw {
		fr, err := strconv.ParseFloat(r.FundingRate, 64)
		if err != nil {
			return nil, fmt.Errorf("funding rate %q: %w", r.FundingRate, err)
		}
		cells := map[string]any{"funding_rate": fr}
		if r.MarkPrice != "" {
			if mp, err := strconv.ParseFloat(r.MarkPrice, 64); err == nil {
				cells["mark_price"] = mp
			}
		}
		if err := out.AppendRow(r.FundingTime, cells); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// get runs one paced request. HTTP 429 pauses and retries up to
// maxRateLimitRetries times before giving up with ErrRateLimited; HTTP 418
// means the IP is banned and is never retried. Transient network errors
// retry under exponential backoff.
func (b *Binance) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	u := b.host + b.prefix + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	rateRetries := 0
	rateBudget := rateLimitBudget(ctx)
	var body []byte
	op := func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: %v", lake.ErrNetworkTimeout, err)
			}
			return err // transient, let backoff retry
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err = io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			rateRetries++
			if rateRetries > rateBudget {
				return backoff.Permanent(fmt.Errorf("%w: %s after %d retries", lake.ErrRateLimited, path, rateBudget))
			}
			pause := retryAfter(resp, rateLimitPause)
			b.log.WithFields(logrus.Fields{"pause": pause, "attempt": rateRetries}).
				Warn("rate limited, pausing")
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			}
			return errRetryNow
		case resp.StatusCode == http.StatusTeapot:
			return backoff.Permanent(fmt.Errorf("%w: binance returned 418 for %s", lake.ErrBanned, path))
		case resp.StatusCode >= 500:
			return fmt.Errorf("binance %s: status %d", path, resp.StatusCode)
		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("binance %s: status %d: %s", path, resp.StatusCode, msg))
		}
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxElapsedTime(5*time.Minute),
	), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return body, nil
}

// errRetryNow makes backoff retry immediately after a rate-limit pause,
// without stacking the exponential delay on top of the pause just taken.
var errRetryNow = errors.New("retry after rate-limit pause")

func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return fallback
	}
	d := time.Duration(secs) * time.Second
	if d > fallback {
		return fallback
	}
	return d
}
