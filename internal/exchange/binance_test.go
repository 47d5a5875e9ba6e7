package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlelake/internal/frame"
	"candlelake/internal/lake"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func newTestBinance(t *testing.T, handler http.Handler) *Binance {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b, err := NewBinance("spot", testLogger())
	require.NoError(t, err)
	return b.WithBaseURL(srv.URL)
}

func klineRow(ts int64, o, h, l, c, v float64) []any {
	return []any{ts,
		fmt.Sprintf("%g", o), fmt.Sprintf("%g", h), fmt.Sprintf("%g", l),
		fmt.Sprintf("%g", c), fmt.Sprintf("%g", v),
		ts + 59_999, "0", 0, "0", "0", "0"}
}

func TestFetchOHLCVParsesKlines(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/klines", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		assert.Equal(t, "1000", r.URL.Query().Get("startTime"))
		json.NewEncoder(w).Encode([]any{
			klineRow(60_000, 1, 2, 0.5, 1.5, 10),
			klineRow(120_000, 1.5, 3, 1, 2.5, 20),
		})
	})
	b := newTestBinance(t, mux)

	f, err := b.FetchOHLCV(context.Background(), "BTCUSDT", "1m", 1000, 500)
	require.NoError(t, err)
	require.Equal(t, 2, f.Len())
	assert.Equal(t, []int64{60_000, 120_000}, f.TS)
	assert.Equal(t, 1.5, f.Value(0, "close"))
	assert.Equal(t, 20.0, f.Value(1, "volume"))
}

func TestFetchOHLCVRejectsBadPeriod(t *testing.T) {
	b := newTestBinance(t, http.NewServeMux())
	_, err := b.FetchOHLCV(context.Background(), "BTCUSDT", "nope", 0, 1)
	assert.Error(t, err)
}

func TestFetchFundingSpotUnsupported(t *testing.T) {
	b := newTestBinance(t, http.NewServeMux())
	_, err := b.FetchFunding(context.Background(), "BTCUSDT", 0, 10)
	assert.ErrorIs(t, err, lake.ErrNotFound)
}

func TestFetchFundingFutures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fundingRate", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"fundingTime": 1000, "fundingRate": "0.0001", "markPrice": "42000.5"},
			{"fundingTime": 2000, "fundingRate": "-0.0002", "markPrice": ""},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	b, err := NewBinance("futures", testLogger())
	require.NoError(t, err)
	b = b.WithBaseURL(srv.URL)

	f, err := b.FetchFunding(context.Background(), "BTCUSDT", 0, 10)
	require.NoError(t, err)
	require.Equal(t, 2, f.Len())
	assert.Equal(t, 0.0001, f.Value(0, "funding_rate"))
	assert.Equal(t, 42000.5, f.Value(0, "mark_price"))
	assert.Equal(t, -0.0002, f.Value(1, "funding_rate"))
	assert.Nil(t, f.Value(1, "mark_price"))
}

func TestRateLimitRetriesThenGivesUp(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps through rate-limit pauses")
	}
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/klines", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	b := newTestBinance(t, mux)

	_, err := b.FetchOHLCV(context.Background(), "BTCUSDT", "1m", 0, 1)
	assert.ErrorIs(t, err, lake.ErrRateLimited)
	// Initial request plus maxRateLimitRetries paused retries.
	assert.Equal(t, maxRateLimitRetries+1, hits)
}

func TestRateLimitRecovers(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps through a rate-limit pause")
	}
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/klines", func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode([]any{klineRow(60_000, 1, 2, 0.5, 1.5, 10)})
	})
	b := newTestBinance(t, mux)

	f, err := b.FetchOHLCV(context.Background(), "BTCUSDT", "1m", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Len())
	assert.Equal(t, 2, hits)
}

func TestRateLimitBudgetFromContext(t *testing.T) {
	if testing.Short() {
		t.Skip("sleeps through rate-limit pauses")
	}
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/klines", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	b := newTestBinance(t, mux)

	ctx := withRateLimitBudget(context.Background(), probeRateLimitRetries)
	_, err := b.FetchOHLCV(ctx, "BTCUSDT", "1m", 0, 1)
	assert.ErrorIs(t, err, lake.ErrRateLimited)
	// Initial request plus the reduced number of paused retries.
	assert.Equal(t, probeRateLimitRetries+1, hits)
}

func TestBannedIsNotRetried(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/klines", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTeapot)
	})
	b := newTestBinance(t, mux)

	_, err := b.FetchOHLCV(context.Background(), "BTCUSDT", "1m", 0, 1)
	assert.ErrorIs(t, err, lake.ErrBanned)
	assert.Equal(t, 1, hits)
}

func TestSymbols(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"symbols": []map[string]any{
				{"symbol": "BTCUSDT", "baseAsset": "BTC", "quoteAsset": "USDT", "status": "TRADING"},
				{"symbol": "OLDCOIN", "baseAsset": "OLD", "quoteAsset": "USDT", "status": "BREAK"},
			},
		})
	})
	b := newTestBinance(t, mux)

	infos, err := b.Symbols(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.True(t, infos[0].Active)
	assert.False(t, infos[1].Active)

	native, err := ResolveSymbol(context.Background(), b, "btcusdt")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", native)

	_, err = ResolveSymbol(context.Background(), b, "DOESNOTEXIST")
	assert.ErrorIs(t, err, lake.ErrUnknownSymbol)
}

func TestProberBinarySearch(t *testing.T) {
	listing := int64(1_500_000_000_000)
	listing -= listing % lake.MillisPerDay
	mux := http.NewServeMux()
	mux.HandleFunc("/klines", func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		if since == 0 {
			// Venue rejects open-ended historical probes.
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1},"msg":"bad start"}`))
			return
		}
		if since < listing {
			json.NewEncoder(w).Encode([]any{})
			return
		}
		json.NewEncoder(w).Encode([]any{klineRow(since, 1, 2, 0.5, 1.5, 10)})
	})
	b := newTestBinance(t, mux)

	p := NewProber(testLogger())
	got, err := p.ListingTime(context.Background(), b, "BTCUSDT", "1d")
	require.NoError(t, err)
	assert.Equal(t, listing, got)

	// Cached on the second call: break the venue and ask again.
	b.host = "http://127.0.0.1:0"
	again, err := p.ListingTime(context.Background(), b, "BTCUSDT", "1d")
	require.NoError(t, err)
	assert.Equal(t, listing, again)
}

// budgetConnector records the rate-limit budget its fetches run under.
type budgetConnector struct {
	budget int
}

func (c *budgetConnector) Exchange() string { return "fake" }
func (c *budgetConnector) Market() string   { return "spot" }

func (c *budgetConnector) Symbols(ctx context.Context) ([]SymbolInfo, error) { return nil, nil }

func (c *budgetConnector) FetchOHLCV(ctx context.Context, symbol, period string, since int64, limit int) (*frame.Frame, error) {
	c.budget = rateLimitBudget(ctx)
	f := frame.New()
	if err := f.AppendRow(1_600_000_000_000, map[string]any{"close": 1.0}); err != nil {
		return nil, err
	}
	return f, nil
}

func (c *budgetConnector) FetchFunding(ctx context.Context, symbol string, since int64, limit int) (*frame.Frame, error) {
	return nil, lake.ErrNotFound
}

func TestProberReducesRateLimitBudget(t *testing.T) {
	c := &budgetConnector{}
	p := NewProber(testLogger())
	got, err := p.ListingTime(context.Background(), c, "BTCUSDT", "1d")
	require.NoError(t, err)
	assert.Equal(t, int64(1_600_000_000_000), got)
	assert.Equal(t, probeRateLimitRetries, c.budget)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(testLogger())
	assert.Equal(t, []string{"binance"}, r.Exchanges())

	markets, err := r.Markets("binance")
	require.NoError(t, err)
	assert.Equal(t, []string{"futures", "spot"}, markets)

	c1, err := r.Open("binance", "spot")
	require.NoError(t, err)
	c2, err := r.Open("binance", "spot")
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	_, err = r.Markets("kraken")
	assert.ErrorIs(t, err, lake.ErrUnknownExchange)
	_, err = r.Open("binance", "margin")
	assert.ErrorIs(t, err, lake.ErrUnknownExchange)
}
