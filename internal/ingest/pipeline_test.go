package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlelake/internal/exchange"
	"candlelake/internal/frame"
	"candlelake/internal/lake"
	"candlelake/internal/manifest"
	"candlelake/internal/store"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// fakeConnector serves a fixed minute-candle series from memory.
type fakeConnector struct {
	first, last int64 // candle open times, 1m step
	fetches     int
	sinces      []int64
}

const minuteMs = int64(60_000)

func (f *fakeConnector) Exchange() string { return "binance" }
func (f *fakeConnector) Market() string   { return "spot" }

func (f *fakeConnector) Symbols(ctx context.Context) ([]exchange.SymbolInfo, error) {
	return []exchange.SymbolInfo{{Symbol: "BTCUSDT", Base: "BTC", Quote: "USDT", Active: true}}, nil
}

// FetchOHLCV answers like a windowed venue: only candles opening in
// [since, since+limit*step) come back, so requests into a dead zone
// return empty instead of skipping ahead.
func (f *fakeConnector) FetchOHLCV(ctx context.Context, symbol, period string, since int64, limit int) (*frame.Frame, error) {
	f.fetches++
	f.sinces = append(f.sinces, since)
	windowEnd := since + int64(limit)*minuteMs
	start := since
	if start < f.first {
		start = f.first
	}
	start -= start % minuteMs
	if start < since {
		start += minuteMs
	}
	var ts []int64
	for t := start; t <= f.last && t < windowEnd && len(ts) < limit; t += minuteMs {
		ts = append(ts, t)
	}
	vals := make([]float64, len(ts))
	for i := range vals {
		vals[i] = float64(ts[i])
	}
	return frame.NewCandles(ts, vals, vals, vals, vals, vals), nil
}

func (f *fakeConnector) FetchFunding(ctx context.Context, symbol string, since int64, limit int) (*frame.Frame, error) {
	out := frame.New()
	step := int64(fundingStepMillis)
	start := since
	if start < f.first {
		start = f.first
	}
	for t := start; t <= f.last && out.Len() < limit; t += step {
		if err := out.AppendRow(t, map[string]any{"funding_rate": 0.0001}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func newTestPipeline(t *testing.T, conn exchange.Connector) (*Pipeline, *store.Reader, *manifest.Manifest) {
	t.Helper()
	root := t.TempDir()
	man, err := manifest.Open(filepath.Join(root, "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { man.Close() })
	log := testLogger()
	w, err := store.NewWriter(root, man, "snappy", log)
	require.NoError(t, err)

	reg := exchange.NewRegistry(log)
	reg.Register("binance", "spot", func(*logrus.Logger) (exchange.Connector, error) {
		return conn, nil
	})
	p := New(reg, exchange.NewProber(log), w, man, log)
	return p, store.NewReader(root, man, log), man
}

func TestRunDownloadsRange(t *testing.T) {
	fake := &fakeConnector{first: 0, last: 499 * minuteMs}
	p, r, _ := newTestPipeline(t, fake)

	start := int64(0)
	end := fake.last
	sum, err := p.Run(context.Background(), Request{
		Exchange: "binance", Market: "spot", Symbol: "btcusdt",
		Period: "1m", Start: &start, End: &end, Limit: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), sum.Rows)
	assert.Equal(t, int64(5), sum.Batches)

	f, err := r.ReadAll(context.Background(), store.Query{
		Identity: lake.Identity{Exchange: "binance", Market: "spot", Symbol: "BTCUSDT"},
		Type:     "raw", Period: "1m",
	})
	require.NoError(t, err)
	assert.Equal(t, 500, f.Len())
	assert.True(t, f.StrictlyIncreasing())
}

func TestRunResumesFromCatalog(t *testing.T) {
	fake := &fakeConnector{first: 0, last: 99 * minuteMs}
	p, _, man := newTestPipeline(t, fake)
	ctx := context.Background()

	start := int64(0)
	end := fake.last
	_, err := p.Run(ctx, Request{
		Exchange: "binance", Market: "spot", Symbol: "BTCUSDT",
		Period: "1m", Start: &start, End: &end,
	})
	require.NoError(t, err)

	// Venue grew; a second run without a start resumes past stored data.
	fake.last = 199 * minuteMs
	fake.sinces = nil
	end = fake.last
	sum, err := p.Run(ctx, Request{
		Exchange: "binance", Market: "spot", Symbol: "BTCUSDT",
		Period: "1m", End: &end,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum.Rows)
	require.NotEmpty(t, fake.sinces)
	assert.Equal(t, 99*minuteMs+1, fake.sinces[0])

	maxTo, ok, err := man.MaxTimeTo(ctx, manifest.Filter{Symbol: "BTCUSDT", Type: "raw", Period: "1m"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 199*minuteMs, maxTo)
}

func TestRunRequiresStart(t *testing.T) {
	fake := &fakeConnector{first: 0, last: minuteMs}
	p, _, _ := newTestPipeline(t, fake)

	_, err := p.Run(context.Background(), Request{
		Exchange: "binance", Market: "spot", Symbol: "BTCUSDT", Period: "1m",
	})
	assert.ErrorIs(t, err, lake.ErrMissingStart)
}

func TestRunFullHistoryProbes(t *testing.T) {
	// Day-aligned and after 2010 so the prober's binary search can land on it.
	first := 17_000 * lake.MillisPerDay
	fake := &fakeConnector{first: first, last: first + 99*minuteMs}
	p, _, _ := newTestPipeline(t, fake)

	end := fake.last
	sum, err := p.Run(context.Background(), Request{
		Exchange: "binance", Market: "spot", Symbol: "BTCUSDT",
		Period: "1m", FullHistory: true, End: &end,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum.Rows)
	assert.Equal(t, first, sum.TimeFrom)
}

func TestRunSkipsEmptyWindows(t *testing.T) {
	// Data only exists well past the requested start; the cursor must jump
	// empty windows instead of crawling minute by minute.
	first := 5_000 * minuteMs
	fake := &fakeConnector{first: first, last: first + 9*minuteMs}
	p, _, _ := newTestPipeline(t, fake)

	start := int64(0)
	end := fake.last
	sum, err := p.Run(context.Background(), Request{
		Exchange: "binance", Market: "spot", Symbol: "BTCUSDT",
		Period: "1m", Start: &start, End: &end, Limit: 1000,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum.Rows)
	// 0 -> 60M ms jump covers the 300M gap in a handful of fetches.
	assert.LessOrEqual(t, fake.fetches, 8)
}

func TestRunReportsProgressPerBatch(t *testing.T) {
	fake := &fakeConnector{first: 0, last: 299 * minuteMs}
	p, _, _ := newTestPipeline(t, fake)

	var lines []string
	start := int64(0)
	end := fake.last
	_, err := p.Run(context.Background(), Request{
		Exchange: "binance", Market: "spot", Symbol: "BTCUSDT",
		Period: "1m", Start: &start, End: &end, Limit: 100,
		Progress: func(msg string) { lines = append(lines, msg) },
	})
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Equal(t, "Fetched 100 rows; cursor=1970-01-01T01:40:00Z", lines[0])
	assert.Equal(t, "Fetched 200 rows; cursor=1970-01-01T03:20:00Z", lines[1])
	assert.Equal(t, "Fetched 300 rows; cursor=1970-01-01T05:00:00Z", lines[2])
}

func TestRunBothLandsFunding(t *testing.T) {
	fake := &fakeConnector{first: 0, last: 2 * fundingStepMillis}
	p, r, _ := newTestPipeline(t, fake)

	start := int64(0)
	end := fake.last
	_, err := p.Run(context.Background(), Request{
		Exchange: "binance", Market: "spot", Symbol: "BTCUSDT",
		Period: "1m", DataType: "both", Start: &start, End: &end,
	})
	require.NoError(t, err)

	funding, err := r.ReadAll(context.Background(), store.Query{
		Identity: lake.Identity{Exchange: "binance", Market: "spot", Symbol: "BTCUSDT"},
		Type:     lake.TypeAlt, Period: lake.PeriodFunding,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, funding.Len())
	assert.Equal(t, 0.0001, funding.Value(0, "funding_rate"))
}

func TestVerifyContinuity(t *testing.T) {
	fake := &fakeConnector{first: 0, last: 9 * minuteMs}
	p, r, _ := newTestPipeline(t, fake)
	ctx := context.Background()

	start := int64(0)
	end := fake.last
	_, err := p.Run(ctx, Request{
		Exchange: "binance", Market: "spot", Symbol: "BTCUSDT",
		Period: "1m", Start: &start, End: &end,
	})
	require.NoError(t, err)

	id := lake.Identity{Exchange: "binance", Market: "spot", Symbol: "BTCUSDT"}
	rep, err := VerifyContinuity(ctx, r, id, "raw", "1m", 0, end+1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rep.Rows)
	assert.Equal(t, minuteMs, rep.Step)
	assert.Empty(t, rep.Gaps)
	assert.Empty(t, rep.Overlaps)
}
