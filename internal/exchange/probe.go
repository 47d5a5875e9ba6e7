package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"candlelake/internal/lake"
)

// probeRateLimitRetries caps consecutive 429 retries while probing for a
// listing date. Probes are cheap to re-run, so they give up sooner than
// downloads instead of holding a worker through repeated pauses.
const probeRateLimitRetries = 3

// Prober finds the first available candle timestamp of an instrument.
// Results are cached for the process lifetime; listing dates do not move.
type Prober struct {
	mu    sync.Mutex
	cache map[string]int64
	log   *logrus.Entry
}

func NewProber(log *logrus.Logger) *Prober {
	return &Prober{
		cache: make(map[string]int64),
		log:   logrus.NewEntry(log).WithField("component", "prober"),
	}
}

// ListingTime returns the open time of the earliest candle the venue
// serves for symbol at period. Most venues answer a since=0 request with
// their earliest data; venues that reject it get a day-granular binary
// search between 2010-01-01 and now.
func (p *Prober) ListingTime(ctx context.Context, c Connector, symbol, period string) (int64, error) {
	key := fmt.Sprintf("%s:%s:%s:%s", c.Exchange(), c.Market(), symbol, period)
	p.mu.Lock()
	if ts, ok := p.cache[key]; ok {
		p.mu.Unlock()
		return ts, nil
	}
	p.mu.Unlock()

	ts, err := p.probe(ctx, c, symbol, period)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.cache[key] = ts
	p.mu.Unlock()
	p.log.WithFields(logrus.Fields{"symbol": symbol, "listing": time.UnixMilli(ts).UTC()}).
		Info("resolved listing time")
	return ts, nil
}

func (p *Prober) probe(ctx context.Context, c Connector, symbol, period string) (int64, error) {
	ctx = withRateLimitBudget(ctx, probeRateLimitRetries)
	if f, err := c.FetchOHLCV(ctx, symbol, period, 0, 1); err == nil && f.Len() > 0 {
		return f.TS[0], nil
	} else if err != nil {
		p.log.WithError(err).Debug("since=0 probe failed, falling back to binary search")
	}

	lo := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	hi := time.Now().UTC().UnixMilli()
	var found int64 = -1
	for lo <= hi {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		mid := lo + (hi-lo)/2
		mid -= mid % lake.MillisPerDay
		f, err := c.FetchOHLCV(ctx, symbol, period, mid, 1)
		if err != nil {
			return 0, fmt.Errorf("probe %s at %d: %w", symbol, mid, err)
		}
		if f.Len() > 0 {
			found = f.TS[0]
			hi = mid - lake.MillisPerDay
		} else {
			lo = mid + lake.MillisPerDay
		}
	}
	if found < 0 {
		return 0, fmt.Errorf("%w: no data found for %q on %s %s", lake.ErrUnknownSymbol, symbol, c.Exchange(), c.Market())
	}
	return found, nil
}
