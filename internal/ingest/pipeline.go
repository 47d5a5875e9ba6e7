// Package ingest drives historical downloads: it resolves where to start,
// pages through the venue with a cursor, and lands every batch through the
// store writer. A download killed at any point resumes from the catalog.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"candlelake/internal/exchange"
	"candlelake/internal/frame"
	"candlelake/internal/lake"
	"candlelake/internal/manifest"
	"candlelake/internal/store"
)

const (
	// DefaultLimit is the page size requested from the venue.
	DefaultLimit = 1000

	// maxEmptyJumps bounds how many consecutive empty windows the cursor
	// skips before concluding the series has ended.
	maxEmptyJumps = 10

	fundingStepMillis = 8 * 60 * 60 * 1000
)

// Request describes one download job.
type Request struct {
	Exchange    string `json:"exchange"`
	Market      string `json:"market"`
	Symbol      string `json:"symbol"`
	Period      string `json:"period"`
	DataType    string `json:"data_type"` // raw, funding or both
	Start       *int64 `json:"start,omitempty"`
	End         *int64 `json:"end,omitempty"`
	FullHistory bool   `json:"full_history"`
	Limit       int    `json:"limit,omitempty"`

	// Progress, when set, receives a human-readable line after every
	// landed batch. Callers surface it in task status.
	Progress func(string) `json:"-"`
}

// Summary reports what one run landed.
type Summary struct {
	Rows       int64 `json:"rows"`
	Batches    int64 `json:"batches"`
	Partitions int64 `json:"partitions"`
	TimeFrom   int64 `json:"time_from"`
	TimeTo     int64 `json:"time_to"`
}

func (s *Summary) add(rows int, results []store.WriteResult) {
	s.Rows += int64(rows)
	s.Batches++
	s.Partitions += int64(len(results))
	for _, r := range results {
		if s.TimeFrom == 0 || r.TimeFrom < s.TimeFrom {
			s.TimeFrom = r.TimeFrom
		}
		if r.TimeTo > s.TimeTo {
			s.TimeTo = r.TimeTo
		}
	}
}

// Pipeline wires the registry, the prober, the writer and the catalog into
// a runnable download. Safe for concurrent use across distinct series; the
// writer serializes same-partition collisions.
type Pipeline struct {
	registry *exchange.Registry
	prober   *exchange.Prober
	writer   *store.Writer
	man      *manifest.Manifest
	log      *logrus.Entry
}

func New(reg *exchange.Registry, prober *exchange.Prober, w *store.Writer, man *manifest.Manifest, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		registry: reg,
		prober:   prober,
		writer:   w,
		man:      man,
		log:      logrus.NewEntry(log).WithField("component", "ingest"),
	}
}

// Run executes the request to completion or cancellation. The upper bound
// is captured once at entry; candles closing after that are the next run's
// work.
func (p *Pipeline) Run(ctx context.Context, req Request) (Summary, error) {
	id := lake.Identity{Exchange: req.Exchange, Market: req.Market, Symbol: req.Symbol}.Normalize()
	if err := id.Validate(); err != nil {
		return Summary{}, err
	}
	conn, err := p.registry.Open(req.Exchange, req.Market)
	if err != nil {
		return Summary{}, err
	}
	native, err := exchange.ResolveSymbol(ctx, conn, req.Symbol)
	if err != nil {
		return Summary{}, err
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	end := time.Now().UTC().UnixMilli()
	if req.End != nil {
		end = *req.End
	}

	dataType := strings.ToLower(req.DataType)
	if dataType == "" {
		dataType = "raw"
	}
	var sum Summary
	if dataType == "raw" || dataType == "both" {
		s, err := p.runSeries(ctx, conn, req, id, native, lake.TypeRaw, req.Period, end)
		sum.merge(s)
		if err != nil {
			return sum, err
		}
	}
	if dataType == "funding" || dataType == "both" {
		s, err := p.runSeries(ctx, conn, req, id, native, lake.TypeAlt, lake.PeriodFunding, end)
		sum.merge(s)
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (s *Summary) merge(o Summary) {
	s.Rows += o.Rows
	s.Batches += o.Batches
	s.Partitions += o.Partitions
	if s.TimeFrom == 0 || (o.TimeFrom != 0 && o.TimeFrom < s.TimeFrom) {
		s.TimeFrom = o.TimeFrom
	}
	if o.TimeTo > s.TimeTo {
		s.TimeTo = o.TimeTo
	}
}

func (p *Pipeline) runSeries(ctx context.Context, conn exchange.Connector, req Request, id lake.Identity, native, typ, period string, end int64) (Summary, error) {
	step := int64(fundingStepMillis)
	if typ == lake.TypeRaw {
		var err error
		step, err = lake.TimeframeMillis(period)
		if err != nil {
			return Summary{}, err
		}
	}
	start, err := p.resolveStart(ctx, conn, req, id, native, typ, period)
	if err != nil {
		return Summary{}, err
	}
	log := p.log.WithFields(logrus.Fields{
		"series": fmt.Sprintf("%s/%s/%s", id, typ, period),
	})
	log.WithFields(logrus.Fields{
		"from": time.UnixMilli(start).UTC().Format(time.RFC3339),
		"to":   time.UnixMilli(end).UTC().Format(time.RFC3339),
	}).Info("starting download")

	fetch := func(since int64, limit int) (*frame.Frame, error) {
		if typ == lake.TypeAlt && period == lake.PeriodFunding {
			return conn.FetchFunding(ctx, native, since, limit)
		}
		return conn.FetchOHLCV(ctx, native, period, since, limit)
	}

	var sum Summary
	cursor := start
	emptyJumps := 0
	for cursor <= end {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("%w: %v", lake.ErrCancelled, err)
		}
		batch, err := fetch(cursor, req.Limit)
		if err != nil {
			return sum, err
		}
		if batch.Len() == 0 {
			emptyJumps++
			if emptyJumps > maxEmptyJumps {
				log.Info("no more data from venue, stopping")
				break
			}
			jump := int64(req.Limit) * step
			log.WithField("cursor", time.UnixMilli(cursor).UTC().Format(time.RFC3339)).
				Warn("empty window, jumping ahead")
			cursor += jump
			continue
		}
		emptyJumps = 0

		// Venues occasionally return rows older than asked for; those are
		// already stored and just merge idempotently.
		maxTS := batch.MaxTS()
		if maxTS < cursor {
			log.Warn("venue made no forward progress, stopping")
			break
		}
		if gap := batch.MinTS() - cursor; gap > step {
			log.WithField("missing_ms", gap).Warn("gap in venue data")
		}

		results, err := p.writer.Write(ctx, batch, id, typ, period)
		if err != nil {
			return sum, err
		}
		sum.add(batch.Len(), results)
		cursor = maxTS + step
		log.WithFields(logrus.Fields{
			"rows":   batch.Len(),
			"cursor": time.UnixMilli(cursor).UTC().Format(time.RFC3339),
		}).Info("fetched batch")
		if req.Progress != nil {
			req.Progress(fmt.Sprintf("Fetched %d rows; cursor=%s",
				sum.Rows, time.UnixMilli(cursor).UTC().Format(time.RFC3339)))
		}
	}
	log.WithField("rows", sum.Rows).Info("download finished")
	return sum, nil
}

// resolveStart picks the first timestamp to request. Priority: full
// history probes the venue listing date; otherwise the catalog resumes one
// millisecond past the newest stored row; otherwise the explicit start.
func (p *Pipeline) resolveStart(ctx context.Context, conn exchange.Connector, req Request, id lake.Identity, native, typ, period string) (int64, error) {
	if req.FullHistory {
		probePeriod := req.Period
		if probePeriod == "" || typ == lake.TypeAlt {
			probePeriod = "1d"
		}
		return p.prober.ListingTime(ctx, conn, native, probePeriod)
	}
	maxTo, ok, err := p.man.MaxTimeTo(ctx, manifest.Filter{
		Exchange: id.Exchange,
		Market:   id.Market,
		Symbol:   id.Symbol,
		Type:     typ,
		Period:   period,
	})
	if err != nil {
		return 0, err
	}
	if ok {
		return maxTo + 1, nil
	}
	if req.Start != nil {
		return *req.Start, nil
	}
	return 0, fmt.Errorf("%w: no stored data for %s and no start given", lake.ErrMissingStart, id)
}
