package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"

	"candlelake/internal/frame"
	"candlelake/internal/lake"
	"candlelake/internal/store"
)

// DefaultCSVChunk is how many rows are buffered before a chunk is handed
// to the writer. Large files stream through without loading whole.
const DefaultCSVChunk = 250_000

// defaultCSVHeader is assumed when the first record is all-numeric.
var defaultCSVHeader = []string{"ts", "open", "high", "low", "close", "volume"}

// CSVImporter lands local CSV files as partitions. Files ending in .gz or
// .zst are decompressed on the fly.
type CSVImporter struct {
	writer *store.Writer
	chunk  int
	log    *logrus.Entry
}

func NewCSVImporter(w *store.Writer, chunkRows int, log *logrus.Logger) *CSVImporter {
	if chunkRows <= 0 {
		chunkRows = DefaultCSVChunk
	}
	return &CSVImporter{
		writer: w,
		chunk:  chunkRows,
		log:    logrus.NewEntry(log).WithField("component", "csv"),
	}
}

// Import streams path into the given series. The first record is treated
// as a header unless every field parses as a number, in which case the
// default OHLCV header is assumed. One column must be named ts, timestamp
// or time; its values may be in seconds or milliseconds.
func (im *CSVImporter) Import(ctx context.Context, path string, id lake.Identity, typ, period string) (Summary, error) {
	fd, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer fd.Close()

	var src io.Reader = fd
	switch {
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(fd)
		if err != nil {
			return Summary{}, fmt.Errorf("open gzip %s: %w", path, err)
		}
		defer gz.Close()
		src = gz
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(fd)
		if err != nil {
			return Summary{}, fmt.Errorf("open zstd %s: %w", path, err)
		}
		defer zr.Close()
		src = zr
	}

	cr := csv.NewReader(src)
	cr.ReuseRecord = true
	cr.TrimLeadingSpace = true

	first, err := cr.Read()
	if err == io.EOF {
		return Summary{}, nil
	}
	if err != nil {
		return Summary{}, fmt.Errorf("read csv %s: %w", path, err)
	}
	header, firstIsData := inferHeader(first)
	tsCol := tsColumn(header)
	if tsCol < 0 {
		return Summary{}, fmt.Errorf("%w: csv %s has no timestamp column", lake.ErrSchemaMismatch, path)
	}

	var sum Summary
	batch := frame.New()
	line := 1
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		results, err := im.writer.Write(ctx, batch, id, typ, period)
		if err != nil {
			return err
		}
		sum.add(batch.Len(), results)
		im.log.WithFields(logrus.Fields{"file": path, "rows": batch.Len()}).Info("imported chunk")
		batch = frame.New()
		return nil
	}

	appendRecord := func(rec []string) error {
		ts, cells, err := parseRecord(header, tsCol, rec)
		if err != nil {
			return fmt.Errorf("%s line %d: %w", path, line, err)
		}
		return batch.AppendRow(ts, cells)
	}

	if firstIsData {
		if err := appendRecord(first); err != nil {
			return sum, err
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return sum, fmt.Errorf("%w: %v", lake.ErrCancelled, err)
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sum, fmt.Errorf("read csv %s: %w", path, err)
		}
		line++
		if err := appendRecord(rec); err != nil {
			return sum, err
		}
		if batch.Len() >= im.chunk {
			if err := flush(); err != nil {
				return sum, err
			}
		}
	}
	if err := flush(); err != nil {
		return sum, err
	}
	return sum, nil
}

// inferHeader decides whether the first record is data. All-numeric means
// headerless, described by the default OHLCV header.
func inferHeader(first []string) (header []string, firstIsData bool) {
	numeric := true
	for _, f := range first {
		if _, err := strconv.ParseFloat(strings.TrimSpace(f), 64); err != nil {
			numeric = false
			break
		}
	}
	if numeric {
		h := defaultCSVHeader
		if len(first) < len(h) {
			h = h[:len(first)]
		}
		return h, true
	}
	header = make([]string, len(first))
	for i, f := range first {
		header[i] = strings.ToLower(strings.TrimSpace(f))
	}
	return header, false
}

func tsColumn(header []string) int {
	for i, name := range header {
		switch name {
		case "ts", "timestamp", "time", "date":
			return i
		}
	}
	return -1
}

// millisThreshold separates second from millisecond epochs. Anything
// below it (before 5138-11-16 in seconds) is taken as seconds.
const millisThreshold = 100_000_000_000

func parseRecord(header []string, tsCol int, rec []string) (int64, map[string]any, error) {
	if len(rec) < len(header) {
		return 0, nil, fmt.Errorf("record has %d fields, header has %d", len(rec), len(header))
	}
	tsF, err := strconv.ParseFloat(strings.TrimSpace(rec[tsCol]), 64)
	if err != nil {
		return 0, nil, fmt.Errorf("bad timestamp %q: %w", rec[tsCol], err)
	}
	ts := int64(tsF)
	if ts < millisThreshold {
		ts *= 1000
	}
	cells := make(map[string]any, len(header)-1)
	for i, name := range header {
		if i == tsCol || i >= len(rec) {
			continue
		}
		v := strings.TrimSpace(rec[i])
		if v == "" {
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cells[name] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			cells[name] = b
		} else {
			cells[name] = v
		}
	}
	return ts, cells, nil
}
