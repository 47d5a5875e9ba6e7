package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/sirupsen/logrus"

	"candlelake/internal/frame"
	"candlelake/internal/lake"
	"candlelake/internal/layout"
	"candlelake/internal/manifest"
)

// WriteResult describes one partition touched by a Write call.
type WriteResult struct {
	EntryID  int64  `json:"entry_id"`
	Path     string `json:"path"`
	Day      int64  `json:"day"`
	Rows     int64  `json:"rows"`
	TimeFrom int64  `json:"time_from"`
	TimeTo   int64  `json:"time_to"`
	FileSize int64  `json:"file_size"`
	Checksum string `json:"checksum"`
}

// Writer lands batches in day partitions under the data root. Each
// partition write is atomic (temp file, fsync, rename) and idempotent:
// rewriting the same rows merges into an identical file. Writes to the
// same partition are serialized per path within this process.
type Writer struct {
	root  string
	man   *manifest.Manifest
	codec compress.Codec

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	log *logrus.Entry
}

// NewWriter returns a writer storing under root. compression selects the
// Parquet codec, "snappy" (default) or "zstd".
func NewWriter(root string, man *manifest.Manifest, compression string, log *logrus.Logger) (*Writer, error) {
	var codec compress.Codec
	switch compression {
	case "", "snappy":
		codec = &parquet.Snappy
	case "zstd":
		codec = &parquet.Zstd
	default:
		return nil, fmt.Errorf("unknown compression %q", compression)
	}
	return &Writer{
		root:  root,
		man:   man,
		codec: codec,
		locks: make(map[string]*sync.Mutex),
		log:   logrus.NewEntry(log).WithField("component", "writer"),
	}, nil
}

func (w *Writer) lockFor(path string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[path]
	if !ok {
		l = &sync.Mutex{}
		w.locks[path] = l
	}
	return l
}

// Write splits the batch into UTC day chunks and merges each into its
// partition. The batch need not be sorted. An empty batch is a no-op.
func (w *Writer) Write(ctx context.Context, batch *frame.Frame, id lake.Identity, typ, period string) ([]WriteResult, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if typ == "" {
		return nil, fmt.Errorf("%w: empty type", lake.ErrInvalidIdentity)
	}
	if batch == nil || batch.Len() == 0 {
		return nil, nil
	}
	id = id.Normalize()

	var results []WriteResult
	for _, chunk := range batch.SplitDays() {
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("%w: %v", lake.ErrCancelled, err)
		}
		res, err := w.writePartition(ctx, chunk, id, typ, period)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (w *Writer) writePartition(ctx context.Context, chunk frame.DayChunk, id lake.Identity, typ, period string) (WriteResult, error) {
	ref := layout.Ref{Identity: id, Type: typ, Period: period, Day: chunk.Day}
	path := layout.PartitionPath(w.root, ref)
	log := w.log.WithField("path", path)

	lock := w.lockFor(path)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("create partition dir: %w", err)
	}
	w.sweepTemp(dir, filepath.Base(path), log)

	existing, err := w.loadExisting(path, log)
	if err != nil {
		return WriteResult{}, err
	}

	var merged *frame.Frame
	if existing != nil {
		merged, err = frame.Merge(existing, chunk.Frame)
	} else {
		merged, err = frame.Merge(chunk.Frame)
	}
	if err != nil {
		return WriteResult{}, err
	}

	tmp := fmt.Sprintf("%s.tmp.%s", path, uuid.NewString()[:8])
	if err := w.writeFile(tmp, merged); err != nil {
		os.Remove(tmp)
		return WriteResult{}, err
	}
	if err := syncDir(dir); err != nil {
		os.Remove(tmp)
		return WriteResult{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return WriteResult{}, fmt.Errorf("publish partition: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return WriteResult{}, err
	}

	sum, size, err := checksumFile(path)
	if err != nil {
		return WriteResult{}, err
	}
	entryID, err := w.man.Upsert(ctx, manifest.Entry{
		Exchange: id.Exchange,
		Market:   id.Market,
		Symbol:   id.Symbol,
		Type:     strings.ToLower(typ),
		Period:   strings.ToLower(period),
		Path:     path,
		TimeFrom: merged.MinTS(),
		TimeTo:   merged.MaxTS(),
		RowCount: int64(merged.Len()),
		FileSize: size,
		Checksum: sum,
	})
	if err != nil {
		return WriteResult{}, err
	}

	if err := w.postCheck(path, merged.Len()); err != nil {
		os.Remove(path)
		if _, delErr := w.man.DeleteBy(ctx, manifest.Filter{ID: entryID}); delErr != nil {
			log.WithError(delErr).Error("failed to unregister partition after integrity failure")
		}
		return WriteResult{}, err
	}

	log.WithFields(logrus.Fields{
		"rows": merged.Len(),
		"from": merged.MinTS(),
		"to":   merged.MaxTS(),
	}).Info("partition written")
	return WriteResult{
		EntryID:  entryID,
		Path:     path,
		Day:      chunk.Day,
		Rows:     int64(merged.Len()),
		TimeFrom: merged.MinTS(),
		TimeTo:   merged.MaxTS(),
		FileSize: size,
		Checksum: sum,
	}, nil
}

// sweepTemp removes temp files left by crashed writes for this partition.
func (w *Writer) sweepTemp(dir, base string, log *logrus.Entry) {
	matches, err := filepath.Glob(filepath.Join(dir, base+".tmp.*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if rmErr := os.Remove(m); rmErr == nil {
			log.WithField("temp", m).Warn("removed stale temp file")
		}
	}
}

// loadExisting decodes the current partition file. A missing file returns
// (nil, nil). An unreadable file is quarantined, not merged: the fresh
// batch then rebuilds the partition from scratch.
func (w *Writer) loadExisting(path string, log *logrus.Entry) (*frame.Frame, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat partition: %w", err)
	}
	existing, err := decodeFile(path, nil, 0, 0, nil)
	if err == nil {
		return existing, nil
	}
	quarantine := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixMilli())
	if mvErr := os.Rename(path, quarantine); mvErr != nil {
		return nil, fmt.Errorf("quarantine corrupt partition %s: %w", path, mvErr)
	}
	log.WithError(err).WithField("quarantine", quarantine).Error("corrupt partition quarantined")
	return nil, nil
}

func (w *Writer) writeFile(tmp string, f *frame.Frame) error {
	fd, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp partition: %w", err)
	}
	if err := encodeFrame(fd, f, w.codec); err != nil {
		fd.Close()
		return err
	}
	if err := fd.Sync(); err != nil {
		fd.Close()
		return fmt.Errorf("sync partition: %w", err)
	}
	return fd.Close()
}

// postCheck reopens the published file and verifies it round-trips: the
// row count matches and timestamps are strictly increasing.
func (w *Writer) postCheck(path string, wantRows int) error {
	verify, err := decodeFile(path, nil, 0, 0, nil)
	if err != nil {
		return fmt.Errorf("%w: reopen %s: %v", lake.ErrDataIntegrity, path, err)
	}
	if verify.Len() != wantRows {
		return fmt.Errorf("%w: %s has %d rows, want %d", lake.ErrDataIntegrity, path, verify.Len(), wantRows)
	}
	if !verify.StrictlyIncreasing() {
		return fmt.Errorf("%w: %s timestamps are not strictly increasing", lake.ErrDataIntegrity, path)
	}
	return nil
}

// Delete removes every partition matching the filter, files first guided
// by the catalog, then the catalog rows. Emptied directories are pruned up
// to the data root.
func (w *Writer) Delete(ctx context.Context, f manifest.Filter) (int, error) {
	entries, err := w.man.DeleteBy(ctx, f)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			w.log.WithError(err).WithField("path", e.Path).Warn("could not remove partition file")
			continue
		}
		removed++
		w.pruneDirs(filepath.Dir(e.Path))
	}
	return removed, nil
}

// pruneDirs removes now-empty directories from dir up to (not including)
// the data root.
func (w *Writer) pruneDirs(dir string) {
	root := filepath.Clean(w.root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || !strings.HasPrefix(dir, root+string(filepath.Separator)) {
			return
		}
		if err := os.Remove(dir); err != nil {
			return // non-empty or gone
		}
		dir = filepath.Dir(dir)
	}
}

func checksumFile(path string) (string, int64, error) {
	fd, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer fd.Close()
	h := sha256.New()
	n, err := io.Copy(h, fd)
	if err != nil {
		return "", 0, fmt.Errorf("checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func syncDir(dir string) error {
	fd, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer fd.Close()
	if err := fd.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
