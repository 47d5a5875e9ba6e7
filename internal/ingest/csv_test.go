package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlelake/internal/lake"
	"candlelake/internal/manifest"
	"candlelake/internal/store"
)

func newTestImporter(t *testing.T, chunk int) (*CSVImporter, *store.Reader) {
	t.Helper()
	root := t.TempDir()
	man, err := manifest.Open(filepath.Join(root, "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { man.Close() })
	log := testLogger()
	w, err := store.NewWriter(root, man, "snappy", log)
	require.NoError(t, err)
	return NewCSVImporter(w, chunk, log), store.NewReader(root, man, log)
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

var csvID = lake.Identity{Exchange: "binance", Market: "spot", Symbol: "BTCUSDT"}

func TestImportWithHeader(t *testing.T) {
	im, r := newTestImporter(t, 0)
	path := writeTemp(t, "data.csv",
		"timestamp,open,high,low,close,volume\n"+
			"60000,1,2,0.5,1.5,10\n"+
			"120000,1.5,3,1,2.5,20\n")

	sum, err := im.Import(context.Background(), path, csvID, "raw", "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Rows)

	f, err := r.ReadAll(context.Background(), store.Query{Identity: csvID, Type: "raw", Period: "1m"})
	require.NoError(t, err)
	assert.Equal(t, []int64{60000, 120000}, f.TS)
	assert.Equal(t, 2.5, f.Value(1, "close"))
}

func TestImportHeaderless(t *testing.T) {
	im, r := newTestImporter(t, 0)
	path := writeTemp(t, "data.csv",
		"60000,1,2,0.5,1.5,10\n"+
			"120000,1.5,3,1,2.5,20\n")

	sum, err := im.Import(context.Background(), path, csvID, "raw", "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Rows)

	f, err := r.ReadAll(context.Background(), store.Query{Identity: csvID, Type: "raw", Period: "1m"})
	require.NoError(t, err)
	assert.Equal(t, 10.0, f.Value(0, "volume"))
}

func TestImportSecondsBecomeMillis(t *testing.T) {
	im, r := newTestImporter(t, 0)
	path := writeTemp(t, "data.csv",
		"ts,close\n1700000000,42.5\n")

	_, err := im.Import(context.Background(), path, csvID, "raw", "1d")
	require.NoError(t, err)

	f, err := r.ReadAll(context.Background(), store.Query{Identity: csvID, Type: "raw", Period: "1d"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1_700_000_000_000}, f.TS)
}

func TestImportGzip(t *testing.T) {
	im, r := newTestImporter(t, 0)
	p := filepath.Join(t.TempDir(), "data.csv.gz")
	fd, err := os.Create(p)
	require.NoError(t, err)
	gz := gzip.NewWriter(fd)
	_, err = gz.Write([]byte("ts,close\n60000,1.5\n120000,2.5\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, fd.Close())

	sum, err := im.Import(context.Background(), p, csvID, "raw", "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Rows)

	f, err := r.ReadAll(context.Background(), store.Query{Identity: csvID, Type: "raw", Period: "1m"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.Len())
}

func TestImportChunksLargeFiles(t *testing.T) {
	im, r := newTestImporter(t, 10)
	var sb strings.Builder
	sb.WriteString("ts,close\n")
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&sb, "%d,1.5\n", int64(i)*60000)
	}
	path := writeTemp(t, "big.csv", sb.String())

	sum, err := im.Import(context.Background(), path, csvID, "raw", "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(25), sum.Rows)
	// 10 + 10 + 5.
	assert.Equal(t, int64(3), sum.Batches)

	f, err := r.ReadAll(context.Background(), store.Query{Identity: csvID, Type: "raw", Period: "1m"})
	require.NoError(t, err)
	assert.Equal(t, 25, f.Len())
	assert.True(t, f.StrictlyIncreasing())
}

func TestImportNoTimestampColumn(t *testing.T) {
	im, _ := newTestImporter(t, 0)
	path := writeTemp(t, "bad.csv", "open,close\n1,2\n")

	_, err := im.Import(context.Background(), path, csvID, "raw", "1m")
	assert.ErrorIs(t, err, lake.ErrSchemaMismatch)
}
