package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile(t *testing.T) {
	m := openTest(t)
	ctx := context.Background()
	root := t.TempDir()

	mkPartition := func(rel string) string {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		return p
	}

	// Catalogued and present: clean.
	ok := mkPartition("BINANCE/SPOT/BTCUSDT/raw/1m/2024/03/05/BTCUSDT_1m_20240305.parquet")
	_, err := m.Upsert(ctx, testEntry(ok, 0, 10))
	require.NoError(t, err)

	// On disk, not catalogued: orphan.
	orphan := mkPartition("BINANCE/SPOT/BTCUSDT/raw/1m/2024/03/06/BTCUSDT_1m_20240306.parquet")

	// Catalogued, not on disk: dead link.
	dead := filepath.Join(root, "BINANCE/SPOT/BTCUSDT/raw/1m/2024/03/07/BTCUSDT_1m_20240307.parquet")
	_, err = m.Upsert(ctx, testEntry(dead, 20, 30))
	require.NoError(t, err)

	// Temp and quarantined files are not partitions.
	mkPartition("BINANCE/SPOT/BTCUSDT/raw/1m/2024/03/08/BTCUSDT_1m_20240308.parquet.tmp.ab12")
	mkPartition("BINANCE/SPOT/BTCUSDT/raw/1m/2024/03/08/junk.parquet")

	rep, err := m.Reconcile(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, rep.Orphans)
	assert.Equal(t, []string{dead}, rep.DeadLinks)
}
