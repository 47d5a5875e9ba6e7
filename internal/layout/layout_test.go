package layout

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlelake/internal/lake"
)

func TestPartitionPath(t *testing.T) {
	day := lake.DayOf(time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC).UnixMilli())
	ref := Ref{
		Identity: lake.Identity{Exchange: "binance", Market: "spot", Symbol: "btc/usdt"},
		Type:     "raw",
		Period:   "1m",
		Day:      day,
	}
	got := PartitionPath("/data", ref)
	want := filepath.Join("/data", "BINANCE", "SPOT", "BTC_USDT", "raw", "1m",
		"2024", "03", "05", "BTC_USDT_1m_20240305.parquet")
	assert.Equal(t, want, got)
}

func TestParsePartitionPathRoundTrip(t *testing.T) {
	ref := Ref{
		Identity: lake.Identity{Exchange: "BINANCE", Market: "FUTURES", Symbol: "ETH_USDT"},
		Type:     "alt",
		Period:   "funding",
		Day:      19000,
	}
	full := PartitionPath("/root", ref)
	rel, err := filepath.Rel("/root", full)
	require.NoError(t, err)

	got, err := ParsePartitionPath(rel)
	require.NoError(t, err)
	assert.Equal(t, ref, got)
}

func TestParsePartitionPathRejects(t *testing.T) {
	for _, rel := range []string{
		"short/path.parquet",
		"E/M/S/raw/1m/2024/03/05/other.txt",
		// Filename disagrees with the directory date.
		"E/M/S/raw/1m/2024/03/05/S_1m_20240306.parquet",
		"E/M/S/raw/1m/2024/13/05/S_1m_20241305.parquet",
	} {
		_, err := ParsePartitionPath(rel)
		assert.Error(t, err, rel)
	}
}
