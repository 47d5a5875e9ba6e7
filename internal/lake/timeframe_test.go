package lake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeframeMillis(t *testing.T) {
	cases := map[string]int64{
		"1s":  1000,
		"1m":  60_000,
		"5m":  300_000,
		"1h":  3_600_000,
		"4h":  14_400_000,
		"1d":  86_400_000,
		"1w":  604_800_000,
		"15M": 900_000, // case-insensitive
	}
	for tf, want := range cases {
		got, err := TimeframeMillis(tf)
		require.NoError(t, err, tf)
		assert.Equal(t, want, got, tf)
	}

	for _, bad := range []string{"", "m", "0m", "-5m", "5x", "abc"} {
		_, err := TimeframeMillis(bad)
		assert.Error(t, err, bad)
	}
}

func TestDayOf(t *testing.T) {
	assert.Equal(t, int64(0), DayOf(0))
	assert.Equal(t, int64(0), DayOf(MillisPerDay-1))
	assert.Equal(t, int64(1), DayOf(MillisPerDay))
	assert.Equal(t, int64(-1), DayOf(-1))
	assert.Equal(t, int64(-1), DayOf(-MillisPerDay))
	assert.Equal(t, int64(-2), DayOf(-MillisPerDay-1))

	ts := time.Date(2024, 3, 15, 23, 59, 59, 0, time.UTC).UnixMilli()
	assert.Equal(t, "2024-03-15", DayDate(DayOf(ts)).Format("2006-01-02"))
}

func TestIdentityNormalize(t *testing.T) {
	id := Identity{Exchange: "binance", Market: "Spot", Symbol: "btc/usdt"}
	n := id.Normalize()
	assert.Equal(t, "BINANCE", n.Exchange)
	assert.Equal(t, "SPOT", n.Market)
	assert.Equal(t, "BTC_USDT", n.Symbol)
	require.NoError(t, id.Validate())

	assert.ErrorIs(t, Identity{Exchange: "binance"}.Validate(), ErrInvalidIdentity)
	assert.ErrorIs(t, Identity{Exchange: " ", Market: "spot", Symbol: "x"}.Validate(), ErrInvalidIdentity)
}
