package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlelake/internal/lake"
)

func candles(ts ...int64) *Frame {
	n := len(ts)
	open := make([]float64, n)
	high := make([]float64, n)
	low := make([]float64, n)
	closep := make([]float64, n)
	vol := make([]float64, n)
	for i := range ts {
		open[i] = float64(ts[i])
		high[i] = float64(ts[i]) + 1
		low[i] = float64(ts[i]) - 1
		closep[i] = float64(ts[i]) + 0.5
		vol[i] = 10
	}
	return NewCandles(ts, open, high, low, closep, vol)
}

func TestAppendRowCreatesColumns(t *testing.T) {
	f := New()
	require.NoError(t, f.AppendRow(1, map[string]any{"price": 1.5, "note": "a"}))
	require.NoError(t, f.AppendRow(2, map[string]any{"price": 2.5}))

	assert.Equal(t, 2, f.Len())
	assert.Equal(t, []string{"price", "note"}, f.ColumnNames())
	assert.Equal(t, 2.5, f.Value(1, "price"))
	assert.Nil(t, f.Value(1, "note"))
}

func TestAppendRowKeepsValuesOnOwnRow(t *testing.T) {
	f := New()
	require.NoError(t, f.AppendRow(1000, map[string]any{"close": 1.0, "volume": 10.0}))
	require.NoError(t, f.AppendRow(2000, map[string]any{"close": 2.0, "volume": 20.0}))
	require.NoError(t, f.AppendRow(3000, map[string]any{"close": 3.0, "mark_price": 9.0}))

	// Columns created on first sight must line up with the row that
	// introduced them, not lag one row behind.
	for i, want := range []float64{1.0, 2.0, 3.0} {
		assert.Equal(t, want, f.Value(i, "close"), "close at row %d", i)
	}
	assert.Equal(t, 10.0, f.Value(0, "volume"))
	assert.Nil(t, f.Value(2, "volume"))
	assert.Nil(t, f.Value(0, "mark_price"))
	assert.Equal(t, 9.0, f.Value(2, "mark_price"))
	assert.Equal(t, map[string]any{"close": 3.0, "mark_price": 9.0}, f.Cells(2))
	for _, name := range f.ColumnNames() {
		assert.Len(t, f.Column(name).Nulls, f.Len(), "column %s length", name)
	}
}

func TestAppendRowIntPromotion(t *testing.T) {
	f := New()
	require.NoError(t, f.AppendRow(1, map[string]any{"x": int64(3)}))
	require.NoError(t, f.AppendRow(2, map[string]any{"x": 4.5}))
	assert.Equal(t, Float64, f.Column("x").Kind)
	assert.Equal(t, 3.0, f.Value(0, "x"))
	assert.Equal(t, 4.5, f.Value(1, "x"))
}

func TestAppendRowTypeConflict(t *testing.T) {
	f := New()
	require.NoError(t, f.AppendRow(1, map[string]any{"x": "s"}))
	err := f.AppendRow(2, map[string]any{"x": 1.0})
	assert.ErrorIs(t, err, lake.ErrSchemaMismatch)
}

func TestMergeLastWriteWins(t *testing.T) {
	a := New()
	require.NoError(t, a.AppendRow(10, map[string]any{"close": 1.0}))
	require.NoError(t, a.AppendRow(20, map[string]any{"close": 2.0}))
	b := New()
	require.NoError(t, b.AppendRow(20, map[string]any{"close": 2.5, "volume": 7.0}))
	require.NoError(t, b.AppendRow(5, map[string]any{"close": 0.5}))

	m, err := Merge(a, b)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 10, 20}, m.TS)
	assert.True(t, m.StrictlyIncreasing())
	// b arrived later, so its ts=20 row wins.
	assert.Equal(t, 2.5, m.Value(2, "close"))
	assert.Equal(t, 7.0, m.Value(2, "volume"))
	// Union schema: rows from a have a null volume.
	assert.Nil(t, m.Value(1, "volume"))
}

func TestMergeDeterministic(t *testing.T) {
	a := candles(1, 2, 3)
	b := candles(2, 3, 4)
	m1, err := Merge(a, b)
	require.NoError(t, err)
	m2, err := Merge(candles(1, 2, 3), candles(2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, m1.TS, m2.TS)
	assert.Equal(t, m1.ColumnNames(), m2.ColumnNames())
	for i := range m1.TS {
		assert.Equal(t, m1.Row(i), m2.Row(i))
	}
}

func TestFilterRangeHalfOpen(t *testing.T) {
	f := candles(10, 20, 30, 40)
	got := f.FilterRange(20, 40)
	assert.Equal(t, []int64{20, 30}, got.TS)
}

func TestProjectIgnoresUnknown(t *testing.T) {
	f := candles(1, 2)
	p := f.Project([]string{"close", "nope"})
	assert.Equal(t, []string{"close"}, p.ColumnNames())
	assert.Equal(t, 2, p.Len())
}

func TestSplitDays(t *testing.T) {
	d := lake.MillisPerDay
	f := candles(d-1, d, d+1, 3*d)
	chunks := f.SplitDays()
	require.Len(t, chunks, 3)
	assert.Equal(t, int64(0), chunks[0].Day)
	assert.Equal(t, []int64{d - 1}, chunks[0].Frame.TS)
	assert.Equal(t, int64(1), chunks[1].Day)
	assert.Equal(t, []int64{d, d + 1}, chunks[1].Frame.TS)
	assert.Equal(t, int64(3), chunks[2].Day)
}

func TestCellsExcludesTS(t *testing.T) {
	f := candles(7)
	cells := f.Cells(0)
	_, hasTS := cells["ts"]
	assert.False(t, hasTS)
	assert.Contains(t, cells, "close")
}
