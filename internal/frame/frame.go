// Package frame provides the column-oriented batch passed between the
// exchange connectors, the ingest pipeline and the Parquet store. A Frame
// carries a required int64 millisecond timestamp column plus a dynamic set
// of typed columns; merging two frames produces the union schema with
// last-write-wins deduplication on the timestamp key.
package frame

import (
	"fmt"
	"sort"

	"candlelake/internal/lake"
)

// Kind is the storage type of a column.
type Kind uint8

const (
	Float64 Kind = iota
	Int64
	String
	Bool
)

func (k Kind) String() string {
	switch k {
	case Float64:
		return "float64"
	case Int64:
		return "int64"
	case String:
		return "string"
	case Bool:
		return "bool"
	}
	return "unknown"
}

// Column holds the values of one column. Exactly one of the value slices is
// populated, selected by Kind; Nulls marks cells with no value.
type Column struct {
	Kind    Kind
	Floats  []float64
	Ints    []int64
	Strings []string
	Bools   []bool
	Nulls   []bool
}

func newColumn(kind Kind, n int) *Column {
	c := &Column{Kind: kind, Nulls: make([]bool, n)}
	for i := range c.Nulls {
		c.Nulls[i] = true
	}
	switch kind {
	case Float64:
		c.Floats = make([]float64, n)
	case Int64:
		c.Ints = make([]int64, n)
	case String:
		c.Strings = make([]string, n)
	case Bool:
		c.Bools = make([]bool, n)
	}
	return c
}

func (c *Column) appendNull() {
	c.Nulls = append(c.Nulls, true)
	switch c.Kind {
	case Float64:
		c.Floats = append(c.Floats, 0)
	case Int64:
		c.Ints = append(c.Ints, 0)
	case String:
		c.Strings = append(c.Strings, "")
	case Bool:
		c.Bools = append(c.Bools, false)
	}
}

// value returns the cell at i, or nil when the cell is null.
func (c *Column) value(i int) any {
	if c.Nulls[i] {
		return nil
	}
	switch c.Kind {
	case Float64:
		return c.Floats[i]
	case Int64:
		return c.Ints[i]
	case String:
		return c.Strings[i]
	case Bool:
		return c.Bools[i]
	}
	return nil
}

// promoteToFloat converts an Int64 column to Float64 in place.
func (c *Column) promoteToFloat() {
	if c.Kind != Int64 {
		return
	}
	c.Floats = make([]float64, len(c.Ints))
	for i, v := range c.Ints {
		c.Floats[i] = float64(v)
	}
	c.Ints = nil
	c.Kind = Float64
}

// Frame is an ordered batch of records keyed by a millisecond timestamp.
type Frame struct {
	TS    []int64
	names []string
	cols  map[string]*Column
}

// New returns an empty frame.
func New() *Frame {
	return &Frame{cols: make(map[string]*Column)}
}

// NewCandles builds an OHLCV frame from parallel slices. All slices must
// have the same length.
func NewCandles(ts []int64, open, high, low, closep, volume []float64) *Frame {
	f := New()
	f.TS = append(f.TS, ts...)
	for _, c := range []struct {
		name string
		vals []float64
	}{
		{"open", open}, {"high", high}, {"low", low},
		{"close", closep}, {"volume", volume},
	} {
		col := &Column{Kind: Float64, Floats: append([]float64(nil), c.vals...), Nulls: make([]bool, len(ts))}
		f.names = append(f.names, c.name)
		f.cols[c.name] = col
	}
	return f
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.TS) }

// ColumnNames returns column names in insertion order, excluding ts.
func (f *Frame) ColumnNames() []string {
	return append([]string(nil), f.names...)
}

// Column returns the named column, or nil.
func (f *Frame) Column(name string) *Column { return f.cols[name] }

// EnsureColumn adds an all-null column of the given kind if absent and
// returns it. An existing column of a different numeric kind is promoted to
// Float64; any other kind conflict is a schema mismatch.
func (f *Frame) EnsureColumn(name string, kind Kind) (*Column, error) {
	c, ok := f.cols[name]
	if !ok {
		c = newColumn(kind, f.Len())
		f.names = append(f.names, name)
		f.cols[name] = c
		return c, nil
	}
	if c.Kind == kind {
		return c, nil
	}
	if c.Kind == Int64 && kind == Float64 {
		c.promoteToFloat()
		return c, nil
	}
	if c.Kind == Float64 && kind == Int64 {
		return c, nil // int values are widened on append
	}
	return nil, fmt.Errorf("%w: column %q is %s, got %s", lake.ErrSchemaMismatch, name, c.Kind, kind)
}

// AppendRow appends one record. Cells may contain float64, int64, int,
// string or bool values; columns are created on first sight and missing
// cells are null.
func (f *Frame) AppendRow(ts int64, cells map[string]any) error {
	// Columns created below are sized to the row count before this row, so
	// the timestamp is appended only after every cell has landed.
	touched := make(map[string]bool, len(cells))
	for name, v := range cells {
		if v == nil {
			continue
		}
		var kind Kind
		switch v.(type) {
		case float64, float32:
			kind = Float64
		case int64, int, int32:
			kind = Int64
		case string:
			kind = String
		case bool:
			kind = Bool
		default:
			return fmt.Errorf("%w: column %q has unsupported type %T", lake.ErrSchemaMismatch, name, v)
		}
		c, err := f.EnsureColumn(name, kind)
		if err != nil {
			return err
		}
		appendCell(c, v)
		touched[name] = true
	}
	for _, name := range f.names {
		if !touched[name] {
			f.cols[name].appendNull()
		}
	}
	f.TS = append(f.TS, ts)
	return nil
}

func appendCell(c *Column, v any) {
	c.Nulls = append(c.Nulls, false)
	switch c.Kind {
	case Float64:
		var fv float64
		switch x := v.(type) {
		case float64:
			fv = x
		case float32:
			fv = float64(x)
		case int64:
			fv = float64(x)
		case int:
			fv = float64(x)
		case int32:
			fv = float64(x)
		}
		c.Floats = append(c.Floats, fv)
	case Int64:
		var iv int64
		switch x := v.(type) {
		case int64:
			iv = x
		case int:
			iv = int64(x)
		case int32:
			iv = int64(x)
		}
		c.Ints = append(c.Ints, iv)
	case String:
		c.Strings = append(c.Strings, v.(string))
	case Bool:
		c.Bools = append(c.Bools, v.(bool))
	}
}

// Value returns the cell at row i of the named column; nil when null or
// the column does not exist.
func (f *Frame) Value(i int, name string) any {
	c, ok := f.cols[name]
	if !ok {
		return nil
	}
	return c.value(i)
}

// Row returns row i as a map including "ts". Null cells are omitted.
func (f *Frame) Row(i int) map[string]any {
	m := map[string]any{"ts": f.TS[i]}
	for _, name := range f.names {
		if v := f.cols[name].value(i); v != nil {
			m[name] = v
		}
	}
	return m
}

// Cells returns row i as a map without the timestamp key, in the shape
// AppendRow takes. Null cells are omitted.
func (f *Frame) Cells(i int) map[string]any { return rowCells(f, i) }

// MinTS and MaxTS return the timestamp bounds. Both are 0 on an empty frame.
func (f *Frame) MinTS() int64 {
	if f.Len() == 0 {
		return 0
	}
	min := f.TS[0]
	for _, t := range f.TS[1:] {
		if t < min {
			min = t
		}
	}
	return min
}

func (f *Frame) MaxTS() int64 {
	if f.Len() == 0 {
		return 0
	}
	max := f.TS[0]
	for _, t := range f.TS[1:] {
		if t > max {
			max = t
		}
	}
	return max
}

// StrictlyIncreasing reports whether ts is strictly monotonic.
func (f *Frame) StrictlyIncreasing() bool {
	for i := 1; i < len(f.TS); i++ {
		if f.TS[i] <= f.TS[i-1] {
			return false
		}
	}
	return true
}

// FilterRange returns the rows with t0 <= ts < t1, preserving order.
func (f *Frame) FilterRange(t0, t1 int64) *Frame {
	out := New()
	for i, t := range f.TS {
		if t >= t0 && t < t1 {
			out.mustAppendFrom(f, i)
		}
	}
	return out
}

// Project returns a frame with only the named columns (ts always kept).
// Names not present are ignored so historical schema differences between
// partitions do not fail a query.
func (f *Frame) Project(names []string) *Frame {
	if len(names) == 0 {
		return f
	}
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	out := New()
	out.TS = append(out.TS, f.TS...)
	for _, n := range f.names {
		if !keep[n] {
			continue
		}
		src := f.cols[n]
		cp := *src
		out.names = append(out.names, n)
		out.cols[n] = &cp
	}
	return out
}

// mustAppendFrom copies row i of src into f, assuming compatible columns.
func (f *Frame) mustAppendFrom(src *Frame, i int) {
	if err := f.AppendRow(src.TS[i], rowCells(src, i)); err != nil {
		// Copying rows out of a well-formed frame cannot conflict.
		panic(err)
	}
}

func rowCells(f *Frame, i int) map[string]any {
	m := make(map[string]any, len(f.names))
	for _, name := range f.names {
		if v := f.cols[name].value(i); v != nil {
			m[name] = v
		}
	}
	return m
}

// Merge combines frames into one sorted, deduplicated frame. The result
// schema is the union of the inputs; when several rows share a timestamp
// the row from the latest frame (and latest position within it) wins.
// Merge is deterministic: equal inputs always produce an identical result.
func Merge(frames ...*Frame) (*Frame, error) {
	type ref struct {
		frame int
		row   int
	}
	winner := make(map[int64]ref)
	var keys []int64
	for fi, f := range frames {
		for ri, t := range f.TS {
			if _, seen := winner[t]; !seen {
				keys = append(keys, t)
			}
			winner[t] = ref{frame: fi, row: ri}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := New()
	// Establish the union schema up front so column order does not depend
	// on which timestamp happens to sort first.
	for _, f := range frames {
		for _, name := range f.names {
			if _, err := out.EnsureColumn(name, f.cols[name].Kind); err != nil {
				return nil, err
			}
		}
	}
	for _, t := range keys {
		r := winner[t]
		if err := out.AppendRow(t, rowCells(frames[r.frame], r.row)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DayChunk is the slice of a frame falling into one UTC day.
type DayChunk struct {
	Day   int64 // days since epoch
	Frame *Frame
}

// SplitDays partitions the frame by UTC day, ascending. Row order within a
// day is preserved. No chunk is empty.
func (f *Frame) SplitDays() []DayChunk {
	byDay := make(map[int64][]int)
	var days []int64
	for i, t := range f.TS {
		d := lake.DayOf(t)
		if _, ok := byDay[d]; !ok {
			days = append(days, d)
		}
		byDay[d] = append(byDay[d], i)
	}
	sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })

	chunks := make([]DayChunk, 0, len(days))
	for _, d := range days {
		part := New()
		for _, i := range byDay[d] {
			part.mustAppendFrom(f, i)
		}
		chunks = append(chunks, DayChunk{Day: d, Frame: part})
	}
	return chunks
}
