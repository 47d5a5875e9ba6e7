package store

import (
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"candlelake/internal/frame"
	"candlelake/internal/lake"
)

// RowPredicate filters decoded rows at the file level, before batches are
// concatenated. The map includes "ts".
type RowPredicate func(row map[string]any) bool

// schemaOf builds the Parquet schema for a frame: a required int64 "ts"
// plus one optional column per frame column. parquet.Group orders fields
// by name, which keeps the encoding deterministic for identical inputs.
func schemaOf(f *frame.Frame) *parquet.Schema {
	g := parquet.Group{"ts": parquet.Int(64)}
	for _, name := range f.ColumnNames() {
		var node parquet.Node
		switch f.Column(name).Kind {
		case frame.Float64:
			node = parquet.Leaf(parquet.DoubleType)
		case frame.Int64:
			node = parquet.Int(64)
		case frame.String:
			node = parquet.String()
		case frame.Bool:
			node = parquet.Leaf(parquet.BooleanType)
		}
		g[name] = parquet.Optional(node)
	}
	return parquet.NewSchema("partition", g)
}

const encodeChunk = 4096

// encodeFrame writes the frame to w as Parquet with the given codec.
func encodeFrame(w io.Writer, f *frame.Frame, codec compress.Codec) error {
	pw := parquet.NewGenericWriter[map[string]any](w, schemaOf(f), parquet.Compression(codec))
	rows := make([]map[string]any, 0, encodeChunk)
	for i := 0; i < f.Len(); i++ {
		rows = append(rows, f.Row(i))
		if len(rows) == encodeChunk {
			if _, err := pw.Write(rows); err != nil {
				return fmt.Errorf("write parquet rows: %w", err)
			}
			rows = rows[:0]
		}
	}
	if len(rows) > 0 {
		if _, err := pw.Write(rows); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
	}
	return pw.Close()
}

type leafInfo struct {
	name     string
	kind     parquet.Kind
	selected bool
	isTS     bool
}

// decodeFile reads a partition file into a frame. columns, when non-empty,
// projects to those columns (ts is always decoded); pred and the [t0, t1)
// range, when set, filter rows. Passing t0 == t1 == 0 disables the range.
func decodeFile(path string, columns []string, t0, t1 int64, pred RowPredicate) (*frame.Frame, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()
	st, err := fd.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(fd, st.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", lake.ErrCorruptExisting, path, err)
	}

	schema := pf.Schema()
	selected := map[string]bool{}
	for _, c := range columns {
		selected[c] = true
	}
	var leaves []leafInfo
	tsIdx := -1
	for i, col := range schema.Columns() {
		if len(col) != 1 {
			return nil, fmt.Errorf("%w: %s: nested column %v", lake.ErrSchemaMismatch, path, col)
		}
		name := col[0]
		leaf, ok := schema.Lookup(col...)
		if !ok {
			return nil, fmt.Errorf("%w: %s: column %q not found", lake.ErrSchemaMismatch, path, name)
		}
		info := leafInfo{
			name:     name,
			kind:     leaf.Node.Type().Kind(),
			selected: len(selected) == 0 || selected[name],
			isTS:     name == "ts",
		}
		if info.isTS {
			if info.kind != parquet.Int64 {
				return nil, fmt.Errorf("%w: %s: ts is %s, want int64", lake.ErrSchemaMismatch, path, info.kind)
			}
			tsIdx = i
		}
		leaves = append(leaves, info)
	}
	if tsIdx < 0 {
		return nil, fmt.Errorf("%w: %s: no ts column", lake.ErrSchemaMismatch, path)
	}

	out := frame.New()
	rangeSet := t0 != 0 || t1 != 0
	buf := make([]parquet.Row, 256)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, readErr := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				var ts int64
				cells := make(map[string]any, len(leaves)-1)
				for _, v := range row {
					info := leaves[v.Column()]
					if info.isTS {
						ts = v.Int64()
						continue
					}
					if !info.selected || v.IsNull() {
						continue
					}
					switch info.kind {
					case parquet.Double, parquet.Float:
						cells[info.name] = v.Double()
					case parquet.Int64, parquet.Int32:
						cells[info.name] = v.Int64()
					case parquet.ByteArray:
						cells[info.name] = string(v.ByteArray())
					case parquet.Boolean:
						cells[info.name] = v.Boolean()
					}
				}
				if rangeSet && (ts < t0 || ts >= t1) {
					continue
				}
				if pred != nil {
					withTS := make(map[string]any, len(cells)+1)
					for k, val := range cells {
						withTS[k] = val
					}
					withTS["ts"] = ts
					if !pred(withTS) {
						continue
					}
				}
				if err := out.AppendRow(ts, cells); err != nil {
					rows.Close()
					return nil, err
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				rows.Close()
				return nil, fmt.Errorf("%w: %s: %v", lake.ErrCorruptExisting, path, readErr)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", lake.ErrCorruptExisting, path, err)
		}
	}
	return out, nil
}
