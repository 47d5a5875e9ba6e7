package store

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"

	"candlelake/internal/frame"
	"candlelake/internal/lake"
	"candlelake/internal/manifest"
)

// Reader serves range queries over a stored series. Partition pruning goes
// through the catalog: only files whose recorded [time_from, time_to] span
// intersects the query range are opened.
type Reader struct {
	root string
	man  *manifest.Manifest
	log  *logrus.Entry
}

func NewReader(root string, man *manifest.Manifest, log *logrus.Logger) *Reader {
	return &Reader{
		root: root,
		man:  man,
		log:  logrus.NewEntry(log).WithField("component", "reader"),
	}
}

// Query describes one range read. Start is inclusive, End exclusive; End
// of zero means unbounded. Columns, when non-empty, projects the output
// (ts always included). Predicate, when set, is pushed down to the file
// scan.
type Query struct {
	Identity  lake.Identity
	Type      string
	Period    string
	Start     int64
	End       int64
	Columns   []string
	Predicate RowPredicate
}

// Read resolves the query against the catalog and returns a restartable
// ResultSet over the matching partitions in ascending time order. A query
// matching no partitions yields an empty set, not an error.
func (r *Reader) Read(ctx context.Context, q Query) (*ResultSet, error) {
	if err := q.Identity.Validate(); err != nil {
		return nil, err
	}
	end := q.End
	if end == 0 {
		end = int64(1)<<62 - 1
	}
	rs := &ResultSet{reader: r, query: q, end: end}
	if q.Start >= end {
		return rs, nil
	}
	last := end - 1
	entries, err := r.man.Find(ctx, manifest.Filter{
		Exchange: q.Identity.Exchange,
		Market:   q.Identity.Market,
		Symbol:   q.Identity.Symbol,
		Type:     q.Type,
		Period:   q.Period,
		TimeFrom: &q.Start,
		TimeTo:   &last,
	})
	if err != nil {
		return nil, err
	}
	rs.entries = entries
	return rs, nil
}

// ReadAll runs the query and concatenates every batch into one frame.
func (r *Reader) ReadAll(ctx context.Context, q Query) (*frame.Frame, error) {
	rs, err := r.Read(ctx, q)
	if err != nil {
		return nil, err
	}
	out := frame.New()
	for rs.Next(ctx) {
		b := rs.Batch()
		for i := 0; i < b.Len(); i++ {
			if err := out.AppendRow(b.TS[i], b.Cells(i)); err != nil {
				return nil, err
			}
		}
	}
	if err := rs.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Preview decodes at most limit rows from one partition file, skipping
// the first offset rows.
func (r *Reader) Preview(path string, offset, limit int) (*frame.Frame, error) {
	f, err := decodeFile(path, nil, 0, 0, nil)
	if err != nil {
		return nil, err
	}
	if offset <= 0 && f.Len() <= limit {
		return f, nil
	}
	head := frame.New()
	for i := offset; i < f.Len() && i < offset+limit; i++ {
		if err := head.AppendRow(f.TS[i], f.Cells(i)); err != nil {
			return nil, err
		}
	}
	return head, nil
}

// ResultSet iterates the partitions matched by a query, one frame per
// partition file, lazily opened. Reset rewinds to the start so the set can
// be scanned again.
type ResultSet struct {
	reader  *Reader
	query   Query
	end     int64
	entries []manifest.Entry

	pos   int
	batch *frame.Frame
	err   error
}

// Partitions returns the catalog entries the query resolved to.
func (rs *ResultSet) Partitions() []manifest.Entry {
	return append([]manifest.Entry(nil), rs.entries...)
}

// Next advances to the next non-empty batch. It returns false at the end
// of the set or on error; check Err afterwards.
func (rs *ResultSet) Next(ctx context.Context) bool {
	for rs.pos < len(rs.entries) {
		if err := ctx.Err(); err != nil {
			rs.err = err
			return false
		}
		e := rs.entries[rs.pos]
		rs.pos++
		f, err := decodeFile(e.Path, rs.query.Columns, rs.query.Start, rs.end, rs.query.Predicate)
		if err != nil {
			if os.IsNotExist(err) {
				// Catalogued but gone from disk: reconcile reports these,
				// a read just skips them.
				rs.reader.log.WithField("path", e.Path).Warn("catalogued partition missing on disk")
				continue
			}
			rs.err = err
			return false
		}
		if f.Len() == 0 {
			continue
		}
		rs.batch = f
		return true
	}
	return false
}

// Batch returns the frame produced by the last successful Next.
func (rs *ResultSet) Batch() *frame.Frame { return rs.batch }

// Err returns the first error hit while iterating.
func (rs *ResultSet) Err() error { return rs.err }

// Reset rewinds the set for another pass.
func (rs *ResultSet) Reset() {
	rs.pos = 0
	rs.batch = nil
	rs.err = nil
}
