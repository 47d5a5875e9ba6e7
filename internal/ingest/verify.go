package ingest

import (
	"context"
	"sort"

	"candlelake/internal/lake"
	"candlelake/internal/store"
)

// Gap is a hole or an overlap between adjacent stored timestamps. Delta is
// the observed spacing; Expected the modal spacing of the series.
type Gap struct {
	From     int64 `json:"from"`
	To       int64 `json:"to"`
	Delta    int64 `json:"delta"`
	Expected int64 `json:"expected"`
}

// ContinuityReport summarizes the spacing of a stored series. The expected
// step is inferred as the modal delta, so irregular venues (funding,
// trading halts) report against their own dominant rhythm.
type ContinuityReport struct {
	Rows     int64 `json:"rows"`
	Step     int64 `json:"step"`
	Gaps     []Gap `json:"gaps"`
	Overlaps []Gap `json:"overlaps"`
}

// VerifyContinuity scans a stored series in [start, end) and reports every
// deviation from its modal timestamp spacing.
func VerifyContinuity(ctx context.Context, r *store.Reader, id lake.Identity, typ, period string, start, end int64) (ContinuityReport, error) {
	rs, err := r.Read(ctx, store.Query{
		Identity: id, Type: typ, Period: period,
		Start: start, End: end, Columns: []string{"ts"},
	})
	if err != nil {
		return ContinuityReport{}, err
	}

	var ts []int64
	for rs.Next(ctx) {
		ts = append(ts, rs.Batch().TS...)
	}
	if err := rs.Err(); err != nil {
		return ContinuityReport{}, err
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })

	rep := ContinuityReport{Rows: int64(len(ts))}
	if len(ts) < 2 {
		return rep, nil
	}

	counts := make(map[int64]int)
	for i := 1; i < len(ts); i++ {
		counts[ts[i]-ts[i-1]]++
	}
	for d, n := range counts {
		if n > counts[rep.Step] || (n == counts[rep.Step] && d < rep.Step) {
			rep.Step = d
		}
	}

	for i := 1; i < len(ts); i++ {
		d := ts[i] - ts[i-1]
		g := Gap{From: ts[i-1], To: ts[i], Delta: d, Expected: rep.Step}
		switch {
		case d > rep.Step:
			rep.Gaps = append(rep.Gaps, g)
		case d < rep.Step:
			rep.Overlaps = append(rep.Overlaps, g)
		}
	}
	return rep, nil
}
