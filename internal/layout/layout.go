// Package layout maps a data series and a UTC day to its partition file
// path. It is a pure function of its inputs; the writer and the reader both
// go through it, so partitioning is decided in exactly one place.
package layout

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"candlelake/internal/lake"
)

// Ref addresses one day partition.
type Ref struct {
	Identity lake.Identity
	Type     string
	Period   string
	Day      int64 // days since epoch, UTC
}

// PartitionPath returns the file path of a partition under root:
//
//	root/EXCHANGE/MARKET/SYMBOL/type/period/YYYY/MM/DD/SYMBOL_period_YYYYMMDD.parquet
func PartitionPath(root string, ref Ref) string {
	id := ref.Identity.Normalize()
	t := ref.Type
	p := strings.ToLower(ref.Period)
	date := lake.DayDate(ref.Day)
	name := fmt.Sprintf("%s_%s_%s.parquet", id.Symbol, p, date.Format("20060102"))
	return filepath.Join(root,
		id.Exchange, id.Market, id.Symbol,
		strings.ToLower(t), p,
		date.Format("2006"), date.Format("01"), date.Format("02"),
		name)
}

// ParsePartitionPath inverts PartitionPath. The path must be relative to
// the data root (or have root stripped by the caller).
func ParsePartitionPath(rel string) (Ref, error) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	// exchange/market/symbol/type/period/YYYY/MM/DD/file.parquet
	if len(parts) != 9 {
		return Ref{}, fmt.Errorf("path %q does not match the partition layout", rel)
	}
	file := parts[8]
	if !strings.HasSuffix(file, ".parquet") {
		return Ref{}, fmt.Errorf("path %q is not a parquet partition", rel)
	}
	date := parts[5] + parts[6] + parts[7]
	wantSuffix := fmt.Sprintf("_%s_%s.parquet", parts[4], date)
	if !strings.HasSuffix(file, wantSuffix) {
		return Ref{}, fmt.Errorf("file %q does not match directory %q", file, rel)
	}
	day, err := parseDay(parts[5], parts[6], parts[7])
	if err != nil {
		return Ref{}, fmt.Errorf("path %q: %v", rel, err)
	}
	return Ref{
		Identity: lake.Identity{Exchange: parts[0], Market: parts[1], Symbol: parts[2]},
		Type:     parts[3],
		Period:   parts[4],
		Day:      day,
	}, nil
}

func parseDay(y, m, d string) (int64, error) {
	t, err := time.Parse("2006/01/02", y+"/"+m+"/"+d)
	if err != nil {
		return 0, fmt.Errorf("bad date %s/%s/%s", y, m, d)
	}
	return lake.DayOf(t.UTC().UnixMilli()), nil
}
