package manifest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"candlelake/internal/layout"
)

// Report is the outcome of a reconciliation pass. Orphans are partition
// files on disk with no catalog row; DeadLinks are rows whose file is gone.
// Reconcile never mutates; remediation is the caller's decision.
type Report struct {
	Orphans   []string `json:"orphans"`
	DeadLinks []string `json:"dead_links"`
}

// Reconcile walks the data root and compares every partition-shaped
// parquet file against the catalog. Temp files, quarantined files and
// files outside the layout are ignored. Any discrepancy traces back to a
// crash between rename and upsert, a manual filesystem edit, or a corrupt
// partition quarantine.
func (m *Manifest) Reconcile(ctx context.Context, root string) (Report, error) {
	catalogued, err := m.Paths(ctx)
	if err != nil {
		return Report{}, err
	}

	var rep Report
	onDisk := make(map[string]bool)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(path, ".parquet") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if _, err := layout.ParsePartitionPath(rel); err != nil {
			return nil // not a partition: features, exports, strays
		}
		onDisk[path] = true
		if !catalogued[path] {
			rep.Orphans = append(rep.Orphans, path)
		}
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	for p := range catalogued {
		if onDisk[p] {
			continue
		}
		// Rows may point outside the partition layout (feature files);
		// those are checked by existence alone.
		if _, statErr := os.Stat(p); statErr == nil {
			continue
		}
		rep.DeadLinks = append(rep.DeadLinks, p)
	}
	sort.Strings(rep.Orphans)
	sort.Strings(rep.DeadLinks)
	return rep, nil
}
