package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"candlelake/internal/frame"
	"candlelake/internal/ingest"
	"candlelake/internal/manifest"
	"candlelake/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"exchanges": s.registry.Exchanges()})
}

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.registry.Markets(mux.Vars(r)["exchange"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"markets": markets})
}

func (s *Server) handleListSymbols(w http.ResponseWriter, r *http.Request) {
	market := r.URL.Query().Get("market")
	if market == "" {
		market = "spot"
	}
	conn, err := s.registry.Open(mux.Vars(r)["exchange"], market)
	if err != nil {
		writeError(w, err)
		return
	}
	symbols, err := conn.Symbols(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbols": symbols})
}

type entryJSON struct {
	ID           int64  `json:"id"`
	Exchange     string `json:"exchange"`
	Market       string `json:"market"`
	Symbol       string `json:"symbol"`
	Type         string `json:"type"`
	Period       string `json:"period,omitempty"`
	Timeframe    string `json:"timeframe,omitempty"`
	Path         string `json:"path"`
	TimeFrom     int64  `json:"time_from"`
	TimeTo       int64  `json:"time_to"`
	RowCount     int64  `json:"row_count"`
	FileSize     int64  `json:"file_size"`
	Checksum     string `json:"checksum"`
	Version      string `json:"version,omitempty"`
	CreatedAt    string `json:"created_at"`
	LastModified string `json:"last_modified"`
}

func toEntryJSON(e manifest.Entry) entryJSON {
	return entryJSON{
		ID: e.ID, Exchange: e.Exchange, Market: e.Market, Symbol: e.Symbol,
		Type: e.Type, Period: e.Period, Timeframe: e.Period, Path: e.Path,
		TimeFrom: e.TimeFrom, TimeTo: e.TimeTo, RowCount: e.RowCount,
		FileSize: e.FileSize, Checksum: e.Checksum, Version: e.Version,
		CreatedAt: e.CreatedAt, LastModified: e.LastModified,
	}
}

func (s *Server) findDatasets(r *http.Request) ([]manifest.Entry, error) {
	q := r.URL.Query()
	return s.man.Find(r.Context(), manifest.Filter{
		Exchange: q.Get("exchange"),
		Market:   q.Get("market"),
		Symbol:   q.Get("symbol"),
		Type:     queryDataType(r),
		Period:   queryPeriod(r),
	})
}

// handleListDatasets serves the flat catalog view.
func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	entries, err := s.findDatasets(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"datasets": out, "count": len(out)})
}

// handleDatasetsPage serves the same view paginated with limit and offset.
func (s *Server) handleDatasetsPage(w http.ResponseWriter, r *http.Request) {
	entries, err := s.findDatasets(r)
	if err != nil {
		writeError(w, err)
		return
	}
	total := len(entries)
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 100)
	if offset > total {
		offset = total
	}
	page := entries[offset:]
	if len(page) > limit {
		page = page[:limit]
	}
	out := make([]entryJSON, 0, len(page))
	for _, e := range page {
		out = append(out, toEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"datasets": out,
		"count":    len(out),
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

// readQuery builds a store query from the request, shared by read, export
// and verify.
func (s *Server) readQuery(r *http.Request) (store.Query, error) {
	q := r.URL.Query()
	market := q.Get("market")
	if market == "" {
		market = "spot"
	}
	id, err := identityFrom(q.Get("exchange"), market, q.Get("symbol"))
	if err != nil {
		return store.Query{}, err
	}
	start, err := queryTime(r, "start", 0)
	if err != nil {
		return store.Query{}, err
	}
	end, err := queryTime(r, "end", 0)
	if err != nil {
		return store.Query{}, err
	}
	typ := queryDataType(r)
	if typ == "" {
		typ = "raw"
	}
	return store.Query{
		Identity: id,
		Type:     typ,
		Period:   queryPeriod(r),
		Start:    start,
		End:      end,
		Columns:  queryColumns(r),
	}, nil
}

func (s *Server) handleReadDataset(w http.ResponseWriter, r *http.Request) {
	q, err := s.readQuery(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	f, err := s.reader.ReadAll(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	rows := make([]map[string]any, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		rows = append(rows, f.Row(i))
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows, "count": len(rows)})
}

func (s *Server) handlePreviewDataset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "dataset id must be an integer")
		return
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 10)
	entry, err := s.man.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := s.reader.Preview(entry.Path, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	rows := make([]map[string]any, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		rows = append(rows, f.Row(i))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"columns":    append([]string{"ts"}, sortedColumns(f)...),
		"rows":       rows,
		"total_rows": entry.RowCount,
		"metadata":   toEntryJSON(entry),
	})
}

// handleExportPartition writes one partition as CSV into the export
// directory and returns the path.
func (s *Server) handleExportPartition(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "dataset id must be an integer")
		return
	}
	entry, err := s.man.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := s.reader.Preview(entry.Path, 0, int(entry.RowCount))
	if err != nil {
		writeError(w, err)
		return
	}
	base := strings.TrimSuffix(filepath.Base(entry.Path), filepath.Ext(entry.Path))
	name := fmt.Sprintf("%s_%s_%s_%s.csv", entry.Symbol, entry.Type, entry.Period, base)
	path := filepath.Join(s.exportDir, name)
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		writeError(w, err)
		return
	}
	if err := writeCSVFile(path, f); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "rows": f.Len()})
}

// handleExportSeries concatenates every 1m raw partition of the symbol in
// ts order and serves the file.
func (s *Server) handleExportSeries(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	market := r.URL.Query().Get("market")
	if market == "" {
		market = "spot"
	}
	id, err := identityFrom(vars["exchange"], market, vars["symbol"])
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	period := queryPeriod(r)
	if period == "" {
		period = "1m"
	}
	f, err := s.reader.ReadAll(r.Context(), store.Query{Identity: id, Type: "raw", Period: period})
	if err != nil {
		writeError(w, err)
		return
	}
	name := fmt.Sprintf("dl_%s_%s_%s.csv.txt", id.Symbol, id.Exchange, id.Market)
	path := filepath.Join(s.exportDir, name)
	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		writeError(w, err)
		return
	}
	if err := writeCSVFile(path, f); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Disposition", "attachment; filename="+name)
	http.ServeFile(w, r, path)
}

func sortedColumns(f *frame.Frame) []string {
	names := f.ColumnNames()
	sort.Strings(names)
	return names
}

// writeCSVFile renders a frame as CSV with a ts-first header. Column order
// is sorted so exports of the same data are byte-stable.
func writeCSVFile(path string, f *frame.Frame) error {
	names := sortedColumns(f)
	fd, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fd.Close()
	cw := csv.NewWriter(fd)
	if err := cw.Write(append([]string{"ts"}, names...)); err != nil {
		return err
	}
	rec := make([]string, 0, len(names)+1)
	for i := 0; i < f.Len(); i++ {
		rec = rec[:0]
		rec = append(rec, strconv.FormatInt(f.TS[i], 10))
		for _, n := range names {
			rec = append(rec, csvValue(f.Value(i, n)))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func csvValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func (s *Server) handleVerifyDataset(w http.ResponseWriter, r *http.Request) {
	q, err := s.readQuery(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	end := q.End
	if end == 0 {
		end = time.Now().UTC().UnixMilli()
	}
	rep, err := ingest.VerifyContinuity(r.Context(), s.reader, q.Identity, q.Type, q.Period, q.Start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := s.man.Reconcile(r.Context(), s.dataRoot)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "dataset id must be an integer")
		return
	}
	if _, err := s.man.Get(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.writer.Delete(r.Context(), manifest.Filter{ID: id})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// handleDeleteHistory removes every partition of the exchange market,
// optionally narrowed by symbol, data type and period.
func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.writer.Delete(r.Context(), manifest.Filter{
		Exchange: vars["exchange"],
		Market:   vars["market"],
		Symbol:   r.URL.Query().Get("symbol"),
		Type:     queryDataType(r),
		Period:   queryPeriod(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n})
}
