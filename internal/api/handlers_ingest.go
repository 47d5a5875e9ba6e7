package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"candlelake/internal/ingest"
	"candlelake/internal/lake"
	"candlelake/internal/task"
)

// apiTime is an epoch-milliseconds timestamp that also decodes from an
// RFC 3339 or YYYY-MM-DD string.
type apiTime int64

func (t *apiTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = apiTime(ms)
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			*t = apiTime(ts.UnixMilli())
			return nil
		}
	}
	return fmt.Errorf("%q is neither epoch milliseconds nor a date", s)
}

type downloadRequest struct {
	Exchange    string   `json:"exchange"`
	Market      string   `json:"market"`
	Symbol      string   `json:"symbol"`
	Timeframe   string   `json:"timeframe"`
	DataType    string   `json:"data_type"`
	StartDate   *apiTime `json:"start_date"`
	EndDate     *apiTime `json:"end_date"`
	FullHistory bool     `json:"full_history"`
}

func (d downloadRequest) toIngest(symbol string) ingest.Request {
	period := d.Timeframe
	if period == "" {
		period = "1m"
	}
	req := ingest.Request{
		Exchange:    d.Exchange,
		Market:      d.Market,
		Symbol:      symbol,
		Period:      period,
		DataType:    d.DataType,
		FullHistory: d.FullHistory,
	}
	if d.StartDate != nil {
		ms := int64(*d.StartDate)
		req.Start = &ms
	}
	if d.EndDate != nil {
		ms := int64(*d.EndDate)
		req.End = &ms
	}
	return req
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	key, err := s.submitDownload(req.toIngest(req.Symbol))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"key": key, "state": string(task.StateQueued)})
}

func (s *Server) submitDownload(req ingest.Request) (string, error) {
	dataType := strings.ToLower(req.DataType)
	if dataType == "" {
		dataType = "raw"
	}
	switch dataType {
	case "raw", "funding", "both":
	default:
		return "", fmt.Errorf("%w: data_type %q must be raw, funding or both", lake.ErrInvalidIdentity, req.DataType)
	}
	req.DataType = dataType
	key := task.Key(req.Exchange, req.Market, req.Symbol, dataType)
	detail := fmt.Sprintf("download %s %s %s %s", req.Exchange, req.Market, req.Symbol, req.Period)
	err := s.supervisor.Submit(key, detail, func(ctx context.Context) (any, error) {
		req.Progress = func(msg string) { s.supervisor.SetDetail(key, msg) }
		sum, err := s.pipeline.Run(ctx, req)
		if err != nil {
			return sum, err
		}
		return s.downloadResult(ctx, req, sum), nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// downloadResult attaches a continuity report over the ingested raw range
// to the task result. A verify failure never fails the download.
func (s *Server) downloadResult(ctx context.Context, req ingest.Request, sum ingest.Summary) map[string]any {
	out := map[string]any{"summary": sum}
	if req.DataType == "funding" || sum.Rows == 0 {
		return out
	}
	id := lake.Identity{Exchange: req.Exchange, Market: req.Market, Symbol: req.Symbol}.Normalize()
	rep, err := ingest.VerifyContinuity(ctx, s.reader, id, lake.TypeRaw, req.Period, sum.TimeFrom, sum.TimeTo+1)
	if err != nil {
		s.log.WithError(err).Warn("post-download verify failed")
		return out
	}
	out["continuity"] = rep
	return out
}

type bulkDownloadRequest struct {
	downloadRequest
	Symbols []string `json:"symbols"`
}

// handleBulkDownload enqueues one task per symbol so each series shows up,
// cancels and fails on its own key.
func (s *Server) handleBulkDownload(w http.ResponseWriter, r *http.Request) {
	var req bulkDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	symbols := req.Symbols
	if len(symbols) == 0 || (len(symbols) == 1 && symbols[0] == "*") {
		var err error
		symbols, err = s.listActiveSymbols(r.Context(), req.Exchange, req.Market)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	queued := make([]string, 0, len(symbols))
	skipped := make(map[string]string)
	for _, sym := range symbols {
		key, err := s.submitDownload(req.toIngest(sym))
		if err != nil {
			skipped[sym] = err.Error()
			continue
		}
		queued = append(queued, key)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"queued": queued, "skipped": skipped})
}

// listActiveSymbols expands a wildcard bulk request to every instrument
// the venue currently trades.
func (s *Server) listActiveSymbols(ctx context.Context, exchangeName, market string) ([]string, error) {
	conn, err := s.registry.Open(exchangeName, market)
	if err != nil {
		return nil, err
	}
	infos, err := conn.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(infos))
	for _, i := range infos {
		if i.Active {
			out = append(out, i.Symbol)
		}
	}
	return out, nil
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.supervisor.Snapshot()})
}

func (s *Server) handleIngestStatusOne(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	info, ok := s.supervisor.Get(key)
	if !ok {
		writeDetail(w, http.StatusNotFound, "no task with key "+key)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleIngestCancel(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if err := s.supervisor.Cancel(key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "state": "cancelling"})
}

func (s *Server) handleIngestClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.supervisor.Clear()})
}
