package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"candlelake/internal/lake"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail writes the error envelope used across the surface.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

// writeError maps domain sentinel errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lake.ErrNotFound),
		errors.Is(err, lake.ErrUnknownExchange),
		errors.Is(err, lake.ErrUnknownSymbol):
		status = http.StatusNotFound
	case errors.Is(err, lake.ErrAlreadyRunning):
		status = http.StatusConflict
	case errors.Is(err, lake.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, lake.ErrInvalidIdentity),
		errors.Is(err, lake.ErrMissingStart),
		errors.Is(err, lake.ErrSchemaMismatch):
		status = http.StatusUnprocessableEntity
	}
	writeDetail(w, status, err.Error())
}

// queryTime parses a time parameter as epoch milliseconds or RFC 3339.
// Missing values return (fallback, nil).
func queryTime(r *http.Request, name string, fallback int64) (int64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return fallback, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return ms, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UnixMilli(), nil
	}
	return 0, fmt.Errorf("parameter %s: %q is neither epoch milliseconds nor RFC 3339", name, v)
}

func queryColumns(r *http.Request) []string {
	v := strings.TrimSpace(r.URL.Query().Get("columns"))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// queryPeriod accepts both parameter spellings for the candle interval.
func queryPeriod(r *http.Request) string {
	q := r.URL.Query()
	if v := q.Get("period"); v != "" {
		return v
	}
	return q.Get("timeframe")
}

// queryDataType accepts both parameter spellings for the data type.
func queryDataType(r *http.Request) string {
	q := r.URL.Query()
	if v := q.Get("type"); v != "" {
		return v
	}
	return q.Get("data_type")
}

func queryInt(r *http.Request, name string, fallback int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && n >= 0 {
		return n
	}
	return fallback
}

// identityFrom validates and normalizes an exchange/market/symbol triple.
func identityFrom(exchange, market, symbol string) (lake.Identity, error) {
	id := lake.Identity{Exchange: exchange, Market: market, Symbol: symbol}
	if err := id.Validate(); err != nil {
		return lake.Identity{}, err
	}
	return id.Normalize(), nil
}
