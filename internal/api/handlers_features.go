package api

import (
	"io"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gorilla/mux"

	"candlelake/internal/lake"
)

func (s *Server) handleListFeatureSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.feats.Sets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sets": sets})
}

// handleListFeatures lists feature entries, optionally narrowed by set,
// exchange, market and symbol.
func (s *Server) handleListFeatures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.feats.Find(r.Context(), q.Get("set"), lake.Identity{
		Exchange: q.Get("exchange"),
		Market:   q.Get("market"),
		Symbol:   q.Get("symbol"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"features": out, "count": len(out)})
}

// handleUploadFeature takes a multipart form: file, set, version, and the
// identity triple.
func (s *Server) handleUploadFeature(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	id := lake.Identity{
		Exchange: r.FormValue("exchange"),
		Market:   r.FormValue("market"),
		Symbol:   r.FormValue("symbol"),
	}
	entry, err := s.feats.Upload(r.Context(), file, header.Filename,
		r.FormValue("set"), r.FormValue("version"), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryJSON(entry))
}

func featureID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "feature id must be an integer")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := featureID(w, r)
	if !ok {
		return
	}
	entry, err := s.man.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryJSON(entry))
}

func (s *Server) handleDownloadFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := featureID(w, r)
	if !ok {
		return
	}
	rc, entry, err := s.feats.Open(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(entry.Path))
	io.Copy(w, rc)
}

func (s *Server) handleDeleteFeature(w http.ResponseWriter, r *http.Request) {
	id, ok := featureID(w, r)
	if !ok {
		return
	}
	if err := s.feats.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": 1})
}
