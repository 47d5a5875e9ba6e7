// Package api exposes the lake over HTTP. Handlers translate between the
// REST surface and the store, the catalog, the ingest pipeline and the
// task supervisor; all responses are JSON except file downloads.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"candlelake/internal/exchange"
	"candlelake/internal/features"
	"candlelake/internal/ingest"
	"candlelake/internal/manifest"
	"candlelake/internal/store"
	"candlelake/internal/task"
)

type Server struct {
	man        *manifest.Manifest
	reader     *store.Reader
	writer     *store.Writer
	registry   *exchange.Registry
	pipeline   *ingest.Pipeline
	supervisor *task.Supervisor
	bus        *task.Bus
	feats      *features.Store
	dataRoot   string
	exportDir  string
	httpServer *http.Server
	log        *logrus.Entry
}

// Deps carries everything the handlers reach for.
type Deps struct {
	Manifest   *manifest.Manifest
	Reader     *store.Reader
	Writer     *store.Writer
	Registry   *exchange.Registry
	Pipeline   *ingest.Pipeline
	Supervisor *task.Supervisor
	Bus        *task.Bus
	Features   *features.Store
	DataRoot   string
	ExportDir  string
}

func NewServer(port string, d Deps, log *logrus.Logger) *Server {
	s := &Server{
		man:        d.Manifest,
		reader:     d.Reader,
		writer:     d.Writer,
		registry:   d.Registry,
		pipeline:   d.Pipeline,
		supervisor: d.Supervisor,
		bus:        d.Bus,
		feats:      d.Features,
		dataRoot:   d.DataRoot,
		exportDir:  d.ExportDir,
		log:        logrus.NewEntry(log).WithField("component", "api"),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)
	registerRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("api listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
