package api

import "github.com/gorilla/mux"

func registerRoutes(r *mux.Router, s *Server) {
	registerBaseRoutes(r, s)
	registerDataRoutes(r, s)
	registerIngestRoutes(r, s)
	registerFeatureRoutes(r, s)
}

func registerBaseRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/list", s.handleListDatasets).Methods("GET", "OPTIONS")
	r.HandleFunc("/read", s.handleReadDataset).Methods("GET", "OPTIONS")
	r.HandleFunc("/export/{exchange}/{symbol}", s.handleExportSeries).Methods("GET", "OPTIONS")
}

func registerDataRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/datasets", s.handleDatasetsPage).Methods("GET", "OPTIONS")
	r.HandleFunc("/datasets/verify", s.handleVerifyDataset).Methods("GET", "OPTIONS")
	r.HandleFunc("/datasets/reconcile", s.handleReconcile).Methods("POST", "OPTIONS")
	r.HandleFunc("/datasets/{id}/preview", s.handlePreviewDataset).Methods("GET", "OPTIONS")
	r.HandleFunc("/datasets/{id}/export", s.handleExportPartition).Methods("GET", "OPTIONS")
	r.HandleFunc("/datasets/{id}", s.handleDeleteDataset).Methods("DELETE", "OPTIONS")
}

func registerIngestRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/ingest/download", s.handleDownload).Methods("POST", "OPTIONS")
	r.HandleFunc("/ingest/bulk-download", s.handleBulkDownload).Methods("POST", "OPTIONS")
	r.HandleFunc("/ingest/status", s.handleIngestStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/ingest/status/{key}", s.handleIngestStatusOne).Methods("GET", "OPTIONS")
	r.HandleFunc("/ingest/cancel/{key}", s.handleIngestCancel).Methods("POST", "OPTIONS")
	r.HandleFunc("/ingest/clear", s.handleIngestClear).Methods("POST", "OPTIONS")
	r.HandleFunc("/ingest/ws", s.handleIngestWS).Methods("GET", "OPTIONS")
	r.HandleFunc("/ingest/exchanges", s.handleListExchanges).Methods("GET", "OPTIONS")
	r.HandleFunc("/ingest/exchanges/{exchange}/markets", s.handleListMarkets).Methods("GET", "OPTIONS")
	r.HandleFunc("/ingest/exchanges/{exchange}/symbols", s.handleListSymbols).Methods("GET", "OPTIONS")
	r.HandleFunc("/ingest/exchanges/{exchange}/markets/{market}/history", s.handleDeleteHistory).Methods("DELETE", "OPTIONS")
}

func registerFeatureRoutes(r *mux.Router, s *Server) {
	r.HandleFunc("/features", s.handleListFeatures).Methods("GET", "OPTIONS")
	r.HandleFunc("/features/upload", s.handleUploadFeature).Methods("POST", "OPTIONS")
	// Registered before /features/{id} so "sets" is not taken as an id.
	r.HandleFunc("/features/sets", s.handleListFeatureSets).Methods("GET", "OPTIONS")
	r.HandleFunc("/features/{id}/download", s.handleDownloadFeature).Methods("GET", "OPTIONS")
	r.HandleFunc("/features/{id}", s.handleGetFeature).Methods("GET", "OPTIONS")
	r.HandleFunc("/features/{id}", s.handleDeleteFeature).Methods("DELETE", "OPTIONS")
}
