package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"candlelake/internal/api"
	"candlelake/internal/config"
	"candlelake/internal/exchange"
	"candlelake/internal/features"
	"candlelake/internal/ingest"
	"candlelake/internal/manifest"
	"candlelake/internal/store"
	"candlelake/internal/task"
)

func main() {
	cfgPath := os.Getenv("LAKE_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	log := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create data root")
	}
	man, err := manifest.Open(cfg.ManifestPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open manifest")
	}
	defer man.Close()

	writer, err := store.NewWriter(cfg.DataRoot, man, cfg.Compression, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build writer")
	}
	reader := store.NewReader(cfg.DataRoot, man, log)
	registry := exchange.NewRegistry(log)
	prober := exchange.NewProber(log)
	pipeline := ingest.New(registry, prober, writer, man, log)
	bus := task.NewBus()
	defer bus.Close()
	supervisor := task.NewSupervisor(cfg.Workers, bus, log)
	feats := features.NewStore(cfg.DataRoot, man, log)

	server := api.NewServer(strconv.Itoa(cfg.APIPort), api.Deps{
		Manifest:   man,
		Reader:     reader,
		Writer:     writer,
		Registry:   registry,
		Pipeline:   pipeline,
		Supervisor: supervisor,
		Bus:        bus,
		Features:   feats,
		DataRoot:   cfg.DataRoot,
		ExportDir:  cfg.ExportDir,
	}, log)

	go func() {
		if err := server.Start(); err != nil {
			log.WithError(err).Info("api server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("api shutdown")
	}
	supervisor.Shutdown()
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}
