package main

import (
	"log"
	"os"

	"github.com/sweepd/sweepd/internal/api"
	"github.com/sweepd/sweepd/internal/config"
	"github.com/sweepd/sweepd/internal/params"
	"github.com/sweepd/sweepd/internal/store"
	"github.com/sweepd/sweepd/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("sweepd: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	// The simulator is the in-tree execution backend; real UI drivers
	// implement worker.Factory and are wired here instead.
	srv := api.NewServer(api.Config{
		Addr:           cfg.ListenAddr,
		ArtifactsDir:   cfg.ArtifactsDir,
		DefaultWorkers: cfg.Workers,
	}, db, params.DefaultRegistry(), &worker.SimFactory{}, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
