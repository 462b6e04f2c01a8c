package main

import (
	"log"
	"net/http"
	"os"

	"github.com/seantiz/comfyflow/internal/api"
	"github.com/seantiz/comfyflow/internal/config"
	"github.com/seantiz/comfyflow/internal/engine"
	"github.com/seantiz/comfyflow/internal/gateway"
	"github.com/seantiz/comfyflow/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("comfyflow: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"client_id", cfg.ClientID,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	reg := gateway.NewRegistry()
	for _, gw := range cfg.Gateways {
		c, err := gateway.NewClient(gw.Addr, httpClient, logger.With("gateway", gw.Name))
		if err != nil {
			log.Fatalf("gateway %s: %v", gw.Name, err)
		}
		reg.Register(gw.Name, c)
		logger.Info("registered gateway", "gateway", gw.Name, "base_url", c.BaseURL())
	}

	eng := engine.NewEngine(db, reg, logger, engine.Options{
		ClientID:       cfg.ClientID,
		PollInterval:   cfg.PollInterval,
		DefaultTimeout: cfg.ExecutionTimeout,
	})

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
