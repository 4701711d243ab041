// Package main provides exchanged - the futures matching engine daemon.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/novaex/futures-exchange/internal/config"
	"github.com/novaex/futures-exchange/internal/feed"
	"github.com/novaex/futures-exchange/internal/store"
	"github.com/novaex/futures-exchange/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Config file path")
		feedAddr    = flag.String("feed-addr", "", "Market-data feed listen address, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("exchanged %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	if cfg.Logging.Level != "" {
		log.SetLevel(logging.ParseLevel(cfg.Logging.Level))
	}
	if *feedAddr != "" {
		cfg.Feed.ListenAddr = *feedAddr
	}

	databaseURL := config.DatabaseURL()
	if databaseURL == "" {
		log.Fatal("EXCHANGE_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	storeCfg := store.DefaultConfig(databaseURL)
	storeCfg.MaxOpenConns = cfg.Store.MaxOpenConns
	storeCfg.MaxIdleConns = cfg.Store.MaxIdleConns

	s, err := store.Open(ctx, storeCfg)
	if err != nil {
		log.Fatal("failed to open store", "error", err)
	}
	defer s.Close()

	hub := feed.NewHub()
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/feed", hub.ServeHTTP)

	server := &http.Server{Addr: cfg.Feed.ListenAddr, Handler: mux}
	go func() {
		log.Info("market-data feed listening", "addr", cfg.Feed.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("feed server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}
