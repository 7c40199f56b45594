package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pinata-labs/mqttd/internal/broker"
	"github.com/pinata-labs/mqttd/internal/config"
	"github.com/pinata-labs/mqttd/internal/logging"
	"github.com/pinata-labs/mqttd/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(logrus.Fields{
		"config":  *configPath,
		"address": fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"storage": cfg.Storage.Backend,
		"max_qos": cfg.QoS.MaxQoS,
	}).Info("starting mqtt broker")

	if cfg.Storage.Backend != "bbolt" {
		log.Fatalf("unsupported storage backend: %s (this broker only supports bbolt)", cfg.Storage.Backend)
	}

	if dir := filepath.Dir(cfg.Storage.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to create data directory: %v", err)
		}
	}

	st, err := store.NewBboltStore(cfg.Storage.Path)
	if err != nil {
		log.Fatalf("failed to initialize bbolt store: %v", err)
	}
	defer st.Close()

	srv := broker.NewServer(cfg, st, log)

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			log.WithField("address", addr+cfg.Metrics.Path).Info("metrics endpoint listening")
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	go func() {
		if err := srv.Start(); err != nil {
			log.WithError(err).Error("broker stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	if err := srv.Stop(); err != nil {
		log.WithError(err).Error("error during shutdown")
	}
	log.Info("stopped")
}
