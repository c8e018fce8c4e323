package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/valurhrafn/mistlib/internal/config"
	"github.com/valurhrafn/mistlib/internal/logger"
	"github.com/valurhrafn/mistlib/internal/relay"
	"github.com/valurhrafn/mistlib/internal/server"
	"github.com/valurhrafn/mistlib/pkg/version"
)

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "configs/default.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Println(version.GetInfo().String())
		os.Exit(0)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithField("version", version.GetInfo().Short()).Info("Starting mistlib relay")
	log.WithField("config_path", configPath).Debug("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		go startMetricsServer(&cfg.Metrics, log)
	}

	appLog := logger.NewLogrusAdapter(logrus.NewEntry(log))
	rly := relay.New(cfg, appLog)
	ops := server.New(&cfg.Server, log, rly)

	errCh := make(chan error, 3)
	go func() { errCh <- rly.RunIngest(ctx) }()
	go func() { errCh <- rly.RunServe(ctx) }()
	go func() { errCh <- ops.Start(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("Shutting down")
		cancel()
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.WithError(err).Error("Component failed")
		}
		cancel()
	}
}

func startMetricsServer(cfg *config.MetricsConfig, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	addr := fmt.Sprintf(":%d", cfg.Port)
	log.WithField("addr", addr).Info("Metrics server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("Metrics server failed")
	}
}
