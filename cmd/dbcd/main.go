package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"example.com/dbcgate/internal/common"
	"example.com/dbcgate/internal/config"
	"example.com/dbcgate/internal/dbc"
	"example.com/dbcgate/internal/server"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// newHTTPServer wires the API server for db with the limits and timeouts of
// cfg.
func newHTTPServer(cfg config.Config, db *dbc.Database, log *zap.Logger) (*http.Server, error) {
	var registry *prometheus.Registry
	if cfg.Server.MetricsEnabled() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	srv, err := server.NewServer(server.Options{
		Database:     db,
		Root:         cfg.Database.Root,
		Logger:       log,
		Registry:     registry,
		Clamp:        cfg.Codec.Clamp,
		MaxSessions:  cfg.Server.MaxSessions,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, nil
}

func run() error {
	configPath := flag.StringP("config", "c", "vehicle.yaml", "path to the vehicle configuration")
	addr := flag.String("addr", "", "listen address (overrides server.addr)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dbcd %s (%s)\n", version, buildDate)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	log, closeLog, err := common.NewLogger("dbcd", cfg.Logs)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closeLog()

	db, err := cfg.LoadDatabase(log)
	if err != nil {
		log.Error("database compile failed", zap.Error(err))
		return err
	}
	digest, err := db.Digest()
	if err != nil {
		return err
	}
	httpServer, err := newHTTPServer(cfg, db, log)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	log.Info("dbcd listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("root", cfg.Database.Root),
		zap.Int("messages", db.Len()),
		zap.String("digest", digest),
		zap.String("version", version))

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	failed := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		log.Error("listen failed", zap.Error(err))
		return err
	case sig := <-shutdown:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	log.Info("dbcd stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dbcd: %v\n", err)
		os.Exit(1)
	}
}
