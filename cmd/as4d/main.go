// Command as4d runs the AS4 message service handler as an HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/phax/phase4-sub011/internal/config"
	"github.com/phax/phase4-sub011/internal/metrics"
	"github.com/phax/phase4-sub011/internal/server"
	"github.com/phax/phase4-sub011/internal/storage/mongodb"
	"github.com/phax/phase4-sub011/pkg/dedup"
	"github.com/phax/phase4-sub011/pkg/discovery"
	"github.com/phax/phase4-sub011/pkg/msh"
	"github.com/phax/phase4-sub011/pkg/pmode"
	"github.com/phax/phase4-sub011/pkg/profile"
	"github.com/phax/phase4-sub011/pkg/reliability"
	"github.com/phax/phase4-sub011/pkg/security"
	"github.com/phax/phase4-sub011/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores: MongoDB when configured, in-memory otherwise.
	var (
		pmodes pmode.Store
		seen   dedup.Store
		pinger server.Pinger
	)
	if uri := cfg.Storage.MongoDB.URI; uri != "" {
		store, err := mongodb.NewStore(ctx, &mongodb.Config{
			URI:      uri,
			Database: cfg.Storage.MongoDB.Database,
		})
		if err != nil {
			return fmt.Errorf("connecting storage: %w", err)
		}
		defer store.Close(context.Background())
		pmodes, seen, pinger = store.PModes(), store.Seen(), store
		logger.Info("using MongoDB storage", slog.String("database", cfg.Storage.MongoDB.Database))
	} else {
		pmodes, seen = pmode.NewRegistry(), dedup.NewMemoryStore()
		logger.Info("using in-memory storage")
	}

	profiles := profile.NewRegistry()
	for _, p := range []profile.Profile{profile.CEF(), profile.Peppol(), profile.ENTSOG(), profile.BDEW()} {
		profiles.Register(p)
	}
	if err := profiles.SetDefault(cfg.Profile); err != nil {
		return err
	}

	resolver := &pmode.Resolver{
		Store:              pmodes,
		Templates:          profiles,
		UseDefaultFallback: cfg.UseDefaultPMode,
	}

	keys, err := security.LoadKeyRing(cfg.Security.SigningCert, cfg.Security.SigningKey, cfg.Security.PeerCertDir)
	if err != nil {
		return err
	}

	detector := dedup.NewDetector(seen, cfg.Dedup.Window, logger)
	go detector.Run(ctx, cfg.Dedup.SweepInterval)

	opts := []msh.Option{
		msh.WithLogger(logger),
		msh.WithSender(reliability.NewSender(transport.NewClient(transport.DefaultConfig()), logger)),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, msh.WithMetrics(metrics.NewRecorder(prometheus.DefaultRegisterer)))
	}
	if zone := cfg.Discovery.Zone; zone != "" {
		var locOpts []discovery.LocatorOption
		if cfg.Discovery.EnvironmentLabel != "" {
			locOpts = append(locOpts, discovery.WithEnvironmentLabel(cfg.Discovery.EnvironmentLabel))
		}
		if cfg.Discovery.DNSServer != "" {
			locOpts = append(locOpts, discovery.WithDNSServer(cfg.Discovery.DNSServer))
		}
		opts = append(opts, msh.WithLocator(discovery.NewLocator(zone, locOpts...)))
		logger.Info("using BDXL endpoint discovery", slog.String("zone", zone))
	}
	core := msh.NewCore(pmodes, resolver, detector, security.NewOrchestrator(keys), opts...)

	srv := server.New(cfg, core, pinger, logger)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
