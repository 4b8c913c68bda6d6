package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"dexflow/config"
	"dexflow/internal/channel"
	"dexflow/internal/metrics"
	"dexflow/internal/models"
	"dexflow/internal/publisher"
	"dexflow/internal/router"
	"dexflow/internal/rpc"
	"dexflow/internal/storage"
	"dexflow/internal/subscription"
	"dexflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	marketsPath := flag.String("markets", config.DefaultMarketsPath, "Path to market registry file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Dexflow.Name,
		"version": cfg.Dexflow.Version,
	}).WithEnv("APP_ENV").Info("starting dexflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics.Configure(cfg.Metrics)
	var metricsServer *http.Server
	if cfg.Metrics.Prometheus.Enabled {
		metricsServer = metrics.Init(cfg.Metrics.Prometheus.Addr)
	}
	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		metrics.InitCloudWatch(cw.Region, cw.Namespace, cw.Dashboard)
		logger.InitCloudWatch(cw.Region, cw.Namespace, cw.Dashboard)
	}
	logger.StartReport(ctx, log, cfg.Logging.ReportInterval)

	markets, err := loadMarkets(ctx, cfg, *marketsPath)
	if err != nil {
		log.WithError(err).Error("Failed to load markets")
		os.Exit(1)
	}

	store, err := storage.New(ctx, cfg.Storage, cfg.Dexflow.Version)
	if err != nil {
		log.WithError(err).Error("Failed to open storage")
		os.Exit(1)
	}

	pub, err := publisher.New(cfg.Publisher)
	if err != nil {
		log.WithError(err).Error("Failed to create publisher")
		_ = store.Close()
		os.Exit(1)
	}

	opts, err := router.OptionsFromConfig(cfg)
	if err != nil {
		log.WithError(err).Error("Invalid router options")
		os.Exit(1)
	}
	rt, err := router.New(markets, store, pub, opts)
	if err != nil {
		log.WithError(err).Error("Failed to create router")
		os.Exit(1)
	}

	updates := channel.NewUpdates(cfg.Channels.UpdateBuffer)
	if err := rt.Start(ctx, updates.C); err != nil {
		log.WithError(err).Error("Failed to start router")
		os.Exit(1)
	}
	rt.StartReport(ctx, cfg.Logging.ReportInterval)

	buffers := rt.Inboxes()
	buffers["updates"] = updates
	metrics.StartChannelSizeMetrics(ctx, buffers, cfg.Metrics.ChannelSizeInterval)

	if cfg.Source.SeedOrderbooks {
		seedOrderbooks(ctx, cfg, markets, updates)
	}

	sourceOpts := subscription.OptionsFromConfig(cfg.Source)
	sourceOpts.OnStateChange = func(s subscription.Status) {
		log.WithComponent("subscription").WithField("status", s.String()).Debug("stream state changed")
	}
	manager, err := subscription.NewManager(sourceOpts, subscription.AccountsFor(markets), updates)
	if err != nil {
		log.WithError(err).Error("Failed to create subscription manager")
		os.Exit(1)
	}
	if err := manager.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start subscription manager")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"markets":  len(markets),
		"accounts": len(markets) * 3,
	}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-manager.Done():
		log.WithFields(logger.Fields{"status": manager.Status().String()}).Error("account stream failed")
	}

	log.Info("starting graceful shutdown")
	done := make(chan struct{})
	go func() {
		defer close(done)

		log.Info("stopping subscription manager")
		manager.Stop()
		updates.Close()

		log.Info("stopping router")
		rt.Stop()

		if err := store.Close(); err != nil {
			log.WithError(err).Warn("storage close failed")
		}
		if err := pub.Close(); err != nil {
			log.WithError(err).Warn("publisher close failed")
		}
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	metrics.Shutdown(shutdownCtx, metricsServer)
	stop()

	log.Info("dexflow stopped")
}

// loadMarkets reads the registry and resolves missing accounts through RPC
// when enabled. Every returned market is resolved.
func loadMarkets(ctx context.Context, cfg *config.Config, path string) ([]models.Market, error) {
	registry, err := config.LoadMarkets(path)
	if err != nil {
		return nil, err
	}
	if err := registry.Validate(cfg.Source.ResolveMarkets); err != nil {
		return nil, err
	}
	if !cfg.Source.ResolveMarkets {
		return registry.Markets, nil
	}

	client := rpc.NewClient(cfg.Source.RPCURL, cfg.Source.Commitment, cfg.Source.RPCTimeout)
	resolveCtx, cancel := context.WithTimeout(ctx, 2*cfg.Source.RPCTimeout)
	defer cancel()
	markets, err := rpc.ResolveMarkets(resolveCtx, client, registry.Markets)
	if err != nil {
		return nil, err
	}

	resolved := config.MarketRegistry{Markets: markets}
	if err := resolved.Validate(false); err != nil {
		return nil, err
	}
	return markets, nil
}

// seedOrderbooks queues the current bids and asks of every market ahead of
// the stream so the first published book of each side is a snapshot. A
// failure only delays the first snapshot until the next stream update.
func seedOrderbooks(ctx context.Context, cfg *config.Config, markets []models.Market, updates *channel.Updates) {
	log := logger.GetLogger().WithComponent("main")
	client := rpc.NewClient(cfg.Source.RPCURL, cfg.Source.Commitment, cfg.Source.RPCTimeout)

	seedCtx, cancel := context.WithTimeout(ctx, 2*cfg.Source.RPCTimeout)
	defer cancel()
	seeds, err := rpc.SeedBooks(seedCtx, client, markets)
	if err != nil {
		log.WithError(err).Warn("order book seeding failed")
		return
	}
	for _, upd := range seeds {
		updates.Send(ctx, upd)
	}
	logger.LogDataFlowEntry(log, "rpc", "router", len(seeds), "order_book_seed")
}
