package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/devrev/pairdb/cache-node/internal/config"
	"github.com/devrev/pairdb/cache-node/internal/handler"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/devrev/pairdb/cache-node/internal/server"
	"github.com/devrev/pairdb/cache-node/internal/service"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	local := model.Address(cfg.Server.NodeID)
	logger = logger.With(zap.String("node_id", cfg.Server.NodeID))
	logger.Info("Configuration loaded",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Int("caches", len(cfg.Caches)),
		zap.Bool("gossip", cfg.Gossip.Enabled))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry, cfg.Server.NodeID)

	// Membership
	var (
		membership transport.Membership
		gossipSvc  *service.GossipService
	)
	if cfg.Gossip.Enabled {
		gossipSvc, err = service.NewGossipService(
			&service.GossipConfig{
				BindPort:       cfg.Gossip.BindPort,
				AdvertiseHost:  cfg.Server.AdvertiseHost,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			local,
			cfg.RPCEndpoint(),
			m,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize gossip service", zap.Error(err))
		}
		membership = gossipSvc
		logger.Info("Gossip service initialized")
	} else {
		membership = staticMembership(cfg)
	}

	tr := transport.NewGRPCTransport(local, membership, logger)

	node, err := service.NewNode(cfg, tr, clock.New(), m, logger)
	if err != nil {
		logger.Fatal("Failed to create cache node", zap.Error(err))
	}
	tr.SetHandler(node)

	if gossipSvc != nil {
		gossipSvc.AddListener(node)
		gossipSvc.OnDeparture(tr.Forget)
	}

	grpcServer := server.NewGRPCServer(
		&server.GRPCServerConfig{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			MaxConnections: cfg.Server.MaxConnections,
		},
		handler.NewCacheHandler(node, logger),
		logger,
	)
	if err := grpcServer.Start(); err != nil {
		logger.Fatal("Failed to start gRPC server", zap.Error(err))
	}

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(
			&server.MetricsServerConfig{Port: cfg.Metrics.Port, NodeID: cfg.Server.NodeID},
			registry,
			node,
			logger,
		)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node.Start(ctx)
	logger.Info("Cache node service started",
		zap.String("address", grpcServer.Addr()),
		zap.Strings("caches", node.CacheNames()))

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	errs := node.Stop(shutdownCtx)
	if gossipSvc != nil {
		errs = multierr.Append(errs, gossipSvc.Shutdown(cfg.Server.ShutdownTimeout))
	}
	errs = multierr.Append(errs, grpcServer.Stop(shutdownCtx))
	if metricsServer != nil {
		errs = multierr.Append(errs, metricsServer.Stop(shutdownCtx))
	}
	errs = multierr.Append(errs, tr.Close())

	for _, err := range multierr.Errors(errs) {
		logger.Error("Shutdown step failed", zap.Error(err))
	}
	logger.Info("Cache node stopped")
}

// staticMembership builds the fixed member list used when gossip is disabled
func staticMembership(cfg *config.Config) *transport.StaticMembership {
	members := &transport.StaticMembership{
		Addresses: []model.Address{model.Address(cfg.Server.NodeID)},
		Endpoints: map[model.Address]string{
			model.Address(cfg.Server.NodeID): cfg.RPCEndpoint(),
		},
	}
	for _, member := range cfg.Gossip.StaticMembers {
		addr := model.Address(member.NodeID)
		members.Addresses = append(members.Addresses, addr)
		if member.Address != "" {
			members.Endpoints[addr] = member.Address
		}
	}
	return members
}

// initLogger initializes the zap logger
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, err
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}
