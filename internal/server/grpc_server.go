package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/devrev/pairdb/cache-node/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// GRPCServerConfig holds configuration for the node-to-node server
type GRPCServerConfig struct {
	Host           string
	Port           int
	MaxConnections int
}

// GRPCServer serves the node-to-node cache service
type GRPCServer struct {
	server   *grpc.Server
	addr     string
	listener net.Listener
	logger   *zap.Logger
}

// NewGRPCServer creates a gRPC server serving srv
func NewGRPCServer(cfg *GRPCServerConfig, srv transport.CacheNodeServiceServer, logger *zap.Logger) *GRPCServer {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(loggingInterceptor(logger)),
	}
	if cfg.MaxConnections > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(uint32(cfg.MaxConnections)))
	}

	s := grpc.NewServer(opts...)
	transport.RegisterCacheNodeServiceServer(s, srv)

	return &GRPCServer{
		server: s,
		addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger: logger,
	}
}

// Start listens and serves in the background
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.logger.Info("Starting gRPC server", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := s.server.Serve(listener); err != nil && err != grpc.ErrServerStopped {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the address the server listens on, once started
func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight calls, forcing the server down once ctx expires
func (s *GRPCServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping gRPC server")

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return fmt.Errorf("gRPC server shutdown: %w", ctx.Err())
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if ce := logger.Check(zap.DebugLevel, "RPC served"); ce != nil {
			ce.Write(
				zap.String("method", info.FullMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
		}
		return resp, err
	}
}
