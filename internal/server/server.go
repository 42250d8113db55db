// Package server exposes the sandbox service over gRPC and a REST gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ajaxzhan/sandboxpool/internal/handle"
	"github.com/ajaxzhan/sandboxpool/internal/logging"
	"github.com/ajaxzhan/sandboxpool/internal/service"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

const defaultHealthInterval = 5 * time.Second

// Config holds server configuration.
type Config struct {
	GRPCAddr string
	HTTPAddr string // Optional REST gateway address

	// HealthInterval is how often the served health status is refreshed.
	HealthInterval time.Duration
}

// SandboxService is the part of the sandbox service the server exposes.
type SandboxService interface {
	Connect(ctx context.Context, req service.ConnectRequest) ([]*handle.Handle, error)
	Release(ctx context.Context, sessionID, userID string) bool
	Units(ctx context.Context) ([]*types.Unit, error)
	CallTool(ctx context.Context, sessionID, userID, tool string, args map[string]any) (*types.ToolResult, error)
	Health(ctx context.Context) bool
}

var _ SandboxService = (*service.Service)(nil)

// Server represents the gRPC server and its gateway.
type Server struct {
	config     *Config
	svc        SandboxService
	grpcServer *grpc.Server
	health     *health.Server
	api        *PoolServer
	gateway    *runtime.ServeMux
	httpServer *http.Server

	mu         sync.Mutex
	stopHealth context.CancelFunc
}

// New creates a server for svc. metricsHandler, when non-nil, is served at
// /metrics on the gateway.
func New(cfg *Config, svc SandboxService, metricsHandler http.Handler) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if svc == nil {
		return nil, errors.New("service is required")
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor))
	api := NewPoolServer(svc)
	RegisterSandboxPoolServer(grpcServer, api)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	gw, err := newGateway(api, svc, metricsHandler)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:     cfg,
		svc:        svc,
		grpcServer: grpcServer,
		health:     hs,
		api:        api,
		gateway:    gw,
	}, nil
}

// GRPCServer returns the underlying gRPC server.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Gateway returns the REST gateway handler.
func (s *Server) Gateway() http.Handler {
	return s.gateway
}

// Start serves gRPC, and the gateway when an HTTP address is configured.
// It blocks until a server fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", s.config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}

	s.startHealth(ctx)
	errCh := make(chan error, 2)

	go func() {
		logging.Info("gRPC server listening", logging.String("addr", s.config.GRPCAddr))
		if err := s.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
			return
		}
		errCh <- nil
	}()

	if s.config.HTTPAddr != "" {
		s.mu.Lock()
		s.httpServer = &http.Server{
			Addr:              s.config.HTTPAddr,
			Handler:           s.gateway,
			ReadHeaderTimeout: 10 * time.Second,
		}
		httpServer := s.httpServer
		s.mu.Unlock()

		go func() {
			logging.Info("REST gateway listening", logging.String("addr", s.config.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server error: %w", err)
			}
		}()
	}

	return <-errCh
}

// Stop gracefully stops the servers.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopHealth != nil {
		s.stopHealth()
	}
	s.health.Shutdown()
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.grpcServer.GracefulStop()
}

// startHealth keeps the gRPC health status in step with the service. Probes
// are answered from the stored status and never wait on the backend.
func (s *Server) startHealth(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopHealth = cancel
	s.mu.Unlock()

	interval := s.config.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	s.refreshHealth(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refreshHealth(ctx)
			}
		}
	}()
}

func (s *Server) refreshHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.svc.Health(ctx) {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		logging.Warn("RPC failed",
			logging.String("method", info.FullMethod),
			logging.Duration("duration", time.Since(start)),
			logging.Err(err))
	} else {
		logging.Debug("RPC served",
			logging.String("method", info.FullMethod),
			logging.Duration("duration", time.Since(start)))
	}
	return resp, err
}
