package server

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/query"
	"StakeLedger/internal/tokenizer"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Ledger is the live command path. *core.Processor implements it.
type Ledger interface {
	Submit(ctx context.Context, cmd event.Command) (*event.Receipt, error)
	View(ctx context.Context, fn func(*tokenizer.Tokenizer) error) error
}

// Projections serves reads from the projection tables. *query.QueryService
// implements it.
type Projections interface {
	GetCertificate(ctx context.Context, id uint64) (*query.CertificateResponse, error)
	GetCertificatesByOwner(ctx context.Context, owner common.Address, limit int, afterID *uint64) (*query.CertificatePage, error)
	GetBalance(ctx context.Context, account common.Address, asset string) (*query.BalanceResponse, error)
	GetTransferHistory(ctx context.Context, account common.Address, limit int, beforeSequence *int64) ([]query.TransferHistoryEntry, error)
	GetFees(ctx context.Context, asset string) (*query.FeeResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// ServerDeps holds everything the gateway routes call into.
type ServerDeps struct {
	Ledger        Ledger
	Projections   Projections // nil disables projection routes
	Rebuild       func(ctx context.Context) error
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// GRPCServer runs the gRPC server (health and reflection) and the HTTP/JSON
// gateway that carries the command and query API.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	deps         *ServerDeps
	logger       zerolog.Logger
}

// NewGRPCServer creates both servers. Neither listens until started.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	// Health check starts NOT_SERVING until SetServing(true).
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		deps:         deps,
		logger:       deps.Logger,
	}
}

// SetServing flips both the gRPC health status and HTTP readiness.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	if s.deps.HealthChecker != nil {
		s.deps.HealthChecker.SetReady(serving)
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Handler builds the HTTP handler: health endpoints plus the gateway mux.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	if err := registerRoutes(mux, s.deps); err != nil {
		return nil, err
	}

	httpMux := http.NewServeMux()
	if s.deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", s.deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// StartHTTPGateway serves the HTTP/JSON API (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
