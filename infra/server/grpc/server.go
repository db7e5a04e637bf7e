// Package grpc hosts the broker's admin gRPC surface: the standard
// health-checking service plus reflection, so operators can point
// grpc_health_probe or grpcurl at the broker the same way they would at
// any other Go gRPC service. There is no business RPC here — the
// command channel itself is the websocket connection factory
// (internal/adapter/wsconn); this surface exists purely for operability.
package grpc

import (
	"context"
	"log/slog"
	"net"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/webitel/tpm-broker/infra/server/grpc/interceptors"
)

// Server wraps *grpc.Server with the lifecycle methods fx expects
// (Start/Stop).
type Server struct {
	log      *slog.Logger
	listenAt string

	srv    *grpc.Server
	health *health.Server
}

// NewServer builds the admin gRPC server. apiKey, when non-empty, is
// required on every RPC via interceptors.NewAdminAuthInterceptor.
func NewServer(log *slog.Logger, listenAt, apiKey string) *Server {
	healthSrv := health.NewServer()

	srv := grpc.NewServer(
		grpc.ChainStreamInterceptor(
			interceptors.NewAdminAuthInterceptor(apiKey),
			recovery.StreamServerInterceptor(),
		),
		grpc.ChainUnaryInterceptor(
			interceptors.NewAdminUnaryAuthInterceptor(apiKey),
			recovery.UnaryServerInterceptor(),
		),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)

	healthpb.RegisterHealthServer(srv, healthSrv)
	reflection.Register(srv)

	return &Server{log: log, listenAt: listenAt, srv: srv, health: healthSrv}
}

// Start begins serving on a background goroutine and marks the health
// service SERVING immediately — there is no downstream dependency this
// admin surface itself needs to wait on.
func (s *Server) Start(context.Context) error {
	lis, err := net.Listen("tcp", s.listenAt)
	if err != nil {
		return err
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := s.srv.Serve(lis); err != nil {
			s.log.Error("GRPC_SERVE_FAILED", "error", err)
		}
	}()
	s.log.Info("GRPC_ADMIN_LISTENING", "address", s.listenAt)
	return nil
}

func (s *Server) Stop(context.Context) error {
	s.health.Shutdown()
	s.srv.GracefulStop()
	return nil
}
