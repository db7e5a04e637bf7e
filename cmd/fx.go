package cmd

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"

	"github.com/webitel/tpm-broker/config"
	grpcsrv "github.com/webitel/tpm-broker/infra/server/grpc"
	httpsrv "github.com/webitel/tpm-broker/infra/server/http"
	"github.com/webitel/tpm-broker/internal/adapter/wsconn"
	grpchandler "github.com/webitel/tpm-broker/internal/handler/grpc"
	httphandler "github.com/webitel/tpm-broker/internal/handler/http"
	"github.com/webitel/tpm-broker/internal/obs"
	"github.com/webitel/tpm-broker/internal/service"
)

// NewApp assembles the full fx application: the broker composition root
// (service.Module), the admin gRPC surface (handler/grpc.Module), and
// the two plain-HTTP listeners (websocket command intake, admin
// health/stats/events) registered directly here since both wrap the
// same infra/server/http.Server type and fx's type-based injection
// can't distinguish two unnamed instances of it.
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			obs.ProvideLogger,
			obs.ProvideTracerProvider,
			provideGRPCServer,
		),
		service.Module,
		grpchandler.Module,
		fx.Invoke(registerHTTPListeners),
	)
}

func provideGRPCServer(log *slog.Logger, cfg *config.Config) *grpcsrv.Server {
	return grpcsrv.NewServer(log, cfg.Admin.GRPCListenAddress, cfg.Admin.APIKey)
}

// registerHTTPListeners wires the websocket client connection factory
// and the admin HTTP mux onto their own listeners and hooks both into
// the fx lifecycle, mirroring how registerLifecycle in
// internal/service/module.go and internal/handler/grpc/module.go each
// hang a Start/Stop pair off fx.Lifecycle for their own component. The
// two listeners are independent of each other, so Start/Stop run them
// concurrently via errgroup: both must complete or fail together.
func registerHTTPListeners(
	lc fx.Lifecycle,
	log *slog.Logger,
	cfg *config.Config,
	ws *wsconn.Handler,
	router *httphandler.Router,
	tp trace.TracerProvider,
) {
	wsSrv := httpsrv.New(log, "ws", cfg.WS.ListenAddress, ws)
	adminSrv := httpsrv.New(log, "admin-http", cfg.Admin.HTTPListenAddress, router.Mux())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error { return wsSrv.Start(gCtx) })
			g.Go(func() error { return adminSrv.Start(gCtx) })
			return g.Wait()
		},
		OnStop: func(ctx context.Context) error {
			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error { return wsSrv.Stop(gCtx) })
			g.Go(func() error { return adminSrv.Stop(gCtx) })
			if err := g.Wait(); err != nil {
				return err
			}
			if shutdowner, ok := tp.(interface{ Shutdown(context.Context) error }); ok {
				return shutdowner.Shutdown(ctx)
			}
			return nil
		},
	})
}
