// Package grpc provides the fx wiring for the admin gRPC surface
// (fx.Module + fx.Invoke registering a concrete server). This broker's
// gRPC surface has no business RPC to register — only the
// health/reflection server built in infra/server/grpc.
package grpc

import (
	"context"

	"go.uber.org/fx"

	grpcsrv "github.com/webitel/tpm-broker/infra/server/grpc"
)

// Module hooks the admin gRPC server's Start/Stop into the fx application
// lifecycle; the server itself is provided elsewhere (cmd's
// provideGRPCServer).
var Module = fx.Module("admin-grpc",
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, srv *grpcsrv.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return srv.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return srv.Stop(ctx) },
	})
}
