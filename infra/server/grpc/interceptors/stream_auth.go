// Package interceptors holds the admin gRPC server's cross-cutting
// concerns: a shared-API-key check applied to both stream and unary
// RPCs, since this surface has no per-user identity domain of its own
// to authenticate against.
package interceptors

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type contextKey string

// AdminIdentityKey is the key under which a successfully authenticated
// caller's API key is stored in context for downstream handlers.
const AdminIdentityKey contextKey = "admin_api_key"

const apiKeyMetadataName = "x-api-key"

// NewAdminAuthInterceptor builds a stream interceptor requiring
// metadata key x-api-key to match want. An empty want disables the
// check entirely (the default, unauthenticated admin surface), so
// operators who haven't configured one yet aren't locked out.
func NewAdminAuthInterceptor(want string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if want == "" {
			return handler(srv, ss)
		}

		ctx, err := authenticate(ss.Context(), want)
		if err != nil {
			return err
		}

		wrapped := &wrappedStream{ServerStream: ss, ctx: ctx}
		return handler(srv, wrapped)
	}
}

// NewAdminUnaryAuthInterceptor is the unary-RPC counterpart, for the
// health-check and reflection calls this surface actually serves.
func NewAdminUnaryAuthInterceptor(want string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if want == "" {
			return handler(ctx, req)
		}

		newCtx, err := authenticate(ctx, want)
		if err != nil {
			return nil, err
		}
		return handler(newCtx, req)
	}
}

func authenticate(ctx context.Context, want string) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}
	got := md.Get(apiKeyMetadataName)
	if len(got) == 0 || got[0] != want {
		return nil, status.Error(codes.Unauthenticated, "invalid or missing x-api-key")
	}
	return context.WithValue(ctx, AdminIdentityKey, got[0]), nil
}

// wrappedStream is a thin wrapper to inject a new context into a gRPC
// stream.
type wrappedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedStream) Context() context.Context {
	return w.ctx
}
