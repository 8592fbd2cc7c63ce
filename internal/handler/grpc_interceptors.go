package handler

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/errors"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/metrics"
	"github.com/pesio-ai/be-bookkeeping-workflows/pkg/middleware"
)

// Metadata keys carrying the caller's identity.
const (
	MetadataAuthorization = "authorization"
	MetadataTenant        = "x-tenant-id"
	MetadataUser          = "x-user-id"
)

// LoggingInterceptor logs every unary call and counts it.
func LoggingInterceptor(log zerolog.Logger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		event := log.Info()
		if code == codes.Internal || code == codes.Unknown {
			event = log.Error().Err(err)
		}
		event.
			Str("method", info.FullMethod).
			Str("code", code.String()).
			Dur("latency", time.Since(start)).
			Msg("gRPC request")

		m.ObserveGRPC(info.FullMethod, code.String())
		return resp, err
	}
}

// RecoveryInterceptor turns a handler panic into codes.Internal.
func RecoveryInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("method", info.FullMethod).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from panic")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// AuthInterceptor resolves the caller from metadata and stores the Identity
// in the context. Health and reflection calls are open.
func AuthInterceptor(a *middleware.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.") || strings.HasPrefix(info.FullMethod, "/grpc.reflection.") {
			return handler(ctx, req)
		}

		md, _ := metadata.FromIncomingContext(ctx)
		id, err := a.Authenticate(first(md, MetadataAuthorization), first(md, MetadataTenant), first(md, MetadataUser))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, errors.PublicMessage(err))
		}
		return handler(middleware.WithIdentity(ctx, id), req)
	}
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
