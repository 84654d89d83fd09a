package interceptors

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	capgrpc "github.com/sufield/capgate/internal/adapters/grpc"
	"github.com/sufield/capgate/internal/adapters/logging"
)

const defaultSlowThreshold = 500 * time.Millisecond

// LoggingConfig configures audit logging behavior.
type LoggingConfig struct {
	// Logger defaults to a redacting wrapper around slog.Default.
	Logger *slog.Logger

	// SlowRequestThreshold logs requests that take longer than this duration as warnings.
	SlowRequestThreshold time.Duration

	// ExcludeMethods are methods that should not be logged (e.g., health checks).
	ExcludeMethods []string
}

// LoggingInterceptor logs completed calls with the identity of the calling peer.
type LoggingInterceptor struct {
	logger        *slog.Logger
	slowThreshold time.Duration
	exclude       []string
}

// NewLoggingInterceptor creates a new logging interceptor.
func NewLoggingInterceptor(cfg LoggingConfig) *LoggingInterceptor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(logging.NewRedactorHandler(slog.Default().Handler()))
	}
	threshold := cfg.SlowRequestThreshold
	if threshold <= 0 {
		threshold = defaultSlowThreshold
	}
	return &LoggingInterceptor{
		logger:        logger,
		slowThreshold: threshold,
		exclude:       slices.Clone(cfg.ExcludeMethods),
	}
}

// UnaryServerInterceptor returns a gRPC unary server interceptor for logging.
func (l *LoggingInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if slices.Contains(l.exclude, info.FullMethod) {
			return handler(ctx, req)
		}
		start := time.Now()
		resp, err := handler(ctx, req)
		l.log(ctx, info.FullMethod, "unary", time.Since(start), err)
		return resp, err
	}
}

// StreamServerInterceptor returns a gRPC stream server interceptor for logging.
func (l *LoggingInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if slices.Contains(l.exclude, info.FullMethod) {
			return handler(srv, ss)
		}
		start := time.Now()
		err := handler(srv, ss)
		l.log(ss.Context(), info.FullMethod, "stream", time.Since(start), err)
		return err
	}
}

func (l *LoggingInterceptor) log(ctx context.Context, method, kind string, duration time.Duration, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	} else if duration > l.slowThreshold {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("request_type", kind),
		slog.Int64("duration_ms", duration.Milliseconds()),
		slog.Bool("success", err == nil),
	}
	if info, ok := capgrpc.AuthInfoFromContext(ctx); ok {
		attrs = append(attrs,
			slog.String("connection_id", info.ConnectionID),
			slog.String("auth_type", info.AuthType()),
			slog.String("peer", info.Peer.String()))
	}
	if err != nil {
		st := status.Convert(err)
		attrs = append(attrs,
			slog.String("error_code", st.Code().String()),
			slog.String("error_message", st.Message()))
	}
	l.logger.LogAttrs(ctx, level, "grpc request completed", attrs...)
}
