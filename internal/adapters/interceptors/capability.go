// Package interceptors provides gRPC server interceptors that act on the
// capabilities granted to a peer during the handshake.
package interceptors

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	capgrpc "github.com/sufield/capgate/internal/adapters/grpc"
	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/services"
)

// CapabilityConfig configures a CapabilityInterceptor.
type CapabilityConfig struct {
	// Methods maps full method names (/package.Service/Method) to the
	// capabilities a caller must hold.
	Methods map[string]domain.CapabilitySet

	// Default is required for methods missing from Methods. The empty set
	// leaves such methods open to every connected peer.
	Default domain.CapabilitySet

	Stats  *services.Statistics
	Logger *slog.Logger
}

// CapabilityInterceptor rejects calls from peers lacking the capabilities a
// method requires. Denials are counted as failed RPC capability checks.
type CapabilityInterceptor struct {
	methods  map[string]domain.CapabilitySet
	fallback domain.CapabilitySet
	stats    *services.Statistics
	logger   *slog.Logger
	logLimit rate.Sometimes
}

// NewCapabilityInterceptor creates an interceptor from cfg.
func NewCapabilityInterceptor(cfg CapabilityConfig) *CapabilityInterceptor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	methods := make(map[string]domain.CapabilitySet, len(cfg.Methods))
	for m, caps := range cfg.Methods {
		methods[m] = caps
	}
	return &CapabilityInterceptor{
		methods:  methods,
		fallback: cfg.Default,
		stats:    cfg.Stats,
		logger:   logger,
		logLimit: rate.Sometimes{First: 10, Interval: time.Minute},
	}
}

// Required returns the capabilities needed to call method.
func (c *CapabilityInterceptor) Required(method string) domain.CapabilitySet {
	if caps, ok := c.methods[method]; ok {
		return caps
	}
	return c.fallback
}

// UnaryServerInterceptor returns a gRPC unary server interceptor enforcing capabilities.
func (c *CapabilityInterceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if err := c.check(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor returns a gRPC stream server interceptor enforcing capabilities.
func (c *CapabilityInterceptor) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := c.check(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func (c *CapabilityInterceptor) check(ctx context.Context, method string) error {
	required := c.Required(method)
	if required.Empty() {
		return nil
	}
	info, ok := capgrpc.AuthInfoFromContext(ctx)
	if ok && info.Capabilities.ContainsAll(required) {
		return nil
	}

	if c.stats != nil {
		c.stats.Capability.IncRPCChecksFailed()
	}
	c.logLimit.Do(func() {
		c.logger.Warn("permission denied for rpc method",
			"method", method,
			"connection_id", info.ConnectionID,
			"peer", info.Peer.String(),
			"required", required.String(),
			"capabilities", info.Capabilities.String())
	})
	return status.Errorf(codes.PermissionDenied, "peer lacks capabilities required by %s", method)
}
