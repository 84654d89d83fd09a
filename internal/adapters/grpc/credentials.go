// Package grpc plugs capgate crypto engines into gRPC as transport credentials.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/sufield/capgate/internal/adapters/secondary/transport"
	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/ports"
)

// SecurityProtocol is reported in credentials.ProtocolInfo.
const SecurityProtocol = "capgate"

// AuthInfo describes the peer of an established connection.
type AuthInfo struct {
	credentials.CommonAuthInfo
	ConnectionID string
	Peer         domain.PeerCredentials
	Capabilities domain.CapabilitySet
}

// AuthType implements credentials.AuthInfo.
func (a AuthInfo) AuthType() string {
	if a.SecurityLevel == credentials.NoSecurity {
		return "insecure"
	}
	return "tls"
}

// AuthInfoFromContext returns the AuthInfo of the calling peer on the server side.
func AuthInfoFromContext(ctx context.Context) (AuthInfo, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok || p.AuthInfo == nil {
		return AuthInfo{}, false
	}
	info, ok := p.AuthInfo.(AuthInfo)
	return info, ok
}

// CredentialsConfig holds the optional collaborators of TransportCredentials.
type CredentialsConfig struct {
	Pool             *transport.HandshakeWorkPool
	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

// TransportCredentials runs gRPC connections over sockets created by a
// CryptoEngine. The engine decides whether a side speaks TLS.
type TransportCredentials struct {
	engine     ports.CryptoEngine
	pool       *transport.HandshakeWorkPool
	timeout    time.Duration
	logger     *slog.Logger
	serverName string
}

var _ credentials.TransportCredentials = (*TransportCredentials)(nil)

// NewTransportCredentials creates credentials for engine.
func NewTransportCredentials(engine ports.CryptoEngine, cfg CredentialsConfig) *TransportCredentials {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = transport.DefaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TransportCredentials{engine: engine, pool: cfg.Pool, timeout: timeout, logger: logger}
}

// ClientHandshake implements credentials.TransportCredentials.
func (c *TransportCredentials) ClientHandshake(ctx context.Context, authority string, raw net.Conn) (net.Conn, credentials.AuthInfo, error) {
	spec := c.socketSpec(authority)
	conn, err := transport.Handshake(ctx, raw, func(h ports.SocketHandle) (ports.CryptoSocket, error) {
		return c.engine.CreateClientSocket(h, spec)
	}, c.pool)
	if err != nil {
		return nil, nil, fmt.Errorf("client handshake with %s failed: %w", authority, err)
	}
	return conn, authInfo(conn), nil
}

// ServerHandshake implements credentials.TransportCredentials.
func (c *TransportCredentials) ServerHandshake(raw net.Conn) (net.Conn, credentials.AuthInfo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	remote := raw.RemoteAddr().String()
	conn, err := transport.Handshake(ctx, raw, c.engine.CreateServerSocket, c.pool)
	if err != nil {
		c.logger.Warn("server handshake failed", "remote_addr", remote, "error", err)
		return nil, nil, fmt.Errorf("server handshake with %s failed: %w", remote, err)
	}
	info := authInfo(conn)
	c.logger.Debug("accepted grpc connection",
		"connection_id", info.ConnectionID,
		"auth_type", info.AuthType(),
		"peer", info.Peer.String(),
		"capabilities", info.Capabilities.String())
	return conn, info, nil
}

// Info implements credentials.TransportCredentials.
func (c *TransportCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{
		SecurityProtocol: SecurityProtocol,
		ServerName:       c.serverName,
	}
}

// Clone implements credentials.TransportCredentials.
func (c *TransportCredentials) Clone() credentials.TransportCredentials {
	clone := *c
	return &clone
}

// OverrideServerName implements credentials.TransportCredentials.
//
// Deprecated: use grpc.WithAuthority instead.
func (c *TransportCredentials) OverrideServerName(name string) error {
	if name == "" {
		return errors.New("server name cannot be empty")
	}
	c.serverName = name
	return nil
}

func (c *TransportCredentials) socketSpec(authority string) ports.SocketSpec {
	if c.serverName != "" {
		authority = c.serverName
	}
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		return ports.SocketSpec{Host: authority}
	}
	port, _ := strconv.Atoi(portStr)
	return ports.SocketSpec{Host: host, Port: port}
}

type tlsReporter interface {
	SnoopedTLS() bool
}

func authInfo(conn *transport.Conn) AuthInfo {
	level := credentials.PrivacyAndIntegrity
	switch s := conn.Socket().(type) {
	case *transport.NullSocket:
		level = credentials.NoSecurity
	case tlsReporter:
		if !s.SnoopedTLS() {
			level = credentials.NoSecurity
		}
	}
	return AuthInfo{
		CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: level},
		ConnectionID:   conn.ID(),
		Peer:           conn.PeerCredentials(),
		Capabilities:   conn.GrantedCapabilities(),
	}
}
