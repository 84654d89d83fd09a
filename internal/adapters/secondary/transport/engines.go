// Package transport builds crypto sockets on top of raw socket handles. The
// engine variants form a closed set: NullEngine, TLSEngine, MaybeTLSEngine and
// AutoReloadingEngine.
package transport

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/sufield/capgate/internal/adapters/secondary/tlscodec"
	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/ports"
	"github.com/sufield/capgate/internal/core/services"
	capnet "github.com/sufield/capgate/internal/net"
)

// plaintextWarningInterval limits how often plaintext peers on a mixed-mode port are logged.
const plaintextWarningInterval = time.Minute

// NullEngine creates plaintext sockets only.
type NullEngine struct {
	stats *services.Statistics
}

var _ ports.CryptoEngine = (*NullEngine)(nil)

// NewNullEngine creates a plaintext engine. stats may be nil.
func NewNullEngine(stats *services.Statistics) *NullEngine {
	return &NullEngine{stats: stats}
}

func (e *NullEngine) UseTLSWhenClient() bool       { return false }
func (e *NullEngine) AlwaysUseTLSWhenServer() bool { return false }

func (e *NullEngine) CreateClientSocket(handle ports.SocketHandle, _ ports.SocketSpec) (ports.CryptoSocket, error) {
	countInsecure(e.stats, false)
	return NewNullSocket(handle), nil
}

func (e *NullEngine) CreateServerSocket(handle ports.SocketHandle) (ports.CryptoSocket, error) {
	countInsecure(e.stats, true)
	return NewNullSocket(handle), nil
}

// TLSEngineConfig holds the optional collaborators of a TLSEngine.
type TLSEngineConfig struct {
	// Mode defaults to enforcing authorization.
	Mode   domain.AuthorizationMode
	Stats  *services.Statistics
	Logger *slog.Logger
}

// TLSEngine creates TLS sockets from one immutable TLS context.
type TLSEngine struct {
	ctx *tlscodec.Context
}

var _ ports.CryptoEngine = (*TLSEngine)(nil)

// NewTLSEngine builds an engine from opts. opts may be closed afterwards; the
// engine keeps only the parsed key.
func NewTLSEngine(opts *domain.TransportSecurityOptions, cfg TLSEngineConfig) (*TLSEngine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, err := tlscodec.NewContext(opts,
		tlscodec.WithAuthorizationMode(cfg.Mode),
		tlscodec.WithStatistics(cfg.Stats),
		tlscodec.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	return &TLSEngine{ctx: ctx}, nil
}

func (e *TLSEngine) UseTLSWhenClient() bool       { return true }
func (e *TLSEngine) AlwaysUseTLSWhenServer() bool { return true }

// Context returns the TLS context shared by all sockets of this engine.
func (e *TLSEngine) Context() *tlscodec.Context { return e.ctx }

func (e *TLSEngine) CreateClientSocket(handle ports.SocketHandle, peer ports.SocketSpec) (ports.CryptoSocket, error) {
	return NewCodecAdapter(handle, e.ctx.NewClientCodec(peer)), nil
}

func (e *TLSEngine) CreateServerSocket(handle ports.SocketHandle) (ports.CryptoSocket, error) {
	return NewCodecAdapter(handle, e.ctx.NewServerCodec()), nil
}

// MaybeTLSEngineConfig holds the optional collaborators of a MaybeTLSEngine.
type MaybeTLSEngineConfig struct {
	// UseTLSWhenClient selects TLS for outgoing connections.
	UseTLSWhenClient bool
	Stats            *services.Statistics
	Logger           *slog.Logger
}

// MaybeTLSEngine serves TLS and plaintext clients on the same port. It is meant
// for migrating a plaintext deployment and is insecure by construction.
type MaybeTLSEngine struct {
	tls              ports.CryptoEngine
	useTLSWhenClient bool
	stats            *services.Statistics
	logger           *slog.Logger
	plaintextWarning rate.Sometimes
}

var _ ports.CryptoEngine = (*MaybeTLSEngine)(nil)

// NewMaybeTLSEngine wraps a TLS capable engine.
func NewMaybeTLSEngine(tls ports.CryptoEngine, cfg MaybeTLSEngineConfig) *MaybeTLSEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MaybeTLSEngine{
		tls:              tls,
		useTLSWhenClient: cfg.UseTLSWhenClient,
		stats:            cfg.Stats,
		logger:           logger,
		plaintextWarning: rate.Sometimes{First: 1, Interval: plaintextWarningInterval},
	}
}

func (e *MaybeTLSEngine) UseTLSWhenClient() bool       { return e.useTLSWhenClient }
func (e *MaybeTLSEngine) AlwaysUseTLSWhenServer() bool { return false }

func (e *MaybeTLSEngine) CreateClientSocket(handle ports.SocketHandle, peer ports.SocketSpec) (ports.CryptoSocket, error) {
	if e.useTLSWhenClient {
		return e.tls.CreateClientSocket(handle, peer)
	}
	countInsecure(e.stats, false)
	return NewNullSocket(handle), nil
}

func (e *MaybeTLSEngine) CreateServerSocket(handle ports.SocketHandle) (ports.CryptoSocket, error) {
	return newMaybeTLSSocket(handle, e.tls, e), nil
}

func (e *MaybeTLSEngine) notePlaintext(reason capnet.TLSSnoopingResult) {
	countInsecure(e.stats, true)
	e.plaintextWarning.Do(func() {
		e.logger.Warn("accepted plaintext connection on mixed-mode port", "reason", reason.String())
	})
}

func countInsecure(stats *services.Statistics, server bool) {
	if stats != nil {
		stats.For(server).IncInsecureConnections()
	}
}
