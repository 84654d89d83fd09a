package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/ports"
	capnet "github.com/sufield/capgate/internal/net"
)

// DefaultHandshakeTimeout bounds a handshake when the caller gives no deadline.
const DefaultHandshakeTimeout = 10 * time.Second

// Conn is a net.Conn over a handshaken crypto socket on a blocking connection.
// One Read and one Write may run concurrently.
type Conn struct {
	raw    net.Conn
	socket ports.CryptoSocket
	id     string

	readMu  sync.Mutex
	writeMu sync.Mutex
}

var _ net.Conn = (*Conn)(nil)

// ID returns the identifier used as connection_id in logs.
func (c *Conn) ID() string { return c.id }

// PeerCredentials returns the verified identity of the peer; empty for plaintext peers.
func (c *Conn) PeerCredentials() domain.PeerCredentials { return c.socket.PeerCredentials() }

// GrantedCapabilities returns what the peer may access.
func (c *Conn) GrantedCapabilities() domain.CapabilitySet { return c.socket.GrantedCapabilities() }

// Socket returns the underlying crypto socket.
func (c *Conn) Socket() ports.CryptoSocket { return c.socket }

func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		n, err := c.socket.Read(p)
		if errors.Is(err, ports.ErrWouldBlock) && n == 0 {
			continue
		}
		return n, err
	}
}

func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	written := 0
	for written < len(p) {
		n, err := c.socket.Write(p[written:])
		written += n
		if errors.Is(err, ports.ErrWouldBlock) {
			if _, err := c.socket.Flush(); err != nil {
				return written, err
			}
			continue
		}
		if err != nil {
			return written, err
		}
	}
	for {
		pending, err := c.socket.Flush()
		if err != nil || !pending {
			return written, err
		}
	}
}

// CloseWrite sends the close notification and shuts down the write side.
func (c *Conn) CloseWrite() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for {
		err := c.socket.HalfClose()
		if !errors.Is(err, ports.ErrWouldBlock) {
			return err
		}
	}
}

func (c *Conn) Close() error {
	return c.socket.Close()
}

func (c *Conn) LocalAddr() net.Addr                { return c.raw.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr               { return c.raw.RemoteAddr() }
func (c *Conn) SetDeadline(t time.Time) error      { return c.raw.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.raw.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.raw.SetWriteDeadline(t) }

// Handshake creates a crypto socket over raw with create and drives its handshake.
// Cancelling ctx aborts blocked socket operations by expiring the connection deadline.
func Handshake(ctx context.Context, raw net.Conn, create func(ports.SocketHandle) (ports.CryptoSocket, error), pool *HandshakeWorkPool) (*Conn, error) {
	socket, err := create(capnet.NewConnSocket(raw))
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = raw.SetDeadline(time.Unix(1, 0))
	})
	err = DriveHandshake(ctx, socket, pool)
	if !stop() {
		err = errors.Join(err, context.Cause(ctx))
	}
	if err != nil {
		_ = socket.Close()
		return nil, err
	}
	return &Conn{raw: raw, socket: socket, id: uuid.NewString()}, nil
}

// Dial connects to address and performs the client side handshake of engine.
func Dial(ctx context.Context, network, address string, engine ports.CryptoEngine, peer ports.SocketSpec, pool *HandshakeWorkPool) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return Handshake(ctx, raw, func(h ports.SocketHandle) (ports.CryptoSocket, error) {
		return engine.CreateClientSocket(h, peer)
	}, pool)
}

// DefaultMaxPendingHandshakes bounds how many accepted connections may be
// handshaking at the same time.
const DefaultMaxPendingHandshakes = 256

// ListenerConfig holds the optional collaborators of a Listener.
type ListenerConfig struct {
	Pool                 *HandshakeWorkPool
	HandshakeTimeout     time.Duration
	MaxPendingHandshakes int
	Logger               *slog.Logger
}

// Listener accepts connections and returns them handshaken. Every accepted
// connection is handshaken on its own goroutine so a silent peer cannot hold up
// others. Connections whose handshake fails are logged and closed.
type Listener struct {
	inner   net.Listener
	engine  ports.CryptoEngine
	pool    *HandshakeWorkPool
	timeout time.Duration
	pending *semaphore.Weighted
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ready  chan *Conn

	startOnce sync.Once
	wg        sync.WaitGroup

	failOnce sync.Once
	done     chan struct{}
	err      error
}

var _ net.Listener = (*Listener)(nil)

// NewListener wraps inner so that accepted connections use engine.
func NewListener(inner net.Listener, engine ports.CryptoEngine, cfg ListenerConfig) *Listener {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	maxPending := cfg.MaxPendingHandshakes
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingHandshakes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		inner:   inner,
		engine:  engine,
		pool:    cfg.Pool,
		timeout: timeout,
		pending: semaphore.NewWeighted(int64(maxPending)),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan *Conn),
		done:    make(chan struct{}),
	}
}

// Accept returns the next connection that completed its handshake.
func (l *Listener) Accept() (net.Conn, error) {
	l.startOnce.Do(func() {
		l.wg.Add(1)
		go l.acceptLoop()
	})
	select {
	case conn := <-l.ready:
		l.logger.Debug("accepted connection",
			"connection_id", conn.ID(),
			"peer", conn.PeerCredentials().String(),
			"capabilities", conn.GrantedCapabilities().String())
		return conn, nil
	case <-l.done:
		return nil, l.err
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		if err := l.pending.Acquire(l.ctx, 1); err != nil {
			l.fail(net.ErrClosed)
			return
		}
		raw, err := l.inner.Accept()
		if err != nil {
			l.pending.Release(1)
			l.fail(err)
			return
		}
		l.wg.Add(1)
		go l.handshake(raw)
	}
}

func (l *Listener) handshake(raw net.Conn) {
	defer l.wg.Done()
	defer l.pending.Release(1)

	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	defer cancel()
	conn, err := Handshake(ctx, raw, l.engine.CreateServerSocket, l.pool)
	if err != nil {
		l.logger.Warn("handshake with accepted connection failed",
			"remote_addr", raw.RemoteAddr().String(),
			"error", err)
		return
	}
	select {
	case l.ready <- conn:
	case <-l.done:
		_ = conn.Close()
	}
}

// fail records the first terminal error and wakes up every Accept.
func (l *Listener) fail(err error) {
	l.failOnce.Do(func() {
		l.err = err
		close(l.done)
	})
}

// Close stops accepting, aborts handshakes in progress and waits for them.
func (l *Listener) Close() error {
	err := l.inner.Close()
	l.startOnce.Do(func() {})
	l.cancel()
	l.fail(net.ErrClosed)
	l.wg.Wait()
	return err
}

func (l *Listener) Addr() net.Addr { return l.inner.Addr() }
