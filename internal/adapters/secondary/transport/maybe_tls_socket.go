package transport

import (
	"errors"

	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/ports"
	capnet "github.com/sufield/capgate/internal/net"
)

// readInjector is implemented by sockets that can replay bytes already read from the wire.
type readInjector interface {
	InjectReadData(data []byte)
}

// MaybeTLSSocket is a server socket that decides between TLS and plaintext by
// snooping the first bytes sent by the client. Until then it behaves like a
// socket in handshake.
type MaybeTLSSocket struct {
	socket ports.SocketHandle
	tls    ports.CryptoEngine
	engine *MaybeTLSEngine

	snooped []byte
	inner   ports.CryptoSocket
	failed  bool
}

var _ ports.CryptoSocket = (*MaybeTLSSocket)(nil)

func newMaybeTLSSocket(socket ports.SocketHandle, tls ports.CryptoEngine, engine *MaybeTLSEngine) *MaybeTLSSocket {
	return &MaybeTLSSocket{
		socket:  socket,
		tls:     tls,
		engine:  engine,
		snooped: make([]byte, 0, capnet.SnoopMinBytes),
	}
}

// Handshake snoops until enough bytes have arrived, then delegates to the
// selected socket. Snooped bytes are replayed into it.
func (s *MaybeTLSSocket) Handshake() ports.SocketHandshakeResult {
	if s.inner != nil {
		return s.inner.Handshake()
	}
	if s.failed {
		return ports.SocketHandshakeFail
	}
	for len(s.snooped) < capnet.SnoopMinBytes {
		buf := s.snooped[len(s.snooped):capnet.SnoopMinBytes]
		n, err := s.socket.Read(buf)
		s.snooped = s.snooped[:len(s.snooped)+n]
		if n > 0 {
			continue
		}
		if errors.Is(err, ports.ErrWouldBlock) {
			return ports.SocketHandshakeNeedRead
		}
		s.failed = true
		return ports.SocketHandshakeFail
	}

	result := capnet.SnoopForTLS(s.snooped)
	if result == capnet.ProbablyTLS {
		inner, err := s.tls.CreateServerSocket(s.socket)
		if err != nil {
			s.engine.logger.Error("failed to create TLS server socket", "error", err)
			s.failed = true
			return ports.SocketHandshakeFail
		}
		injector, ok := inner.(readInjector)
		if !ok {
			s.engine.logger.Error("TLS server socket cannot replay snooped bytes")
			s.failed = true
			return ports.SocketHandshakeFail
		}
		injector.InjectReadData(s.snooped)
		s.inner = inner
	} else {
		s.engine.notePlaintext(result)
		plain := NewNullSocket(s.socket)
		plain.InjectReadData(s.snooped)
		s.inner = plain
	}
	s.snooped = nil
	return s.inner.Handshake()
}

// SnoopedTLS reports whether the peer was classified as a TLS client.
func (s *MaybeTLSSocket) SnoopedTLS() bool {
	_, plain := s.inner.(*NullSocket)
	return s.inner != nil && !plain
}

func (s *MaybeTLSSocket) DoHandshakeWork() {
	if s.inner != nil {
		s.inner.DoHandshakeWork()
	}
}

func (s *MaybeTLSSocket) MinReadBufferSize() int {
	if s.inner != nil {
		return s.inner.MinReadBufferSize()
	}
	return 1
}

func (s *MaybeTLSSocket) Read(p []byte) (int, error) {
	if s.inner == nil {
		return 0, ErrHandshakeIncomplete
	}
	return s.inner.Read(p)
}

func (s *MaybeTLSSocket) Drain(p []byte) int {
	if s.inner == nil {
		return 0
	}
	return s.inner.Drain(p)
}

func (s *MaybeTLSSocket) Write(p []byte) (int, error) {
	if s.inner == nil {
		return 0, ErrHandshakeIncomplete
	}
	return s.inner.Write(p)
}

func (s *MaybeTLSSocket) Flush() (bool, error) {
	if s.inner == nil {
		return false, nil
	}
	return s.inner.Flush()
}

func (s *MaybeTLSSocket) HalfClose() error {
	if s.inner == nil {
		return ErrHandshakeIncomplete
	}
	return s.inner.HalfClose()
}

func (s *MaybeTLSSocket) DropEmptyBuffers() {
	if s.inner != nil {
		s.inner.DropEmptyBuffers()
	}
}

func (s *MaybeTLSSocket) PeerCredentials() domain.PeerCredentials {
	if s.inner == nil {
		return domain.PeerCredentials{}
	}
	return s.inner.PeerCredentials()
}

// GrantedCapabilities is empty until the peer has been classified and handshaken.
func (s *MaybeTLSSocket) GrantedCapabilities() domain.CapabilitySet {
	if s.inner == nil {
		return domain.NoCapabilities()
	}
	return s.inner.GrantedCapabilities()
}

func (s *MaybeTLSSocket) Close() error {
	if s.inner != nil {
		return s.inner.Close()
	}
	return s.socket.Close()
}
