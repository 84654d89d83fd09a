package transport

import (
	"bytes"

	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/ports"
)

// NullSocket passes bytes through unencrypted. Its peer is unauthenticated and
// is granted every capability, matching the behavior of plaintext deployments.
type NullSocket struct {
	socket  ports.SocketHandle
	pending bytes.Buffer
}

var _ ports.CryptoSocket = (*NullSocket)(nil)

// NewNullSocket wraps socket without encryption.
func NewNullSocket(socket ports.SocketHandle) *NullSocket {
	return &NullSocket{socket: socket}
}

// InjectReadData makes data the first bytes returned by Read.
func (s *NullSocket) InjectReadData(data []byte) {
	s.pending.Write(data)
}

func (s *NullSocket) Handshake() ports.SocketHandshakeResult { return ports.SocketHandshakeDone }
func (s *NullSocket) DoHandshakeWork()                       {}
func (s *NullSocket) MinReadBufferSize() int { return 1 }

func (s *NullSocket) Read(p []byte) (int, error) {
	if s.pending.Len() > 0 {
		return s.pending.Read(p)
	}
	return s.socket.Read(p)
}

func (s *NullSocket) Drain(p []byte) int {
	n, _ := s.pending.Read(p)
	return n
}

func (s *NullSocket) Write(p []byte) (int, error) {
	return s.socket.Write(p)
}

// Flush has nothing to do; writes go straight to the socket.
func (s *NullSocket) Flush() (bool, error) { return false, nil }

func (s *NullSocket) HalfClose() error {
	if hc, ok := s.socket.(ports.HalfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

func (s *NullSocket) DropEmptyBuffers() {
	if s.pending.Len() == 0 {
		s.pending = bytes.Buffer{}
	}
}

func (s *NullSocket) PeerCredentials() domain.PeerCredentials   { return domain.PeerCredentials{} }
func (s *NullSocket) GrantedCapabilities() domain.CapabilitySet { return domain.AllCapabilities() }
func (s *NullSocket) Close() error                              { return s.socket.Close() }
