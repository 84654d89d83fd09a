package ports

import "github.com/sufield/capgate/internal/core/domain"

// SocketHandshakeResult is the outcome of CryptoSocket.Handshake.
type SocketHandshakeResult int

const (
	SocketHandshakeFail SocketHandshakeResult = iota
	SocketHandshakeDone
	SocketHandshakeNeedRead
	SocketHandshakeNeedWrite
	SocketHandshakeNeedWork
)

func (r SocketHandshakeResult) String() string {
	switch r {
	case SocketHandshakeFail:
		return "FAIL"
	case SocketHandshakeDone:
		return "DONE"
	case SocketHandshakeNeedRead:
		return "NEED_READ"
	case SocketHandshakeNeedWrite:
		return "NEED_WRITE"
	case SocketHandshakeNeedWork:
		return "NEED_WORK"
	default:
		return "UNKNOWN"
	}
}

// CryptoSocket is a socket-shaped wrapper that may transparently encrypt.
// None of its methods block on the underlying socket; lack of progress is
// reported as ErrWouldBlock or as a NeedRead/NeedWrite handshake result.
type CryptoSocket interface {
	// Handshake drives connection setup. It must be called until it returns
	// SocketHandshakeDone or SocketHandshakeFail.
	Handshake() SocketHandshakeResult
	// DoHandshakeWork runs pending CPU-heavy handshake work; see CryptoCodec.
	DoHandshakeWork()
	// MinReadBufferSize is the smallest buffer Read accepts without losing data.
	MinReadBufferSize() int
	// Read returns decrypted bytes, (0, io.EOF) at end of stream, or ErrWouldBlock.
	Read(p []byte) (int, error)
	// Drain returns already decrypted bytes without touching the socket.
	Drain(p []byte) int
	// Write accepts plaintext, returning ErrWouldBlock while buffered output
	// cannot be flushed.
	Write(p []byte) (int, error)
	// Flush writes buffered output. It reports whether output is still pending.
	Flush() (pending bool, err error)
	// HalfClose signals end of output to the peer.
	HalfClose() error
	// DropEmptyBuffers releases internal buffers that hold no data.
	DropEmptyBuffers()
	PeerCredentials() domain.PeerCredentials
	GrantedCapabilities() domain.CapabilitySet
	Close() error
}
