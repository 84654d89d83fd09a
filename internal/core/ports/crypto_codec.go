package ports

import "github.com/sufield/capgate/internal/core/domain"

// HandshakeState is the state reported by CryptoCodec.Handshake.
type HandshakeState int

const (
	// HandshakeFailed is terminal; the peer sent malformed or non-conformant data
	// or was not authorized.
	HandshakeFailed HandshakeState = iota
	// HandshakeDone is terminal; Encode and Decode may now be used.
	HandshakeDone
	// HandshakeNeedsMorePeerData asks the caller to flush produced bytes and
	// supply more input from the peer.
	HandshakeNeedsMorePeerData
	// HandshakeNeedsWork asks the caller to run DoHandshakeWork before calling
	// Handshake again. No bytes are consumed or produced when this is returned.
	HandshakeNeedsWork
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeFailed:
		return "Failed"
	case HandshakeDone:
		return "Done"
	case HandshakeNeedsMorePeerData:
		return "NeedsMorePeerData"
	case HandshakeNeedsWork:
		return "NeedsWork"
	default:
		return "Unknown"
	}
}

// HandshakeResult reports the progress of one Handshake call.
type HandshakeResult struct {
	BytesConsumed int
	BytesProduced int
	State         HandshakeState
}

// Failed reports whether the handshake failed.
func (r HandshakeResult) Failed() bool { return r.State == HandshakeFailed }

// Done reports whether the handshake completed.
func (r HandshakeResult) Done() bool { return r.State == HandshakeDone }

// EncodeResult reports the outcome of Encode or HalfClose.
type EncodeResult struct {
	BytesConsumed int
	BytesProduced int
	Failed        bool
}

// DecodeState is the state reported by CryptoCodec.Decode.
type DecodeState int

const (
	// DecodeFailed is terminal.
	DecodeFailed DecodeState = iota
	// DecodeOK means plaintext may have been produced.
	DecodeOK
	// DecodeNeedsMorePeerData means no complete frame is buffered.
	DecodeNeedsMorePeerData
	// DecodePeerClosed is terminal; the peer sent its close notification.
	DecodePeerClosed
)

func (s DecodeState) String() string {
	switch s {
	case DecodeFailed:
		return "Failed"
	case DecodeOK:
		return "OK"
	case DecodeNeedsMorePeerData:
		return "NeedsMorePeerData"
	case DecodePeerClosed:
		return "PeerClosed"
	default:
		return "Unknown"
	}
}

// DecodeResult reports the outcome of one Decode call.
type DecodeResult struct {
	BytesConsumed int
	BytesProduced int
	State         DecodeState
}

// Failed reports whether decoding failed.
func (r DecodeResult) Failed() bool { return r.State == DecodeFailed }

// Closed reports whether the peer half-closed the channel.
func (r DecodeResult) Closed() bool { return r.State == DecodePeerClosed }

// CryptoCodec is an opaque encrypted-channel state machine. It never touches a
// socket; callers move bytes between it and the wire.
//
// DoHandshakeWork may run on a different goroutine than Handshake, but never
// concurrently with it on the same codec.
type CryptoCodec interface {
	// Handshake consumes peer bytes from in and writes bytes for the peer into out.
	// out must be at least MinEncodeBufferSize bytes.
	Handshake(in, out []byte) HandshakeResult
	// DoHandshakeWork performs the CPU-heavy work announced by HandshakeNeedsWork.
	DoHandshakeWork()
	// Encode turns at most one frame worth of plaintext into ciphertext.
	Encode(plaintext, ciphertext []byte) EncodeResult
	// Decode consumes ciphertext and produces at most one frame of plaintext.
	// plaintext must be at least MinDecodeBufferSize bytes.
	Decode(ciphertext, plaintext []byte) DecodeResult
	// HalfClose emits the close notification. Encode must not be called afterwards.
	HalfClose(ciphertext []byte) EncodeResult
	MinEncodeBufferSize() int
	MinDecodeBufferSize() int
	// PeerCredentials returns the credentials of the verified peer after HandshakeDone.
	PeerCredentials() domain.PeerCredentials
	// GrantedCapabilities returns the capabilities granted to the peer after HandshakeDone.
	GrantedCapabilities() domain.CapabilitySet
}
