package transport

import (
	"bytes"
	"errors"
	"io"
	"sync/atomic"

	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/ports"
)

var (
	// ErrBrokenConnection is returned once the codec rejected data in either direction.
	ErrBrokenConnection = errors.New("encrypted connection is broken")
	// ErrHandshakeIncomplete is returned by data operations before the handshake is done.
	ErrHandshakeIncomplete = errors.New("handshake has not completed")
)

// CodecAdapter turns a ports.CryptoCodec into a ports.CryptoSocket by moving
// bytes between the codec and a socket handle through internal buffers.
type CodecAdapter struct {
	socket ports.SocketHandle
	codec  ports.CryptoCodec

	input  bytes.Buffer // ciphertext read from the socket
	output bytes.Buffer // ciphertext waiting to be written
	plain  bytes.Buffer // decoded plaintext not yet returned

	// broken is shared by the read and write paths, which may run concurrently.
	broken        atomic.Bool
	handshakeDone bool
	peerClosed    bool
	closeSent     bool
}

var _ ports.CryptoSocket = (*CodecAdapter)(nil)

// NewCodecAdapter wraps codec on top of socket. The adapter owns both.
func NewCodecAdapter(socket ports.SocketHandle, codec ports.CryptoCodec) *CodecAdapter {
	return &CodecAdapter{socket: socket, codec: codec}
}

// InjectReadData prepends bytes already read from the socket, such as a snooped
// prefix, to the ciphertext input.
func (a *CodecAdapter) InjectReadData(data []byte) {
	a.input.Write(data)
}

// Handshake alternates between flushing codec output and filling codec input
// until the codec is done, fails, asks for work, or the socket would block.
func (a *CodecAdapter) Handshake() ports.SocketHandshakeResult {
	if a.handshakeDone {
		return ports.SocketHandshakeDone
	}
	for {
		pending, err := a.flush()
		if err != nil {
			return ports.SocketHandshakeFail
		}
		if pending {
			return ports.SocketHandshakeNeedWrite
		}
		res := a.codec.Handshake(a.input.Bytes(), a.outputSpace())
		a.input.Next(res.BytesConsumed)
		a.commitOutput(res.BytesProduced)

		switch res.State {
		case ports.HandshakeFailed:
			_, _ = a.flush()
			return ports.SocketHandshakeFail
		case ports.HandshakeNeedsWork:
			return ports.SocketHandshakeNeedWork
		case ports.HandshakeDone:
			pending, err := a.flush()
			if err != nil {
				return ports.SocketHandshakeFail
			}
			if pending {
				return ports.SocketHandshakeNeedWrite
			}
			a.handshakeDone = true
			return ports.SocketHandshakeDone
		case ports.HandshakeNeedsMorePeerData:
			if res.BytesConsumed > 0 || res.BytesProduced > 0 {
				continue
			}
			_, err := a.fill()
			if errors.Is(err, ports.ErrWouldBlock) {
				return ports.SocketHandshakeNeedRead
			}
			if err != nil {
				return ports.SocketHandshakeFail
			}
		}
	}
}

// DoHandshakeWork forwards to the codec.
func (a *CodecAdapter) DoHandshakeWork() {
	a.codec.DoHandshakeWork()
}

// MinReadBufferSize is the smallest buffer that receives a whole frame directly.
// Smaller buffers work but decoded data is staged internally.
func (a *CodecAdapter) MinReadBufferSize() int {
	return a.codec.MinDecodeBufferSize()
}

// Read returns decoded plaintext. Buffered input is decoded before the socket
// is touched, and at most one frame is decoded per call.
func (a *CodecAdapter) Read(p []byte) (int, error) {
	if !a.handshakeDone {
		return 0, ErrHandshakeIncomplete
	}
	if a.plain.Len() > 0 {
		return a.plain.Read(p)
	}
	for {
		n, err := a.decode(p)
		if n > 0 || err != nil {
			return n, err
		}
		m, err := a.fill()
		if m > 0 {
			continue
		}
		if err != nil {
			return 0, err
		}
		return 0, ports.ErrWouldBlock
	}
}

// Drain returns plaintext that can be produced from already buffered input.
func (a *CodecAdapter) Drain(p []byte) int {
	if !a.handshakeDone {
		return 0
	}
	if a.plain.Len() > 0 {
		n, _ := a.plain.Read(p)
		return n
	}
	n, _ := a.decode(p)
	return n
}

// decode runs one Decode call over the buffered input. Output goes straight
// into p when it is large enough, otherwise through the plaintext buffer.
func (a *CodecAdapter) decode(p []byte) (int, error) {
	if a.broken.Load() {
		return 0, ErrBrokenConnection
	}
	if a.peerClosed {
		return 0, io.EOF
	}
	frame := a.codec.MinDecodeBufferSize()
	dst := p
	staged := len(p) < frame
	if staged {
		a.plain.Grow(frame)
		dst = a.plain.AvailableBuffer()[:frame]
	}
	res := a.codec.Decode(a.input.Bytes(), dst)
	a.input.Next(res.BytesConsumed)
	switch res.State {
	case ports.DecodeFailed:
		a.broken.Store(true)
		return 0, ErrBrokenConnection
	case ports.DecodePeerClosed:
		a.peerClosed = true
	}
	if res.BytesProduced == 0 {
		if a.peerClosed {
			return 0, io.EOF
		}
		return 0, nil
	}
	if !staged {
		return res.BytesProduced, nil
	}
	a.plain.Write(dst[:res.BytesProduced])
	return a.plain.Read(p)
}

// Write encodes at most one frame of p. Buffered ciphertext is flushed first;
// while any of it is still pending no plaintext is accepted and
// ports.ErrWouldBlock is returned.
func (a *CodecAdapter) Write(p []byte) (int, error) {
	if !a.handshakeDone {
		return 0, ErrHandshakeIncomplete
	}
	if a.broken.Load() {
		return 0, ErrBrokenConnection
	}
	if a.output.Len() > 0 {
		pending, err := a.flush()
		if err != nil {
			return 0, err
		}
		if pending {
			return 0, ports.ErrWouldBlock
		}
	}
	res := a.codec.Encode(p, a.outputSpace())
	if res.Failed {
		a.broken.Store(true)
		return 0, ErrBrokenConnection
	}
	a.commitOutput(res.BytesProduced)
	return res.BytesConsumed, nil
}

// Flush writes buffered ciphertext and reports whether some is still pending.
func (a *CodecAdapter) Flush() (bool, error) {
	return a.flush()
}

// HalfClose queues the close notification, flushes it and shuts down the
// write side of the socket. It returns ports.ErrWouldBlock while output is pending.
func (a *CodecAdapter) HalfClose() error {
	if !a.handshakeDone {
		return ErrHandshakeIncomplete
	}
	if !a.closeSent {
		for {
			res := a.codec.HalfClose(a.outputSpace())
			if res.Failed {
				a.broken.Store(true)
				return ErrBrokenConnection
			}
			if res.BytesProduced == 0 {
				break
			}
			a.commitOutput(res.BytesProduced)
		}
		a.closeSent = true
	}
	pending, err := a.flush()
	if err != nil {
		return err
	}
	if pending {
		return ports.ErrWouldBlock
	}
	if hc, ok := a.socket.(ports.HalfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// DropEmptyBuffers releases buffer memory while the connection is idle.
func (a *CodecAdapter) DropEmptyBuffers() {
	for _, b := range []*bytes.Buffer{&a.input, &a.output, &a.plain} {
		if b.Len() == 0 {
			*b = bytes.Buffer{}
		}
	}
}

func (a *CodecAdapter) PeerCredentials() domain.PeerCredentials {
	return a.codec.PeerCredentials()
}

func (a *CodecAdapter) GrantedCapabilities() domain.CapabilitySet {
	return a.codec.GrantedCapabilities()
}

// Close releases the codec and closes the socket.
func (a *CodecAdapter) Close() error {
	var codecErr error
	if c, ok := a.codec.(io.Closer); ok {
		codecErr = c.Close()
	}
	return errors.Join(codecErr, a.socket.Close())
}

// outputSpace returns writable space of one encode frame at the end of the output buffer.
func (a *CodecAdapter) outputSpace() []byte {
	frame := a.codec.MinEncodeBufferSize()
	a.output.Grow(frame)
	return a.output.AvailableBuffer()[:frame]
}

// commitOutput appends n bytes previously written into outputSpace.
func (a *CodecAdapter) commitOutput(n int) {
	if n > 0 {
		a.output.Write(a.output.AvailableBuffer()[:n])
	}
}

func (a *CodecAdapter) flush() (bool, error) {
	for a.output.Len() > 0 {
		n, err := a.socket.Write(a.output.Bytes())
		a.output.Next(n)
		if errors.Is(err, ports.ErrWouldBlock) {
			return true, nil
		}
		if err != nil {
			return true, err
		}
		if n == 0 {
			return true, nil
		}
	}
	return false, nil
}

// readChunk bounds a single socket read.
const readChunk = 64 * 1024

func (a *CodecAdapter) fill() (int, error) {
	a.input.Grow(readChunk)
	buf := a.input.AvailableBuffer()[:readChunk]
	n, err := a.socket.Read(buf)
	if n > 0 {
		a.input.Write(buf[:n])
	}
	return n, err
}
