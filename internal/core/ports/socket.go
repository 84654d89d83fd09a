package ports

import "errors"

// ErrWouldBlock is returned by non-blocking socket operations that cannot make
// progress right now.
var ErrWouldBlock = errors.New("operation would block")

// SocketHandle is a raw, possibly non-blocking, byte socket.
// Read returns (0, io.EOF) when the peer has closed its side.
type SocketHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// HalfCloser is implemented by socket handles that can shut down their write side.
type HalfCloser interface {
	CloseWrite() error
}
