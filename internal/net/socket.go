// Package net provides internal network utilities: raw socket adapters and
// protocol snooping for connections that have not been classified yet.
package net

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sufield/capgate/internal/core/ports"
)

// ConnSocket adapts a net.Conn to ports.SocketHandle. With a zero poll timeout
// it is fully blocking; otherwise every operation is bounded by the timeout and
// expiry is reported as ports.ErrWouldBlock.
type ConnSocket struct {
	conn        net.Conn
	pollTimeout time.Duration
}

var (
	_ ports.SocketHandle = (*ConnSocket)(nil)
	_ ports.HalfCloser   = (*ConnSocket)(nil)
)

// NewConnSocket wraps a blocking connection.
func NewConnSocket(conn net.Conn) *ConnSocket {
	return &ConnSocket{conn: conn}
}

// NewPollingConnSocket wraps conn so that operations give up after pollTimeout.
func NewPollingConnSocket(conn net.Conn, pollTimeout time.Duration) *ConnSocket {
	return &ConnSocket{conn: conn, pollTimeout: pollTimeout}
}

// Conn returns the wrapped connection.
func (s *ConnSocket) Conn() net.Conn {
	return s.conn
}

func (s *ConnSocket) Read(p []byte) (int, error) {
	if s.pollTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.pollTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := s.conn.Read(p)
	return n, s.mapError(n, err)
}

func (s *ConnSocket) Write(p []byte) (int, error) {
	if s.pollTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.pollTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := s.conn.Write(p)
	return n, s.mapError(n, err)
}

func (s *ConnSocket) mapError(n int, err error) error {
	if err == nil {
		return nil
	}
	if s.pollTimeout > 0 && errors.Is(err, os.ErrDeadlineExceeded) {
		if n > 0 {
			return nil
		}
		return ports.ErrWouldBlock
	}
	return err
}

// CloseWrite shuts down the write side when the connection supports it.
func (s *ConnSocket) CloseWrite() error {
	if hc, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

func (s *ConnSocket) Close() error {
	return s.conn.Close()
}

// MemorySocket is one end of an in-memory, non-blocking socket pair.
// Reads return ports.ErrWouldBlock when no data is buffered; writes return it
// when the peer's receive buffer is full.
type MemorySocket struct {
	state *pairState
	side  int
}

type pairState struct {
	mu       sync.Mutex
	buffers  [2][]byte
	closed   [2]bool
	capacity int
}

var (
	_ ports.SocketHandle = (*MemorySocket)(nil)
	_ ports.HalfCloser   = (*MemorySocket)(nil)
)

// NewSocketPair returns two connected in-memory sockets. A capacity of zero or
// less means unbounded receive buffers.
func NewSocketPair(capacity int) (*MemorySocket, *MemorySocket) {
	state := &pairState{capacity: capacity}
	return &MemorySocket{state: state, side: 0}, &MemorySocket{state: state, side: 1}
}

func (s *MemorySocket) Read(p []byte) (int, error) {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	in := st.buffers[s.side]
	if len(in) == 0 {
		if st.closed[1-s.side] {
			return 0, io.EOF
		}
		return 0, ports.ErrWouldBlock
	}
	n := copy(p, in)
	st.buffers[s.side] = in[n:]
	return n, nil
}

func (s *MemorySocket) Write(p []byte) (int, error) {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed[s.side] {
		return 0, io.ErrClosedPipe
	}
	peer := 1 - s.side
	room := len(p)
	if st.capacity > 0 {
		room = min(room, st.capacity-len(st.buffers[peer]))
	}
	if room <= 0 {
		return 0, ports.ErrWouldBlock
	}
	st.buffers[peer] = append(st.buffers[peer], p[:room]...)
	return room, nil
}

// Buffered returns the number of bytes waiting to be read by this end.
func (s *MemorySocket) Buffered() int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return len(s.state.buffers[s.side])
}

// CloseWrite makes the peer observe io.EOF once buffered data is consumed.
func (s *MemorySocket) CloseWrite() error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.closed[s.side] = true
	return nil
}

func (s *MemorySocket) Close() error {
	return s.CloseWrite()
}
