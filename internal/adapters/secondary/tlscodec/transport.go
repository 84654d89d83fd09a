package tlscodec

import (
	"io"
	"net"
	"sync"
	"time"
)

// errNoPeerData is returned to crypto/tls when no ciphertext is buffered after the
// handshake. It is a temporary net.Error, which crypto/tls treats as resumable:
// partially read records are kept and the next Read picks up where it left off.
type noPeerDataError struct{}

func (noPeerDataError) Error() string   { return "no buffered peer data" }
func (noPeerDataError) Timeout() bool   { return true }
func (noPeerDataError) Temporary() bool { return true }

var errNoPeerData net.Error = noPeerDataError{}

// memTransport is the net.Conn handed to crypto/tls. It never touches a socket:
// peer bytes are pushed in by the codec and produced bytes are pulled out by it.
//
// During the handshake crypto/tls runs on a worker goroutine that may only make
// progress while it holds the turn handed over by DoHandshakeWork. When it needs
// peer data that has not arrived yet it parks and returns the turn.
type memTransport struct {
	mu   sync.Mutex
	cond *sync.Cond

	in  []byte
	out []byte

	workerTurn  bool
	nonBlocking bool
	closed      bool
}

func newMemTransport() *memTransport {
	t := &memTransport{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *memTransport) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.in) == 0 {
		if t.closed {
			return 0, io.EOF
		}
		if t.nonBlocking {
			return 0, errNoPeerData
		}
		t.workerTurn = false
		t.cond.Broadcast()
		for !t.workerTurn && !t.closed {
			t.cond.Wait()
		}
	}
	n := copy(p, t.in)
	t.in = t.in[n:]
	return n, nil
}

func (t *memTransport) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, net.ErrClosed
	}
	t.out = append(t.out, p...)
	return len(p), nil
}

// pushLocked appends peer bytes. Caller holds t.mu.
func (t *memTransport) pushLocked(p []byte) {
	t.in = append(t.in, p...)
}

// pullLocked moves produced bytes into dst. Caller holds t.mu.
func (t *memTransport) pullLocked(dst []byte) int {
	n := copy(dst, t.out)
	t.out = t.out[n:]
	if len(t.out) == 0 {
		t.out = nil
	}
	return n
}

func (t *memTransport) push(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushLocked(p)
}

func (t *memTransport) pull(dst []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pullLocked(dst)
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cond.Broadcast()
	return nil
}

func (t *memTransport) LocalAddr() net.Addr              { return memAddr{} }
func (t *memTransport) RemoteAddr() net.Addr             { return memAddr{} }
func (t *memTransport) SetDeadline(time.Time) error      { return nil }
func (t *memTransport) SetReadDeadline(time.Time) error  { return nil }
func (t *memTransport) SetWriteDeadline(time.Time) error { return nil }

type memAddr struct{}

func (memAddr) Network() string { return "capgate-codec" }
func (memAddr) String() string  { return "codec" }
