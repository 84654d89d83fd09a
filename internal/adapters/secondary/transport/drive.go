package transport

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/semaphore"

	cerrors "github.com/sufield/capgate/internal/core/errors"
	"github.com/sufield/capgate/internal/core/ports"
)

// retryDelay is how long DriveHandshake waits before retrying a socket that would block.
const retryDelay = time.Millisecond

// HandshakeWorkPool bounds how many handshakes perform CPU-heavy work at once.
type HandshakeWorkPool struct {
	sem *semaphore.Weighted
}

// NewHandshakeWorkPool creates a pool running at most size work items
// concurrently. A size of zero or less uses GOMAXPROCS.
func NewHandshakeWorkPool(size int) *HandshakeWorkPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &HandshakeWorkPool{sem: semaphore.NewWeighted(int64(size))}
}

// Run executes fn once a slot is free, or returns the context error.
func (p *HandshakeWorkPool) Run(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	fn()
	return nil
}

// DriveHandshake runs the handshake of socket until it is done or fails. Work
// is executed on pool when one is given, otherwise inline. Sockets that would
// block are retried after a short delay until ctx is done.
func DriveHandshake(ctx context.Context, socket ports.CryptoSocket, pool *HandshakeWorkPool) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch res := socket.Handshake(); res {
		case ports.SocketHandshakeDone:
			return nil
		case ports.SocketHandshakeFail:
			return cerrors.ErrHandshakeFailed
		case ports.SocketHandshakeNeedWork:
			if pool == nil {
				socket.DoHandshakeWork()
				continue
			}
			if err := pool.Run(ctx, socket.DoHandshakeWork); err != nil {
				return err
			}
		case ports.SocketHandshakeNeedRead, ports.SocketHandshakeNeedWrite:
			timer := time.NewTimer(retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}
