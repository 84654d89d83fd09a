package transport

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/capgate/internal/core/domain"
	cerrors "github.com/sufield/capgate/internal/core/errors"
	"github.com/sufield/capgate/internal/core/ports"
	"github.com/sufield/capgate/internal/core/services"
	capnet "github.com/sufield/capgate/internal/net"
	"github.com/sufield/capgate/internal/testutil"
)

// fakeLoader may run on the reload goroutine, so it must not touch testing.T.
type fakeLoader struct {
	ca    *testutil.CA
	leaf  *testutil.Leaf
	fail  atomic.Bool
	calls atomic.Int32
}

func (l *fakeLoader) load() (*TLSEngine, error) {
	l.calls.Add(1)
	if l.fail.Load() {
		return nil, errors.New("config file is not valid JSON")
	}
	opts := l.ca.Options(l.leaf, domain.AllowAllAuthenticated())
	defer opts.Close()
	return NewTLSEngine(opts, TLSEngineConfig{})
}

func newReloading(t *testing.T, interval time.Duration) (*AutoReloadingEngine, *fakeLoader, *services.Statistics) {
	t.Helper()
	ca := testutil.NewCA(t, "reload CA")
	loader := &fakeLoader{ca: ca, leaf: ca.Issue(t, testutil.LeafOptions{CommonName: "server.example.com"})}
	stats := services.NewStatistics()
	engine, err := NewAutoReloadingEngine(AutoReloadingEngineConfig{
		Load:     loader.load,
		Interval: interval,
		Stats:    stats,
	})
	require.NoError(t, err)
	t.Cleanup(engine.Stop)
	return engine, loader, stats
}

func TestAutoReloadingEngine_FailedReloadKeepsEngine(t *testing.T) {
	engine, loader, stats := newReloading(t, time.Hour)
	before := engine.CurrentEngine()
	snap := stats.Config.Snapshot()

	loader.fail.Store(true)
	err := engine.ReloadNow()
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrReloadFailed)

	assert.Same(t, before, engine.CurrentEngine())
	delta := stats.Config.Snapshot().Subtract(snap)
	assert.Equal(t, uint64(1), delta.FailedReloads)
	assert.Zero(t, delta.SuccessfulReloads)
}

func TestAutoReloadingEngine_SuccessfulReloadSwapsEngine(t *testing.T) {
	engine, _, stats := newReloading(t, time.Hour)
	before := engine.CurrentEngine()

	require.NoError(t, engine.ReloadNow())

	assert.NotSame(t, before, engine.CurrentEngine())
	assert.Equal(t, uint64(1), stats.Config.Snapshot().SuccessfulReloads)
}

func TestAutoReloadingEngine_SocketsKeepTheirEngine(t *testing.T) {
	engine, _, _ := newReloading(t, time.Hour)
	a, _ := capnet.NewSocketPair(0)

	sock, err := engine.CreateServerSocket(a)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })
	adapter := sock.(*CodecAdapter)
	codecBefore := adapter.codec

	require.NoError(t, engine.ReloadNow())
	assert.Same(t, codecBefore, adapter.codec)
	assert.True(t, engine.UseTLSWhenClient())
	assert.True(t, engine.AlwaysUseTLSWhenServer())
}

func TestAutoReloadingEngine_BackgroundReload(t *testing.T) {
	engine, loader, stats := newReloading(t, 5*time.Millisecond)
	engine.Start()
	engine.Start()

	require.Eventually(t, func() bool {
		return stats.Config.Snapshot().SuccessfulReloads >= 2
	}, 5*time.Second, time.Millisecond)

	engine.Stop()
	calls := loader.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, loader.calls.Load(), "no reloads after Stop returned")
}

func TestAutoReloadingEngine_StopWithoutStart(t *testing.T) {
	engine, _, _ := newReloading(t, time.Hour)
	done := make(chan struct{})
	go func() {
		engine.Stop()
		engine.Stop()
		// Start after Stop must not launch a loop that nobody stops.
		engine.Start()
		engine.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a reloader that never started")
	}
}

func TestNewAutoReloadingEngine_InitialLoadFailure(t *testing.T) {
	_, err := NewAutoReloadingEngine(AutoReloadingEngineConfig{
		Load: func() (*TLSEngine, error) { return nil, errors.New("missing file") },
	})
	assert.Error(t, err)

	_, err = NewAutoReloadingEngine(AutoReloadingEngineConfig{})
	assert.ErrorIs(t, err, cerrors.ErrInvalidConfiguration)
}

var _ ports.CryptoEngine = (*AutoReloadingEngine)(nil)
