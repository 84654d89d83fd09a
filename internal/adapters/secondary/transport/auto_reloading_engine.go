package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	cerrors "github.com/sufield/capgate/internal/core/errors"
	"github.com/sufield/capgate/internal/core/ports"
	"github.com/sufield/capgate/internal/core/services"
)

// DefaultReloadInterval is how often the trust configuration is re-read.
const DefaultReloadInterval = time.Hour

// EngineLoader builds a brand-new TLS engine, normally from the trust config file.
type EngineLoader func() (*TLSEngine, error)

// AutoReloadingEngineConfig configures an AutoReloadingEngine.
type AutoReloadingEngineConfig struct {
	Load     EngineLoader
	Interval time.Duration
	Stats    *services.Statistics
	Logger   *slog.Logger
}

// AutoReloadingEngine delegates to a TLS engine that is periodically rebuilt.
// A failed reload keeps the previous engine. Sockets capture the engine that
// was current when they were created and are unaffected by later reloads.
type AutoReloadingEngine struct {
	load     EngineLoader
	interval time.Duration
	stats    *services.Statistics
	logger   *slog.Logger

	mu      sync.Mutex
	current *TLSEngine

	// lifecycle guards started and stopped.
	lifecycle sync.Mutex
	started   bool
	stopped   bool
	stopChan  chan struct{}
	done      chan struct{}
}

var _ ports.CryptoEngine = (*AutoReloadingEngine)(nil)

// NewAutoReloadingEngine performs the initial load. A failure here is returned
// to the caller, who decides whether it is fatal.
func NewAutoReloadingEngine(cfg AutoReloadingEngineConfig) (*AutoReloadingEngine, error) {
	if cfg.Load == nil {
		return nil, cerrors.NewDomainError(cerrors.ErrInvalidConfiguration, errors.New("engine loader cannot be nil"))
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultReloadInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	initial, err := cfg.Load()
	if err != nil {
		return nil, err
	}
	return &AutoReloadingEngine{
		load:     cfg.Load,
		interval: interval,
		stats:    cfg.Stats,
		logger:   logger,
		current:  initial,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the background reload loop. Calling it again, or after Stop,
// has no effect.
func (e *AutoReloadingEngine) Start() {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	go e.run()
	e.logger.Info("TLS config reloader started", "interval", e.interval)
}

// Stop signals the reload loop and waits for it to exit. It may be called any
// number of times, whether or not Start was called.
func (e *AutoReloadingEngine) Stop() {
	e.lifecycle.Lock()
	if !e.stopped {
		e.stopped = true
		close(e.stopChan)
	}
	started := e.started
	e.lifecycle.Unlock()
	if started {
		<-e.done
	}
}

func (e *AutoReloadingEngine) run() {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			_ = e.ReloadNow()
		}
	}
}

// ReloadNow performs one reload attempt synchronously.
func (e *AutoReloadingEngine) ReloadNow() error {
	engine, err := e.load()
	if err != nil {
		if e.stats != nil {
			e.stats.Config.IncFailedReloads()
		}
		e.logger.Warn("failed to reload TLS config, keeping current engine", "error", err)
		return cerrors.NewDomainError(cerrors.ErrReloadFailed, err)
	}
	e.mu.Lock()
	e.current = engine
	e.mu.Unlock()
	if e.stats != nil {
		e.stats.Config.IncSuccessfulReloads()
	}
	e.logger.Debug("TLS config reloaded")
	return nil
}

// CurrentEngine returns the engine new sockets are created from.
func (e *AutoReloadingEngine) CurrentEngine() *TLSEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

func (e *AutoReloadingEngine) UseTLSWhenClient() bool       { return true }
func (e *AutoReloadingEngine) AlwaysUseTLSWhenServer() bool { return true }

func (e *AutoReloadingEngine) CreateClientSocket(handle ports.SocketHandle, peer ports.SocketSpec) (ports.CryptoSocket, error) {
	return e.CurrentEngine().CreateClientSocket(handle, peer)
}

func (e *AutoReloadingEngine) CreateServerSocket(handle ports.SocketHandle) (ports.CryptoSocket, error) {
	return e.CurrentEngine().CreateServerSocket(handle)
}
