package config

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sufield/capgate/internal/adapters/secondary/transport"
	"github.com/sufield/capgate/internal/core/domain"
	cerrors "github.com/sufield/capgate/internal/core/errors"
	"github.com/sufield/capgate/internal/core/ports"
	"github.com/sufield/capgate/internal/core/services"
)

// Environment variables are CAPGATE_TLS_ followed by the upper-cased key with
// dashes replaced by underscores, e.g. CAPGATE_TLS_CONFIG_FILE.
const (
	EnvPrefix = "CAPGATE_TLS"

	KeyConfigFile        = "config-file"
	KeyMixedMode         = "insecure-mixed-mode"
	KeyAuthorizationMode = "insecure-authorization-mode"
	KeyReloadInterval    = "reload-interval"
)

// MixedMode selects whether a server accepts plaintext peers next to TLS ones.
type MixedMode int

const (
	// MixedModeDisabled requires TLS everywhere.
	MixedModeDisabled MixedMode = iota
	// MixedModePlaintextClient accepts both on the server and connects in plaintext.
	MixedModePlaintextClient
	// MixedModeTLSClient accepts both on the server and connects with TLS.
	MixedModeTLSClient
)

// ParseMixedMode parses the mixed mode setting. An empty value disables it.
func ParseMixedMode(s string) (MixedMode, error) {
	switch strings.TrimSpace(s) {
	case "":
		return MixedModeDisabled, nil
	case "plaintext_client_mixed_server":
		return MixedModePlaintextClient, nil
	case "tls_client_mixed_server":
		return MixedModeTLSClient, nil
	default:
		return MixedModeDisabled, fmt.Errorf("unknown mixed mode %q", s)
	}
}

func (m MixedMode) String() string {
	switch m {
	case MixedModePlaintextClient:
		return "plaintext_client_mixed_server"
	case MixedModeTLSClient:
		return "tls_client_mixed_server"
	default:
		return "disabled"
	}
}

// Environment is the process level transport security selection.
type Environment struct {
	ConfigFile        string
	MixedMode         MixedMode
	AuthorizationMode domain.AuthorizationMode
	ReloadInterval    time.Duration
}

// ReadEnvironment resolves the settings from CAPGATE_TLS_* variables.
func ReadEnvironment() (Environment, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault(KeyReloadInterval, transport.DefaultReloadInterval.String())
	v.SetDefault(KeyAuthorizationMode, domain.AuthorizationModeEnforce.String())
	return environmentFrom(v)
}

func environmentFrom(v *viper.Viper) (Environment, error) {
	env := Environment{ConfigFile: strings.TrimSpace(v.GetString(KeyConfigFile))}

	mixed, err := ParseMixedMode(v.GetString(KeyMixedMode))
	if err != nil {
		return Environment{}, cerrors.NewDomainError(cerrors.ErrInvalidConfiguration, err)
	}
	env.MixedMode = mixed

	mode, err := domain.ParseAuthorizationMode(strings.TrimSpace(v.GetString(KeyAuthorizationMode)))
	if err != nil {
		return Environment{}, cerrors.NewDomainError(cerrors.ErrInvalidConfiguration, err)
	}
	env.AuthorizationMode = mode

	interval, err := time.ParseDuration(v.GetString(KeyReloadInterval))
	if err != nil || interval <= 0 {
		return Environment{}, cerrors.NewDomainError(cerrors.ErrInvalidConfiguration,
			fmt.Errorf("invalid reload interval %q", v.GetString(KeyReloadInterval)))
	}
	env.ReloadInterval = interval
	return env, nil
}

// Engine is the process wide crypto engine. Close stops background reloading.
type Engine struct {
	ports.CryptoEngine
	reloader *transport.AutoReloadingEngine
}

// Reloader returns the reloading engine, or nil when TLS is not configured.
func (e *Engine) Reloader() *transport.AutoReloadingEngine { return e.reloader }

// Close stops the reloader. It is safe to call more than once.
func (e *Engine) Close() error {
	if e.reloader != nil {
		e.reloader.Stop()
	}
	return nil
}

// EngineOptions carries the collaborators of engines built from configuration.
type EngineOptions struct {
	Stats  *services.Statistics
	Logger *slog.Logger
}

// EngineFromEnvironment builds the engine selected by the CAPGATE_TLS_* variables.
func EngineFromEnvironment(ctx context.Context, opts EngineOptions) (*Engine, error) {
	env, err := ReadEnvironment()
	if err != nil {
		return nil, err
	}
	return NewEngine(ctx, env, opts)
}

// NewEngine builds the engine env selects. Without a configuration file the
// engine is plaintext only; with one it reloads the file every ReloadInterval
// and, in mixed mode, also accepts plaintext peers on the server side.
func NewEngine(ctx context.Context, env Environment, opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if env.ConfigFile == "" {
		if env.MixedMode != MixedModeDisabled {
			return nil, cerrors.NewDomainError(cerrors.ErrInvalidConfiguration,
				fmt.Errorf("%s requires %s to be set", KeyMixedMode, KeyConfigFile))
		}
		logger.Info("transport security not configured, using plaintext")
		return &Engine{CryptoEngine: transport.NewNullEngine(opts.Stats)}, nil
	}

	reloader, err := transport.NewAutoReloadingEngine(transport.AutoReloadingEngineConfig{
		Load:     FileEngineLoader(ctx, env.ConfigFile, env.AuthorizationMode, opts),
		Interval: env.ReloadInterval,
		Stats:    opts.Stats,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	reloader.Start()

	logger.Info("transport security configured",
		"config_file", env.ConfigFile,
		"authorization_mode", env.AuthorizationMode.String(),
		"mixed_mode", env.MixedMode.String(),
		"reload_interval", env.ReloadInterval)

	engine := &Engine{CryptoEngine: reloader, reloader: reloader}
	if env.MixedMode != MixedModeDisabled {
		engine.CryptoEngine = transport.NewMaybeTLSEngine(reloader, transport.MaybeTLSEngineConfig{
			UseTLSWhenClient: env.MixedMode == MixedModeTLSClient,
			Stats:            opts.Stats,
			Logger:           logger,
		})
	}
	return engine, nil
}

// FileEngineLoader returns a loader that rebuilds a TLS engine from path. The
// parsed options are wiped once the engine holds its own key.
func FileEngineLoader(ctx context.Context, path string, mode domain.AuthorizationMode, opts EngineOptions) transport.EngineLoader {
	provider := NewFileProvider(opts.Logger)
	return func() (*transport.TLSEngine, error) {
		sec, err := provider.LoadConfiguration(ctx, path)
		if err != nil {
			return nil, err
		}
		defer sec.Close()
		return transport.NewTLSEngine(sec, transport.TLSEngineConfig{
			Mode:   mode,
			Stats:  opts.Stats,
			Logger: opts.Logger,
		})
	}
}
