package cli

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sufield/capgate/internal/adapters/metrics"
	"github.com/sufield/capgate/internal/adapters/secondary/config"
	"github.com/sufield/capgate/internal/adapters/secondary/transport"
	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/services"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	configFile        string
	mixedMode         string
	authorizationMode string
	listen            string
	metricsListen     string
	handshakeWorkers  int
}

func newServeCommand(opts *globalOptions) *cobra.Command {
	so := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo server behind the transport security layer",
		Long: `Run an echo server behind the transport security layer.

Every accepted connection is handshaken with the configured engine and its
bytes are echoed back until the peer closes its side. Flags override the
CAPGATE_TLS_* environment variables; without a configuration file the
server speaks plaintext only.`,
		Example: `  capgate serve --config /etc/capgate/tls.json --listen :4080
  CAPGATE_TLS_CONFIG_FILE=/etc/capgate/tls.json capgate serve --mixed-mode tls_client_mixed_server`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return so.run(cmd, opts.logger)
		},
	}
	cmd.Flags().StringVar(&so.configFile, "config", "", "trust configuration file (default $CAPGATE_TLS_CONFIG_FILE)")
	cmd.Flags().StringVar(&so.mixedMode, "mixed-mode", "", "accept plaintext peers: plaintext_client_mixed_server or tls_client_mixed_server")
	cmd.Flags().StringVar(&so.authorizationMode, "authorization-mode", "", "enforce, log_only or disable")
	cmd.Flags().StringVar(&so.listen, "listen", "127.0.0.1:4080", "address to accept connections on")
	cmd.Flags().StringVar(&so.metricsListen, "metrics-listen", "", "address to serve Prometheus metrics on; disabled when empty")
	cmd.Flags().IntVar(&so.handshakeWorkers, "handshake-workers", 0, "concurrent handshake computations; 0 means GOMAXPROCS")
	return cmd
}

// environment applies the flags on top of the CAPGATE_TLS_* settings.
func (so *serveOptions) environment() (config.Environment, error) {
	env, err := config.ReadEnvironment()
	if err != nil {
		return env, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if so.configFile != "" {
		env.ConfigFile = so.configFile
	}
	if so.mixedMode != "" {
		if env.MixedMode, err = config.ParseMixedMode(so.mixedMode); err != nil {
			return env, fmt.Errorf("%w: %v", ErrUsage, err)
		}
	}
	if so.authorizationMode != "" {
		if env.AuthorizationMode, err = domain.ParseAuthorizationMode(so.authorizationMode); err != nil {
			return env, fmt.Errorf("%w: %v", ErrUsage, err)
		}
	}
	return env, nil
}

func (so *serveOptions) run(cmd *cobra.Command, logger *slog.Logger) error {
	env, err := so.environment()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats := services.NewStatistics()
	engine, err := config.NewEngine(ctx, env, config.EngineOptions{Stats: stats, Logger: logger})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	defer engine.Close()

	inner, err := net.Listen("tcp", so.listen)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	listener := transport.NewListener(inner, engine, transport.ListenerConfig{
		Pool:   transport.NewHandshakeWorkPool(so.handshakeWorkers),
		Logger: logger,
	})
	logger.Info("echo server listening", "addr", listener.Addr().String())
	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", listener.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveEcho(gctx, listener, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down echo server")
		return listener.Close()
	})
	if so.metricsListen != "" {
		srv := metricsServer(so.metricsListen, stats, engine)
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", so.metricsListen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	return nil
}

// serveEcho accepts connections until the listener is closed.
func serveEcho(ctx context.Context, l net.Listener, logger *slog.Logger) error {
	var conns errgroup.Group
	defer func() { _ = conns.Wait() }()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		conns.Go(func() error {
			echo(ctx, conn, logger)
			return nil
		})
	}
}

func echo(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	log := logger
	if c, ok := conn.(*transport.Conn); ok {
		log = logger.With(
			"connection_id", c.ID(),
			"peer", c.PeerCredentials().String(),
			"capabilities", c.GrantedCapabilities().String())
	}

	n, err := io.Copy(conn, conn)
	if err != nil {
		log.Debug("echo connection ended with error", "bytes", n, "error", err)
		return
	}
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = hc.CloseWrite()
	}
	log.Debug("echo connection closed", "bytes", n)
}

func metricsServer(addr string, stats *services.Statistics, engine *config.Engine) *http.Server {
	var certificate metrics.CertificateSource
	if reloader := engine.Reloader(); reloader != nil {
		certificate = func() *x509.Certificate {
			return reloader.CurrentEngine().Context().Certificate()
		}
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewStatisticsCollector(stats, certificate))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
