// Package tlscodec implements ports.CryptoCodec on top of crypto/tls.
package tlscodec

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sufield/capgate/internal/core/domain"
	cerrors "github.com/sufield/capgate/internal/core/errors"
	"github.com/sufield/capgate/internal/core/ports"
	"github.com/sufield/capgate/internal/core/services"
)

// ErrPeerNotAuthorized fails a handshake whose peer matched no authorization policy.
var ErrPeerNotAuthorized = errors.New("peer is not authorized by any policy")

// Context holds the immutable TLS material and authorization policy shared by
// every codec created from it. It is safe for concurrent use.
type Context struct {
	certificate               tls.Certificate
	roots                     *x509.CertPool
	cipherSuites              []uint16
	minVersion                uint16
	verifier                  ports.CertificateVerifier
	mode                      domain.AuthorizationMode
	disableHostnameValidation bool
	stats                     *services.Statistics
	logger                    *slog.Logger
}

// ContextOption customizes a Context.
type ContextOption func(*Context)

// WithAuthorizationMode overrides the default enforce mode.
func WithAuthorizationMode(mode domain.AuthorizationMode) ContextOption {
	return func(c *Context) { c.mode = mode }
}

// WithVerifier replaces the policy-derived verifier.
func WithVerifier(v ports.CertificateVerifier) ContextOption {
	return func(c *Context) { c.verifier = v }
}

// WithStatistics records handshake and authorization outcomes into stats.
func WithStatistics(stats *services.Statistics) ContextOption {
	return func(c *Context) { c.stats = stats }
}

// WithLogger sets the logger used for authorization diagnostics.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *Context) { c.logger = logger }
}

// NewContext parses the PEM material of opts and prepares a TLS context.
// The private key bytes are only read, never retained.
func NewContext(opts *domain.TransportSecurityOptions, options ...ContextOption) (*Context, error) {
	if opts == nil {
		return nil, cerrors.NewDomainError(cerrors.ErrInvalidConfiguration, errors.New("transport security options cannot be nil"))
	}
	cert, err := tls.X509KeyPair(opts.CertChainPEM(), opts.PrivateKeyPEM())
	if err != nil {
		return nil, cerrors.NewDomainError(cerrors.ErrInvalidCertificate, fmt.Errorf("failed to load certificate chain and private key: %w", err))
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(opts.CACertsPEM()) {
		return nil, cerrors.NewDomainError(cerrors.ErrInvalidCertificate, errors.New("no CA certificates found in CA bundle"))
	}

	c := &Context{
		certificate:               cert,
		roots:                     roots,
		verifier:                  services.NewPolicyMatchingVerifier(opts.AuthorizedPeers()),
		mode:                      domain.AuthorizationModeEnforce,
		minVersion:                tls.VersionTLS12,
		disableHostnameValidation: opts.DisableHostnameValidation(),
		logger:                    slog.Default(),
	}
	for _, o := range options {
		o(c)
	}

	suites, unknown := CipherSuitesFromNames(opts.AcceptedCiphers())
	if len(unknown) > 0 {
		c.logger.Warn("ignoring unsupported cipher suites", "ciphers", unknown)
	}
	accepted := opts.AcceptedCiphers()
	if len(accepted) > 0 && len(unknown) == len(accepted) {
		return nil, cerrors.NewDomainError(cerrors.ErrInvalidConfiguration, fmt.Errorf("none of the accepted ciphers are supported: %v", accepted))
	}
	if len(accepted) > 0 && len(suites) == 0 {
		// Only TLS 1.3 suites were named; those cannot be restricted further.
		c.minVersion = tls.VersionTLS13
	}
	c.cipherSuites = suites
	return c, nil
}

// AuthorizationMode returns the mode authorization failures are handled with.
func (c *Context) AuthorizationMode() domain.AuthorizationMode {
	return c.mode
}

// Certificate returns the leaf of the own certificate chain.
func (c *Context) Certificate() *x509.Certificate {
	return c.certificate.Leaf
}

// NewServerCodec creates a codec for the accepting side of a connection.
func (c *Context) NewServerCodec() *Codec {
	codec := newCodec(c, true)
	cfg := c.baseConfig()
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	cfg.ClientCAs = c.roots
	cfg.SessionTicketsDisabled = true
	cfg.VerifyConnection = codec.verifyConnection
	codec.conn = tls.Server(codec.transport, cfg)
	return codec
}

// NewClientCodec creates a codec for the connecting side towards peer.
func (c *Context) NewClientCodec(peer ports.SocketSpec) *Codec {
	codec := newCodec(c, false)
	cfg := c.baseConfig()
	cfg.RootCAs = c.roots
	cfg.ServerName = peer.Host
	if c.disableHostnameValidation || peer.Host == "" {
		// Chain verification still happens in verifyConnection, only the name check is skipped.
		cfg.InsecureSkipVerify = true
		codec.verifyChainManually = true
	}
	cfg.VerifyConnection = codec.verifyConnection
	codec.conn = tls.Client(codec.transport, cfg)
	return codec
}

func (c *Context) baseConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.certificate},
		MinVersion:   c.minVersion,
		CipherSuites: c.cipherSuites,
	}
}

// authorize applies the verifier and authorization mode to a verified peer.
func (c *Context) authorize(creds domain.PeerCredentials, server bool) (domain.CapabilitySet, error) {
	if c.mode == domain.AuthorizationModeDisable {
		return domain.AllCapabilities(), nil
	}
	res := c.verifier.Verify(creds)
	if res.Authorized() {
		return res.GrantedCapabilities(), nil
	}
	if c.stats != nil {
		c.stats.For(server).IncPeerAuthorizationFailures()
	}
	if c.mode == domain.AuthorizationModeLogOnly {
		c.logger.Warn("peer would have been rejected by authorization policy, allowing it in log-only mode",
			"peer", creds.String())
		return domain.AllCapabilities(), nil
	}
	c.logger.Warn("peer is not authorized by any policy, rejecting",
		"peer", creds.String())
	return domain.NoCapabilities(), ErrPeerNotAuthorized
}

// PeerCredentialsFromCertificate extracts the identity fields of cert. When the
// subject has several CNs crypto/x509 keeps the last one, which is the most specific.
func PeerCredentialsFromCertificate(cert *x509.Certificate) domain.PeerCredentials {
	creds := domain.PeerCredentials{
		CommonName: cert.Subject.CommonName,
		DNSSANs:    append([]string(nil), cert.DNSNames...),
	}
	for _, u := range cert.URIs {
		creds.URISANs = append(creds.URISANs, u.String())
	}
	return creds
}
