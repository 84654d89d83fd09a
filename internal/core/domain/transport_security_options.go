package domain

import (
	"fmt"
	"strings"
	"sync"
)

// SecretBuffer owns a byte slice holding key material and zeroes it on Wipe.
// Wipe is idempotent and safe to call from deferred cleanup on every exit path.
type SecretBuffer struct {
	mu   sync.Mutex
	data []byte
}

// NewSecretBuffer takes ownership of data. The caller must not retain other references.
func NewSecretBuffer(data []byte) *SecretBuffer {
	return &SecretBuffer{data: data}
}

// CopySecretBuffer copies data into a new buffer; the source is left untouched.
func CopySecretBuffer(data []byte) *SecretBuffer {
	return &SecretBuffer{data: append([]byte(nil), data...)}
}

// Bytes returns the held bytes. The slice is invalidated by Wipe.
func (b *SecretBuffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Len returns the number of held bytes.
func (b *SecretBuffer) Len() int {
	return len(b.Bytes())
}

// Wipe zeroes and drops the held bytes.
func (b *SecretBuffer) Wipe() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	WipeBytes(b.data)
	b.data = nil
}

// Close wipes the buffer. It always returns nil.
func (b *SecretBuffer) Close() error {
	b.Wipe()
	return nil
}

// String never reveals the contents.
func (b *SecretBuffer) String() string {
	return "[REDACTED]"
}

// WipeBytes overwrites data with zeroes.
func WipeBytes(data []byte) {
	clear(data)
}

// TransportSecurityOptions is the in-memory trust configuration of a TLS engine:
// PEM encoded CA bundle, certificate chain and private key, plus authorization policy.
type TransportSecurityOptions struct {
	caCertsPEM                []byte
	certChainPEM              []byte
	privateKey                *SecretBuffer
	authorizedPeers           AuthorizedPeers
	acceptedCiphers           []string
	disableHostnameValidation bool
}

// TransportSecurityOptionsParams carries the fields of TransportSecurityOptions.
// PrivateKeyPEM is copied into owned storage and the caller remains responsible
// for wiping its own copy.
type TransportSecurityOptionsParams struct {
	CACertsPEM                []byte
	CertChainPEM              []byte
	PrivateKeyPEM             []byte
	AuthorizedPeers           AuthorizedPeers
	AcceptedCiphers           []string
	DisableHostnameValidation bool
}

// NewTransportSecurityOptions builds options from params.
func NewTransportSecurityOptions(params TransportSecurityOptionsParams) *TransportSecurityOptions {
	return &TransportSecurityOptions{
		caCertsPEM:                append([]byte(nil), params.CACertsPEM...),
		certChainPEM:              append([]byte(nil), params.CertChainPEM...),
		privateKey:                CopySecretBuffer(params.PrivateKeyPEM),
		authorizedPeers:           params.AuthorizedPeers,
		acceptedCiphers:           append([]string(nil), params.AcceptedCiphers...),
		disableHostnameValidation: params.DisableHostnameValidation,
	}
}

// CACertsPEM returns the trusted CA bundle.
func (o *TransportSecurityOptions) CACertsPEM() []byte { return o.caCertsPEM }

// CertChainPEM returns the own certificate chain.
func (o *TransportSecurityOptions) CertChainPEM() []byte { return o.certChainPEM }

// PrivateKeyPEM returns the own private key. The slice is invalid after Close.
func (o *TransportSecurityOptions) PrivateKeyPEM() []byte { return o.privateKey.Bytes() }

// AuthorizedPeers returns the authorization policy.
func (o *TransportSecurityOptions) AuthorizedPeers() AuthorizedPeers { return o.authorizedPeers }

// AcceptedCiphers returns the configured cipher suite names; empty means library defaults.
func (o *TransportSecurityOptions) AcceptedCiphers() []string {
	return append([]string(nil), o.acceptedCiphers...)
}

// DisableHostnameValidation reports whether client-side server name checks are skipped.
func (o *TransportSecurityOptions) DisableHostnameValidation() bool {
	return o.disableHostnameValidation
}

// HasPrivateKey reports whether key material is still held.
func (o *TransportSecurityOptions) HasPrivateKey() bool {
	return o.privateKey.Len() > 0
}

// Close wipes the private key.
func (o *TransportSecurityOptions) Close() error {
	return o.privateKey.Close()
}

func (o *TransportSecurityOptions) String() string {
	mode := fmt.Sprintf("%d policies", o.authorizedPeers.PolicyCount())
	if o.authorizedPeers.AllowsAllAuthenticated() {
		mode = "allow all authenticated"
	}
	return fmt.Sprintf("TransportSecurityOptions(authorized peers: %s, ciphers: [%s], hostname validation disabled: %t)",
		mode, strings.Join(o.acceptedCiphers, ", "), o.disableHostnameValidation)
}

// AuthorizationMode controls how authorization failures are acted upon.
type AuthorizationMode int

const (
	// AuthorizationModeEnforce rejects peers that match no policy.
	AuthorizationModeEnforce AuthorizationMode = iota
	// AuthorizationModeLogOnly logs rejected peers but lets them through with all capabilities.
	AuthorizationModeLogOnly
	// AuthorizationModeDisable skips policy evaluation altogether.
	AuthorizationModeDisable
)

// ParseAuthorizationMode parses "enforce", "log_only" or "disable".
func ParseAuthorizationMode(s string) (AuthorizationMode, error) {
	switch s {
	case "enforce":
		return AuthorizationModeEnforce, nil
	case "log_only":
		return AuthorizationModeLogOnly, nil
	case "disable":
		return AuthorizationModeDisable, nil
	default:
		return AuthorizationModeEnforce, fmt.Errorf("unknown authorization mode %q", s)
	}
}

func (m AuthorizationMode) String() string {
	switch m {
	case AuthorizationModeEnforce:
		return "enforce"
	case AuthorizationModeLogOnly:
		return "log_only"
	case AuthorizationModeDisable:
		return "disable"
	default:
		return fmt.Sprintf("AuthorizationMode(%d)", int(m))
	}
}
