package ports

import "github.com/sufield/capgate/internal/core/domain"

// CertificateVerifier decides which capabilities a peer presenting already
// chain-verified credentials is granted. Implementations must be safe for
// concurrent use and free of side effects.
type CertificateVerifier interface {
	Verify(creds domain.PeerCredentials) domain.VerificationResult
}

// VerifierFunc adapts a function to CertificateVerifier.
type VerifierFunc func(creds domain.PeerCredentials) domain.VerificationResult

// Verify calls f(creds).
func (f VerifierFunc) Verify(creds domain.PeerCredentials) domain.VerificationResult {
	return f(creds)
}
