// Package services contains the core authorization and statistics services.
package services

import (
	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/ports"
)

// PolicyMatchingVerifier grants capabilities according to a set of authorized peer policies.
// It holds no mutable state and is safe for concurrent use.
type PolicyMatchingVerifier struct {
	peers domain.AuthorizedPeers
}

var _ ports.CertificateVerifier = (*PolicyMatchingVerifier)(nil)

// NewPolicyMatchingVerifier creates a verifier for the given policies.
func NewPolicyMatchingVerifier(peers domain.AuthorizedPeers) *PolicyMatchingVerifier {
	return &PolicyMatchingVerifier{peers: peers}
}

// Verify returns all capabilities for the allow-all sentinel. Otherwise the
// capabilities of every policy whose requirements all match are unioned; the
// peer is authorized if at least one policy matched.
func (v *PolicyMatchingVerifier) Verify(creds domain.PeerCredentials) domain.VerificationResult {
	if v.peers.AllowsAllAuthenticated() {
		return domain.AuthorizedWithAllCapabilities()
	}
	var granted domain.CapabilitySet
	matched := false
	v.peers.ForEachPolicy(func(p domain.PeerPolicy) {
		if p.Matches(creds) {
			granted.AddAll(p.GrantedCapabilities())
			matched = true
		}
	})
	if !matched {
		return domain.NewUnauthorizedResult()
	}
	return domain.NewAuthorizedResult(granted)
}

// AcceptAllVerifier authorizes every peer with all capabilities.
type AcceptAllVerifier struct{}

var _ ports.CertificateVerifier = AcceptAllVerifier{}

// Verify always authorizes.
func (AcceptAllVerifier) Verify(domain.PeerCredentials) domain.VerificationResult {
	return domain.AuthorizedWithAllCapabilities()
}

// RejectAllVerifier authorizes nobody.
type RejectAllVerifier struct{}

var _ ports.CertificateVerifier = RejectAllVerifier{}

// Verify never authorizes.
func (RejectAllVerifier) Verify(domain.PeerCredentials) domain.VerificationResult {
	return domain.NewUnauthorizedResult()
}
