package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

// PeerCredentials holds the identity fields extracted from a verified peer certificate.
type PeerCredentials struct {
	// CommonName is the last (most specific) CN of the subject, or empty.
	CommonName string
	DNSSANs    []string
	URISANs    []string
}

// SPIFFEID returns the first URI SAN that is a valid SPIFFE ID.
func (c PeerCredentials) SPIFFEID() (spiffeid.ID, bool) {
	for _, uri := range c.URISANs {
		if id, err := spiffeid.FromString(uri); err == nil {
			return id, true
		}
	}
	return spiffeid.ID{}, false
}

// String renders the credentials for diagnostics.
func (c PeerCredentials) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CN='%s'", c.CommonName)
	if len(c.DNSSANs) > 0 {
		b.WriteString(", DNS SANs=[")
		writeQuoted(&b, c.DNSSANs)
		b.WriteString("]")
	}
	if len(c.URISANs) > 0 {
		b.WriteString(", URI SANs=[")
		writeQuoted(&b, c.URISANs)
		b.WriteString("]")
	}
	return b.String()
}

func writeQuoted(b *strings.Builder, values []string) {
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("'" + v + "'")
	}
}

// ErrNoRequiredCredentials is returned for a policy that would match every peer.
var ErrNoRequiredCredentials = errors.New("peer policy must have at least one required credential")

// PeerPolicy grants a capability set to peers matching all of its required credentials.
type PeerPolicy struct {
	required []RequiredPeerCredential
	granted  CapabilitySet
}

// NewPeerPolicy creates a policy. At least one required credential must be given.
func NewPeerPolicy(required []RequiredPeerCredential, granted CapabilitySet) (PeerPolicy, error) {
	if len(required) == 0 {
		return PeerPolicy{}, ErrNoRequiredCredentials
	}
	return PeerPolicy{
		required: append([]RequiredPeerCredential(nil), required...),
		granted:  granted,
	}, nil
}

// RequiredCredentials returns a copy of the policy's requirements.
func (p PeerPolicy) RequiredCredentials() []RequiredPeerCredential {
	return append([]RequiredPeerCredential(nil), p.required...)
}

// GrantedCapabilities returns the capabilities granted on match.
func (p PeerPolicy) GrantedCapabilities() CapabilitySet {
	return p.granted
}

// Matches reports whether every requirement is satisfied by creds.
func (p PeerPolicy) Matches(creds PeerCredentials) bool {
	if len(p.required) == 0 {
		return false
	}
	for _, req := range p.required {
		if !req.MatchesCredentials(creds) {
			return false
		}
	}
	return true
}

func (p PeerPolicy) String() string {
	reqs := make([]string, len(p.required))
	for i, r := range p.required {
		reqs[i] = r.String()
	}
	return "PeerPolicy([" + strings.Join(reqs, ", ") + "], " + p.granted.String() + ")"
}

// AuthorizedPeers is either the allow-all-authenticated sentinel or a list of
// policies of which any may match. It is immutable once constructed.
type AuthorizedPeers struct {
	allowAll bool
	policies []PeerPolicy
}

// AllowAllAuthenticated returns the sentinel granting every authenticated peer
// all capabilities. It applies when no policies are configured.
func AllowAllAuthenticated() AuthorizedPeers {
	return AuthorizedPeers{allowAll: true}
}

// NewAuthorizedPeers wraps a policy list. An empty list authorizes nobody.
func NewAuthorizedPeers(policies []PeerPolicy) AuthorizedPeers {
	return AuthorizedPeers{policies: append([]PeerPolicy(nil), policies...)}
}

// AllowsAllAuthenticated reports whether this is the allow-all sentinel.
func (a AuthorizedPeers) AllowsAllAuthenticated() bool {
	return a.allowAll
}

// Policies returns a copy of the configured policies.
func (a AuthorizedPeers) Policies() []PeerPolicy {
	return append([]PeerPolicy(nil), a.policies...)
}

// PolicyCount returns the number of configured policies.
func (a AuthorizedPeers) PolicyCount() int {
	return len(a.policies)
}

// ForEachPolicy calls fn for every policy without copying the list.
func (a AuthorizedPeers) ForEachPolicy(fn func(PeerPolicy)) {
	for _, p := range a.policies {
		fn(p)
	}
}

// VerificationResult is the outcome of authorizing a peer. A result is
// authorized exactly when it grants at least one capability.
type VerificationResult struct {
	granted CapabilitySet
}

// NewAuthorizedResult returns a result granting caps. An empty set yields an
// unauthorized result.
func NewAuthorizedResult(caps CapabilitySet) VerificationResult {
	return VerificationResult{granted: caps}
}

// AuthorizedWithAllCapabilities returns a result granting every capability.
func AuthorizedWithAllCapabilities() VerificationResult {
	return VerificationResult{granted: AllCapabilities()}
}

// NewUnauthorizedResult returns a result granting nothing.
func NewUnauthorizedResult() VerificationResult {
	return VerificationResult{}
}

// Authorized reports whether the peer may proceed.
func (r VerificationResult) Authorized() bool {
	return !r.granted.Empty()
}

// GrantedCapabilities returns the capabilities granted to the peer.
func (r VerificationResult) GrantedCapabilities() CapabilitySet {
	return r.granted
}

func (r VerificationResult) String() string {
	if !r.Authorized() {
		return "VerificationResult(NOT AUTHORIZED)"
	}
	return "VerificationResult(authorized, " + r.granted.String() + ")"
}
