package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/capgate/internal/core/domain"
)

func policy(t *testing.T, caps domain.CapabilitySet, reqs ...domain.RequiredPeerCredential) domain.PeerPolicy {
	t.Helper()
	p, err := domain.NewPeerPolicy(reqs, caps)
	require.NoError(t, err)
	return p
}

func cn(pattern string) domain.RequiredPeerCredential {
	return domain.MustNewRequiredPeerCredential(domain.CredentialFieldCN, pattern)
}

func dnsSAN(pattern string) domain.RequiredPeerCredential {
	return domain.MustNewRequiredPeerCredential(domain.CredentialFieldSANDNS, pattern)
}

func uriSAN(pattern string) domain.RequiredPeerCredential {
	return domain.MustNewRequiredPeerCredential(domain.CredentialFieldSANURI, pattern)
}

func TestPolicyMatchingVerifier_AllowAllAuthenticated(t *testing.T) {
	v := NewPolicyMatchingVerifier(domain.AllowAllAuthenticated())

	res := v.Verify(domain.PeerCredentials{})
	assert.True(t, res.Authorized())
	assert.True(t, res.GrantedCapabilities().Equals(domain.AllCapabilities()))
}

func TestPolicyMatchingVerifier_GrantsOnlyMatchingPolicies(t *testing.T) {
	capA := domain.CapabilitySetOf(domain.CapabilityContentStorageAPI)
	capB := domain.CapabilitySetOf(domain.CapabilityContentSearchAPI)
	v := NewPolicyMatchingVerifier(domain.NewAuthorizedPeers([]domain.PeerPolicy{
		policy(t, capA, cn("storage.example.com")),
		policy(t, capB, cn("search.example.com")),
	}))

	res := v.Verify(domain.PeerCredentials{CommonName: "storage.example.com"})
	require.True(t, res.Authorized())
	assert.True(t, res.GrantedCapabilities().Equals(capA), "got %v", res.GrantedCapabilities())
}

func TestPolicyMatchingVerifier_MatchingPoliciesAreCumulative(t *testing.T) {
	capA := domain.CapabilitySetOf(domain.CapabilityContentStorageAPI)
	capB := domain.CapabilitySetOf(domain.CapabilityContentSearchAPI)
	v := NewPolicyMatchingVerifier(domain.NewAuthorizedPeers([]domain.PeerPolicy{
		policy(t, capA, cn("*.example.com")),
		policy(t, capB, dnsSAN("search.internal")),
	}))

	res := v.Verify(domain.PeerCredentials{
		CommonName: "node.example.com",
		DNSSANs:    []string{"search.internal"},
	})
	require.True(t, res.Authorized())
	assert.True(t, res.GrantedCapabilities().Equals(capA.UnionOf(capB)))
}

func TestPolicyMatchingVerifier_NoMatchIsUnauthorized(t *testing.T) {
	v := NewPolicyMatchingVerifier(domain.NewAuthorizedPeers([]domain.PeerPolicy{
		policy(t, domain.AllCapabilities(), cn("a"), uriSAN("spiffe://example.org/a")),
		policy(t, domain.AllCapabilities(), dnsSAN("b")),
	}))

	res := v.Verify(domain.PeerCredentials{
		CommonName: "a",
		DNSSANs:    []string{"c"},
		URISANs:    []string{"spiffe://example.org/b"},
	})
	assert.False(t, res.Authorized())
	assert.True(t, res.GrantedCapabilities().Empty())
}

func TestPolicyMatchingVerifier_EmptyPolicyListAuthorizesNobody(t *testing.T) {
	v := NewPolicyMatchingVerifier(domain.NewAuthorizedPeers(nil))
	assert.False(t, v.Verify(domain.PeerCredentials{CommonName: "x"}).Authorized())
}

func TestPolicyMatchingVerifier_MatchWithNoCapabilitiesIsUnauthorized(t *testing.T) {
	v := NewPolicyMatchingVerifier(domain.NewAuthorizedPeers([]domain.PeerPolicy{
		policy(t, domain.NoCapabilities(), cn("x")),
	}))
	res := v.Verify(domain.PeerCredentials{CommonName: "x"})
	assert.False(t, res.Authorized())
	assert.True(t, res.GrantedCapabilities().Empty())
}

func TestPolicyMatchingVerifier_ConcurrentUse(t *testing.T) {
	v := NewPolicyMatchingVerifier(domain.NewAuthorizedPeers([]domain.PeerPolicy{
		policy(t, domain.TelemetryCapabilities(), cn("metrics-*")),
	}))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.True(t, v.Verify(domain.PeerCredentials{CommonName: "metrics-1"}).Authorized())
				assert.False(t, v.Verify(domain.PeerCredentials{CommonName: "other"}).Authorized())
			}
		}()
	}
	wg.Wait()
}

func TestStaticVerifiers(t *testing.T) {
	assert.True(t, AcceptAllVerifier{}.Verify(domain.PeerCredentials{}).Authorized())
	assert.False(t, RejectAllVerifier{}.Verify(domain.PeerCredentials{}).Authorized())
}
