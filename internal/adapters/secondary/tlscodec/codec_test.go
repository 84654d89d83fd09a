package tlscodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/ports"
	"github.com/sufield/capgate/internal/core/services"
	"github.com/sufield/capgate/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type pair struct {
	client, server *Codec
	toServer       []byte
	toClient       []byte
	stats          *services.Statistics
}

type pairConfig struct {
	serverPeers domain.AuthorizedPeers
	serverMode  domain.AuthorizationMode
	clientCA    *testutil.CA
	clientHost  string
	hostnameOn  bool
}

func newPair(t *testing.T, cfg pairConfig) *pair {
	t.Helper()
	ca := testutil.NewCA(t, "capgate test CA")
	serverLeaf := ca.Issue(t, testutil.LeafOptions{CommonName: "server.example.com", DNSNames: []string{"server.example.com"}})
	clientLeaf := ca.Issue(t, testutil.LeafOptions{
		CommonName: "client.example.com",
		DNSNames:   []string{"client.internal"},
		URIs:       []string{"spiffe://example.org/ns/prod/sa/client"},
	})

	stats := services.NewStatistics()
	serverOpts := ca.Options(serverLeaf, cfg.serverPeers)
	t.Cleanup(func() { _ = serverOpts.Close() })
	serverCtx, err := NewContext(serverOpts, WithStatistics(stats), WithAuthorizationMode(cfg.serverMode))
	require.NoError(t, err)

	clientCA := ca
	if cfg.clientCA != nil {
		clientCA = cfg.clientCA
	}
	clientOpts := domain.NewTransportSecurityOptions(domain.TransportSecurityOptionsParams{
		CACertsPEM:                clientCA.CertPEM,
		CertChainPEM:              clientLeaf.CertPEM,
		PrivateKeyPEM:             clientLeaf.KeyPEM,
		AuthorizedPeers:           domain.AllowAllAuthenticated(),
		DisableHostnameValidation: !cfg.hostnameOn,
	})
	t.Cleanup(func() { _ = clientOpts.Close() })
	clientCtx, err := NewContext(clientOpts, WithStatistics(stats))
	require.NoError(t, err)

	p := &pair{
		client: clientCtx.NewClientCodec(ports.SocketSpec{Host: cfg.clientHost, Port: 4443}),
		server: serverCtx.NewServerCodec(),
		stats:  stats,
	}
	t.Cleanup(func() {
		_ = p.client.Close()
		_ = p.server.Close()
	})
	return p
}

// step runs one side until it has nothing left to do without peer input.
func step(t *testing.T, c *Codec, inbox, outbox *[]byte) ports.HandshakeState {
	t.Helper()
	buf := make([]byte, c.MinEncodeBufferSize())
	for {
		res := c.Handshake(*inbox, buf)
		*inbox = (*inbox)[res.BytesConsumed:]
		*outbox = append(*outbox, buf[:res.BytesProduced]...)
		switch res.State {
		case ports.HandshakeNeedsWork:
			require.Zero(t, res.BytesConsumed, "NeedsWork must not consume")
			require.Zero(t, res.BytesProduced, "NeedsWork must not produce")
			c.DoHandshakeWork()
		case ports.HandshakeNeedsMorePeerData:
			if res.BytesConsumed == 0 && res.BytesProduced == 0 {
				return res.State
			}
		default:
			return res.State
		}
	}
}

func terminal(s ports.HandshakeState) bool {
	return s == ports.HandshakeDone || s == ports.HandshakeFailed
}

func (p *pair) handshake(t *testing.T) (client, server ports.HandshakeState) {
	t.Helper()
	for i := 0; i < 20; i++ {
		client = step(t, p.client, &p.toClient, &p.toServer)
		server = step(t, p.server, &p.toServer, &p.toClient)
		if terminal(client) && terminal(server) {
			return client, server
		}
	}
	return client, server
}

func mustPolicy(t *testing.T, caps domain.CapabilitySet, reqs ...domain.RequiredPeerCredential) domain.PeerPolicy {
	t.Helper()
	p, err := domain.NewPeerPolicy(reqs, caps)
	require.NoError(t, err)
	return p
}

func TestHandshake_GrantsPolicyCapabilities(t *testing.T) {
	peers := domain.NewAuthorizedPeers([]domain.PeerPolicy{
		mustPolicy(t, domain.CapabilitySetOf(domain.CapabilitySlobrokAPI),
			domain.MustNewRequiredPeerCredential(domain.CredentialFieldCN, "client.example.com")),
		mustPolicy(t, domain.CapabilitySetOf(domain.CapabilityContentStorageAPI),
			domain.MustNewRequiredPeerCredential(domain.CredentialFieldCN, "other.example.com")),
	})
	p := newPair(t, pairConfig{serverPeers: peers})

	cs, ss := p.handshake(t)
	require.Equal(t, ports.HandshakeDone, cs)
	require.Equal(t, ports.HandshakeDone, ss)

	assert.True(t, p.server.GrantedCapabilities().Equals(domain.CapabilitySetOf(domain.CapabilitySlobrokAPI)))
	creds := p.server.PeerCredentials()
	assert.Equal(t, "client.example.com", creds.CommonName)
	assert.Equal(t, []string{"client.internal"}, creds.DNSSANs)
	assert.Equal(t, []string{"spiffe://example.org/ns/prod/sa/client"}, creds.URISANs)

	assert.True(t, p.client.GrantedCapabilities().Equals(domain.AllCapabilities()))
	assert.Equal(t, "server.example.com", p.client.PeerCredentials().CommonName)
	assert.NotEmpty(t, p.client.NegotiatedVersion())

	assert.Equal(t, uint64(1), p.stats.Server.Snapshot().TLSConnections)
	assert.Equal(t, uint64(1), p.stats.Client.Snapshot().TLSConnections)
}

func TestHandshake_EnforceRejectsUnauthorizedPeer(t *testing.T) {
	peers := domain.NewAuthorizedPeers([]domain.PeerPolicy{
		mustPolicy(t, domain.AllCapabilities(),
			domain.MustNewRequiredPeerCredential(domain.CredentialFieldCN, "someone-else")),
	})
	p := newPair(t, pairConfig{serverPeers: peers})

	_, ss := p.handshake(t)
	assert.Equal(t, ports.HandshakeFailed, ss)
	assert.True(t, p.server.GrantedCapabilities().Empty())

	snap := p.stats.Server.Snapshot()
	assert.Equal(t, uint64(1), snap.PeerAuthorizationFailures)
	assert.Equal(t, uint64(1), snap.FailedTLSHandshakes)
	assert.Zero(t, snap.TLSConnections)
}

func TestHandshake_RejectedPeerReceivesAlert(t *testing.T) {
	peers := domain.NewAuthorizedPeers([]domain.PeerPolicy{
		mustPolicy(t, domain.AllCapabilities(),
			domain.MustNewRequiredPeerCredential(domain.CredentialFieldCN, "someone-else")),
	})
	p := newPair(t, pairConfig{serverPeers: peers})

	cs, ss := p.handshake(t)
	require.Equal(t, ports.HandshakeFailed, ss)
	require.NotEmpty(t, p.toClient, "the alert must be handed out with the failure")

	// The client may already consider its side done; the alert then breaks the first read.
	if cs == ports.HandshakeDone {
		res := p.client.Decode(p.toClient, make([]byte, p.client.MinDecodeBufferSize()))
		assert.Equal(t, ports.DecodeFailed, res.State)
	} else {
		assert.Equal(t, ports.HandshakeFailed, cs)
	}
}

func TestHandshake_LogOnlyLetsUnauthorizedPeerThrough(t *testing.T) {
	peers := domain.NewAuthorizedPeers([]domain.PeerPolicy{
		mustPolicy(t, domain.AllCapabilities(),
			domain.MustNewRequiredPeerCredential(domain.CredentialFieldCN, "someone-else")),
	})
	p := newPair(t, pairConfig{serverPeers: peers, serverMode: domain.AuthorizationModeLogOnly})

	cs, ss := p.handshake(t)
	require.Equal(t, ports.HandshakeDone, cs)
	require.Equal(t, ports.HandshakeDone, ss)
	assert.True(t, p.server.GrantedCapabilities().Equals(domain.AllCapabilities()))
	assert.Equal(t, uint64(1), p.stats.Server.Snapshot().PeerAuthorizationFailures)
}

func TestHandshake_DisableSkipsPolicies(t *testing.T) {
	p := newPair(t, pairConfig{
		serverPeers: domain.NewAuthorizedPeers(nil),
		serverMode:  domain.AuthorizationModeDisable,
	})

	_, ss := p.handshake(t)
	require.Equal(t, ports.HandshakeDone, ss)
	assert.True(t, p.server.GrantedCapabilities().Equals(domain.AllCapabilities()))
	assert.Zero(t, p.stats.Server.Snapshot().PeerAuthorizationFailures)
}

func TestHandshake_UntrustedServerFails(t *testing.T) {
	p := newPair(t, pairConfig{
		serverPeers: domain.AllowAllAuthenticated(),
		clientCA:    testutil.NewCA(t, "unrelated CA"),
	})

	cs, _ := p.handshake(t)
	assert.Equal(t, ports.HandshakeFailed, cs)
	assert.Equal(t, uint64(1), p.stats.Client.Snapshot().FailedTLSHandshakes)
}

func TestHandshake_HostnameValidation(t *testing.T) {
	tests := []struct {
		name string
		host string
		want ports.HandshakeState
	}{
		{name: "matching name", host: "server.example.com", want: ports.HandshakeDone},
		{name: "mismatching name", host: "elsewhere.example.com", want: ports.HandshakeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPair(t, pairConfig{
				serverPeers: domain.AllowAllAuthenticated(),
				clientHost:  tt.host,
				hostnameOn:  true,
			})
			cs, _ := p.handshake(t)
			assert.Equal(t, tt.want, cs)
		})
	}
}

func TestCodec_EncodeDecodeBeforeHandshakeFails(t *testing.T) {
	p := newPair(t, pairConfig{serverPeers: domain.AllowAllAuthenticated()})
	buf := make([]byte, p.client.MinEncodeBufferSize())

	assert.True(t, p.client.Encode([]byte("x"), buf).Failed)
	assert.True(t, p.client.Decode(nil, buf).Failed())
	assert.True(t, p.client.HalfClose(buf).Failed)
}

func TestCodec_RoundTrip(t *testing.T) {
	p := newPair(t, pairConfig{serverPeers: domain.AllowAllAuthenticated()})
	cs, ss := p.handshake(t)
	require.Equal(t, ports.HandshakeDone, cs)
	require.Equal(t, ports.HandshakeDone, ss)

	payload := bytes.Repeat([]byte("capgate-"), 5000)
	wire := encodeAll(t, p.client, payload)

	// Feed ciphertext in odd sized chunks to exercise partial records.
	got := decodeAll(t, p.server, append(p.toServer, wire...), 977)
	assert.Equal(t, payload, got)
}

func TestCodec_HalfCloseIsSeenAsPeerClosed(t *testing.T) {
	p := newPair(t, pairConfig{serverPeers: domain.AllowAllAuthenticated()})
	_, ss := p.handshake(t)
	require.Equal(t, ports.HandshakeDone, ss)

	out := make([]byte, p.server.MinEncodeBufferSize())
	res := p.server.HalfClose(out)
	require.False(t, res.Failed)
	require.Positive(t, res.BytesProduced)

	plain := make([]byte, p.client.MinDecodeBufferSize())
	dec := p.client.Decode(append(p.toClient, out[:res.BytesProduced]...), plain)
	assert.Equal(t, ports.DecodePeerClosed, dec.State)
	assert.True(t, dec.Closed())
}

func TestCodec_GarbageAfterHandshakeBreaksConnection(t *testing.T) {
	p := newPair(t, pairConfig{serverPeers: domain.AllowAllAuthenticated()})
	_, ss := p.handshake(t)
	require.Equal(t, ports.HandshakeDone, ss)

	plain := make([]byte, p.server.MinDecodeBufferSize())
	garbage := bytes.Repeat([]byte{0x17, 0x03, 0x03, 0x00, 0x20}, 10)
	dec := p.server.Decode(append(p.toServer, garbage...), plain)
	assert.Equal(t, ports.DecodeFailed, dec.State)
	assert.Equal(t, uint64(1), p.stats.Server.Snapshot().BrokenTLSConnections)
}

func TestCodec_CloseReleasesParkedWorker(t *testing.T) {
	p := newPair(t, pairConfig{serverPeers: domain.AllowAllAuthenticated()})
	var toServer, toClient []byte
	step(t, p.client, &toClient, &toServer)
	require.NotEmpty(t, toServer, "client hello expected")

	require.NoError(t, p.client.Close())
	res := p.client.Handshake(nil, make([]byte, p.client.MinEncodeBufferSize()))
	assert.Equal(t, ports.HandshakeFailed, res.State)
}

func encodeAll(t *testing.T, c *Codec, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, c.MinEncodeBufferSize())
	var wire []byte
	for len(payload) > 0 {
		res := c.Encode(payload, buf)
		require.False(t, res.Failed)
		require.LessOrEqual(t, res.BytesConsumed, maxPlaintextRecordSize)
		payload = payload[res.BytesConsumed:]
		wire = append(wire, buf[:res.BytesProduced]...)
	}
	for {
		res := c.Encode(nil, buf)
		if res.BytesProduced == 0 {
			return wire
		}
		wire = append(wire, buf[:res.BytesProduced]...)
	}
}

func decodeAll(t *testing.T, c *Codec, wire []byte, chunk int) []byte {
	t.Helper()
	plain := make([]byte, c.MinDecodeBufferSize())
	var got []byte
	for {
		n := min(chunk, len(wire))
		res := c.Decode(wire[:n], plain)
		require.False(t, res.Failed())
		wire = wire[res.BytesConsumed:]
		got = append(got, plain[:res.BytesProduced]...)
		if res.State == ports.DecodeNeedsMorePeerData && len(wire) == 0 {
			return got
		}
	}
}
