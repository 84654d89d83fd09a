package transport

import (
	"testing"

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

type engines struct {
	ca     *testutil.CA
	client *TLSEngine
	server *TLSEngine
	stats  *services.Statistics
}

func newEngines(t *testing.T, serverPeers domain.AuthorizedPeers) *engines {
	t.Helper()
	ca := testutil.NewCA(t, "transport test CA")
	stats := services.NewStatistics()
	return &engines{
		ca:     ca,
		client: newTLSEngine(t, ca, "client.example.com", domain.AllowAllAuthenticated(), stats),
		server: newTLSEngine(t, ca, "server.example.com", serverPeers, stats),
		stats:  stats,
	}
}

func newTLSEngine(t *testing.T, ca *testutil.CA, cn string, peers domain.AuthorizedPeers, stats *services.Statistics) *TLSEngine {
	t.Helper()
	leaf := ca.Issue(t, testutil.LeafOptions{CommonName: cn, DNSNames: []string{cn}})
	opts := ca.Options(leaf, peers)
	defer opts.Close()
	engine, err := NewTLSEngine(opts, TLSEngineConfig{Stats: stats})
	require.NoError(t, err)
	return engine
}

// handshakeBoth drives two non-blocking sockets on the calling goroutine.
func handshakeBoth(t *testing.T, client, server ports.CryptoSocket) (ports.SocketHandshakeResult, ports.SocketHandshakeResult) {
	t.Helper()
	drive := func(s ports.CryptoSocket) ports.SocketHandshakeResult {
		for {
			res := s.Handshake()
			if res != ports.SocketHandshakeNeedWork {
				return res
			}
			s.DoHandshakeWork()
		}
	}
	var cr, sr ports.SocketHandshakeResult
	for i := 0; i < 50; i++ {
		cr = drive(client)
		sr = drive(server)
		if settled(cr) && settled(sr) {
			break
		}
	}
	return cr, sr
}

func settled(r ports.SocketHandshakeResult) bool {
	return r == ports.SocketHandshakeDone || r == ports.SocketHandshakeFail
}

func cnPolicy(t *testing.T, cn string, caps domain.CapabilitySet) domain.PeerPolicy {
	t.Helper()
	p, err := domain.NewPeerPolicy([]domain.RequiredPeerCredential{
		domain.MustNewRequiredPeerCredential(domain.CredentialFieldCN, cn),
	}, caps)
	require.NoError(t, err)
	return p
}
