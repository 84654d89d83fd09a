package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/ports"
	"github.com/sufield/capgate/internal/core/services"
	capnet "github.com/sufield/capgate/internal/net"
)

func TestEngineVariants(t *testing.T) {
	e := newEngines(t, domain.AllowAllAuthenticated())
	null := NewNullEngine(nil)

	tests := []struct {
		name         string
		engine       ports.CryptoEngine
		tlsClient    bool
		alwaysServer bool
	}{
		{name: "null", engine: null, tlsClient: false, alwaysServer: false},
		{name: "tls", engine: e.server, tlsClient: true, alwaysServer: true},
		{name: "maybe tls", engine: NewMaybeTLSEngine(e.server, MaybeTLSEngineConfig{}), tlsClient: false, alwaysServer: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.tlsClient, tt.engine.UseTLSWhenClient())
			assert.Equal(t, tt.alwaysServer, tt.engine.AlwaysUseTLSWhenServer())
		})
	}
}

func TestNullEngine_PassesBytesThrough(t *testing.T) {
	stats := services.NewStatistics()
	engine := NewNullEngine(stats)
	a, b := capnet.NewSocketPair(0)

	client, err := engine.CreateClientSocket(a, ports.SocketSpec{Host: "ignored"})
	require.NoError(t, err)
	server, err := engine.CreateServerSocket(b)
	require.NoError(t, err)

	assert.Equal(t, ports.SocketHandshakeDone, client.Handshake())
	assert.True(t, server.GrantedCapabilities().Equals(domain.AllCapabilities()))
	assert.Equal(t, domain.PeerCredentials{}, server.PeerCredentials())

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	pending, err := client.Flush()
	require.NoError(t, err)
	assert.False(t, pending)
	require.NoError(t, client.HalfClose())

	got, err := readUntilEOF(server)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	assert.Equal(t, uint64(1), stats.Client.Snapshot().InsecureConnections)
	assert.Equal(t, uint64(1), stats.Server.Snapshot().InsecureConnections)
	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
}
