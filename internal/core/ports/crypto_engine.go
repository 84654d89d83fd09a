// Package ports defines the interfaces between the capgate core and its adapters.
package ports

// SocketSpec describes the peer a client socket connects to.
type SocketSpec struct {
	// Host is used for SNI and, unless disabled, hostname validation.
	Host string
	Port int
}

// CryptoEngine creates crypto sockets on top of raw socket handles.
type CryptoEngine interface {
	// UseTLSWhenClient reports whether client sockets speak TLS.
	UseTLSWhenClient() bool
	// AlwaysUseTLSWhenServer reports whether server sockets refuse plaintext peers.
	AlwaysUseTLSWhenServer() bool
	CreateClientSocket(handle SocketHandle, peer SocketSpec) (CryptoSocket, error)
	CreateServerSocket(handle SocketHandle) (CryptoSocket, error)
}
