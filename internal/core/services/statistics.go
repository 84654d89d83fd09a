package services

import "sync/atomic"

// ConnectionStatistics counts connection outcomes for one direction (client or server).
// Increments are relaxed atomics; the counters are for monitoring only.
type ConnectionStatistics struct {
	insecureConnections       atomic.Uint64
	tlsConnections            atomic.Uint64
	failedTLSHandshakes       atomic.Uint64
	invalidPeerCredentials    atomic.Uint64
	brokenTLSConnections      atomic.Uint64
	peerAuthorizationFailures atomic.Uint64
}

// ConnectionSnapshot is a point-in-time copy of ConnectionStatistics.
type ConnectionSnapshot struct {
	InsecureConnections       uint64
	TLSConnections            uint64
	FailedTLSHandshakes       uint64
	InvalidPeerCredentials    uint64
	BrokenTLSConnections      uint64
	PeerAuthorizationFailures uint64
}

func (s *ConnectionStatistics) IncInsecureConnections()       { s.insecureConnections.Add(1) }
func (s *ConnectionStatistics) IncTLSConnections()            { s.tlsConnections.Add(1) }
func (s *ConnectionStatistics) IncFailedTLSHandshakes()       { s.failedTLSHandshakes.Add(1) }
func (s *ConnectionStatistics) IncInvalidPeerCredentials()    { s.invalidPeerCredentials.Add(1) }
func (s *ConnectionStatistics) IncBrokenTLSConnections()      { s.brokenTLSConnections.Add(1) }
func (s *ConnectionStatistics) IncPeerAuthorizationFailures() { s.peerAuthorizationFailures.Add(1) }

// Snapshot copies the current counter values.
func (s *ConnectionStatistics) Snapshot() ConnectionSnapshot {
	return ConnectionSnapshot{
		InsecureConnections:       s.insecureConnections.Load(),
		TLSConnections:            s.tlsConnections.Load(),
		FailedTLSHandshakes:       s.failedTLSHandshakes.Load(),
		InvalidPeerCredentials:    s.invalidPeerCredentials.Load(),
		BrokenTLSConnections:      s.brokenTLSConnections.Load(),
		PeerAuthorizationFailures: s.peerAuthorizationFailures.Load(),
	}
}

// Subtract returns the per-counter difference s - prev.
func (s ConnectionSnapshot) Subtract(prev ConnectionSnapshot) ConnectionSnapshot {
	return ConnectionSnapshot{
		InsecureConnections:       s.InsecureConnections - prev.InsecureConnections,
		TLSConnections:            s.TLSConnections - prev.TLSConnections,
		FailedTLSHandshakes:       s.FailedTLSHandshakes - prev.FailedTLSHandshakes,
		InvalidPeerCredentials:    s.InvalidPeerCredentials - prev.InvalidPeerCredentials,
		BrokenTLSConnections:      s.BrokenTLSConnections - prev.BrokenTLSConnections,
		PeerAuthorizationFailures: s.PeerAuthorizationFailures - prev.PeerAuthorizationFailures,
	}
}

// ConfigStatistics counts trust configuration reload outcomes.
type ConfigStatistics struct {
	successfulReloads atomic.Uint64
	failedReloads     atomic.Uint64
}

// ConfigSnapshot is a point-in-time copy of ConfigStatistics.
type ConfigSnapshot struct {
	SuccessfulReloads uint64
	FailedReloads     uint64
}

func (s *ConfigStatistics) IncSuccessfulReloads() { s.successfulReloads.Add(1) }
func (s *ConfigStatistics) IncFailedReloads()     { s.failedReloads.Add(1) }

// Snapshot copies the current counter values.
func (s *ConfigStatistics) Snapshot() ConfigSnapshot {
	return ConfigSnapshot{
		SuccessfulReloads: s.successfulReloads.Load(),
		FailedReloads:     s.failedReloads.Load(),
	}
}

// Subtract returns the per-counter difference s - prev.
func (s ConfigSnapshot) Subtract(prev ConfigSnapshot) ConfigSnapshot {
	return ConfigSnapshot{
		SuccessfulReloads: s.SuccessfulReloads - prev.SuccessfulReloads,
		FailedReloads:     s.FailedReloads - prev.FailedReloads,
	}
}

// CapabilityStatistics counts denied capability checks per protocol surface.
type CapabilityStatistics struct {
	rpcChecksFailed    atomic.Uint64
	statusChecksFailed atomic.Uint64
}

// CapabilitySnapshot is a point-in-time copy of CapabilityStatistics.
type CapabilitySnapshot struct {
	RPCChecksFailed    uint64
	StatusChecksFailed uint64
}

func (s *CapabilityStatistics) IncRPCChecksFailed()    { s.rpcChecksFailed.Add(1) }
func (s *CapabilityStatistics) IncStatusChecksFailed() { s.statusChecksFailed.Add(1) }

// Snapshot copies the current counter values.
func (s *CapabilityStatistics) Snapshot() CapabilitySnapshot {
	return CapabilitySnapshot{
		RPCChecksFailed:    s.rpcChecksFailed.Load(),
		StatusChecksFailed: s.statusChecksFailed.Load(),
	}
}

// Subtract returns the per-counter difference s - prev.
func (s CapabilitySnapshot) Subtract(prev CapabilitySnapshot) CapabilitySnapshot {
	return CapabilitySnapshot{
		RPCChecksFailed:    s.RPCChecksFailed - prev.RPCChecksFailed,
		StatusChecksFailed: s.StatusChecksFailed - prev.StatusChecksFailed,
	}
}

// Statistics bundles every counter group. Create one per process (or per test)
// and inject it; there is no package-level instance.
type Statistics struct {
	Client     ConnectionStatistics
	Server     ConnectionStatistics
	Config     ConfigStatistics
	Capability CapabilityStatistics
}

// NewStatistics returns zeroed counters.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// For returns the client or server counters.
func (s *Statistics) For(server bool) *ConnectionStatistics {
	if server {
		return &s.Server
	}
	return &s.Client
}
