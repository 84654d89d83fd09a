// Package metrics exports transport security statistics to Prometheus.
package metrics

import (
	"crypto/x509"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sufield/capgate/internal/core/services"
)

const namespace = "capgate"

var (
	connectionLabels = []string{"side"}

	insecureConnectionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tls", "insecure_connections_total"),
		"Total number of plaintext connections established",
		connectionLabels, nil)
	tlsConnectionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tls", "connections_total"),
		"Total number of TLS connections that completed the handshake",
		connectionLabels, nil)
	failedHandshakesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tls", "failed_handshakes_total"),
		"Total number of failed TLS handshakes",
		connectionLabels, nil)
	invalidPeerCredentialsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tls", "invalid_peer_credentials_total"),
		"Total number of peers presenting unusable certificates",
		connectionLabels, nil)
	brokenConnectionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tls", "broken_connections_total"),
		"Total number of TLS connections broken after the handshake",
		connectionLabels, nil)
	authorizationFailuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tls", "peer_authorization_failures_total"),
		"Total number of peers matching no authorization policy",
		connectionLabels, nil)

	reloadsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tls", "config_reloads_total"),
		"Total number of trust configuration reload attempts",
		[]string{"result"}, nil) // result: success, failure

	capabilityChecksFailedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "capability", "checks_failed_total"),
		"Total number of requests denied for missing capabilities",
		[]string{"surface"}, nil) // surface: rpc, status

	certificateExpiryDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tls", "certificate_expiry_timestamp_seconds"),
		"Unix timestamp when the current own certificate expires",
		nil, nil)
)

// CertificateSource returns the certificate currently presented to peers, or nil.
type CertificateSource func() *x509.Certificate

// StatisticsCollector reads services.Statistics on every scrape. It holds no
// state of its own, so several registries may share one Statistics.
type StatisticsCollector struct {
	stats       *services.Statistics
	certificate CertificateSource
}

var _ prometheus.Collector = (*StatisticsCollector)(nil)

// NewStatisticsCollector creates a collector. certificate may be nil.
func NewStatisticsCollector(stats *services.Statistics, certificate CertificateSource) *StatisticsCollector {
	return &StatisticsCollector{stats: stats, certificate: certificate}
}

// Describe implements prometheus.Collector.
func (c *StatisticsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- insecureConnectionsDesc
	ch <- tlsConnectionsDesc
	ch <- failedHandshakesDesc
	ch <- invalidPeerCredentialsDesc
	ch <- brokenConnectionsDesc
	ch <- authorizationFailuresDesc
	ch <- reloadsDesc
	ch <- capabilityChecksFailedDesc
	ch <- certificateExpiryDesc
}

// Collect implements prometheus.Collector.
func (c *StatisticsCollector) Collect(ch chan<- prometheus.Metric) {
	collectConnections(ch, "client", c.stats.Client.Snapshot())
	collectConnections(ch, "server", c.stats.Server.Snapshot())

	cfg := c.stats.Config.Snapshot()
	ch <- counter(reloadsDesc, cfg.SuccessfulReloads, "success")
	ch <- counter(reloadsDesc, cfg.FailedReloads, "failure")

	caps := c.stats.Capability.Snapshot()
	ch <- counter(capabilityChecksFailedDesc, caps.RPCChecksFailed, "rpc")
	ch <- counter(capabilityChecksFailedDesc, caps.StatusChecksFailed, "status")

	if c.certificate == nil {
		return
	}
	if cert := c.certificate(); cert != nil {
		ch <- prometheus.MustNewConstMetric(certificateExpiryDesc, prometheus.GaugeValue, float64(cert.NotAfter.Unix()))
	}
}

func collectConnections(ch chan<- prometheus.Metric, side string, s services.ConnectionSnapshot) {
	ch <- counter(insecureConnectionsDesc, s.InsecureConnections, side)
	ch <- counter(tlsConnectionsDesc, s.TLSConnections, side)
	ch <- counter(failedHandshakesDesc, s.FailedTLSHandshakes, side)
	ch <- counter(invalidPeerCredentialsDesc, s.InvalidPeerCredentials, side)
	ch <- counter(brokenConnectionsDesc, s.BrokenTLSConnections, side)
	ch <- counter(authorizationFailuresDesc, s.PeerAuthorizationFailures, side)
}

func counter(desc *prometheus.Desc, value uint64, label string) prometheus.Metric {
	return prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value), label)
}
