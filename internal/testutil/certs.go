// Package testutil generates certificate material for tests.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sufield/capgate/internal/core/domain"
)

var serial atomic.Int64

// CA is a self-signed certificate authority for issuing test leaves.
type CA struct {
	Cert    *x509.Certificate
	CertPEM []byte
	key     *ecdsa.PrivateKey
}

// Leaf is an issued certificate with its PEM encoded key.
type Leaf struct {
	Cert    *x509.Certificate
	CertPEM []byte
	KeyPEM  []byte
}

// LeafOptions selects the identity fields of an issued leaf.
type LeafOptions struct {
	CommonName string
	DNSNames   []string
	URIs       []string
	// ClientOnly restricts the extended key usage to client authentication.
	ClientOnly bool
}

// NewCA creates a fresh CA named name.
func NewCA(t testing.TB, name string) *CA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	tpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: name, Organization: []string{"capgate test"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA certificate: %v", err)
	}
	return &CA{Cert: cert, CertPEM: encodePEM("CERTIFICATE", der), key: key}
}

// Issue signs a leaf usable for both server and client authentication.
func (ca *CA) Issue(t testing.TB, opts LeafOptions) *Leaf {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	var uris []*url.URL
	for _, raw := range opts.URIs {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse URI SAN %q: %v", raw, err)
		}
		uris = append(uris, u)
	}
	usages := []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	if opts.ClientOnly {
		usages = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: opts.CommonName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  usages,
		DNSNames:     opts.DNSNames,
		URIs:         uris,
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, ca.Cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("create leaf certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse leaf certificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return &Leaf{Cert: cert, CertPEM: encodePEM("CERTIFICATE", der), KeyPEM: encodePEM("PRIVATE KEY", keyDER)}
}

// Options builds transport security options trusting ca and presenting leaf.
func (ca *CA) Options(leaf *Leaf, peers domain.AuthorizedPeers) *domain.TransportSecurityOptions {
	return domain.NewTransportSecurityOptions(domain.TransportSecurityOptionsParams{
		CACertsPEM:                ca.CertPEM,
		CertChainPEM:              leaf.CertPEM,
		PrivateKeyPEM:             leaf.KeyPEM,
		AuthorizedPeers:           peers,
		DisableHostnameValidation: true,
	})
}

// Files are the paths of PEM files written by WriteFiles.
type Files struct {
	CACertificates string
	Certificates   string
	PrivateKey     string
}

// WriteFiles writes the CA bundle, leaf chain and key into dir.
func WriteFiles(t testing.TB, dir string, ca *CA, leaf *Leaf) Files {
	t.Helper()
	files := Files{
		CACertificates: filepath.Join(dir, "ca.pem"),
		Certificates:   filepath.Join(dir, "cert.pem"),
		PrivateKey:     filepath.Join(dir, "key.pem"),
	}
	writeFile(t, files.CACertificates, ca.CertPEM)
	writeFile(t, files.Certificates, leaf.CertPEM)
	writeFile(t, files.PrivateKey, leaf.KeyPEM)
	return files
}

// WriteConfig writes body as the trust config file config.json in dir.
func WriteConfig(t testing.TB, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, []byte(body))
	return path
}

func writeFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func encodePEM(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}
