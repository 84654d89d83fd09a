package tlscodec

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"sync/atomic"

	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/ports"
)

const (
	// maxPlaintextRecordSize is the largest plaintext fragment of a TLS record.
	maxPlaintextRecordSize = 16384
	// maxRecordOverhead covers header, MAC, padding and AEAD expansion of one record.
	maxRecordOverhead = 2048
)

// Codec implements ports.CryptoCodec using crypto/tls over an in-memory transport.
type Codec struct {
	ctx       *Context
	server    bool
	transport *memTransport
	conn      *tls.Conn

	verifyChainManually bool

	// Guarded by transport.mu.
	started      bool
	finished     bool
	handshakeErr error
	workerDone   chan struct{}

	// Written by the handshake worker before finished is set.
	peerCreds domain.PeerCredentials
	granted   domain.CapabilitySet

	closeWriteSent bool
	failureCounted atomic.Bool
}

var _ ports.CryptoCodec = (*Codec)(nil)

func newCodec(ctx *Context, server bool) *Codec {
	return &Codec{
		ctx:        ctx,
		server:     server,
		transport:  newMemTransport(),
		workerDone: make(chan struct{}),
	}
}

// Handshake feeds peer bytes to the handshake and collects bytes destined for the
// peer. It never blocks on handshake computation; that runs in DoHandshakeWork.
func (c *Codec) Handshake(in, out []byte) ports.HandshakeResult {
	t := c.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	produced := t.pullLocked(out)
	if c.finished && c.handshakeErr != nil {
		// Whatever is left is the alert telling the peer why it was rejected.
		return ports.HandshakeResult{BytesProduced: produced, State: ports.HandshakeFailed}
	}
	if c.finished {
		if len(t.out) == 0 {
			return ports.HandshakeResult{BytesProduced: produced, State: ports.HandshakeDone}
		}
		return ports.HandshakeResult{BytesProduced: produced, State: ports.HandshakeNeedsMorePeerData}
	}
	if !c.started {
		return ports.HandshakeResult{State: ports.HandshakeNeedsWork}
	}
	consumed := 0
	if len(in) > 0 {
		t.pushLocked(in)
		consumed = len(in)
	}
	switch {
	case produced > 0 || consumed > 0:
		return ports.HandshakeResult{BytesConsumed: consumed, BytesProduced: produced, State: ports.HandshakeNeedsMorePeerData}
	case len(t.in) > 0:
		return ports.HandshakeResult{State: ports.HandshakeNeedsWork}
	default:
		return ports.HandshakeResult{State: ports.HandshakeNeedsMorePeerData}
	}
}

// DoHandshakeWork runs the handshake until it needs more peer data or completes.
func (c *Codec) DoHandshakeWork() {
	t := c.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if c.finished {
		return
	}
	t.workerTurn = true
	if !c.started {
		c.started = true
		go c.runHandshake()
	} else {
		t.cond.Broadcast()
	}
	for t.workerTurn {
		t.cond.Wait()
	}
}

func (c *Codec) runHandshake() {
	defer close(c.workerDone)
	err := c.conn.Handshake()

	t := c.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	c.finished = true
	c.handshakeErr = err
	t.nonBlocking = true
	t.workerTurn = false
	t.cond.Broadcast()

	if c.ctx.stats == nil {
		return
	}
	if err != nil {
		c.ctx.stats.For(c.server).IncFailedTLSHandshakes()
		return
	}
	c.ctx.stats.For(c.server).IncTLSConnections()
}

// verifyConnection runs on the handshake worker once the peer chain is known.
func (c *Codec) verifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		c.countInvalidCredentials()
		return errors.New("peer did not present a certificate")
	}
	leaf := cs.PeerCertificates[0]
	if c.verifyChainManually {
		intermediates := x509.NewCertPool()
		for _, cert := range cs.PeerCertificates[1:] {
			intermediates.AddCert(cert)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         c.ctx.roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		}); err != nil {
			return err
		}
	}
	creds := PeerCredentialsFromCertificate(leaf)
	if creds.CommonName == "" && len(creds.DNSSANs) == 0 && len(creds.URISANs) == 0 {
		c.countInvalidCredentials()
	}
	granted, err := c.ctx.authorize(creds, c.server)
	if err != nil {
		return err
	}
	c.peerCreds = creds
	c.granted = granted
	return nil
}

func (c *Codec) countInvalidCredentials() {
	if c.ctx.stats != nil {
		c.ctx.stats.For(c.server).IncInvalidPeerCredentials()
	}
}

// Encode drains ciphertext left over from earlier calls first and only then
// encrypts up to one record of new plaintext.
func (c *Codec) Encode(plaintext, ciphertext []byte) ports.EncodeResult {
	if !c.handshakeComplete() {
		return ports.EncodeResult{Failed: true}
	}
	produced, pending := c.drain(ciphertext)
	if pending || len(plaintext) == 0 {
		return ports.EncodeResult{BytesProduced: produced}
	}
	chunk := plaintext[:min(len(plaintext), maxPlaintextRecordSize)]
	n, err := c.conn.Write(chunk)
	if err != nil {
		c.countBroken()
		return ports.EncodeResult{BytesConsumed: n, BytesProduced: produced, Failed: true}
	}
	more, _ := c.drain(ciphertext[produced:])
	return ports.EncodeResult{BytesConsumed: n, BytesProduced: produced + more}
}

// Decode consumes all of ciphertext and returns at most one record of plaintext.
// Records already buffered from earlier input are returned even when ciphertext is empty.
func (c *Codec) Decode(ciphertext, plaintext []byte) ports.DecodeResult {
	if !c.handshakeComplete() {
		return ports.DecodeResult{State: ports.DecodeFailed}
	}
	if len(ciphertext) > 0 {
		c.transport.push(ciphertext)
	}
	consumed := len(ciphertext)
	n, err := c.conn.Read(plaintext)
	switch {
	case n > 0:
		return ports.DecodeResult{BytesConsumed: consumed, BytesProduced: n, State: ports.DecodeOK}
	case err == nil, errors.Is(err, errNoPeerData):
		return ports.DecodeResult{BytesConsumed: consumed, State: ports.DecodeNeedsMorePeerData}
	case errors.Is(err, io.EOF):
		return ports.DecodeResult{BytesConsumed: consumed, State: ports.DecodePeerClosed}
	default:
		c.countBroken()
		return ports.DecodeResult{BytesConsumed: consumed, State: ports.DecodeFailed}
	}
}

// HalfClose emits a close_notify alert once and drains it into ciphertext.
func (c *Codec) HalfClose(ciphertext []byte) ports.EncodeResult {
	if !c.handshakeComplete() {
		return ports.EncodeResult{Failed: true}
	}
	produced, pending := c.drain(ciphertext)
	if pending || c.closeWriteSent {
		return ports.EncodeResult{BytesProduced: produced}
	}
	c.closeWriteSent = true
	if err := c.conn.CloseWrite(); err != nil {
		return ports.EncodeResult{BytesProduced: produced, Failed: true}
	}
	more, _ := c.drain(ciphertext[produced:])
	return ports.EncodeResult{BytesProduced: produced + more}
}

// MinEncodeBufferSize is large enough for one full record.
func (c *Codec) MinEncodeBufferSize() int { return maxPlaintextRecordSize + maxRecordOverhead }

// MinDecodeBufferSize is large enough for the plaintext of one full record.
func (c *Codec) MinDecodeBufferSize() int { return maxPlaintextRecordSize }

// PeerCredentials is only meaningful after the handshake is done.
func (c *Codec) PeerCredentials() domain.PeerCredentials { return c.peerCreds }

// GrantedCapabilities is empty until the handshake is done.
func (c *Codec) GrantedCapabilities() domain.CapabilitySet { return c.granted }

// NegotiatedVersion returns the TLS version name, or "" before the handshake completes.
func (c *Codec) NegotiatedVersion() string {
	if !c.handshakeComplete() {
		return ""
	}
	return tls.VersionName(c.conn.ConnectionState().Version)
}

// Close releases a parked handshake worker and waits for it to exit.
func (c *Codec) Close() error {
	_ = c.transport.Close()
	c.transport.mu.Lock()
	started := c.started
	c.transport.mu.Unlock()
	if started {
		<-c.workerDone
	}
	return nil
}

func (c *Codec) handshakeComplete() bool {
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	return c.finished && c.handshakeErr == nil
}

// drain moves pending ciphertext into dst and reports whether some is still left.
func (c *Codec) drain(dst []byte) (int, bool) {
	t := c.transport
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.pullLocked(dst)
	return n, len(t.out) > 0
}

func (c *Codec) countBroken() {
	if c.ctx.stats == nil || !c.failureCounted.CompareAndSwap(false, true) {
		return
	}
	c.ctx.stats.For(c.server).IncBrokenTLSConnections()
}
