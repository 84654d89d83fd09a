package net

// SnoopMinBytes is the number of leading bytes SnoopForTLS inspects.
const SnoopMinBytes = 8

// TLSSnoopingResult classifies the first bytes sent by a freshly accepted peer.
type TLSSnoopingResult int

const (
	ProbablyTLS TLSSnoopingResult = iota
	HandshakeMismatch
	ProtocolVersionMismatch
	RecordSizeRangeMismatch
	ClientHelloRecordMismatch
	ClientHelloRecordTooBig
	ExpectedRecordSizeMismatch
	NeedMoreData
)

const (
	tlsRecordTypeHandshake    = 0x16
	tlsHandshakeClientHello   = 0x01
	tlsHandshakeHeaderLength  = 4
	minClientHelloRecordSize  = 4
	maxClientHelloRecordSize  = 16384 + 512
	tlsProtocolVersionMajor   = 3
	tlsProtocolVersionMinor10 = 1
	tlsProtocolVersionMinor12 = 3
)

// SnoopForTLS applies a conservative, ordered set of checks to the first
// SnoopMinBytes bytes of a connection and reports whether they look like the
// start of a TLS ClientHello. The first failing check decides the result.
//
// The heuristic assumes the ClientHello is sent as a single, unfragmented
// record that is not coalesced with other records. That holds for the peers
// this layer serves but not for arbitrary internet clients; do not use it as
// a general purpose TLS detector.
func SnoopForTLS(buf []byte) TLSSnoopingResult {
	if len(buf) < SnoopMinBytes {
		return NeedMoreData
	}
	if buf[0] != tlsRecordTypeHandshake {
		return HandshakeMismatch
	}
	if !isSupportedRecordVersion(buf[1], buf[2]) {
		return ProtocolVersionMismatch
	}
	recordLength := int(buf[3])<<8 | int(buf[4])
	if recordLength < minClientHelloRecordSize || recordLength > maxClientHelloRecordSize {
		return RecordSizeRangeMismatch
	}
	if buf[5] != tlsHandshakeClientHello {
		return ClientHelloRecordMismatch
	}
	// High byte of the 24-bit handshake length; a ClientHello of 64KiB or more is not plausible.
	if buf[6] != 0 {
		return ClientHelloRecordTooBig
	}
	expectedMid := byte((recordLength - tlsHandshakeHeaderLength) >> 8)
	if buf[7] != expectedMid {
		return ExpectedRecordSizeMismatch
	}
	return ProbablyTLS
}

func isSupportedRecordVersion(major, minor byte) bool {
	return major == tlsProtocolVersionMajor &&
		(minor == tlsProtocolVersionMinor10 || minor == tlsProtocolVersionMinor12)
}

// String describes the result for diagnostics.
func (r TLSSnoopingResult) String() string {
	switch r {
	case ProbablyTLS:
		return "ProbablyTls"
	case HandshakeMismatch:
		return "HandshakeMismatch"
	case ProtocolVersionMismatch:
		return "ProtocolVersionMismatch"
	case RecordSizeRangeMismatch:
		return "RecordSizeRangeMismatch"
	case ClientHelloRecordMismatch:
		return "ClientHelloRecordMismatch"
	case ClientHelloRecordTooBig:
		return "ClientHelloRecordTooBig"
	case ExpectedRecordSizeMismatch:
		return "ExpectedRecordSizeMismatch"
	case NeedMoreData:
		return "NeedMoreData"
	default:
		return "Unknown"
	}
}

// Description explains why a snooping result was reached.
func (r TLSSnoopingResult) Description() string {
	switch r {
	case ProbablyTLS:
		return "client data matches TLS heuristics, very likely a TLS connection"
	case HandshakeMismatch:
		return "not a TLS handshake packet"
	case ProtocolVersionMismatch:
		return "ProtocolVersion mismatch"
	case RecordSizeRangeMismatch:
		return "ClientHello record size is greater than RFC 5246 maximum"
	case ClientHelloRecordMismatch:
		return "not a ClientHello handshake record"
	case ClientHelloRecordTooBig:
		return "ClientHello record is too big (fragmented?)"
	case ExpectedRecordSizeMismatch:
		return "ClientHello vs Handshake header record size mismatch"
	case NeedMoreData:
		return "not enough data to classify the connection"
	default:
		return "unknown snooping result"
	}
}
