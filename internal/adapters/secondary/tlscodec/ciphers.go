package tlscodec

import "crypto/tls"

// OpenSSL spellings accepted in configuration next to the IANA names.
var opensslCipherNames = map[string]string{
	"ECDHE-RSA-AES128-GCM-SHA256":   "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	"ECDHE-RSA-AES256-GCM-SHA384":   "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"ECDHE-ECDSA-AES128-GCM-SHA256": "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	"ECDHE-ECDSA-AES256-GCM-SHA384": "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	"ECDHE-RSA-CHACHA20-POLY1305":   "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	"ECDHE-ECDSA-CHACHA20-POLY1305": "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
}

// TLS 1.3 suites are always enabled by crypto/tls and cannot be configured.
var tls13CipherNames = map[string]bool{
	"TLS_AES_128_GCM_SHA256":       true,
	"TLS_AES_256_GCM_SHA384":       true,
	"TLS_CHACHA20_POLY1305_SHA256": true,
}

// CipherSuitesFromNames maps configured cipher names to TLS 1.2 suite IDs.
// TLS 1.3 names are accepted and skipped; other unknown or insecure names are returned separately.
func CipherSuitesFromNames(names []string) (suites []uint16, unknown []string) {
	byName := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s.ID
	}
	for _, name := range names {
		if tls13CipherNames[name] {
			continue
		}
		iana := name
		if mapped, ok := opensslCipherNames[name]; ok {
			iana = mapped
		}
		if id, ok := byName[iana]; ok {
			suites = append(suites, id)
			continue
		}
		unknown = append(unknown, name)
	}
	return suites, unknown
}
