package cli

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sufield/capgate/internal/adapters/secondary/config"
	"github.com/sufield/capgate/internal/adapters/secondary/tlscodec"
	"github.com/sufield/capgate/internal/core/domain"
	"github.com/sufield/capgate/internal/core/services"
)

// PeerVerdict is the outcome of evaluating a certificate against a configuration.
type PeerVerdict struct {
	CommonName   string   `json:"common_name"`
	DNSSANs      []string `json:"dns_sans,omitempty"`
	URISANs      []string `json:"uri_sans,omitempty"`
	SPIFFEID     string   `json:"spiffe_id,omitempty"`
	Authorized   bool     `json:"authorized"`
	Capabilities []string `json:"capabilities"`
}

func newVerifyPeerCommand(opts *globalOptions) *cobra.Command {
	var configPath, certPath, format string
	cmd := &cobra.Command{
		Use:   "verify-peer",
		Short: "Evaluate a peer certificate against the authorized peers of a configuration",
		Long: `Evaluate a peer certificate against the authorized peers of a configuration.

Only the policy is evaluated; the certificate chain is not verified. The
command exits with status 4 when no policy authorizes the peer.`,
		Example: `  capgate verify-peer --config /etc/capgate/tls.json --cert client.pem`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sec, err := config.NewFileProvider(opts.logger).LoadConfiguration(cmd.Context(), configPath)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrConfig, err)
			}
			defer sec.Close()

			cert, err := readCertificate(certPath)
			if err != nil {
				return err
			}
			verdict := evaluatePeer(sec.AuthorizedPeers(), cert)
			if err := printVerdict(cmd, format, verdict); err != nil {
				return err
			}
			if !verdict.Authorized {
				return fmt.Errorf("%w: %s", ErrDenied, verdict.CommonName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "trust configuration file")
	cmd.Flags().StringVar(&certPath, "cert", "", "PEM file whose first certificate is evaluated")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	_ = cmd.MarkFlagRequired("config")
	_ = cmd.MarkFlagRequired("cert")
	return cmd
}

func readCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrUsage, path, err)
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no certificate found in %s", ErrUsage, path)
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse certificate in %s: %v", ErrUsage, path, err)
		}
		return cert, nil
	}
}

func evaluatePeer(peers domain.AuthorizedPeers, cert *x509.Certificate) PeerVerdict {
	creds := tlscodec.PeerCredentialsFromCertificate(cert)
	result := services.NewPolicyMatchingVerifier(peers).Verify(creds)
	verdict := PeerVerdict{
		CommonName:   creds.CommonName,
		DNSSANs:      creds.DNSSANs,
		URISANs:      creds.URISANs,
		Authorized:   result.Authorized(),
		Capabilities: result.GrantedCapabilities().Names(),
	}
	if id, ok := creds.SPIFFEID(); ok {
		verdict.SPIFFEID = id.String()
	}
	return verdict
}

func printVerdict(cmd *cobra.Command, format string, v PeerVerdict) error {
	out := cmd.OutOrStdout()
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("%w: failed to encode verdict: %v", ErrInternal, err)
		}
	case "text":
		fmt.Fprintf(out, "Peer: CN=%q DNS=%v URI=%v\n", v.CommonName, v.DNSSANs, v.URISANs)
		if v.SPIFFEID != "" {
			fmt.Fprintf(out, "SPIFFE ID: %s\n", v.SPIFFEID)
		}
		if !v.Authorized {
			fmt.Fprintln(out, "Result: NOT AUTHORIZED")
			return nil
		}
		fmt.Fprintf(out, "Result: authorized with %v\n", v.Capabilities)
	default:
		return fmt.Errorf("%w: unsupported format %q, use 'text' or 'json'", ErrUsage, format)
	}
	return nil
}
