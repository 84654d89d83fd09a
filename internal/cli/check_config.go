package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sufield/capgate/internal/adapters/secondary/config"
	"github.com/sufield/capgate/internal/adapters/secondary/transport"
	"github.com/sufield/capgate/internal/core/domain"
)

// ConfigSummary describes a validated trust configuration.
type ConfigSummary struct {
	Path                      string          `json:"path"`
	CertificateSubject        string          `json:"certificate_subject"`
	CertificateNotAfter       time.Time       `json:"certificate_not_after"`
	AllowAllAuthenticated     bool            `json:"allow_all_authenticated"`
	Policies                  []PolicySummary `json:"policies,omitempty"`
	AcceptedCiphers           []string        `json:"accepted_ciphers,omitempty"`
	DisableHostnameValidation bool            `json:"disable_hostname_validation"`
}

// PolicySummary describes one authorized peer entry.
type PolicySummary struct {
	RequiredCredentials []string `json:"required_credentials"`
	Capabilities        []string `json:"capabilities"`
}

func newCheckConfigCommand(opts *globalOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "check-config <file>",
		Short: "Validate a trust configuration file",
		Long: `Validate a trust configuration file and the PEM files it references.

The certificate chain and private key are loaded into a TLS context, so a
configuration that passes this check can be served as is.`,
		Example: `  capgate check-config /etc/capgate/tls.json
  capgate check-config --format json /etc/capgate/tls.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := checkConfig(cmd, opts, args[0])
			if err != nil {
				return err
			}
			return printSummary(cmd.OutOrStdout(), format, summary)
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}

func checkConfig(cmd *cobra.Command, opts *globalOptions, path string) (*ConfigSummary, error) {
	sec, err := config.NewFileProvider(opts.logger).LoadConfiguration(cmd.Context(), path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	defer sec.Close()

	engine, err := transport.NewTLSEngine(sec, transport.TLSEngineConfig{Logger: opts.logger})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	cert := engine.Context().Certificate()

	summary := &ConfigSummary{
		Path:                      path,
		CertificateSubject:        cert.Subject.String(),
		CertificateNotAfter:       cert.NotAfter.UTC(),
		AllowAllAuthenticated:     sec.AuthorizedPeers().AllowsAllAuthenticated(),
		AcceptedCiphers:           sec.AcceptedCiphers(),
		DisableHostnameValidation: sec.DisableHostnameValidation(),
	}
	sec.AuthorizedPeers().ForEachPolicy(func(p domain.PeerPolicy) {
		required := p.RequiredCredentials()
		ps := PolicySummary{
			RequiredCredentials: make([]string, len(required)),
			Capabilities:        p.GrantedCapabilities().Names(),
		}
		for i, r := range required {
			ps.RequiredCredentials[i] = r.String()
		}
		summary.Policies = append(summary.Policies, ps)
	})
	return summary, nil
}

func printSummary(out io.Writer, format string, s *ConfigSummary) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(s); err != nil {
			return fmt.Errorf("%w: failed to encode summary: %v", ErrInternal, err)
		}
		return nil
	case "text":
	default:
		return fmt.Errorf("%w: unsupported format %q, use 'text' or 'json'", ErrUsage, format)
	}

	fmt.Fprintf(out, "Configuration %s is valid\n", s.Path)
	fmt.Fprintf(out, "Certificate: %s (expires %s)\n", s.CertificateSubject, s.CertificateNotAfter.Format(time.RFC3339))
	fmt.Fprintf(out, "Hostname validation: %s\n", enabledString(!s.DisableHostnameValidation))
	if len(s.AcceptedCiphers) > 0 {
		fmt.Fprintf(out, "Accepted ciphers: %v\n", s.AcceptedCiphers)
	}
	if s.AllowAllAuthenticated {
		fmt.Fprintln(out, "Authorized peers: every peer with a trusted certificate, all capabilities")
		return nil
	}
	fmt.Fprintf(out, "Authorized peers: %d policies\n", len(s.Policies))
	for i, p := range s.Policies {
		fmt.Fprintf(out, "  [%d] requires %v\n", i, p.RequiredCredentials)
		fmt.Fprintf(out, "      grants %v\n", p.Capabilities)
	}
	return nil
}

func enabledString(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
