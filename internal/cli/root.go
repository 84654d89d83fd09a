// Package cli implements the capgate command line: configuration checks,
// offline policy evaluation, TLS snooping and a dual-protocol echo server.
package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sufield/capgate/internal/adapters/logging"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	logLevel  string
	logFormat string
	logger    *slog.Logger
}

// NewRootCommand builds the command tree. Each call returns independent
// commands, so tests can execute them in isolation.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "capgate",
		Short: "Mutual TLS capability authorization toolkit",
		Long: `Mutual TLS capability authorization toolkit.

capgate authorizes TLS peers against glob policies over their certificate
CN and SANs and grants each authorized peer a set of capabilities. Use this
CLI to validate trust configuration files, evaluate peer certificates
offline, classify captured connection prefixes and run an echo server.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.setup,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format: text or json")

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	})

	root.AddCommand(
		newCheckConfigCommand(opts),
		newVerifyPeerCommand(opts),
		newSnoopCommand(),
		newServeCommand(opts),
		newVersionCommand(),
	)
	return root
}

func (o *globalOptions) setup(cmd *cobra.Command, _ []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("%w: invalid --log-level: %v", ErrUsage, err)
	}
	format, err := logging.ParseFormat(o.logFormat)
	if err != nil {
		return fmt.Errorf("%w: invalid --log-format: %v", ErrUsage, err)
	}
	o.logger = logging.New(cmd.ErrOrStderr(), format, level)
	return nil
}

// Execute runs the command line with args taken from os.Args.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
