package cli

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	capnet "github.com/sufield/capgate/internal/net"
)

func newSnoopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snoop <hex-bytes>",
		Short: "Classify the first bytes of a connection as TLS or plaintext",
		Long: fmt.Sprintf(`Classify the first bytes of a connection the way a mixed-mode server does.

At least %d bytes must be given as hex; spaces and colons are ignored.`, capnet.SnoopMinBytes),
		Example: `  capgate snoop "16 03 01 02 00 01 00 01"
  capgate snoop 474554202f20485454`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cleaned := strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(args[0])
			prefix, err := hex.DecodeString(cleaned)
			if err != nil {
				return fmt.Errorf("%w: invalid hex input: %v", ErrUsage, err)
			}
			result := capnet.SnoopForTLS(prefix)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", result, result.Description())
			return nil
		},
	}
}
