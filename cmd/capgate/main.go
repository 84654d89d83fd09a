// capgate is the command-line interface for the capgate mutual TLS capability
// authorization layer.
//
// Usage:
//
//	capgate check-config <file>
//	capgate verify-peer --config <file> --cert <pem>
//	capgate snoop <hex-bytes>
//	capgate serve [--config <file>] [--listen <addr>]
//	capgate version
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sufield/capgate/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", cli.RedactError(err))
		os.Exit(cli.ExitCode(err))
	}
}
