package arch

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNoHTTPInCore verifies that core and transport packages stay free of HTTP
// dependencies; only the CLI serves HTTP (the metrics endpoint).
func TestNoHTTPInCore(t *testing.T) {
	prohibitedImports := []string{
		"net/http",
		"github.com/prometheus/client_golang/prometheus/promhttp",
	}

	coreDirs := []string{
		"../core",
		"../net",
		"../adapters/secondary/tlscodec",
		"../adapters/secondary/transport",
	}

	for _, coreDir := range coreDirs {
		t.Run(coreDir, func(t *testing.T) {
			err := filepath.Walk(coreDir, func(path string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !strings.HasSuffix(path, ".go") {
					return nil
				}

				fset := token.NewFileSet()
				node, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
				require.NoError(t, err, "failed to parse Go file %s", path)

				for _, imp := range node.Imports {
					importPath := strings.Trim(imp.Path.Value, "\"")
					for _, prohibited := range prohibitedImports {
						if importPath == prohibited {
							t.Errorf("file %s imports prohibited HTTP package: %s", path, importPath)
						}
					}
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}
