package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/capgate/internal/core/domain"
	cerrors "github.com/sufield/capgate/internal/core/errors"
	"github.com/sufield/capgate/internal/testutil"
)

func writeMaterial(t *testing.T) (string, testutil.Files) {
	t.Helper()
	dir := t.TempDir()
	ca := testutil.NewCA(t, "config test CA")
	leaf := ca.Issue(t, testutil.LeafOptions{CommonName: "node.example.com"})
	return dir, testutil.WriteFiles(t, dir, ca, leaf)
}

func filesBlock(f testutil.Files) string {
	return fmt.Sprintf(`"files": {
		"private-key": %q,
		"ca-certificates": %q,
		"certificates": %q,
	}`, f.PrivateKey, f.CACertificates, f.Certificates)
}

func TestFileProvider_LoadsFullConfiguration(t *testing.T) {
	dir, files := writeMaterial(t)
	path := testutil.WriteConfig(t, dir, `{
		// Comments and trailing commas are accepted.
		`+filesBlock(files)+`,
		"authorized-peers": [
			{
				"name": "content nodes",
				"required-credentials": [
					{"field": "CN", "must-match": "*.example.com"},
					{"field": "SAN_DNS", "must-match": "content.internal"},
				],
				"capabilities": ["capgate.content.storage_api", "capgate.preset.telemetry"],
			},
			{
				"description": "anything with a SPIFFE workload id",
				"required-credentials": [
					{"field": "SAN_URI", "must-match": "spiffe://example.org/*"},
				],
			},
		],
		"accepted-ciphers": ["ECDHE-ECDSA-AES128-GCM-SHA256"],
		"disable-hostname-validation": false,
	}`)

	opts, err := NewFileProvider(nil).LoadConfiguration(context.Background(), path)
	require.NoError(t, err)
	defer opts.Close()

	assert.True(t, opts.HasPrivateKey())
	assert.False(t, opts.DisableHostnameValidation())
	assert.Equal(t, []string{"ECDHE-ECDSA-AES128-GCM-SHA256"}, opts.AcceptedCiphers())

	peers := opts.AuthorizedPeers()
	require.False(t, peers.AllowsAllAuthenticated())
	require.Equal(t, 2, peers.PolicyCount())

	first := peers.Policies()[0]
	assert.Len(t, first.RequiredCredentials(), 2)
	want := domain.TelemetryCapabilities().UnionOf(domain.CapabilitySetOf(domain.CapabilityContentStorageAPI))
	assert.True(t, first.GrantedCapabilities().Equals(want))

	second := peers.Policies()[1]
	assert.True(t, second.GrantedCapabilities().Equals(domain.AllCapabilities()), "absent capabilities grant everything")
	assert.True(t, second.Matches(domain.PeerCredentials{URISANs: []string{"spiffe://example.org/worker"}}))
}

func TestFileProvider_Defaults(t *testing.T) {
	dir, files := writeMaterial(t)
	path := testutil.WriteConfig(t, dir, `{`+filesBlock(files)+`}`)

	opts, err := NewFileProvider(nil).LoadConfiguration(context.Background(), path)
	require.NoError(t, err)
	defer opts.Close()

	assert.True(t, opts.AuthorizedPeers().AllowsAllAuthenticated())
	assert.True(t, opts.DisableHostnameValidation())
	assert.Empty(t, opts.AcceptedCiphers())
}

func TestFileProvider_EmptyCapabilitiesGrantNothing(t *testing.T) {
	dir, files := writeMaterial(t)
	path := testutil.WriteConfig(t, dir, `{`+filesBlock(files)+`,
		"authorized-peers": [{
			"required-credentials": [{"field": "CN", "must-match": "x"}],
			"capabilities": [],
		}],
	}`)

	opts, err := NewFileProvider(nil).LoadConfiguration(context.Background(), path)
	require.NoError(t, err)
	defer opts.Close()

	require.Equal(t, 1, opts.AuthorizedPeers().PolicyCount())
	assert.True(t, opts.AuthorizedPeers().Policies()[0].GrantedCapabilities().Empty())
}

func TestFileProvider_Rejects(t *testing.T) {
	dir, files := writeMaterial(t)
	missing := files
	missing.PrivateKey = filepath.Join(dir, "absent.pem")

	tests := []struct {
		name string
		body string
		want error
	}{
		{
			name: "malformed json",
			body: `{"files": `,
			want: cerrors.ErrInvalidConfiguration,
		},
		{
			name: "missing referenced file",
			body: `{` + filesBlock(missing) + `}`,
			want: cerrors.ErrMissingFile,
		},
		{
			name: "missing files section",
			body: `{}`,
			want: cerrors.ErrInvalidConfiguration,
		},
		{
			name: "empty authorized peers",
			body: `{` + filesBlock(files) + `, "authorized-peers": []}`,
			want: cerrors.ErrEmptyAuthorizedPeers,
		},
		{
			name: "empty required credentials",
			body: `{` + filesBlock(files) + `, "authorized-peers": [{"required-credentials": []}]}`,
			want: cerrors.ErrEmptyRequiredCredentials,
		},
		{
			name: "absent required credentials",
			body: `{` + filesBlock(files) + `, "authorized-peers": [{"capabilities": ["capgate.preset.all"]}]}`,
			want: cerrors.ErrEmptyRequiredCredentials,
		},
		{
			name: "unknown credential field",
			body: `{` + filesBlock(files) + `, "authorized-peers": [
				{"required-credentials": [{"field": "SAN_IP", "must-match": "10.0.0.1"}]}
			]}`,
			want: cerrors.ErrInvalidCredentialField,
		},
		{
			name: "missing pattern",
			body: `{` + filesBlock(files) + `, "authorized-peers": [
				{"required-credentials": [{"field": "CN"}]}
			]}`,
			want: cerrors.ErrInvalidConfiguration,
		},
	}

	provider := NewFileProvider(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := provider.Parse([]byte(tt.body), tt.name)
			require.Error(t, err)
			assert.Nil(t, opts)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFileProvider_ReportsEveryProblem(t *testing.T) {
	dir, files := writeMaterial(t)
	files.Certificates = filepath.Join(dir, "absent-cert.pem")

	_, err := NewFileProvider(nil).Parse([]byte(`{`+filesBlock(files)+`,
		"authorized-peers": [
			{"required-credentials": [{"field": "IP", "must-match": "x"}]},
			{"required-credentials": []},
		],
	}`), "multi.json")

	var cfgErr *cerrors.ConfigValidationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "multi.json", cfgErr.Source)
	assert.Len(t, cfgErr.Errors, 3)
	assert.ErrorIs(t, err, cerrors.ErrMissingFile)
	assert.ErrorIs(t, err, cerrors.ErrInvalidCredentialField)
	assert.ErrorIs(t, err, cerrors.ErrEmptyRequiredCredentials)
}

func TestFileProvider_LoadConfigurationArguments(t *testing.T) {
	provider := NewFileProvider(nil)

	_, err := provider.LoadConfiguration(context.Background(), "  ")
	var valErr *cerrors.ValidationError
	assert.True(t, errors.As(err, &valErr))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = provider.LoadConfiguration(ctx, "/etc/capgate/config.json")
	assert.ErrorIs(t, err, context.Canceled)

	_, err = provider.LoadConfiguration(context.Background(), filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorIs(t, err, cerrors.ErrMissingFile)
}

func TestFileProvider_DirectoryIsNotAFile(t *testing.T) {
	dir, files := writeMaterial(t)
	files.CACertificates = dir
	_, err := NewFileProvider(nil).Parse([]byte(`{`+filesBlock(files)+`}`), "dir.json")
	assert.ErrorIs(t, err, cerrors.ErrMissingFile)

	_, statErr := os.Stat(dir)
	require.NoError(t, statErr)
}
