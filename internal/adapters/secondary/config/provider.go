// Package config loads transport security configuration files and selects the
// crypto engine from the environment.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"github.com/sufield/capgate/internal/core/domain"
	cerrors "github.com/sufield/capgate/internal/core/errors"
)

// fileConfig mirrors the JSON trust configuration document.
type fileConfig struct {
	Files                     filesConfig  `mapstructure:"files"`
	AuthorizedPeers           []peerConfig `mapstructure:"authorized-peers" validate:"dive"`
	AcceptedCiphers           []string     `mapstructure:"accepted-ciphers"`
	DisableHostnameValidation bool         `mapstructure:"disable-hostname-validation"`
}

type filesConfig struct {
	PrivateKey     string `mapstructure:"private-key" validate:"required,file_exists"`
	CACertificates string `mapstructure:"ca-certificates" validate:"required,file_exists"`
	Certificates   string `mapstructure:"certificates" validate:"required,file_exists"`
}

type peerConfig struct {
	Name                string             `mapstructure:"name"`
	Description         string             `mapstructure:"description"`
	RequiredCredentials []credentialConfig `mapstructure:"required-credentials" validate:"required,min=1,dive"`
	// Capabilities is nil when absent, which grants every capability.
	Capabilities *[]string `mapstructure:"capabilities"`
}

type credentialConfig struct {
	Field     string `mapstructure:"field" validate:"required,oneof=CN SAN_DNS SAN_URI"`
	MustMatch string `mapstructure:"must-match" validate:"required"`
}

// FileProvider loads TransportSecurityOptions from JSON files. Comments and
// trailing commas are tolerated.
type FileProvider struct {
	logger   *slog.Logger
	validate *validator.Validate
}

// NewFileProvider creates a provider. A nil logger uses slog.Default.
func NewFileProvider(logger *slog.Logger) *FileProvider {
	if logger == nil {
		logger = slog.Default()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("file_exists", validateFileExists)
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("mapstructure")
	})
	return &FileProvider{logger: logger, validate: validate}
}

// LoadConfiguration reads and validates the configuration file at path and
// every file it references.
func (p *FileProvider) LoadConfiguration(ctx context.Context, path string) (*domain.TransportSecurityOptions, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &cerrors.ValidationError{
			Field:   "path",
			Value:   path,
			Message: "configuration file path cannot be empty or whitespace",
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("configuration loading canceled: %w", err)
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, cerrors.NewDomainError(cerrors.ErrMissingFile, fmt.Errorf("failed to read config file %s: %w", path, err))
	}
	return p.Parse(data, cleanPath)
}

// Parse builds options from a configuration document. source names the
// document in errors.
func (p *FileProvider) Parse(data []byte, source string) (*domain.TransportSecurityOptions, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetDefault("disable-hostname-validation", true)
	if err := v.ReadConfig(bytes.NewReader(jsonc.ToJSON(data))); err != nil {
		return nil, cerrors.NewDomainError(cerrors.ErrInvalidConfiguration, fmt.Errorf("failed to parse %s: %w", source, err))
	}

	var cfg fileConfig
	err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.DecodeHook = mapstructure.StringToSliceHookFunc(",")
	})
	if err != nil {
		return nil, cerrors.NewDomainError(cerrors.ErrInvalidConfiguration, fmt.Errorf("failed to decode %s: %w", source, err))
	}

	var problems []error
	if v.IsSet("authorized-peers") && len(cfg.AuthorizedPeers) == 0 {
		problems = append(problems, cerrors.ErrEmptyAuthorizedPeers)
	}
	if err := p.validate.Struct(cfg); err != nil {
		problems = append(problems, translateValidationErrors(err)...)
	}
	if err := cerrors.NewConfigValidationError(source, problems...); err != nil {
		return nil, err
	}

	peers, err := p.authorizedPeers(cfg, v.IsSet("authorized-peers"))
	if err != nil {
		return nil, err
	}
	return readMaterial(cfg, peers)
}

func (p *FileProvider) authorizedPeers(cfg fileConfig, present bool) (domain.AuthorizedPeers, error) {
	if !present {
		return domain.AllowAllAuthenticated(), nil
	}
	policies := make([]domain.PeerPolicy, 0, len(cfg.AuthorizedPeers))
	for i, entry := range cfg.AuthorizedPeers {
		required := make([]domain.RequiredPeerCredential, 0, len(entry.RequiredCredentials))
		for _, c := range entry.RequiredCredentials {
			field, err := domain.ParseCredentialField(c.Field)
			if err != nil {
				return domain.AuthorizedPeers{}, cerrors.NewDomainError(cerrors.ErrInvalidCredentialField, err)
			}
			req, err := domain.NewRequiredPeerCredential(field, c.MustMatch)
			if err != nil {
				return domain.AuthorizedPeers{}, cerrors.NewDomainError(cerrors.ErrInvalidConfiguration, err)
			}
			required = append(required, req)
		}
		policy, err := domain.NewPeerPolicy(required, p.grantedCapabilities(i, entry))
		if err != nil {
			return domain.AuthorizedPeers{}, cerrors.NewDomainError(cerrors.ErrEmptyRequiredCredentials, err)
		}
		policies = append(policies, policy)
	}
	return domain.NewAuthorizedPeers(policies), nil
}

func (p *FileProvider) grantedCapabilities(index int, entry peerConfig) domain.CapabilitySet {
	if entry.Capabilities == nil {
		return domain.AllCapabilities()
	}
	caps, unknown := domain.CapabilitySetFromNames(*entry.Capabilities)
	if len(unknown) > 0 {
		p.logger.Warn("ignoring unknown capability names in authorized peer",
			"index", index,
			"name", entry.Name,
			"unknown", unknown)
	}
	if caps.Empty() {
		p.logger.Warn("authorized peer grants no capabilities, matching peers will be rejected",
			"index", index,
			"name", entry.Name)
	}
	return caps
}

// readMaterial reads the referenced PEM files. The private key is read into a
// buffer that is wiped before returning; the options hold their own copy.
func readMaterial(cfg fileConfig, peers domain.AuthorizedPeers) (*domain.TransportSecurityOptions, error) {
	caCerts, err := readReferencedFile(cfg.Files.CACertificates)
	if err != nil {
		return nil, err
	}
	certs, err := readReferencedFile(cfg.Files.Certificates)
	if err != nil {
		return nil, err
	}
	rawKey, err := readReferencedFile(cfg.Files.PrivateKey)
	key := domain.NewSecretBuffer(rawKey)
	defer key.Wipe()
	if err != nil {
		return nil, err
	}
	return domain.NewTransportSecurityOptions(domain.TransportSecurityOptionsParams{
		CACertsPEM:                caCerts,
		CertChainPEM:              certs,
		PrivateKeyPEM:             key.Bytes(),
		AuthorizedPeers:           peers,
		AcceptedCiphers:           cfg.AcceptedCiphers,
		DisableHostnameValidation: cfg.DisableHostnameValidation,
	}), nil
}

func readReferencedFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return data, cerrors.NewDomainError(cerrors.ErrMissingFile, fmt.Errorf("failed to read %s: %w", path, err))
	}
	return data, nil
}

func validateFileExists(fl validator.FieldLevel) bool {
	path := fl.Field().String()
	if path == "" {
		return true // Empty paths handled by 'required' tag
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// translateValidationErrors maps field failures onto the configuration error taxonomy.
func translateValidationErrors(err error) []error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []error{cerrors.NewDomainError(cerrors.ErrInvalidConfiguration, err)}
	}
	out := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		detail := fmt.Errorf("%s: failed %q check (value: %v)", fieldPath(fe), fe.Tag(), fe.Value())
		switch {
		case fe.Tag() == "file_exists":
			out = append(out, cerrors.NewDomainError(cerrors.ErrMissingFile, detail))
		case fe.Field() == "required-credentials":
			out = append(out, cerrors.NewDomainError(cerrors.ErrEmptyRequiredCredentials, detail))
		case fe.Field() == "field" && fe.Tag() == "oneof":
			out = append(out, cerrors.NewDomainError(cerrors.ErrInvalidCredentialField, detail))
		default:
			out = append(out, cerrors.NewDomainError(cerrors.ErrInvalidConfiguration, detail))
		}
	}
	return out
}

// fieldPath strips the root struct name from the namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
