// Package errors defines custom error types for the capgate authorization layer.
package errors

import "fmt"

// DomainError represents errors in the domain logic
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches any DomainError carrying the same code, so wrapped errors
// compare equal to the sentinel bases below.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Configuration and handshake errors
var (
	ErrInvalidConfiguration = &DomainError{
		Code:    "INVALID_CONFIGURATION",
		Message: "transport security configuration is invalid",
	}

	ErrMissingFile = &DomainError{
		Code:    "MISSING_FILE",
		Message: "referenced file does not exist or is unreadable",
	}

	ErrEmptyRequiredCredentials = &DomainError{
		Code:    "EMPTY_REQUIRED_CREDENTIALS",
		Message: "required-credentials array must not be empty",
	}

	ErrEmptyAuthorizedPeers = &DomainError{
		Code:    "EMPTY_AUTHORIZED_PEERS",
		Message: "authorized-peers array must not be empty when present",
	}

	ErrInvalidCredentialField = &DomainError{
		Code:    "INVALID_CREDENTIAL_FIELD",
		Message: "credential field must be one of CN, SAN_DNS, SAN_URI",
	}

	ErrInvalidCertificate = &DomainError{
		Code:    "INVALID_CERTIFICATE",
		Message: "certificate or private key material is invalid",
	}

	ErrHandshakeFailed = &DomainError{
		Code:    "HANDSHAKE_FAILED",
		Message: "TLS handshake failed",
	}

	ErrReloadFailed = &DomainError{
		Code:    "RELOAD_FAILED",
		Message: "failed to reload transport security configuration",
	}
)

// NewDomainError creates a new domain error with context
func NewDomainError(base *DomainError, err error) error {
	return &DomainError{
		Code:    base.Code,
		Message: base.Message,
		Err:     err,
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}
