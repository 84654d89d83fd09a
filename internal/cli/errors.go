package cli

import "errors"

// Sentinel errors for exit code classification
var (
	// ErrUsage indicates invalid command usage, flags, or arguments
	ErrUsage = errors.New("usage error")

	// ErrConfig indicates an invalid trust configuration or unusable key material
	ErrConfig = errors.New("configuration error")

	// ErrDenied indicates a peer that no authorization policy accepts
	ErrDenied = errors.New("peer not authorized")

	// ErrRuntime indicates runtime execution failures
	ErrRuntime = errors.New("runtime error")

	// ErrInternal indicates internal system errors
	ErrInternal = errors.New("internal error")
)

// Exit codes
const (
	ExitSuccess     = 0
	ExitFailure     = 1
	ExitUsageError  = 2
	ExitConfigError = 3
	ExitDenied      = 4
)

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrUsage):
		return ExitUsageError
	case errors.Is(err, ErrConfig):
		return ExitConfigError
	case errors.Is(err, ErrDenied):
		return ExitDenied
	default:
		return ExitFailure
	}
}
