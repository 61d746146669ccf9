package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure by what it says about the stored
// credential.
type ErrorKind string

const (
	// ErrorKindTransient says nothing about credential validity.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindFatal proves the stored credential is permanently unusable.
	ErrorKindFatal ErrorKind = "fatal"
	// ErrorKindConfig concerns a candidate credential being configured.
	ErrorKindConfig ErrorKind = "config"
	// ErrorKindRemoteRevoke is a failed remote revoke after a local clear.
	ErrorKindRemoteRevoke ErrorKind = "remote_revoke"
)

// Sentinel errors shared by adapters.
var (
	// ErrRefreshImpossible means the provider rejected the refresh token.
	ErrRefreshImpossible = errors.New("refresh impossible")
	// ErrNotLinked means the provider has no stored credential.
	ErrNotLinked = errors.New("provider not linked")
	// ErrNotSupported means the adapter lacks the requested capability.
	ErrNotSupported = errors.New("operation not supported by provider")
	// ErrUnknownProvider means a name does not match any provider.
	ErrUnknownProvider = errors.New("unknown provider")
)

// ProviderError is the tagged error every adapter returns. The kind is
// decided once inside the adapter and never re-interpreted by callers.
type ProviderError struct {
	Provider Provider
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient wraps err as a transient provider error.
func Transient(p Provider, err error) error {
	return &ProviderError{Provider: p, Kind: ErrorKindTransient, Err: err}
}

// Fatal wraps err as a fatal auth error.
func Fatal(p Provider, err error) error {
	return &ProviderError{Provider: p, Kind: ErrorKindFatal, Err: err}
}

// ConfigError wraps err as a candidate configuration error.
func ConfigError(p Provider, err error) error {
	return &ProviderError{Provider: p, Kind: ErrorKindConfig, Err: err}
}

// RemoteRevokeError wraps err as a failed remote revoke.
func RemoteRevokeError(p Provider, err error) error {
	return &ProviderError{Provider: p, Kind: ErrorKindRemoteRevoke, Err: err}
}

// KindOf returns the kind of a tagged error. Untagged errors are transient:
// nothing proves the credential is dead.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorKindTransient
}

// IsFatal reports whether err proves the credential is unusable.
func IsFatal(err error) bool {
	return err != nil && KindOf(err) == ErrorKindFatal
}
