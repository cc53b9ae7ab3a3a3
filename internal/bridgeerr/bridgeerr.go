// Package bridgeerr defines the error taxonomy for bridge lifecycle
// operations. Every coordinator-facing failure is marked with exactly one of
// the sentinel errors below so that callers can classify with errors.Is and
// metrics can label by kind without string matching.
package bridgeerr

import (
	"github.com/cockroachdb/errors"
)

// Sentinel errors for the bridge error taxonomy.
var (
	// ErrTargetAlreadyBridged is reported when a bridge request names a
	// (workload, container) pair that already has a session in flight.
	ErrTargetAlreadyBridged = errors.New("target is already bridged")

	// ErrTargetNotFound is reported when the interception target cannot be
	// resolved to a concrete container in the cluster.
	ErrTargetNotFound = errors.New("target not found")

	// ErrProvisioning covers entry point allocation and key generation
	// failures during the PROVISIONING state.
	ErrProvisioning = errors.New("provisioning failed")

	// ErrHandshakeTimeout is reported when the tunnel does not reach
	// ESTABLISHED within the handshake window.
	ErrHandshakeTimeout = errors.New("tunnel handshake timed out")

	// ErrHandshakeLost is reported when an ACTIVE session loses the tunnel
	// handshake for longer than the liveness threshold. It is an expected
	// operational condition, not a fatal error.
	ErrHandshakeLost = errors.New("tunnel handshake lost")

	// ErrInstall is reported when the interceptor substitution is rejected
	// or fails.
	ErrInstall = errors.New("interceptor install failed")

	// ErrRollback is reported when a cleanup step fails. Cleanup stays
	// re-invocable after this error.
	ErrRollback = errors.New("rollback failed")
)

// Kind constants for metrics labels.
const (
	KindTargetAlreadyBridged = "target_already_bridged"
	KindTargetNotFound       = "target_not_found"
	KindProvisioning         = "provisioning"
	KindHandshakeTimeout     = "handshake_timeout"
	KindHandshakeLost        = "handshake_lost"
	KindInstall              = "install"
	KindRollback             = "rollback"
	KindUnknown              = "unknown"
)

// TargetAlreadyBridgedf creates a formatted error marked as ErrTargetAlreadyBridged.
func TargetAlreadyBridgedf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrTargetAlreadyBridged)
}

// TargetNotFoundf creates a formatted error marked as ErrTargetNotFound.
func TargetNotFoundf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrTargetNotFound)
}

// Provisioningf creates a formatted error marked as ErrProvisioning.
func Provisioningf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrProvisioning)
}

// ProvisioningWrap wraps an underlying error and marks it as ErrProvisioning.
func ProvisioningWrap(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrProvisioning)
}

// HandshakeTimeoutf creates a formatted error marked as ErrHandshakeTimeout.
func HandshakeTimeoutf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrHandshakeTimeout)
}

// HandshakeLostf creates a formatted error marked as ErrHandshakeLost.
func HandshakeLostf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrHandshakeLost)
}

// InstallWrap wraps an underlying error and marks it as ErrInstall.
func InstallWrap(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrInstall)
}

// RollbackWrap wraps an underlying error and marks it as ErrRollback.
func RollbackWrap(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrRollback)
}

// Kind classifies an error into one of the taxonomy kinds for metrics
// labeling. Returns an empty string for nil errors.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTargetAlreadyBridged):
		return KindTargetAlreadyBridged
	case errors.Is(err, ErrTargetNotFound):
		return KindTargetNotFound
	case errors.Is(err, ErrProvisioning):
		return KindProvisioning
	case errors.Is(err, ErrHandshakeTimeout):
		return KindHandshakeTimeout
	case errors.Is(err, ErrHandshakeLost):
		return KindHandshakeLost
	case errors.Is(err, ErrInstall):
		return KindInstall
	case errors.Is(err, ErrRollback):
		return KindRollback
	default:
		return KindUnknown
	}
}
