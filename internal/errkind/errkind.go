// Package errkind classifies failures into the four categories the CLI
// reports through its exit status: user errors, operation errors, fatal
// errors, and on-disk corruption.
//
// Helpers return plain wrapped errors; each top-level operation decides
// escalation based on whether a destructive step has already executed.
// An unclassified error is treated as recoverable (exit 1): nothing
// permanent has been touched unless the operation marked it fatal.
package errkind

import "github.com/cockroachdb/errors"

// Exit codes reported by the CLI.
const (
	ExitOK         = 0 // success
	ExitRecover    = 1 // recoverable, no state changed
	ExitFatal      = 2 // state may be partially changed
	ExitCorruption = 3 // structural corruption detected on read
)

// Sentinels used with errors.Mark; never returned directly.
var (
	errUser       = errors.New("user error")
	errOperation  = errors.New("operation error")
	errFatal      = errors.New("fatal error")
	errCorruption = errors.New("corruption error")
)

// User reports bad arguments, an ambiguous pool, a missing image, and
// similar caller mistakes. No state has changed.
func User(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), errUser)
}

// UserWrap marks an existing error as a user error.
func UserWrap(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), errUser)
}

// Operation reports a failed external interaction (network, checksum,
// unrecognized archive). All risky work is staged, so no state has changed.
func Operation(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), errOperation)
}

// OperationWrap marks an existing error as an operation error.
func OperationWrap(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), errOperation)
}

// Fatal reports a post-condition violation after a destructive step has
// begun. On-disk state may be inconsistent and needs operator attention.
func Fatal(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), errFatal)
}

// FatalWrap escalates an existing error to fatal.
func FatalWrap(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), errFatal)
}

// Corruption reports a read-time structural invariant violation. It is
// never auto-corrected.
func Corruption(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), errCorruption)
}

// IsUser reports whether err is classified as a user error.
func IsUser(err error) bool { return errors.Is(err, errUser) }

// IsOperation reports whether err is classified as an operation error.
func IsOperation(err error) bool { return errors.Is(err, errOperation) }

// IsFatal reports whether err is classified as fatal.
func IsFatal(err error) bool { return errors.Is(err, errFatal) }

// IsCorruption reports whether err is classified as corruption.
func IsCorruption(err error) bool { return errors.Is(err, errCorruption) }

// ExitCode maps an error chain to the process exit status. Corruption wins
// over fatal so that a corrupt read surfaced mid-operation is never masked.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsCorruption(err):
		return ExitCorruption
	case IsFatal(err):
		return ExitFatal
	default:
		return ExitRecover
	}
}
