// Package nserrors defines the typed error taxonomy shared by every
// component of nsfs: the path table, the FUSE driver, the session
// process and the control channel all return one of these Kinds so the
// CLI and control-channel clients can react uniformly.
package nserrors

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind identifies a class of nsfs failure.
type Kind int

// The error taxonomy from the namespace/session specification.
const (
	// KindOther is an unclassified error; ExitCode and Errno fall back
	// to generic values for it.
	KindOther Kind = iota
	KindInvalidPath
	KindSourceMissing
	KindTargetMissing
	KindCreateFailed
	KindMountFailed
	KindBusy
	KindSessionUnreachable
	KindSessionUnresponsive
	KindCannotRemoveRoot
	KindRegistryCorrupt
	KindNotFound
	// KindUsage marks a malformed CLI invocation (wrong argument count,
	// unknown flag, unknown subcommand) rather than a failure of the
	// namespace machinery itself.
	KindUsage
)

var kindNames = map[Kind]string{
	KindOther:               "Other",
	KindInvalidPath:         "InvalidPath",
	KindSourceMissing:       "SourceMissing",
	KindTargetMissing:       "TargetMissing",
	KindCreateFailed:        "CreateFailed",
	KindMountFailed:         "MountFailed",
	KindBusy:                "Busy",
	KindSessionUnreachable:  "SessionUnreachable",
	KindSessionUnresponsive: "SessionUnresponsive",
	KindCannotRemoveRoot:    "CannotRemoveRoot",
	KindRegistryCorrupt:     "RegistryCorrupt",
	KindNotFound:            "NotFound",
	KindUsage:               "Usage",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Other"
}

// MarshalText lets Kind serialize as its name in JSON control frames.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText restores a Kind from its serialized name.
func (k *Kind) UnmarshalText(text []byte) error {
	s := string(text)
	for kind, name := range kindNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	*k = KindOther
	return nil
}

// Error is the error type returned by every nsfs component. Op names the
// failing operation ("insert", "resolve", "mount", ...); Err is the
// underlying cause, if any, and is reachable through Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error for op/kind with no further cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error for op/kind wrapping cause.
func Wrap(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// KindOf extracts the Kind carried by err, walking the Unwrap chain.
// Unclassified errors report KindOther.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// ExitCode maps err onto the CLI exit codes from spec.md §6.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindUsage:
		return 2
	case KindSessionUnreachable, KindSessionUnresponsive:
		return 3
	case KindMountFailed:
		return 4
	case KindSourceMissing:
		return 5
	case KindBusy:
		return 6
	default:
		return 1
	}
}

// Errno maps err onto the POSIX errno a FUSE callback must return.
// Every callback must answer with something, so unrecognized errors
// fall back to syscall.EIO rather than stalling the kernel.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errno
	}
	switch KindOf(err) {
	case KindNotFound, KindTargetMissing, KindSourceMissing:
		return syscall.ENOENT
	case KindInvalidPath:
		return syscall.EINVAL
	case KindBusy:
		return syscall.EBUSY
	case KindCannotRemoveRoot:
		return syscall.EPERM
	case KindCreateFailed, KindMountFailed:
		return syscall.EIO
	default:
		var errno syscall.Errno
		if errors.As(err, &errno) {
			return errno
		}
		return syscall.EIO
	}
}
