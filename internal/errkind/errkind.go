// Package errkind defines the error kinds shared by the build core. Every
// failure surfaced by the engine wraps exactly one of the sentinels below so
// callers can classify it with errors.Is.
package errkind

import (
	"errors"
	"fmt"
)

var (
	ErrCyclicDependency      = errors.New("cyclic dependency")
	ErrNodeSignatureMismatch = errors.New("node signature mismatch")
	ErrDuplicateTargets      = errors.New("duplicate targets")
	ErrCorruptStore          = errors.New("corrupt store")
	ErrLockTimeout           = errors.New("lock timeout")
	ErrRebuildLoop           = errors.New("rebuild loop")
	ErrBuilderFailed         = errors.New("builder failed")
	ErrCancelled             = errors.New("cancelled")
)

// Error couples a kind with a message and an optional underlying cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New returns an *Error of the given kind.
func New(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind carrying cause.
func Wrap(kind error, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Fatal reports whether err belongs to a kind that aborts the whole build
// rather than a single node.
func Fatal(err error) bool {
	for _, k := range []error{
		ErrCyclicDependency,
		ErrNodeSignatureMismatch,
		ErrDuplicateTargets,
		ErrCorruptStore,
		ErrLockTimeout,
	} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
