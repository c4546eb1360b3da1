// Package kerr defines the kernel's error kinds: resource exhaustion and
// capability faults that callers can recover a code from via errors.As,
// instead of string-matching a message.
package kerr

import (
	"fmt"

	"github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Error codes a ComplexError may carry.
const (
	// NoFreeProcessSlot means the process table is full.
	NoFreeProcessSlot = iota
	// NoFreeNamespaceSlot means the namespace table is full.
	NoFreeNamespaceSlot
	// MaxDepthExceeded means a clone would nest namespaces past MAXDEPTH.
	MaxDepthExceeded
	// MemoryAllocationFailed means the memory collaborator refused a request.
	MemoryAllocationFailed
	// PIDNotFound means no live process carries the requested PID.
	PIDNotFound
	// NoChildren means wait was called by a process with no children.
	NoChildren
	// CallerKilled means the calling process has its killed flag set.
	CallerKilled
	// NoFreeFileSlot means the open-file-handle vector is full.
	NoFreeFileSlot
	// BadFileDescriptor means the descriptor is out of range or not open.
	BadFileDescriptor
)

// WrapError wraps an error for the sake of showing a stack trace at the top
// level. go-errors, for some reason, does not return nil when asked to wrap
// a non-error, so we guard that here.
func WrapError(err error) error {
	if err == nil {
		return err
	}
	return errors.Wrap(err, 0)
}

// ComplexError is an error that carries a code so calling code can recover
// it with HasErrorCode instead of string-matching the message.
type ComplexError struct {
	Message string
	Code    int
	frame   xerrors.Frame
}

// NewComplexError builds a ComplexError with a frame captured at the call
// site.
func NewComplexError(code int, message string) ComplexError {
	return ComplexError{
		Message: message,
		Code:    code,
		frame:   xerrors.Caller(1),
	}
}

func (ce ComplexError) FormatError(p xerrors.Printer) error {
	p.Printf("%d %s", ce.Code, ce.Message)
	ce.frame.Format(p)
	return nil
}

func (ce ComplexError) Format(f fmt.State, c rune) {
	xerrors.FormatError(ce, f, c)
}

func (ce ComplexError) Error() string {
	return fmt.Sprint(ce)
}

// HasErrorCode reports whether err is, or wraps, a ComplexError carrying
// the given code.
func HasErrorCode(err error, code int) bool {
	var originalErr ComplexError
	if xerrors.As(err, &originalErr) {
		return originalErr.Code == code
	}
	return false
}
