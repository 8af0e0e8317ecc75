// Package herrors defines the error taxonomy shared by every hlsdl
// collaborator: a closed set of failure kinds and a single wrapper type
// that carries one of them plus an optional segment index.
package herrors

import "fmt"

// Kind enumerates the failure classes the processor and its collaborators
// can surface. It is a closed set: callers match on Kind rather than on
// error strings or sentinel values.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidPlaylist
	KindUnsupportedTag
	KindEmptyPlaylist
	KindKeyFetchFailed
	KindKeyLengthInvalid
	KindFetchTransient
	KindSegmentFailed
	KindDecryptionFailed
	KindIOFailed
	KindMissingSegment
	KindCancelled
	KindInterrupted
	KindInvalidConfig
)

func (k Kind) String() string {
	switch k {
	case KindInvalidPlaylist:
		return "InvalidPlaylist"
	case KindUnsupportedTag:
		return "UnsupportedTag"
	case KindEmptyPlaylist:
		return "EmptyPlaylist"
	case KindKeyFetchFailed:
		return "KeyFetchFailed"
	case KindKeyLengthInvalid:
		return "KeyLengthInvalid"
	case KindFetchTransient:
		return "FetchTransient"
	case KindSegmentFailed:
		return "SegmentFailed"
	case KindDecryptionFailed:
		return "DecryptionFailed"
	case KindIOFailed:
		return "IOFailed"
	case KindMissingSegment:
		return "MissingSegment"
	case KindCancelled:
		return "Cancelled"
	case KindInterrupted:
		return "Interrupted"
	case KindInvalidConfig:
		return "InvalidConfig"
	default:
		return "Unknown"
	}
}

// Error is the single error type returned across package boundaries in
// this module. Index is -1 when the error isn't segment-scoped.
type Error struct {
	Kind    Kind
	Message string
	Index   int
	Cause   error
}

func (e *Error) Error() string {
	if e.Index >= 0 {
		if e.Cause != nil {
			return fmt.Sprintf("%s (segment %d): %s: %v", e.Kind, e.Index, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s (segment %d): %s", e.Kind, e.Index, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a non-segment-scoped error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Index: -1}
}

// Newf builds a non-segment-scoped error of the given kind with a
// formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Index: -1}
}

// Wrap builds a non-segment-scoped error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Index: -1, Cause: cause}
}

// WrapSegment builds a segment-scoped error of the given kind wrapping cause.
func WrapSegment(kind Kind, index int, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Index: index, Cause: cause}
}

// Is reports whether err, or anything in its cause chain, carries the
// given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Kind == kind {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
