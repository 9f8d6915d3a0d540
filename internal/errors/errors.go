// Package errors defines the error taxonomy shared by the model loader and the
// classify pipeline.
package errors

import (
	"errors"
	"strings"
)

// Kind classifies an error for handling and rendering decisions.
type Kind int

const (
	KindUnknown Kind = iota

	// KindFetch covers network failures, bad status codes and length mismatches.
	KindFetch

	// KindModelLoad means the artifact bytes could not become a runnable graph.
	KindModelLoad

	// KindInvalidState is an operation called out of sequence.
	KindInvalidState

	// KindShapeMismatch is a tensor or vector dimension contract violation.
	KindShapeMismatch

	// KindNotReady is a classify request before the runtime is ready.
	KindNotReady

	// KindBusy is a classify request rejected while another one runs.
	KindBusy

	// KindInference is a failure reported by the backend during a run.
	KindInference
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFetch:
		return "fetch"
	case KindModelLoad:
		return "model_load"
	case KindInvalidState:
		return "invalid_state"
	case KindShapeMismatch:
		return "shape_mismatch"
	case KindNotReady:
		return "not_ready"
	case KindBusy:
		return "busy"
	case KindInference:
		return "inference"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every core operation.
type Error struct {
	Kind Kind

	// Op names the operation that failed, e.g. "artifact.fetch".
	Op string

	Message string

	Inner error
}

// Error returns the error message.
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString("[")
	sb.WriteString(e.Kind.String())
	sb.WriteString("] ")

	if e.Op != "" {
		sb.WriteString(e.Op)
		if e.Message != "" || e.Inner != nil {
			sb.WriteString(": ")
		}
	}

	sb.WriteString(e.Message)

	if e.Inner != nil {
		innerMsg := e.Inner.Error()
		if innerMsg != "" && innerMsg != e.Message {
			if e.Message != "" {
				sb.WriteString(": ")
			}
			sb.WriteString(innerMsg)
		}
	}

	return sb.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is reports whether target is a bare sentinel of the same kind. Sentinels
// carry only a Kind, so errors.Is(err, ErrBusy) matches any busy error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Inner == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrFetch         = &Error{Kind: KindFetch}
	ErrModelLoad     = &Error{Kind: KindModelLoad}
	ErrInvalidState  = &Error{Kind: KindInvalidState}
	ErrShapeMismatch = &Error{Kind: KindShapeMismatch}
	ErrNotReady      = &Error{Kind: KindNotReady}
	ErrBusy          = &Error{Kind: KindBusy}
	ErrInference     = &Error{Kind: KindInference}
)

// New creates an Error.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap wraps err with a kind and operation. It returns nil for a nil err.
func Wrap(err error, kind Kind, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: message, Inner: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// UserMessage returns the single message shown to an end user for err.
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindNotReady:
		return "The model is still loading. Please try again in a moment."
	case KindBusy:
		return "A classification is already in progress. Please wait for it to finish."
	case KindInvalidState:
		return "Please select an image before classifying."
	case KindFetch, KindModelLoad:
		return "The model could not be loaded. Please reload and try again."
	default:
		return "An error occurred during classification. Please try again."
	}
}
