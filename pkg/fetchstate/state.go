// Package fetchstate provides a tri-state result wrapper for values that are
// loaded asynchronously: Loading, Failed with a message, or Loaded with a value.
//
// A State is an immutable value. Exactly one variant holds at any time.
package fetchstate

import "fmt"

// Kind identifies the active variant of a State.
type Kind uint8

const (
	// Loading means a fetch is in flight and no result is available yet.
	Loading Kind = iota
	// Failed means the most recent fetch failed; Message describes why.
	Failed
	// Loaded means the most recent fetch succeeded; Value holds the result.
	Loaded
)

// String returns the lowercase variant name used in logs and JSON envelopes.
func (k Kind) String() string {
	switch k {
	case Loading:
		return "loading"
	case Failed:
		return "error"
	case Loaded:
		return "loaded"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// unknownError is used when a failure carries no text.
const unknownError = "unknown error"

// State is the observable result of an asynchronous fetch.
type State[T any] struct {
	kind    Kind
	message string
	value   T
}

// NewLoading returns the Loading state. The zero State is also Loading.
func NewLoading[T any]() State[T] {
	return State[T]{kind: Loading}
}

// NewFailed returns a Failed state with the given message. An empty message
// is replaced so that Failed states always carry a diagnostic.
func NewFailed[T any](message string) State[T] {
	if message == "" {
		message = unknownError
	}
	return State[T]{kind: Failed, message: message}
}

// FromError returns a Failed state whose message is err.Error().
func FromError[T any](err error) State[T] {
	if err == nil {
		return NewFailed[T]("")
	}
	return NewFailed[T](err.Error())
}

// NewLoaded returns a Loaded state holding v.
func NewLoaded[T any](v T) State[T] {
	return State[T]{kind: Loaded, value: v}
}

// Kind returns the active variant.
func (s State[T]) Kind() Kind { return s.kind }

// Settled reports whether the state is terminal for its fetch (Failed or Loaded).
func (s State[T]) Settled() bool { return s.kind != Loading }

// Message returns the failure message, or "" unless the state is Failed.
func (s State[T]) Message() string { return s.message }

// Value returns the loaded value. The boolean is false unless the state is
// Loaded, in which case the zero T is returned.
func (s State[T]) Value() (T, bool) {
	if s.kind != Loaded {
		var zero T
		return zero, false
	}
	return s.value, true
}

func (s State[T]) String() string {
	if s.kind == Failed {
		return "error: " + s.message
	}
	return s.kind.String()
}
