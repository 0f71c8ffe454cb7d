// Package xtag provides a small exhaustiveness helper for switches over
// closed tag unions (the indexer's four-state enum, notably), so adding a
// new state to the union is a compile-and-run-time forcing function for
// every switch over it, not a silent fallthrough.
package xtag

import "fmt"

// UnhandledError is returned from a default arm of a switch over a closed
// tag union, carrying the offending value for diagnostics.
type UnhandledError struct {
	Union string
	Value any
}

func (e *UnhandledError) Error() string {
	return fmt.Sprintf("xtag: unhandled %s value %v", e.Union, e.Value)
}

// Unhandled builds an UnhandledError for the given union name and value.
// Callers panic on it (a default arm reached over a closed union is a
// programmer error, not a recoverable one) or return it as an error where a
// caller can plausibly react to an unexpected future state.
func Unhandled(union string, value any) error {
	return &UnhandledError{Union: union, Value: value}
}
