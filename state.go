package coreindexer

import "github.com/elliotnunn/coreindexer/internal/xtag"

// Lifecycle is the indexer's four-state closed enum (spec.md §3).
type Lifecycle int

const (
	StateIdle Lifecycle = iota
	StateIndexing
	StateClosing
	StateClosed
)

func (s Lifecycle) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateIndexing:
		return "indexing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		panic(xtag.Unhandled("Lifecycle", s))
	}
}

// IndexState is the indexer's observable state snapshot (spec.md §3):
// Current = idle iff Remaining == 0, all streams are drained, and the
// indexer is not closed.
type IndexState struct {
	Current          Lifecycle
	Remaining        uint64
	EntriesPerSecond float64
}
