package coreindexer

import (
	"errors"
	"log/slog"

	"github.com/elliotnunn/coreindexer/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// defaultMaxBatch is the batch size ceiling used when Options.MaxBatch is
// left at zero, matching spec.md's default high-water mark.
const defaultMaxBatch = 100

// Options configures a new Indexer. Batch and exactly one of StorageDir /
// StorageFactory are required; everything else has a spec-defined default.
type Options struct {
	// Cores is the initial set of logs to index. More can be added later
	// with Indexer.AddCore.
	Cores []Core

	// Batch is called, serially, with every ready batch of entries. A
	// returned error closes the indexer (spec.md's propagate-and-close
	// policy); see Indexer.Err.
	Batch BatchFunc

	// StorageDir, if non-empty, backs each core's persisted bitfield with
	// one file per core under this directory, laid out by
	// internal/corepath. Mutually exclusive with StorageFactory.
	StorageDir string

	// StorageFactory, if set, is called once per core (with its
	// corepath-derived subpath) to obtain the Storage it persists its
	// bitfield to. Mutually exclusive with StorageDir; use for
	// non-filesystem backends or to share one opened handle across cores.
	StorageFactory storage.Factory

	// MaxBatch bounds how many entries one Batch call receives. Default
	// 100.
	MaxBatch int

	// Reindex discards each core's persisted bitfield on open, so every
	// locally-present block is redelivered.
	Reindex bool

	// Encoding selects how raw core bytes decode into Block values.
	// Default EncodingBinary.
	Encoding Encoding

	// Logger receives structured diagnostic events. Default slog.Default().
	Logger *slog.Logger

	// MetricsRegisterer, if set, registers the indexer's Prometheus
	// collectors (remaining, idle, entries and bytes delivered, entries per
	// batch). Left nil,
	// no metrics are registered.
	MetricsRegisterer prometheus.Registerer
}

var (
	errNoBatch         = errors.New("coreindexer: Options.Batch is required")
	errNoStorage       = errors.New("coreindexer: exactly one of Options.StorageDir or Options.StorageFactory is required")
	errStorageConflict = errors.New("coreindexer: Options.StorageDir and Options.StorageFactory are mutually exclusive")
)

// NewIndexer constructs and starts an Indexer over opts.Cores. The returned
// Indexer starts in StateIndexing unless opts.Cores is empty (StateIdle,
// vacuously), regardless of whether the given cores are already fully
// indexed; it settles to StateIdle asynchronously once each stream's loop
// reports drained. It is already driving its batch loop in the background.
func NewIndexer(opts Options) (*Indexer, error) {
	if opts.Batch == nil {
		return nil, errNoBatch
	}
	return newIndexer(opts)
}

func resolveStorageFactory(opts Options) (storage.Factory, error) {
	switch {
	case opts.StorageDir != "" && opts.StorageFactory != nil:
		return nil, errStorageConflict
	case opts.StorageFactory != nil:
		return opts.StorageFactory, nil
	case opts.StorageDir != "":
		return storage.NewDirFactory(opts.StorageDir), nil
	default:
		return nil, errNoStorage
	}
}
