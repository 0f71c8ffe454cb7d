package coreindexer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/elliotnunn/coreindexer/internal/onesignal"
	"github.com/elliotnunn/coreindexer/internal/storage"
)

// Indexer is the driver: it owns a MultiCoreIndexStream, calls the user's
// BatchFunc with whatever entries are immediately available (up to
// maxBatch), feeds the results back as setIndexed calls, and exposes the
// aggregate IndexState (spec.md §4.4).
type Indexer struct {
	batch         BatchFunc
	maxBatch      int
	createStorage storage.Factory
	reindex       bool
	encoding      Encoding
	logger        *slog.Logger
	metrics       *metricsSet

	multi *MultiCoreIndexStream

	mu        sync.Mutex
	current   Lifecycle
	lastErr   error
	rate      float64
	rateStart time.Time
	haveRate  bool

	stateListeners    []func(IndexState)
	idleListeners     []func()
	indexingListeners []func()

	idleSignal *onesignal.Signal

	stopCh       chan struct{}
	closedCh     chan struct{}
	teardownOnce sync.Once
}

func newIndexer(opts Options) (*Indexer, error) {
	factory, err := resolveStorageFactory(opts)
	if err != nil {
		return nil, err
	}
	maxBatch := opts.MaxBatch
	if maxBatch < 1 {
		maxBatch = defaultMaxBatch
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	initial := StateIndexing
	if len(opts.Cores) == 0 {
		// Vacuously idle: onDrained only fires on a false -> true
		// transition a member stream causes, which never happens if
		// there are no streams to begin with.
		initial = StateIdle
	}

	ix := &Indexer{
		batch:         opts.Batch,
		maxBatch:      maxBatch,
		createStorage: factory,
		reindex:       opts.Reindex,
		encoding:      opts.Encoding,
		logger:        logger,
		metrics:       newMetricsSet(opts.MetricsRegisterer, logger),
		current:       initial,
		rateStart:     time.Now(),
		idleSignal:    onesignal.New(),
		stopCh:        make(chan struct{}),
		closedCh:      make(chan struct{}),
	}
	if initial == StateIdle {
		ix.idleSignal.Resolve()
	}
	ix.multi = NewMultiCoreIndexStream(maxBatch, logger)
	ix.multi.SetListener(ix)

	for _, core := range opts.Cores {
		stream := NewCoreIndexStream(core, factory, opts.Reindex, opts.Encoding, logger)
		ix.multi.AddStream(stream)
	}

	go ix.driverLoop()
	return ix, nil
}

func (ix *Indexer) driverLoop() {
	defer close(ix.closedCh)
	for {
		entries, ok := ix.collectBatch()
		if !ok {
			return
		}
		if len(entries) == 0 {
			continue
		}
		if err := ix.handleEntries(entries); err != nil {
			ix.mu.Lock()
			if ix.current != StateClosing && ix.current != StateClosed {
				ix.lastErr = err
				ix.current = StateClosing
			}
			ix.mu.Unlock()
			ix.logger.Error("batchFailed", "err", err)
			go ix.teardown()
			return
		}
	}
}

// collectBatch blocks for the first entry, then greedily drains whatever is
// immediately available up to maxBatch, mirroring a writable stream's
// writev semantics: batch whatever has accumulated, don't wait for more.
func (ix *Indexer) collectBatch() ([]Entry, bool) {
	select {
	case e := <-ix.multi.Out():
		batch := []Entry{e}
		for len(batch) < ix.maxBatch {
			select {
			case e2 := <-ix.multi.Out():
				batch = append(batch, e2)
			default:
				return batch, true
			}
		}
		return batch, true
	case <-ix.stopCh:
		return nil, false
	}
}

func (ix *Indexer) handleEntries(entries []Entry) error {
	ix.emit(ix.snapshot())

	if err := ix.batch(entries); err != nil {
		return err
	}

	for _, e := range entries {
		ix.multi.SetIndexed(e.DiscoveryID, e.Index)
	}

	ix.updateRate(len(entries))
	if ix.metrics != nil {
		ix.metrics.observeBatch(entries, ix.encoding)
	}
	ix.recomputeAndEmit()
	return nil
}

func (ix *Indexer) updateRate(n int) {
	now := time.Now()
	ix.mu.Lock()
	defer ix.mu.Unlock()
	elapsed := now.Sub(ix.rateStart).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	r := float64(n) / elapsed
	if !ix.haveRate {
		ix.rate = r
		ix.haveRate = true
	} else {
		ix.rate = r + (ix.rate-r)/5
	}
	ix.rateStart = now
}

// recomputeAndEmit re-derives Current from the aggregate stream's live
// Remaining/Drained and emits on any change. Called after every batch and
// whenever the aggregate drains further while idle-eligible.
func (ix *Indexer) recomputeAndEmit() {
	ix.mu.Lock()
	if ix.current == StateClosing || ix.current == StateClosed {
		ix.mu.Unlock()
		return
	}
	remaining := ix.multi.Remaining()
	drained := ix.multi.Drained()
	becameIdle := ix.current == StateIndexing && remaining == 0 && drained
	if becameIdle {
		ix.current = StateIdle
	}
	state := ix.snapshotLocked(remaining)
	ix.mu.Unlock()

	ix.emit(state)
	if becameIdle {
		ix.fireIdleListeners()
		ix.idleSignal.Resolve()
	}
}

// onIndexing implements multiListener: a stream produced after the
// aggregate had drained. idle -> indexing is the only transition this
// triggers; emit (state-change listeners and metrics) runs either way.
func (ix *Indexer) onIndexing() {
	ix.mu.Lock()
	if ix.current == StateClosing || ix.current == StateClosed {
		ix.mu.Unlock()
		return
	}
	wasIdle := ix.current == StateIdle
	if wasIdle {
		ix.current = StateIndexing
	}
	remaining := ix.multi.Remaining()
	state := ix.snapshotLocked(remaining)
	ix.mu.Unlock()

	ix.emit(state)
	if wasIdle {
		ix.idleSignal.Reset()
		ix.fireIndexingListeners()
	}
}

// onDrained implements multiListener: every stream is momentarily out of
// deliverable work. Whether this means idle depends on Remaining, which
// recomputeAndEmit checks uniformly.
func (ix *Indexer) onDrained() {
	ix.recomputeAndEmit()
}

// onError implements multiListener: a member stream hit a fatal I/O error.
// Per the propagate-and-close policy, this tears the whole indexer down;
// Err returns the cause.
func (ix *Indexer) onError(err error) {
	ix.mu.Lock()
	if ix.current == StateClosing || ix.current == StateClosed {
		ix.mu.Unlock()
		return
	}
	ix.lastErr = err
	ix.current = StateClosing
	ix.mu.Unlock()
	go ix.teardown()
}

func (ix *Indexer) snapshot() IndexState {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.snapshotLocked(ix.multi.Remaining())
}

func (ix *Indexer) snapshotLocked(remaining uint64) IndexState {
	return IndexState{Current: ix.current, Remaining: remaining, EntriesPerSecond: ix.rate}
}

func (ix *Indexer) emit(state IndexState) {
	ix.mu.Lock()
	listeners := append([]func(IndexState){}, ix.stateListeners...)
	ix.mu.Unlock()
	for _, l := range listeners {
		l(state)
	}
	if ix.metrics != nil {
		ix.metrics.setState(state)
	}
}

func (ix *Indexer) fireIdleListeners() {
	ix.mu.Lock()
	listeners := append([]func(){}, ix.idleListeners...)
	ix.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}

func (ix *Indexer) fireIndexingListeners() {
	ix.mu.Lock()
	listeners := append([]func(){}, ix.indexingListeners...)
	ix.mu.Unlock()
	for _, l := range listeners {
		l()
	}
}

// OnStateChange subscribes to every IndexState emission.
func (ix *Indexer) OnStateChange(fn func(IndexState)) (unsubscribe func()) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.stateListeners = append(ix.stateListeners, fn)
	idx := len(ix.stateListeners) - 1
	return func() {
		ix.mu.Lock()
		defer ix.mu.Unlock()
		ix.stateListeners[idx] = func(IndexState) {}
	}
}

// OnIdle subscribes to indexing -> idle transitions.
func (ix *Indexer) OnIdle(fn func()) (unsubscribe func()) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.idleListeners = append(ix.idleListeners, fn)
	idx := len(ix.idleListeners) - 1
	return func() {
		ix.mu.Lock()
		defer ix.mu.Unlock()
		ix.idleListeners[idx] = func() {}
	}
}

// OnIndexing subscribes to idle -> indexing transitions.
func (ix *Indexer) OnIndexing(fn func()) (unsubscribe func()) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.indexingListeners = append(ix.indexingListeners, fn)
	idx := len(ix.indexingListeners) - 1
	return func() {
		ix.mu.Lock()
		defer ix.mu.Unlock()
		ix.indexingListeners[idx] = func() {}
	}
}

// State returns the current observable snapshot.
func (ix *Indexer) State() IndexState { return ix.snapshot() }

// Err returns the error that caused the indexer to close itself, if any
// (propagate-and-close: a failing BatchFunc call or a fatal stream I/O
// error both close the indexer and are reported here).
func (ix *Indexer) Err() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.lastErr
}

// Idle blocks until Current == StateIdle, or returns immediately if already
// there. Safe for any number of concurrent callers; Close also resolves
// every pending waiter.
func (ix *Indexer) Idle() error {
	ix.mu.Lock()
	if ix.current == StateIdle {
		ix.mu.Unlock()
		return nil
	}
	sig := ix.idleSignal
	ix.mu.Unlock()
	return sig.Wait(nil)
}

// AddCore registers an additional core with the running indexer, using the
// same storage, reindex, and encoding settings it was constructed with.
// Fails with ErrClosing/ErrClosed if the indexer is tearing down.
func (ix *Indexer) AddCore(core Core) error {
	ix.mu.Lock()
	cur := ix.current
	ix.mu.Unlock()
	switch cur {
	case StateClosing:
		return ErrClosing
	case StateClosed:
		return ErrClosed
	}
	stream := NewCoreIndexStream(core, ix.createStorage, ix.reindex, ix.encoding, ix.logger)
	ix.multi.AddStream(stream)
	return nil
}

// Close transitions to closing, tears down every member stream (flushing
// each stream's persisted bitfield), and transitions to closed. Idempotent
// calls after the first fail with ErrClosing/ErrClosed rather than
// blocking again. Does not cancel an in-flight BatchFunc call: teardown
// waits for the driver loop to return, which happens only after that call
// returns, and destroys the member streams after that.
func (ix *Indexer) Close() error {
	ix.mu.Lock()
	switch ix.current {
	case StateClosing:
		ix.mu.Unlock()
		return ErrClosing
	case StateClosed:
		ix.mu.Unlock()
		return ErrClosed
	}
	ix.current = StateClosing
	ix.mu.Unlock()
	ix.emit(ix.snapshot())
	ix.teardown()
	return nil
}

func (ix *Indexer) teardown() {
	ix.teardownOnce.Do(func() {
		close(ix.stopCh)
		<-ix.closedCh
		ix.multi.Destroy()

		ix.mu.Lock()
		ix.current = StateClosed
		state := ix.snapshotLocked(0)
		ix.mu.Unlock()

		ix.emit(state)
		ix.idleSignal.Resolve()
	})
}

// Unlink deletes every member core's persisted bitfield. Only valid after
// Close has returned.
func (ix *Indexer) Unlink() error {
	ix.mu.Lock()
	cur := ix.current
	ix.mu.Unlock()
	if cur != StateClosed {
		return ErrNotClosed
	}
	return ix.multi.Unlink()
}
