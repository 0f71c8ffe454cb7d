package coreindexer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/elliotnunn/coreindexer/internal/bitfield"
	"github.com/elliotnunn/coreindexer/internal/corepath"
	"github.com/elliotnunn/coreindexer/internal/onesignal"
	"github.com/elliotnunn/coreindexer/internal/storage"
)

// streamListener receives the aggregate-relevant events a CoreIndexStream
// emits. MultiCoreIndexStream implements it; CoreIndexStream calls it from
// its own owning goroutine, so implementations must be safe to call
// concurrently with other streams' calls but never reentrantly for the
// same stream.
type streamListener interface {
	onIndexing(s *CoreIndexStream)
	onDrained(s *CoreIndexStream)
	onError(s *CoreIndexStream, err error)
}

// CoreIndexStream pulls not-yet-indexed, locally-present blocks from a
// single Core, in increasing index order, skipping blocks already indexed
// or already in flight. It owns one persisted Bitfield of indexed
// positions and one in-memory Bitfield of in-flight positions.
//
// Scan and download state is owned by a single goroutine started by Start;
// append/download notifications reach it through a mailbox channel so the
// design stays single-threaded-cooperative internally (spec.md §5) even
// though Go exposes it as a concurrent-safe type. SetIndexed is the
// exception: it updates the two bitfields directly under bitfieldMu. Grounded on the single
// multiplexer-goroutine-per-resource idiom in internal/spinner.go's work()
// and multiplexer().
type CoreIndexStream struct {
	core          Core
	createStorage storage.Factory
	reindex       bool
	encoding      Encoding
	logger        *slog.Logger

	discoveryKey [32]byte
	discoveryID  string

	// bitfieldMu guards indexed/inProgress so SetIndexed can mutate them
	// synchronously from any goroutine (Remaining must observe the
	// decrement immediately after SetIndexed returns) while still
	// serialising against the owning goroutine's own Get/Set/Flush/Close
	// calls.
	bitfieldMu sync.Mutex
	indexed    *bitfield.Bitfield
	inProgress *bitfield.Bitfield

	nextScan        atomic.Uint64
	length          atomic.Uint64
	inFlightCount   atomic.Int64
	downloadedCount atomic.Int64
	drained         atomic.Bool
	destroying      atomic.Bool

	downloadedOrder []uint64            // owning goroutine only, insertion order
	downloadedSet   map[uint64]struct{} // owning goroutine only

	pending   *onesignal.Signal
	mailbox   chan func()
	destroyCh chan struct{}
	closedCh  chan struct{}

	destroyOnce sync.Once

	readyCh  chan struct{}
	readyErr error
}

// NewCoreIndexStream constructs a stream over core. Nothing happens until
// Start is called.
func NewCoreIndexStream(core Core, createStorage storage.Factory, reindex bool, encoding Encoding, logger *slog.Logger) *CoreIndexStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &CoreIndexStream{
		core:          core,
		createStorage: createStorage,
		reindex:       reindex,
		encoding:      encoding,
		logger:        logger,
		downloadedSet: make(map[uint64]struct{}),
		pending:       onesignal.New(),
		mailbox:       make(chan func(), 256),
		destroyCh:     make(chan struct{}),
		closedCh:      make(chan struct{}),
		readyCh:       make(chan struct{}),
	}
}

// Start runs the open protocol (spec.md §4.2) and then the read loop,
// pushing entries onto out, in its own goroutine. Must be called once.
func (s *CoreIndexStream) Start(out chan<- Entry, listener streamListener) {
	go s.run(out, listener)
}

// ReadyCh closes once the open protocol has completed, successfully or not.
func (s *CoreIndexStream) ReadyCh() <-chan struct{} { return s.readyCh }

// ReadyErr is valid to read once ReadyCh has closed.
func (s *CoreIndexStream) ReadyErr() error { return s.readyErr }

// DiscoveryID is valid to read once ReadyCh has closed with a nil ReadyErr.
func (s *CoreIndexStream) DiscoveryID() string { return s.discoveryID }

// Closed closes once the owning goroutine has fully torn down.
func (s *CoreIndexStream) Closed() <-chan struct{} { return s.closedCh }

func (s *CoreIndexStream) run(out chan<- Entry, listener streamListener) {
	defer close(s.closedCh)

	if err := s.core.Ready(); err != nil {
		s.readyErr = err
		close(s.readyCh)
		return
	}
	if err := s.core.Update(true); err != nil {
		s.readyErr = err
		close(s.readyCh)
		return
	}

	s.discoveryKey = s.core.DiscoveryKey()
	s.discoveryID = corepath.DiscoveryID(s.discoveryKey)
	subPath := corepath.Path(s.discoveryKey)

	indexedStorage := s.createStorage(subPath)
	if s.reindex {
		if err := indexedStorage.Open(); err != nil {
			s.readyErr = err
			close(s.readyCh)
			return
		}
		if err := indexedStorage.Unlink(); err != nil {
			s.readyErr = err
			close(s.readyCh)
			return
		}
	}

	indexed, err := bitfield.Open(indexedStorage)
	if err != nil {
		s.readyErr = err
		close(s.readyCh)
		return
	}
	s.indexed = indexed

	inProgress, err := bitfield.Open(storage.NewMemoryFactory()("in-progress"))
	if err != nil {
		s.readyErr = err
		close(s.readyCh)
		return
	}
	s.inProgress = inProgress

	s.length.Store(s.core.Length())

	unsubAppend := s.core.OnAppend(s.notifyAppend)
	unsubDownload := s.core.OnDownload(s.notifyDownload)
	defer unsubAppend()
	defer unsubDownload()

	close(s.readyCh)

	s.loop(out, listener)

	s.bitfieldMu.Lock()
	if err := s.indexed.Flush(); err != nil {
		s.logger.Error("flushOnCloseFailed", "discoveryId", s.discoveryID, "err", err)
	}
	if err := s.indexed.Close(); err != nil {
		s.logger.Error("closeIndexedFailed", "discoveryId", s.discoveryID, "err", err)
	}
	if err := s.inProgress.Close(); err != nil {
		s.logger.Error("closeInProgressFailed", "discoveryId", s.discoveryID, "err", err)
	}
	s.bitfieldMu.Unlock()
}

func (s *CoreIndexStream) sendMailbox(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.closedCh:
	}
}

func (s *CoreIndexStream) drainMailbox() {
	for {
		select {
		case fn := <-s.mailbox:
			fn()
		default:
			return
		}
	}
}

// notifyAppend and notifyDownload must wake a stream parked in
// pending.Wait without depending on that same stream draining its
// mailbox first — Wait doesn't select on the mailbox, only on the
// signal and destroyCh. So the state mutation goes through the mailbox
// (single-writer), but the wakeup itself (Resolve) is called directly,
// safe from any goroutine.
func (s *CoreIndexStream) notifyAppend() {
	s.sendMailbox(func() {
		s.length.Store(s.core.Length())
	})
	s.pending.Resolve()
}

func (s *CoreIndexStream) notifyDownload(index uint64) {
	s.sendMailbox(func() {
		if _, ok := s.downloadedSet[index]; !ok {
			s.downloadedSet[index] = struct{}{}
			s.downloadedOrder = append(s.downloadedOrder, index)
			s.downloadedCount.Store(int64(len(s.downloadedSet)))
		}
	})
	s.pending.Resolve()
}

// SetIndexed marks index as permanently indexed and decrements in-flight.
// Unlike notifyAppend/notifyDownload, this mutates indexed/inProgress
// synchronously on the calling goroutine rather than through the mailbox:
// Remaining (and so Indexer.recomputeAndEmit, called right after a batch's
// SetIndexed calls) must observe the decrement immediately, not whenever
// the owning goroutine next happens to drain its mailbox. bitfieldMu
// serialises this against the owning goroutine's own Get/Set/Flush/Close
// calls on the same two bitfields.
func (s *CoreIndexStream) SetIndexed(index uint64) {
	s.inFlightCount.Add(-1)
	s.bitfieldMu.Lock()
	if err := s.indexed.Set(index, true); err != nil {
		s.logger.Error("setIndexedFailed", "discoveryId", s.discoveryID, "index", index, "err", err)
	}
	if err := s.inProgress.Set(index, false); err != nil {
		s.logger.Error("clearInProgressFailed", "discoveryId", s.discoveryID, "index", index, "err", err)
	}
	s.bitfieldMu.Unlock()
	s.pending.Resolve()
}

// Destroy detaches listeners, flushes the indexed bitfield, and closes
// storage. Blocks until teardown completes.
func (s *CoreIndexStream) Destroy() {
	s.destroyOnce.Do(func() {
		s.destroying.Store(true)
		close(s.destroyCh)
		s.pending.Resolve()
	})
	<-s.closedCh
}

// Unlink ensures the backing storage exists, then deletes it. Callable
// without ever having called Start.
func (s *CoreIndexStream) Unlink() error {
	if err := s.core.Ready(); err != nil {
		return err
	}
	key := s.core.DiscoveryKey()
	st := s.createStorage(corepath.Path(key))
	if err := st.Open(); err != nil {
		return err
	}
	return st.Unlink()
}

// Remaining is core.length - nextScan + |downloadedSet| + inFlightCount.
func (s *CoreIndexStream) Remaining() uint64 {
	length := s.length.Load()
	next := s.nextScan.Load()
	var pendingLinear uint64
	if length > next {
		pendingLinear = length - next
	}
	inFlight := s.inFlightCount.Load()
	if inFlight < 0 {
		inFlight = 0
	}
	return pendingLinear + uint64(s.downloadedCount.Load()) + uint64(inFlight)
}

// Drained reports whether the stream currently has no deliverable work.
func (s *CoreIndexStream) Drained() bool { return s.drained.Load() }

func (s *CoreIndexStream) setDrained(v bool, listener streamListener) {
	if s.drained.Load() == v {
		return
	}
	s.drained.Store(v)
	if listener == nil {
		return
	}
	if v {
		listener.onDrained(s)
	} else {
		listener.onIndexing(s)
	}
}

func (s *CoreIndexStream) fail(listener streamListener, err error) {
	s.logger.Error("coreIndexStreamFailed", "discoveryId", s.discoveryID, "err", err)
	s.destroying.Store(true)
	if listener != nil {
		listener.onError(s, fmt.Errorf("coreindexer: stream %s: %w", s.discoveryID, err))
	}
}

func (s *CoreIndexStream) loop(out chan<- Entry, listener streamListener) {
	for {
		s.drainMailbox()
		if s.destroying.Load() {
			return
		}

		length := s.length.Load()
		next := s.nextScan.Load()
		if next >= length && len(s.downloadedSet) == 0 {
			s.setDrained(true, listener)
			s.pending.Wait(s.destroyCh)
			s.pending.Reset()
			continue
		}

		s.setDrained(false, listener)

		for next < length {
			if _, err := s.pushEntry(next, out); err != nil {
				s.fail(listener, err)
				return
			}
			if s.destroying.Load() {
				return
			}
			next++
			s.nextScan.Store(next)
			s.drainMailbox()
			length = s.length.Load()
		}

		downloaded := s.takeDownloaded()
		if len(downloaded) > 0 {
			if err := s.pushDownloaded(downloaded, out); err != nil {
				s.fail(listener, err)
				return
			}
			if s.destroying.Load() {
				return
			}
			s.drainMailbox()
		}

		s.bitfieldMu.Lock()
		err := s.indexed.Flush()
		s.bitfieldMu.Unlock()
		if err != nil {
			s.fail(listener, err)
			return
		}
	}
}

// takeDownloaded removes and returns every pending downloaded position, in
// the order notifyDownload first observed them.
func (s *CoreIndexStream) takeDownloaded() []uint64 {
	if len(s.downloadedOrder) == 0 {
		return nil
	}
	snap := s.downloadedOrder
	s.downloadedOrder = nil
	s.downloadedSet = make(map[uint64]struct{})
	s.downloadedCount.Store(0)
	return snap
}

// pushEntry attempts to emit the block at index i. Returns false (skipped,
// no error) if i is already indexed, already in flight, or not yet locally
// present.
func (s *CoreIndexStream) pushEntry(i uint64, out chan<- Entry) (bool, error) {
	s.bitfieldMu.Lock()
	already, err := s.indexed.Get(i)
	var inFlight bool
	if err == nil && !already {
		inFlight, err = s.inProgress.Get(i)
	}
	s.bitfieldMu.Unlock()
	if err != nil {
		return false, err
	}
	if already || inFlight {
		return false, nil
	}

	raw, ok, err := s.core.Get(i, false)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if err := s.emitProbed(i, raw, out); err != nil {
		return false, err
	}
	return true, nil
}
