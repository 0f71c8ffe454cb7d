package coreindexer

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// multiListener receives the events MultiCoreIndexStream bubbles up to its
// owner (the Indexer).
type multiListener interface {
	onIndexing()
	onDrained()
	onError(err error)
}

// routingShards bounds the number of independent locks guarding the
// discoveryId -> stream routing table. SetIndexed is the hottest path
// through MultiCoreIndexStream (once per delivered entry); addStream and
// removeStreamAndUnlinkStorage are comparatively rare. Sharding the table by
// hash of discoveryId, rather than guarding it with one lock, keeps the hot
// path uncontended the way a sharded store keeps independent keys from
// serialising on each other — grounded on the per-shard sync.RWMutex slice
// pattern used for exactly this reason in ehrlich-b-go-ublk's in-memory
// backend (backend/mem.go).
const routingShards = 16

type routingShard struct {
	mu sync.RWMutex
	m  map[string]*CoreIndexStream
}

// MultiCoreIndexStream fans a dynamic set of CoreIndexStreams into one
// stream of entries, aggregating their indexing/drained signals (spec.md
// §4.3). Entries from every member stream are written directly to a
// single shared, bounded channel — the classic Go fan-in over one buffered
// channel — so backpressure on Out is exactly the high-water mark shared
// across all cores.
type MultiCoreIndexStream struct {
	logger *slog.Logger
	out    chan Entry

	routing [routingShards]routingShard

	mu         sync.Mutex
	streams    []*CoreIndexStream
	drainedOf  map[*CoreIndexStream]bool
	allDrained bool

	listener multiListener

	destroying  atomic.Bool
	destroyOnce sync.Once
	closedCh    chan struct{}
}

// NewMultiCoreIndexStream builds an empty fan-in with the given output
// high-water mark (entries buffered before a producing CoreIndexStream
// blocks).
func NewMultiCoreIndexStream(highWaterMark int, logger *slog.Logger) *MultiCoreIndexStream {
	if logger == nil {
		logger = slog.Default()
	}
	if highWaterMark < 1 {
		highWaterMark = 1
	}
	m := &MultiCoreIndexStream{
		logger:     logger,
		out:        make(chan Entry, highWaterMark),
		drainedOf:  make(map[*CoreIndexStream]bool),
		allDrained: true, // vacuously, with no streams
		closedCh:   make(chan struct{}),
	}
	for i := range m.routing {
		m.routing[i].m = make(map[string]*CoreIndexStream)
	}
	return m
}

// SetListener wires the owner (Indexer) that receives aggregate events.
// Must be called before any stream can emit, i.e. before AddStream.
func (m *MultiCoreIndexStream) SetListener(l multiListener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// Out is the shared channel entries from every member stream land on.
func (m *MultiCoreIndexStream) Out() <-chan Entry { return m.out }

func (m *MultiCoreIndexStream) shardFor(discoveryID string) *routingShard {
	h := xxhash.Sum64String(discoveryID)
	return &m.routing[h%routingShards]
}

// AddStream registers s, idempotently, and starts it. discoveryId routing
// (for SetIndexed) is registered once the core's readiness resolves; if
// readiness fails the stream stays in the fan-in (contributing zero to
// Remaining forever, since it never starts scanning) but is silently
// dropped from routing, per spec.md §7.
func (m *MultiCoreIndexStream) AddStream(s *CoreIndexStream) {
	m.mu.Lock()
	if _, ok := m.drainedOf[s]; ok {
		m.mu.Unlock()
		return
	}
	m.streams = append(m.streams, s)
	m.drainedOf[s] = false
	m.allDrained = false
	m.mu.Unlock()

	s.Start(m.out, m)

	go func() {
		<-s.ReadyCh()
		if err := s.ReadyErr(); err != nil {
			m.logger.Warn("coreReadinessFailed", "err", err)
			return
		}
		shard := m.shardFor(s.DiscoveryID())
		shard.mu.Lock()
		shard.m[s.DiscoveryID()] = s
		shard.mu.Unlock()
	}()
}

// RemoveStreamAndUnlinkStorage detaches s, destroys it, awaits its
// teardown, then unlinks its backing storage.
func (m *MultiCoreIndexStream) RemoveStreamAndUnlinkStorage(s *CoreIndexStream) error {
	m.mu.Lock()
	for i, st := range m.streams {
		if st == s {
			m.streams = append(m.streams[:i], m.streams[i+1:]...)
			break
		}
	}
	delete(m.drainedOf, s)
	nowAllDrained := m.allComplete()
	transitioned := !m.allDrained && nowAllDrained
	m.allDrained = nowAllDrained
	listener := m.listener
	m.mu.Unlock()

	if s.DiscoveryID() != "" {
		shard := m.shardFor(s.DiscoveryID())
		shard.mu.Lock()
		delete(shard.m, s.DiscoveryID())
		shard.mu.Unlock()
	}

	s.Destroy()

	if transitioned && listener != nil {
		listener.onDrained()
	}

	return s.Unlink()
}

// allComplete reports whether every remaining member stream is drained.
// Caller must hold m.mu.
func (m *MultiCoreIndexStream) allComplete() bool {
	for _, drained := range m.drainedOf {
		if !drained {
			return false
		}
	}
	return true
}

// SetIndexed routes to the per-core stream by discoveryId; a silent no-op
// if unknown (benign race with removal, spec.md §7).
func (m *MultiCoreIndexStream) SetIndexed(discoveryID string, index uint64) {
	shard := m.shardFor(discoveryID)
	shard.mu.RLock()
	s, ok := shard.m[discoveryID]
	shard.mu.RUnlock()
	if !ok {
		return
	}
	s.SetIndexed(index)
}

// Remaining sums every member stream's Remaining.
func (m *MultiCoreIndexStream) Remaining() uint64 {
	m.mu.Lock()
	streams := append([]*CoreIndexStream(nil), m.streams...)
	m.mu.Unlock()

	var total uint64
	for _, s := range streams {
		total += s.Remaining()
	}
	return total
}

// Drained reports the cached aggregate: true iff every member stream is
// currently drained.
func (m *MultiCoreIndexStream) Drained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allDrained
}

// onIndexing implements streamListener: a member stream started producing
// again. If the aggregate was drained, flip it and bubble indexing up.
func (m *MultiCoreIndexStream) onIndexing(s *CoreIndexStream) {
	m.mu.Lock()
	if _, ok := m.drainedOf[s]; !ok {
		m.mu.Unlock()
		return
	}
	m.drainedOf[s] = false
	wasAllDrained := m.allDrained
	m.allDrained = false
	listener := m.listener
	m.mu.Unlock()

	if wasAllDrained && listener != nil {
		listener.onIndexing()
	}
}

// onDrained implements streamListener: a member stream has no more
// deliverable work right now. Recompute the aggregate; bubble drained up
// only on the false -> true edge.
func (m *MultiCoreIndexStream) onDrained(s *CoreIndexStream) {
	m.mu.Lock()
	if _, ok := m.drainedOf[s]; !ok {
		m.mu.Unlock()
		return
	}
	m.drainedOf[s] = true
	nowAllDrained := m.allComplete()
	transitioned := !m.allDrained && nowAllDrained
	m.allDrained = nowAllDrained
	listener := m.listener
	m.mu.Unlock()

	if transitioned && listener != nil {
		listener.onDrained()
	}
}

// onError implements streamListener: a member stream hit a fatal I/O
// error. Bubble it up; the Indexer decides policy.
func (m *MultiCoreIndexStream) onError(s *CoreIndexStream, err error) {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener != nil {
		listener.onError(err)
	}
}

// Destroy unsubscribes from and destroys every member stream, awaiting
// their teardown.
func (m *MultiCoreIndexStream) Destroy() {
	m.destroyOnce.Do(func() {
		m.destroying.Store(true)
		m.mu.Lock()
		streams := append([]*CoreIndexStream(nil), m.streams...)
		m.mu.Unlock()

		var wg sync.WaitGroup
		wg.Add(len(streams))
		for _, s := range streams {
			s := s
			go func() {
				defer wg.Done()
				s.Destroy()
			}()
		}
		wg.Wait()
		close(m.closedCh)
	})
	<-m.closedCh
}

// Closed closes once Destroy has finished tearing down every member.
func (m *MultiCoreIndexStream) Closed() <-chan struct{} { return m.closedCh }

// Unlink unlinks every child stream's backing storage. Must only be called
// after Destroy/Closed.
func (m *MultiCoreIndexStream) Unlink() error {
	m.mu.Lock()
	streams := append([]*CoreIndexStream(nil), m.streams...)
	m.mu.Unlock()

	var firstErr error
	for _, s := range streams {
		if err := s.Unlink(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
