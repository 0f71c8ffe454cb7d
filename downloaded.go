package coreindexer

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// downloadProbeConcurrency bounds how many core.Get probes a stream issues
// concurrently while draining positions learned out of band via OnDownload.
// Grounded on prefetch.go's runtime.GOMAXPROCS(-1)-sized worker fan-out.
func downloadProbeConcurrency() int64 {
	n := runtime.GOMAXPROCS(-1)
	if n < 1 {
		n = 1
	}
	return int64(n)
}

// pushDownloaded drains indices (the owning goroutine's snapshot of
// downloadedSet, taken in iteration order) preserving that order on output.
// The expensive part, core.Get, runs concurrently across a bounded pool;
// the stateful part (marking in-flight, sending to out) stays on the
// calling goroutine, one index at a time, in the original order.
func (s *CoreIndexStream) pushDownloaded(indices []uint64, out chan<- Entry) error {
	type probe struct {
		raw []byte
		ok  bool
		err error
	}

	probes := make([]probe, len(indices))
	eligible := make([]bool, len(indices))

	for i, idx := range indices {
		s.bitfieldMu.Lock()
		already, err := s.indexed.Get(idx)
		var inFlight bool
		if err == nil && !already {
			inFlight, err = s.inProgress.Get(idx)
		}
		s.bitfieldMu.Unlock()
		if err != nil {
			return err
		}
		eligible[i] = !already && !inFlight
	}

	sem := semaphore.NewWeighted(downloadProbeConcurrency())
	ctx := context.Background()
	var wg sync.WaitGroup
	for i, idx := range indices {
		if !eligible[i] {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(i int, idx uint64) {
			defer wg.Done()
			defer sem.Release(1)
			raw, ok, err := s.core.Get(idx, false)
			probes[i] = probe{raw: raw, ok: ok, err: err}
		}(i, idx)
	}
	wg.Wait()

	for i, idx := range indices {
		if !eligible[i] {
			continue
		}
		p := probes[i]
		if p.err != nil {
			return p.err
		}
		if !p.ok {
			continue
		}
		if err := s.emitProbed(idx, p.raw, out); err != nil {
			return err
		}
		if s.destroying.Load() {
			return nil
		}
		s.drainMailbox()
	}
	return nil
}

// emitProbed decodes a block already fetched by pushEntry or pushDownloaded,
// marks it in flight, and delivers it; it is the shared tail of both paths.
func (s *CoreIndexStream) emitProbed(i uint64, raw []byte, out chan<- Entry) error {
	block, err := decodeBlock(s.encoding, raw)
	if err != nil {
		return err
	}
	s.bitfieldMu.Lock()
	err = s.inProgress.Set(i, true)
	s.bitfieldMu.Unlock()
	if err != nil {
		return err
	}
	s.inFlightCount.Add(1)

	entry := Entry{Index: i, DiscoveryID: s.discoveryID, Block: block}

	for {
		select {
		case out <- entry:
			return nil
		case fn := <-s.mailbox:
			fn()
		case <-s.destroyCh:
			return nil
		}
	}
}
