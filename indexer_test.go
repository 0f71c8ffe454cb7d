package coreindexer

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestIndexerDeliversEveryBlockExactlyOnce(t *testing.T) {
	const nCores = 5
	const nBlocks = 20

	cores := make([]Core, nCores)
	for i := range cores {
		c := newTestCore(byte(i + 1))
		c.AppendPresent(nBlocks, func(j int) []byte { return block(j) })
		cores[i] = c
	}

	seen := map[string]map[uint64]bool{}
	var mu sync.Mutex

	ix, err := NewIndexer(Options{
		Cores:      cores,
		StorageDir: t.TempDir(),
		Batch: func(entries []Entry) error {
			mu.Lock()
			for _, e := range entries {
				if seen[e.DiscoveryID] == nil {
					seen[e.DiscoveryID] = map[uint64]bool{}
				}
				if seen[e.DiscoveryID][e.Index] {
					mu.Unlock()
					t.Fatalf("duplicate delivery of %s/%d", e.DiscoveryID, e.Index)
				}
				seen[e.DiscoveryID][e.Index] = true
			}
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := ix.Idle(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != nCores {
		t.Fatalf("got %d cores, want %d", len(seen), nCores)
	}
	for id, indices := range seen {
		if len(indices) != nBlocks {
			t.Fatalf("core %s: got %d entries, want %d", id, len(indices), nBlocks)
		}
	}

	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestIndexerIdleThenIndexingOnAppend(t *testing.T) {
	core := newTestCore(1)
	core.AppendPresent(1, func(i int) []byte { return block(i) })

	ix, err := NewIndexer(Options{
		Cores:      []Core{core},
		StorageDir: t.TempDir(),
		Batch:      func(entries []Entry) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := ix.Idle(); err != nil {
		t.Fatal(err)
	}
	if ix.State().Current != StateIdle {
		t.Fatalf("got %v, want idle", ix.State().Current)
	}

	var becameIndexing sync.WaitGroup
	becameIndexing.Add(1)
	ix.OnIndexing(func() { becameIndexing.Done() })

	core.AppendPresent(1, func(i int) []byte { return block(i) })

	done := make(chan struct{})
	go func() { becameIndexing.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnIndexing never fired after append")
	}

	if err := ix.Idle(); err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestIndexerBatchErrorClosesAndIsReported(t *testing.T) {
	core := newTestCore(1)
	core.AppendPresent(3, func(i int) []byte { return block(i) })
	wantErr := errors.New("boom")

	ix, err := NewIndexer(Options{
		Cores:      []Core{core},
		StorageDir: t.TempDir(),
		Batch: func(entries []Entry) error {
			return wantErr
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for ix.State().Current != StateClosed {
		select {
		case <-deadline:
			t.Fatalf("indexer never closed after batch error, state=%v", ix.State().Current)
		case <-time.After(time.Millisecond):
		}
	}

	if !errors.Is(ix.Err(), wantErr) {
		t.Fatalf("Err() = %v, want wrapping %v", ix.Err(), wantErr)
	}

	// Close after an error-induced close reports ErrClosed.
	if err := ix.Close(); err != ErrClosed {
		t.Fatalf("Close() after failure = %v, want ErrClosed", err)
	}
}

func TestIndexerCloseIsIdempotentAndUnlinkRequiresClosed(t *testing.T) {
	core := newTestCore(1)
	ix, err := NewIndexer(Options{
		Cores:      []Core{core},
		StorageDir: t.TempDir(),
		Batch:      func(entries []Entry) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := ix.Unlink(); err != ErrNotClosed {
		t.Fatalf("Unlink() before Close = %v, want ErrNotClosed", err)
	}

	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != ErrClosed {
		t.Fatalf("second Close() = %v, want ErrClosed", err)
	}
	if err := ix.Unlink(); err != nil {
		t.Fatal(err)
	}
}

func TestIndexerRequiresBatchAndStorage(t *testing.T) {
	if _, err := NewIndexer(Options{}); err != errNoBatch {
		t.Fatalf("got %v, want errNoBatch", err)
	}
	if _, err := NewIndexer(Options{Batch: func([]Entry) error { return nil }}); err != errNoStorage {
		t.Fatalf("got %v, want errNoStorage", err)
	}
}

func TestIndexerAddCoreAfterCloseFails(t *testing.T) {
	ix, err := NewIndexer(Options{
		Cores:      nil,
		StorageDir: t.TempDir(),
		Batch:      func([]Entry) error { return nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
	if err := ix.AddCore(newTestCore(1)); err != ErrClosed {
		t.Fatalf("AddCore after Close = %v, want ErrClosed", err)
	}
}
