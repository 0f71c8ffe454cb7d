package bitfield

import (
	"testing"

	"github.com/elliotnunn/coreindexer/internal/storage"
)

func TestSetThenGetBeforeFlush(t *testing.T) {
	b, err := Open(storage.NewMemoryFactory()("core"))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Set(5, true); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get(5)
	if err != nil {
		t.Fatal(err)
	}
	if !got {
		t.Fatal("expected true before flush")
	}
}

func TestSetFalseOnUntouchedPageDoesNotAllocate(t *testing.T) {
	b, err := Open(storage.NewMemoryFactory()("core"))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Set(100000, false); err != nil {
		t.Fatal(err)
	}
	if len(b.pages) != 0 {
		t.Fatalf("expected no page allocated, got %d", len(b.pages))
	}
}

func TestFlushRoundTrip(t *testing.T) {
	factory := storage.NewMemoryFactory()
	s := factory("round-trip")

	b, err := Open(s)
	if err != nil {
		t.Fatal(err)
	}
	positions := []uint64{0, 1, 32767, 32768, 70000, 1 << 20}
	for _, p := range positions {
		if err := b.Set(p, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(s)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range positions {
		got, err := reopened.Get(p)
		if err != nil {
			t.Fatal(err)
		}
		if !got {
			t.Fatalf("position %d lost across reopen", p)
		}
	}
	// a position never touched stays false
	got, err := reopened.Get(999)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Fatal("untouched position should be false")
	}
}

func TestPageEvictionReloadsFromStorage(t *testing.T) {
	factory := storage.NewMemoryFactory()
	s := factory("eviction")
	b, err := Open(s)
	if err != nil {
		t.Fatal(err)
	}

	// touch far more pages than the hot-set capacity to force eviction
	for i := range uint64(defaultHotPages * 2) {
		pos := i * BitsPerPage
		if err := b.Set(pos, true); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if len(b.pages) >= defaultHotPages*2 {
		t.Fatalf("expected eviction to bound resident pages, got %d", len(b.pages))
	}

	// every position must still read back true, whether resident or evicted
	for i := range uint64(defaultHotPages * 2) {
		pos := i * BitsPerPage
		got, err := b.Get(pos)
		if err != nil {
			t.Fatal(err)
		}
		if !got {
			t.Fatalf("position %d lost after eviction", pos)
		}
	}
}
