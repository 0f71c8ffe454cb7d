package storage

import (
	"path/filepath"
	"testing"
)

func TestPebbleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	factory, closeDB, err := OpenPebbleFactory(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB()

	s := factory("core-1")
	if err := s.Write(4096, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	size, exists, err := s.Stat()
	if err != nil || !exists || size != 4099 {
		t.Fatalf("size=%d exists=%v err=%v", size, exists, err)
	}

	same := factory("core-1")
	got, err := same.Read(4096, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("got %v", got)
	}

	// unwritten offsets zero-pad rather than erroring
	zeros, err := same.Read(0, 16)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range zeros {
		if b != 0 {
			t.Fatalf("expected zero padding, got %v", zeros)
		}
	}
}

func TestPebbleUnlinkIsolatedByPrefix(t *testing.T) {
	dir := t.TempDir()
	factory, closeDB, err := OpenPebbleFactory(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB()

	a := factory("core-a")
	b := factory("core-b")
	if err := a.Write(0, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(0, []byte{2}); err != nil {
		t.Fatal(err)
	}
	if err := a.Unlink(); err != nil {
		t.Fatal(err)
	}

	if _, exists, err := a.Stat(); err != nil || exists {
		t.Fatalf("expected core-a gone, exists=%v err=%v", exists, err)
	}
	if size, exists, err := b.Stat(); err != nil || !exists || size != 1 {
		t.Fatalf("expected core-b untouched, size=%d exists=%v err=%v", size, exists, err)
	}
}
