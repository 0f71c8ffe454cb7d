package storage

import (
	"path/filepath"
	"testing"
)

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "blob"))
	if err := f.Open(); err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if err := f.Write(10, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := f.Read(10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}

	// reads past written range zero-pad rather than erroring
	got, err = f.Read(0, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range got {
		if b != 0 {
			t.Fatalf("expected zero padding, got %v", got)
		}
	}
}

func TestFileStatNonexistent(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "missing"))
	size, exists, err := f.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if exists || size != 0 {
		t.Fatalf("expected absent, got size=%d exists=%v", size, exists)
	}
}

func TestFileUnlinkWithoutOpen(t *testing.T) {
	dir := t.TempDir()
	f := NewFile(filepath.Join(dir, "never-opened"))
	if err := f.Unlink(); err != nil {
		t.Fatal(err)
	}
}

func TestDirFactoryUnlinkWithoutOpen(t *testing.T) {
	dir := t.TempDir()
	factory := NewDirFactory(dir)
	s := factory("aa/bb/aabbccdd")
	if err := s.Unlink(); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	factory := NewMemoryFactory()
	s := factory("core-1")
	if err := s.Open(); err != nil {
		t.Fatal(err)
	}
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
}
