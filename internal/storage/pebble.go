package storage

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble/v2"
)

// Pebble is a Storage backed by a shared pebble.DB, namespaced by a
// per-name key prefix. The teacher's go.mod pulls in pebble/v2 directly;
// this is the home for it in this engine, an alternative to File for
// deployments that already run pebble and would rather not manage one
// file per core.
//
// Page-aligned random access (the only access pattern Bitfield uses) maps
// onto pebble directly: each page offset becomes a key, and a small meta
// key tracks the logical size Stat reports, mirroring a sparse file's
// "unwritten reads return zero" behaviour.
type Pebble struct {
	db     *pebble.DB
	prefix []byte
}

// NewPebbleFactory returns a Factory sharing one already-open pebble.DB
// across every name, each isolated by its own key prefix. The caller owns
// db's lifecycle; Storage.Close is a no-op since the handle is shared.
func NewPebbleFactory(db *pebble.DB) Factory {
	return func(name string) Storage {
		prefix := make([]byte, 0, len(name)+1)
		prefix = append(prefix, name...)
		prefix = append(prefix, 0)
		return &Pebble{db: db, prefix: prefix}
	}
}

// OpenPebbleFactory opens (creating if necessary) a pebble database at dir
// and returns a Factory over it plus a func to close the database once
// every Storage it produced is done with it.
func OpenPebbleFactory(dir string) (factory Factory, closeDB func() error, err error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, nil, err
	}
	return NewPebbleFactory(db), db.Close, nil
}

func (p *Pebble) metaKey() []byte {
	return append(append([]byte(nil), p.prefix...), 'm')
}

func (p *Pebble) pageKey(offset int64) []byte {
	k := append([]byte(nil), p.prefix...)
	k = append(k, 'p')
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(offset))
	return append(k, buf[:]...)
}

func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (p *Pebble) Open() error  { return nil }
func (p *Pebble) Close() error { return nil }

func (p *Pebble) Stat() (int64, bool, error) {
	v, closer, err := p.db.Get(p.metaKey())
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	if len(v) < 8 {
		return 0, false, nil
	}
	return int64(binary.BigEndian.Uint64(v)), true, nil
}

func (p *Pebble) Read(offset int64, length int) ([]byte, error) {
	v, closer, err := p.db.Get(p.pageKey(offset))
	if err == pebble.ErrNotFound {
		return make([]byte, length), nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	buf := make([]byte, length)
	copy(buf, v)
	return buf, nil
}

func (p *Pebble) Write(offset int64, data []byte) error {
	if err := p.db.Set(p.pageKey(offset), data, pebble.Sync); err != nil {
		return err
	}
	size, _, err := p.Stat()
	if err != nil {
		return err
	}
	if end := offset + int64(len(data)); end > size {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(end))
		return p.db.Set(p.metaKey(), buf[:], pebble.Sync)
	}
	return nil
}

func (p *Pebble) Del(offset int64, length int) error {
	return p.db.Delete(p.pageKey(offset), pebble.Sync)
}

func (p *Pebble) Unlink() error {
	return p.db.DeleteRange(p.prefix, prefixUpperBound(p.prefix), pebble.Sync)
}
