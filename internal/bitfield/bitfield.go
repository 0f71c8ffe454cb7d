// Package bitfield implements the paged sparse bit set spec.md §4.1
// describes: a logical bit array, indexed by block position, organised as
// fixed-size pages persisted to a random-access Storage.
//
// The word/bit arithmetic is grounded on internal/spinner/bitmap.go's
// single-page bitmap (word = idx/bits.UintSize, bit = idx%bits.UintSize),
// generalised here to a sparse map of many same-sized pages so a core's
// indexed set can span an arbitrarily large, mostly-empty position space
// without allocating it all up front. The hot-page eviction policy mirrors
// internal/spinner.go's blkCache: a bounded tinylfu cache of decoded pages
// in front of a store that can always reproduce them.
package bitfield

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	tinylfu "github.com/dgryski/go-tinylfu"

	"github.com/elliotnunn/coreindexer/internal/storage"
)

const (
	wordsPerPage = 1024
	bitsPerWord  = 32
	// BitsPerPage is the number of logical positions one page covers.
	BitsPerPage  = wordsPerPage * bitsPerWord // 32768
	bytesPerPage = wordsPerPage * 4           // 4096
)

// defaultHotPages bounds how many decoded pages the tinylfu cache will keep
// materialised before evicting the least valuable clean page back out to
// "must reload from storage." It is deliberately generous: a core with
// millions of indexed blocks still has relatively few 32768-bit pages.
const defaultHotPages = 4096

type page struct {
	words [wordsPerPage]uint32
	dirty bool
}

func (p *page) isZero() bool {
	for _, w := range p.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Bitfield is a paged sparse bit set backed by a Storage. It is not safe
// for concurrent use by more than one goroutine at a time except where
// documented; the owning CoreIndexStream serialises access.
type Bitfield struct {
	mu      sync.Mutex
	storage storage.Storage
	pages   map[uint32]*page
	hot     *tinylfu.T[uint32, struct{}]
}

// Open reads the entire existing contents of s (if any) and materialises
// its non-empty pages. The storage is left open.
func Open(s storage.Storage) (*Bitfield, error) {
	if err := s.Open(); err != nil {
		return nil, err
	}
	size, exists, err := s.Stat()
	if err != nil {
		return nil, err
	}

	b := &Bitfield{
		storage: s,
		pages:   make(map[uint32]*page),
	}
	b.hot = tinylfu.New[uint32, struct{}](defaultHotPages, defaultHotPages*10, hashPageIndex,
		tinylfu.OnEvict(b.evictPage))

	if !exists {
		return b, nil
	}

	numPages := (size + bytesPerPage - 1) / bytesPerPage
	for p := int64(0); p < numPages; p++ {
		buf, err := s.Read(p*bytesPerPage, bytesPerPage)
		if err != nil {
			return nil, err
		}
		pg := decodePage(buf)
		if pg.isZero() {
			continue
		}
		b.pages[uint32(p)] = pg
		b.hot.Add(uint32(p), struct{}{})
	}
	return b, nil
}

// evictPage is the tinylfu eviction callback: it is invoked synchronously
// from within Add/Get while b.mu is already held by the caller, so it must
// not re-lock. A dirty page is kept resident (its bits are not yet durable)
// even though tinylfu has decided it is cold; Flush adds clean pages back
// into the hot set after writing them out.
func (b *Bitfield) evictPage(idx uint32, _ struct{}) {
	if pg, ok := b.pages[idx]; ok && !pg.dirty {
		delete(b.pages, idx)
	}
}

func hashPageIndex(idx uint32) uint64 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], idx)
	return xxhash.Sum64(buf[:])
}

func decodePage(buf []byte) *page {
	pg := new(page)
	for w := range pg.words {
		pg.words[w] = binary.LittleEndian.Uint32(buf[w*4:])
	}
	return pg
}

func encodePage(pg *page) []byte {
	buf := make([]byte, bytesPerPage)
	for w, v := range pg.words {
		binary.LittleEndian.PutUint32(buf[w*4:], v)
	}
	return buf
}

func split(i uint64) (pageIdx uint32, word int, bit uint) {
	pageIdx = uint32(i / BitsPerPage)
	within := i % BitsPerPage
	word = int(within / bitsPerWord)
	bit = uint(within % bitsPerWord)
	return
}

// reload re-reads a page from storage on demand, e.g. after it was evicted
// from the hot set as clean. Returns nil, nil if the page is genuinely
// absent/all-zero.
func (b *Bitfield) reload(idx uint32) (*page, error) {
	buf, err := b.storage.Read(int64(idx)*bytesPerPage, bytesPerPage)
	if err != nil {
		return nil, err
	}
	pg := decodePage(buf)
	if pg.isZero() {
		return nil, nil
	}
	return pg, nil
}

// Get reports whether position i is set.
func (b *Bitfield) Get(i uint64) (bool, error) {
	idx, word, bit := split(i)

	b.mu.Lock()
	defer b.mu.Unlock()

	pg, ok := b.pages[idx]
	if !ok {
		var err error
		pg, err = b.reload(idx)
		if err != nil {
			return false, err
		}
		if pg == nil {
			return false, nil
		}
		b.pages[idx] = pg
		b.hot.Add(idx, struct{}{})
	}
	return pg.words[word]&(uint32(1)<<bit) != 0, nil
}

// Set updates position i's bit. A no-op write (same value) does nothing; a
// transition from unset to set on a previously-untouched page allocates it.
func (b *Bitfield) Set(i uint64, v bool) error {
	idx, word, bit := split(i)

	b.mu.Lock()
	defer b.mu.Unlock()

	pg, ok := b.pages[idx]
	if !ok {
		if !v {
			return nil // invariant (c): set(false) on untouched page is a no-op
		}
		loaded, err := b.reload(idx)
		if err != nil {
			return err
		}
		if loaded != nil {
			pg = loaded
		} else {
			pg = new(page)
		}
		b.pages[idx] = pg
		b.hot.Add(idx, struct{}{})
	}

	mask := uint32(1) << bit
	cur := pg.words[word]&mask != 0
	if cur == v {
		return nil
	}
	if v {
		pg.words[word] |= mask
	} else {
		pg.words[word] &^= mask
	}
	pg.dirty = true
	return nil
}

// Flush writes all dirty pages to storage at their page-aligned offsets and
// clears their dirty flags.
func (b *Bitfield) Flush() error {
	b.mu.Lock()
	type dirtyPage struct {
		idx uint32
		buf []byte
	}
	var dirty []dirtyPage
	for idx, pg := range b.pages {
		if pg.dirty {
			dirty = append(dirty, dirtyPage{idx, encodePage(pg)})
		}
	}
	b.mu.Unlock()

	for _, d := range dirty {
		if err := b.storage.Write(int64(d.idx)*bytesPerPage, d.buf); err != nil {
			return err
		}
		b.mu.Lock()
		if pg, ok := b.pages[d.idx]; ok {
			pg.dirty = false
		}
		b.hot.Add(d.idx, struct{}{})
		b.mu.Unlock()
	}
	return nil
}

// Close releases the storage handle. Does not flush; callers that want
// durable state must Flush first.
func (b *Bitfield) Close() error {
	return b.storage.Close()
}

// Unlink deletes the backing storage state.
func (b *Bitfield) Unlink() error {
	return b.storage.Unlink()
}
