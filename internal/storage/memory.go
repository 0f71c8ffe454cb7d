package storage

import "sync"

// Memory is a RAM-backed Storage, for tests and ephemeral indexers.
// Grounded on the in-memory node tree idiom in internal/fskeleton, here
// flattened to a single growable byte slice since random-access storage has
// no directory structure to model.
type Memory struct {
	mu     sync.Mutex
	data   []byte
	closed bool
	opened bool
}

// NewMemoryFactory returns a Factory that hands out one independent Memory
// store per distinct name, sharing them across repeated calls for the same
// name the way a directory of files would.
func NewMemoryFactory() Factory {
	var mu sync.Mutex
	stores := make(map[string]*Memory)
	return func(name string) Storage {
		mu.Lock()
		defer mu.Unlock()
		s, ok := stores[name]
		if !ok {
			s = &Memory{}
			stores[name] = s
		}
		return s
	}
}

func (m *Memory) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	m.closed = false
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) Stat() (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return 0, false, nil
	}
	return int64(len(m.data)), true, nil
}

func (m *Memory) Read(offset int64, length int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, length)
	if offset >= int64(len(m.data)) {
		return buf, nil
	}
	n := copy(buf, m.data[offset:])
	_ = n
	return buf, nil
}

func (m *Memory) Write(offset int64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + int64(len(data))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[offset:end], data)
	return nil
}

func (m *Memory) Del(offset int64, length int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := offset + int64(length)
	if offset >= int64(len(m.data)) {
		return nil
	}
	if end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	clear(m.data[offset:end])
	return nil
}

func (m *Memory) Unlink() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	return nil
}
