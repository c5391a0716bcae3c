package block

import "sync"

// MemStore is an in-memory Store. Unwritten bytes below Size read as zero.
type MemStore struct {
	mu        sync.RWMutex
	blockSize int
	data      []byte
	closed    bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore(blockSize int) (*MemStore, error) {
	if err := validBlockSize(blockSize); err != nil {
		return nil, err
	}
	return &MemStore{blockSize: blockSize}, nil
}

func (s *MemStore) BlockSize() int { return s.blockSize }

func (s *MemStore) WriteBlock(addr int64, offset int, buf []byte) error {
	if err := CheckRange(s.blockSize, addr, offset, len(buf)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	end := int(addr) + offset + len(buf)
	if end > len(s.data) {
		grown := make([]byte, end, 2*end)
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data[int(addr)+offset:], buf)
	return nil
}

func (s *MemStore) ReadBlock(addr int64, offset int, buf []byte) error {
	if err := CheckRange(s.blockSize, addr, offset, len(buf)); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	start := int(addr) + offset
	if start+len(buf) > len(s.data) {
		return &IOError{Op: "read", Addr: addr, Offset: offset, Err: ErrShortRead}
	}
	copy(buf, s.data[start:])
	return nil
}

func (s *MemStore) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.data)), nil
}

func (s *MemStore) Sync() error { return nil }

func (s *MemStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Bytes returns a copy of the raw store contents.
func (s *MemStore) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// Reopen returns a fresh, open store holding the same bytes, the in-memory
// equivalent of closing and reopening a file.
func (s *MemStore) Reopen() *MemStore {
	return &MemStore{blockSize: s.blockSize, data: s.Bytes()}
}
