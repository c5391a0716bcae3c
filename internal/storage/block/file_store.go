package block

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileStore keeps all blocks in a single file; block addr maps to file
// offset addr.
type FileStore struct {
	mu        sync.RWMutex
	path      string
	file      *os.File
	blockSize int
	size      int64
	closed    bool
}

// OpenFileStore opens or creates the store file at path.
func OpenFileStore(path string, blockSize int) (*FileStore, error) {
	if err := validBlockSize(blockSize); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("block: open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("block: stat %s: %w", path, err)
	}
	return &FileStore{
		path:      path,
		file:      f,
		blockSize: blockSize,
		size:      st.Size(),
	}, nil
}

func (s *FileStore) BlockSize() int { return s.blockSize }

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) WriteBlock(addr int64, offset int, buf []byte) error {
	if err := CheckRange(s.blockSize, addr, offset, len(buf)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	pos := addr + int64(offset)
	if _, err := s.file.WriteAt(buf, pos); err != nil {
		return &IOError{Op: "write", Addr: addr, Offset: offset, Err: err}
	}
	if end := pos + int64(len(buf)); end > s.size {
		s.size = end
	}
	return nil
}

func (s *FileStore) ReadBlock(addr int64, offset int, buf []byte) error {
	if err := CheckRange(s.blockSize, addr, offset, len(buf)); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	n, err := s.file.ReadAt(buf, addr+int64(offset))
	if err != nil {
		if errors.Is(err, io.EOF) && n < len(buf) {
			err = ErrShortRead
		}
		return &IOError{Op: "read", Addr: addr, Offset: offset, Err: err}
	}
	return nil
}

func (s *FileStore) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.size, nil
}

func (s *FileStore) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.file.Sync(); err != nil {
		return &IOError{Op: "sync", Err: err}
	}
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return &IOError{Op: "sync", Err: err}
	}
	return s.file.Close()
}
