// ============================================================================
// Block Store
// ============================================================================
//
// Package: internal/storage/block
// Purpose: Durable fixed-size block storage used by the journal.
//
// Addressing:
//   A block address is the byte offset of the block start, always a multiple
//   of BlockSize(). Block 0 holds the journal file header, so data blocks
//   always have an address > 0.
//
//   ┌──────────┬──────────┬──────────┬─────
//   │ block 0  │ block 1  │ block 2  │ ...
//   │ (header) │ addr=bs  │ addr=2bs │
//   └──────────┴──────────┴──────────┴─────
//
// Every WriteBlock/ReadBlock call touches exactly one block: the range
// [offset, offset+len(buf)) must stay within the block.
//
// ============================================================================

package block

import (
	"errors"
	"fmt"
)

var (
	// ErrIOFailure is matched by every error produced by a failing read or write.
	ErrIOFailure = errors.New("block: io failure")

	// ErrOutOfRange is returned for misaligned addresses or ranges that cross
	// a block boundary.
	ErrOutOfRange = errors.New("block: range out of bounds")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("block: store closed")

	// ErrShortRead is the cause of an IOError when a read hits the end of the store.
	ErrShortRead = errors.New("block: short read")
)

// MinBlockSize is the smallest block size a store accepts.
const MinBlockSize = 256

// Store is a durable byte-range store organised in fixed-size blocks.
type Store interface {
	BlockSize() int
	WriteBlock(addr int64, offset int, buf []byte) error
	ReadBlock(addr int64, offset int, buf []byte) error
	// Size is the number of bytes ever written (the high-water mark).
	Size() (int64, error)
	Sync() error
	Close() error
}

// IOError describes a failed block operation.
type IOError struct {
	Op     string // "read", "write", "sync"
	Addr   int64
	Offset int
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("block: %s addr=%d offset=%d: %v", e.Op, e.Addr, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes every IOError match ErrIOFailure.
func (e *IOError) Is(target error) bool { return target == ErrIOFailure }

// CheckRange validates addr/offset/length against the block size.
func CheckRange(blockSize int, addr int64, offset, length int) error {
	switch {
	case addr < 0 || addr%int64(blockSize) != 0:
		return fmt.Errorf("%w: addr %d not aligned to %d", ErrOutOfRange, addr, blockSize)
	case offset < 0 || length < 0 || offset+length > blockSize:
		return fmt.Errorf("%w: offset %d length %d block size %d", ErrOutOfRange, offset, length, blockSize)
	}
	return nil
}

// AddrOf returns the block address containing absolute position pos.
func AddrOf(blockSize int, pos int64) int64 {
	return pos - pos%int64(blockSize)
}

func validBlockSize(n int) error {
	if n < MinBlockSize || n&(n-1) != 0 {
		return fmt.Errorf("block: block size %d must be a power of two >= %d", n, MinBlockSize)
	}
	return nil
}
