package journal

// ============================================================================
// Journal File Writer
// ============================================================================
//
// Purpose: Append framed records to a block store and rebuild state from it.
//
// State machine:
//
//   Uninitialized ──OpenFile──► Recovering ──► Active ──Close──► Closed
//
// The File is single-writer: Write, Checkpoint, Flush and Close must be
// called from one goroutine (the journal consumer). State, LastCheckpoint and
// Position may be read from anywhere.
//
// Recovery (two passes over the existing records):
//   1. verify every record and remember the last checkpoint
//   2. hand every data record that ends past the checkpoint watermark to the
//      RecoverListener, in journal order
//
// ============================================================================

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/mqueue-journal/internal/storage/block"
	"github.com/ChuLiYu/mqueue-journal/pkg/types"
)

// State of a journal file.
type State int32

const (
	StateUninitialized State = iota
	StateRecovering
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRecovering:
		return "recovering"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SyncMode controls when the store is synced after data writes. Checkpoints
// and Close always sync.
type SyncMode int

const (
	// SyncBatch syncs once at the end of each consumer batch.
	SyncBatch SyncMode = iota
	// SyncImmediate syncs after every data record.
	SyncImmediate
	// SyncNone leaves syncing to checkpoints and Close.
	SyncNone
)

func (m SyncMode) String() string {
	switch m {
	case SyncBatch:
		return "batch"
	case SyncImmediate:
		return "immediate"
	case SyncNone:
		return "none"
	default:
		return "unknown"
	}
}

// ParseSyncMode parses "batch", "immediate" or "none". Empty means batch.
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "batch":
		return SyncBatch, nil
	case "immediate":
		return SyncImmediate, nil
	case "none":
		return SyncNone, nil
	}
	return SyncBatch, fmt.Errorf("%w: unknown sync mode %q", ErrInvalidArgument, s)
}

// FileOptions configures a journal file.
type FileOptions struct {
	SyncMode SyncMode
	// TolerateTruncatedTail zero-fills the log from the first malformed
	// record and resumes writing there instead of failing the open.
	TolerateTruncatedTail bool
	Logger                *zap.Logger
}

// RecoveryStats describes what OpenFile found in an existing file.
type RecoveryStats struct {
	Records     int           // verified data records
	Checkpoints int           // verified checkpoint records
	Replayed    int           // data records handed to the listener
	Watermark   int64         // last checkpoint watermark, 0 if none
	Truncated   int64         // bytes zero-filled at the tail
	Duration    time.Duration // total recovery time
}

// File is the journal file writer.
type File struct {
	store     block.Store
	blockSize int
	opts      FileOptions
	log       *zap.Logger

	header   FileHeader
	pos      int64 // next write position
	recovery RecoveryStats

	hdrBuf [HeaderSize]byte

	state    atomic.Int32
	position atomic.Int64
	lastCP   atomic.Pointer[types.Segment]

	faultMu sync.Mutex
	fault   error
}

// OpenFile opens the journal stored in store. An empty store gets a fresh
// file header; otherwise the existing records are recovered and listener
// (which may be nil) sees every data record past the last checkpoint.
//
// The File owns the store from now on and closes it in Close, also when
// OpenFile fails.
func OpenFile(store block.Store, opts FileOptions, listener RecoverListener) (*File, error) {
	f := &File{
		store:     store,
		blockSize: store.BlockSize(),
		opts:      opts,
		log:       opts.Logger,
	}
	if f.log == nil {
		f.log = zap.NewNop()
	}
	if f.blockSize < fileHeaderSize || f.blockSize < 2*HeaderSize {
		store.Close()
		return nil, fmt.Errorf("%w: block size %d too small", ErrInvalidArgument, f.blockSize)
	}

	size, err := store.Size()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("journal: stat store: %w", err)
	}

	if size == 0 {
		err = f.initialize()
	} else {
		f.state.Store(int32(StateRecovering))
		err = f.recover(size, listener)
	}
	if err != nil {
		store.Close()
		f.state.Store(int32(StateClosed))
		return nil, err
	}

	f.position.Store(f.pos)
	f.state.Store(int32(StateActive))
	return f, nil
}

func (f *File) initialize() error {
	f.header = newFileHeader(f.blockSize)
	if err := f.store.WriteBlock(0, 0, f.header.encode()); err != nil {
		return fmt.Errorf("journal: write file header: %w", err)
	}
	if err := f.store.Sync(); err != nil {
		return fmt.Errorf("journal: sync file header: %w", err)
	}
	f.pos = int64(f.blockSize)
	f.log.Info("journal file created",
		zap.String("instance", f.header.Instance.String()),
		zap.Int("block_size", f.blockSize))
	return nil
}

func (f *File) recover(size int64, listener RecoverListener) error {
	start := time.Now()

	h, err := ReadFileHeader(f.store)
	if err != nil {
		return fmt.Errorf("journal: read file header: %w", err)
	}
	f.header = h

	// pass 1: verify and find the last checkpoint
	sc := newScanner(f.store, size)
	end := int64(f.blockSize)
	for {
		rec, ok, err := sc.next()
		if err != nil {
			var ce *CorruptionError
			if !errors.As(err, &ce) || !f.opts.TolerateTruncatedTail {
				return fmt.Errorf("journal: recovery: %w", err)
			}
			f.log.Warn("journal tail is malformed, truncating",
				zap.Int64("offset", sc.pos),
				zap.String("reason", ce.Reason),
				zap.Int64("bytes", size-sc.pos))
			break
		}
		if !ok {
			break
		}
		if rec.Kind == RecordCheckpoint {
			f.recovery.Checkpoints++
			cp := rec.Checkpoint
			f.lastCP.Store(&cp)
			f.recovery.Watermark = cp.End()
		} else {
			f.recovery.Records++
		}
		end = rec.End()
	}

	// bytes past the end belong to a write whose header never landed
	if end < size {
		if err := f.truncateTail(end, size); err != nil {
			return err
		}
	}

	// pass 2: replay past the watermark
	if listener != nil {
		sc = newScanner(f.store, size)
		sc.limit = end
		for {
			rec, ok, err := sc.next()
			if err != nil {
				return fmt.Errorf("journal: recovery replay: %w", err)
			}
			if !ok {
				break
			}
			if rec.Kind != RecordData || rec.End() <= f.recovery.Watermark {
				continue
			}
			if err := listener.OnRecoveredRecord(f.store, rec); err != nil {
				return fmt.Errorf("journal: recovery listener at offset %d: %w", rec.Pos, err)
			}
			f.recovery.Replayed++
		}
	}

	f.pos = end
	f.recovery.Duration = time.Since(start)
	f.log.Info("journal recovered",
		zap.String("instance", f.header.Instance.String()),
		zap.Int("records", f.recovery.Records),
		zap.Int("checkpoints", f.recovery.Checkpoints),
		zap.Int("replayed", f.recovery.Replayed),
		zap.Int64("watermark", f.recovery.Watermark),
		zap.Int64("position", f.pos),
		zap.Duration("duration", f.recovery.Duration))
	return nil
}

// truncateTail zero-fills [from, size) block by block.
func (f *File) truncateTail(from, size int64) error {
	zero := make([]byte, f.blockSize)
	for pos := from; pos < size; {
		addr := block.AddrOf(f.blockSize, pos)
		off := int(pos - addr)
		n := f.blockSize - off
		if rem := size - pos; int64(n) > rem {
			n = int(rem)
		}
		if err := f.store.WriteBlock(addr, off, zero[:n]); err != nil {
			return fmt.Errorf("journal: truncate tail at %d: %w", pos, err)
		}
		pos += int64(n)
	}
	if err := f.store.Sync(); err != nil {
		return fmt.Errorf("journal: sync truncated tail: %w", err)
	}
	f.recovery.Truncated = size - from
	return nil
}

// ============================================================================
// Writing
// ============================================================================

// MaxPayload returns the largest payload a single data record can carry.
func (f *File) MaxPayload() int { return f.blockSize - HeaderSize }

// Write appends a data record and fills result with the payload location.
// It returns once the store accepted the bytes (and synced them with
// SyncImmediate).
func (f *File) Write(code types.Code, init, final bool, id, seq uint64, payload []byte, result *Result) error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	if len(payload) > f.MaxPayload() {
		return fmt.Errorf("%w: payload of %d bytes exceeds maximum %d", ErrInvalidArgument, len(payload), f.MaxPayload())
	}

	pos := f.alignHeader()
	segs := payloadSegments(f.blockSize, pos+HeaderSize, len(payload))

	// payload first: a torn write leaves a zero header, which ends the log
	n := 0
	for _, seg := range segs {
		if seg.Length == 0 {
			continue
		}
		if err := f.store.WriteBlock(seg.Addr, seg.Offset, payload[n:n+seg.Length]); err != nil {
			return f.fail(fmt.Errorf("journal: write payload at %d: %w", seg.Addr+int64(seg.Offset), err))
		}
		n += seg.Length
	}

	h := recordHeader{kind: RecordData, code: uint32(code), length: uint32(len(payload)), id: id, seq: seq}
	if init {
		h.flags |= flagInit
	}
	if final {
		h.flags |= flagFinal
	}
	if err := f.writeHeader(pos, &h, payload); err != nil {
		return err
	}
	if f.opts.SyncMode == SyncImmediate {
		if err := f.sync(); err != nil {
			return err
		}
	}

	f.advance(segs[len(segs)-1].End())

	if result != nil {
		result.reset()
		result.store = f.store
		result.Addr1, result.Offset1, result.Length1 = segs[0].Addr, segs[0].Offset, segs[0].Length
		if len(segs) == 2 {
			result.Addr2, result.Offset2, result.Length2 = segs[1].Addr, segs[1].Offset, segs[1].Length
		}
	}
	return nil
}

// Checkpoint appends a checkpoint record and syncs the store. Data records
// whose payload ends at or before addr+offset+length are not replayed by
// later recoveries.
func (f *File) Checkpoint(addr int64, offset, length int) error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	if err := checkCheckpoint(f.blockSize, f.pos, addr, offset, length); err != nil {
		return err
	}

	pos := f.alignHeader()
	h := recordHeader{kind: RecordCheckpoint, length: uint32(length), id: uint64(addr), seq: uint64(offset)}
	if err := f.writeHeader(pos, &h, nil); err != nil {
		return err
	}
	if err := f.sync(); err != nil {
		return err
	}
	f.advance(pos + HeaderSize)

	cp := types.Segment{Addr: addr, Offset: offset, Length: length}
	f.lastCP.Store(&cp)
	return nil
}

// checkCheckpoint rejects a checkpoint range that does not fit in one block
// or that ends past the written position limit.
func checkCheckpoint(blockSize int, limit, addr int64, offset, length int) error {
	if err := block.CheckRange(blockSize, addr, offset, length); err != nil {
		return fmt.Errorf("%w: checkpoint: %v", ErrInvalidArgument, err)
	}
	if end := addr + int64(offset) + int64(length); end > limit {
		return fmt.Errorf("%w: checkpoint ends at %d past position %d", ErrInvalidArgument, end, limit)
	}
	return nil
}

// Flush syncs the store.
func (f *File) Flush() error {
	if err := f.checkWritable(); err != nil {
		return err
	}
	return f.sync()
}

// Close syncs and closes the store and enters StateClosed. It returns the
// recorded fault, if any. Calling Close again returns ErrClosed.
func (f *File) Close() error {
	if State(f.state.Swap(int32(StateClosed))) == StateClosed {
		return ErrClosed
	}
	fault := f.Err()
	var err error
	if fault == nil {
		if serr := f.store.Sync(); serr != nil {
			err = fmt.Errorf("journal: sync on close: %w", serr)
		}
	}
	if cerr := f.store.Close(); cerr != nil && err == nil && fault == nil {
		err = fmt.Errorf("journal: close store: %w", cerr)
	}
	if fault != nil {
		return fault
	}
	return err
}

// alignHeader moves the write position to the next block when the current
// block cannot hold a record header.
func (f *File) alignHeader() int64 {
	bs := int64(f.blockSize)
	if rem := bs - f.pos%bs; rem < HeaderSize {
		f.pos += rem
	}
	return f.pos
}

func (f *File) writeHeader(pos int64, h *recordHeader, payload []byte) error {
	h.encode(f.hdrBuf[:], payload)
	addr := block.AddrOf(f.blockSize, pos)
	if err := f.store.WriteBlock(addr, int(pos-addr), f.hdrBuf[:]); err != nil {
		return f.fail(fmt.Errorf("journal: write header at %d: %w", pos, err))
	}
	return nil
}

func (f *File) sync() error {
	if err := f.store.Sync(); err != nil {
		return f.fail(fmt.Errorf("journal: sync: %w", err))
	}
	return nil
}

func (f *File) advance(pos int64) {
	f.pos = pos
	f.position.Store(pos)
}

func (f *File) checkWritable() error {
	if err := f.Err(); err != nil {
		return err
	}
	if f.State() != StateActive {
		return ErrClosed
	}
	return nil
}

// fail records the first store failure; every later call returns it.
func (f *File) fail(err error) error {
	f.faultMu.Lock()
	defer f.faultMu.Unlock()
	if f.fault == nil {
		f.fault = err
		f.log.Error("journal file faulted", zap.Error(err))
	}
	return f.fault
}

// ============================================================================
// Accessors
// ============================================================================

// Err returns the recorded fault, if any.
func (f *File) Err() error {
	f.faultMu.Lock()
	defer f.faultMu.Unlock()
	return f.fault
}

// State returns the current state.
func (f *File) State() State { return State(f.state.Load()) }

// Position returns the next write position.
func (f *File) Position() int64 { return f.position.Load() }

// LastCheckpoint returns the most recent checkpoint, written or recovered.
func (f *File) LastCheckpoint() (types.Segment, bool) {
	cp := f.lastCP.Load()
	if cp == nil {
		return types.Segment{}, false
	}
	return *cp, true
}

// Header returns the file header.
func (f *File) Header() FileHeader { return f.header }

// Recovery returns what the open found in an existing file.
func (f *File) Recovery() RecoveryStats { return f.recovery }

// BlockSize returns the store block size.
func (f *File) BlockSize() int { return f.blockSize }
