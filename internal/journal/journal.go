package journal

// ============================================================================
// Journal
// ============================================================================
//
// Purpose: Concurrent producer facade over the single-writer journal file.
//
// Producers                    Ring (disruptor)              Consumer
// ─────────                    ────────────────              ────────
// Write ───claim(blocking)───►  [entry][entry][entry] ───►  File.Write
// Checkpoint ─claim(try)─────►                               FreeTempBuffer
// Barrier ───claim(blocking)─►                               Callback.OnData
//
// Data writes wait for a free slot; checkpoint requests are dropped when the
// ring is full. Only the consumer goroutine touches the File.
//
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/mqueue-journal/internal/disruptor"
	"github.com/ChuLiYu/mqueue-journal/internal/storage/block"
	"github.com/ChuLiYu/mqueue-journal/pkg/types"
)

// DefaultCapacity is the ring size used when Config.Capacity is zero.
const DefaultCapacity = 16 * 1024

// Recorder receives journal measurements. The metrics package provides the
// Prometheus implementation.
type Recorder interface {
	ObserveWrite(bytes int, split bool, elapsed time.Duration)
	ObserveCheckpoint()
	ObserveCheckpointDropped()
	ObserveRecovery(replayed int, elapsed time.Duration)
	ObserveFault()
	SetInFlight(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveWrite(int, bool, time.Duration) {}
func (nopRecorder) ObserveCheckpoint()                    {}
func (nopRecorder) ObserveCheckpointDropped()             {}
func (nopRecorder) ObserveRecovery(int, time.Duration)    {}
func (nopRecorder) ObserveFault()                         {}
func (nopRecorder) SetInFlight(int)                       {}

// Config configures a Journal.
type Config struct {
	Capacity int // ring slots, power of two
	File     FileOptions
	Logger   *zap.Logger
	Recorder Recorder
}

// Journal is safe for concurrent use by any number of producers.
type Journal struct {
	file *File
	ring *disruptor.Disruptor[*Entry]
	log  *zap.Logger
	rec  Recorder
	sync SyncMode

	result Result // consumer-owned

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open opens (and recovers) the journal in store and starts the consumer.
// listener, which may be nil, sees every data record past the last
// checkpoint before Open returns.
func Open(store block.Store, listener RecoverListener, cfg Config) (*Journal, error) {
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.File.Logger == nil {
		cfg.File.Logger = cfg.Logger
	}

	start := time.Now()
	file, err := OpenFile(store, cfg.File, listener)
	if err != nil {
		return nil, err
	}
	cfg.Recorder.ObserveRecovery(file.Recovery().Replayed, time.Since(start))

	j := &Journal{
		file: file,
		log:  cfg.Logger,
		rec:  cfg.Recorder,
		sync: cfg.File.SyncMode,
	}
	ring, err := disruptor.New(cfg.Capacity, func(int) *Entry { return NewEntry() }, disruptor.Processor[*Entry](j))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	j.ring = ring
	return j, nil
}

// Write journals payload buf[offset:offset+length] as a complete message.
// It blocks while the ring is full. On success the journal owns tbuf (which
// may be nil) and frees it after the write; on error the caller keeps it.
func (j *Journal) Write(code types.Code, id, seq uint64, buf []byte, offset, length int, cb Callback, tbuf *TempBuffer) error {
	return j.WritePart(code, true, true, id, seq, buf, offset, length, cb, tbuf)
}

// WritePart journals one part of a multi-part message. init marks the first
// part, final the last.
func (j *Journal) WritePart(code types.Code, init, final bool, id, seq uint64, buf []byte, offset, length int, cb Callback, tbuf *TempBuffer) error {
	if length > j.file.MaxPayload() {
		return fmt.Errorf("%w: payload of %d bytes exceeds maximum %d", ErrInvalidArgument, length, j.file.MaxPayload())
	}
	if j.closed.Load() {
		return ErrClosed
	}

	slot, err := j.ring.StartProducer(true)
	if err != nil {
		return j.claimError(err)
	}
	if err := slot.Value().InitPart(code, init, final, id, seq, buf, offset, length, cb, tbuf); err != nil {
		// the slot is published empty; the consumer skips it
		j.ring.FinishProducer(slot)
		return err
	}
	j.ring.FinishProducer(slot)
	return nil
}

// Checkpoint requests a checkpoint record. It never blocks: when the ring is
// full the request is dropped and nil is returned.
func (j *Journal) Checkpoint(addr int64, offset, length int) error {
	if j.closed.Load() {
		return ErrClosed
	}
	// the consumer checks again against the position it writes at
	if err := checkCheckpoint(j.file.BlockSize(), j.file.Position(), addr, offset, length); err != nil {
		return err
	}

	slot, err := j.ring.StartProducer(false)
	if errors.Is(err, disruptor.ErrCapacityExceeded) {
		j.rec.ObserveCheckpointDropped()
		j.log.Debug("checkpoint dropped, ring full",
			zap.Int64("addr", addr), zap.Int("offset", offset), zap.Int("length", length))
		return nil
	}
	if err != nil {
		return j.claimError(err)
	}
	slot.Value().InitCheckpoint(addr, offset, length)
	j.ring.FinishProducer(slot)
	return nil
}

// Barrier returns once the consumer has processed every entry claimed
// before the call. It returns the consumer fault when the consumer halted
// first.
func (j *Journal) Barrier(ctx context.Context) error {
	if j.closed.Load() {
		return ErrClosed
	}
	slot, err := j.ring.StartProducer(true)
	if err != nil {
		return j.claimError(err)
	}
	done := make(chan struct{})
	slot.Value().InitBarrier(done)
	j.ring.FinishProducer(slot)

	select {
	case <-done:
		return nil
	case <-j.ring.Done():
		select {
		case <-done:
			return nil
		default:
		}
		if err := j.ring.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the ring, closes the file and returns the first fault seen.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		j.closed.Store(true)
		ringErr := j.ring.Close()
		fileErr := j.file.Close()
		switch {
		case ringErr != nil:
			j.closeErr = ringErr
		case fileErr != nil:
			j.closeErr = fileErr
		}
		j.log.Info("journal closed",
			zap.Int64("position", j.file.Position()),
			zap.Error(j.closeErr))
	})
	return j.closeErr
}

func (j *Journal) claimError(err error) error {
	if errors.Is(err, disruptor.ErrClosed) {
		return ErrClosed
	}
	return err
}

// ============================================================================
// Consumer
// ============================================================================

// Process runs on the consumer goroutine for every published entry.
func (j *Journal) Process(e *Entry, endOfBatch bool) error {
	switch {
	case e.IsData():
		if err := j.processData(e); err != nil {
			return err
		}
	case e.IsCheckpoint():
		addr, offset, length := e.Checkpoint()
		if err := j.file.Checkpoint(addr, offset, length); err != nil {
			j.rec.ObserveFault()
			return err
		}
		j.rec.ObserveCheckpoint()
	case e.IsBarrier():
		e.releaseBarrier()
	}

	if endOfBatch {
		j.rec.SetInFlight(j.ring.InFlight())
		if j.sync == SyncBatch {
			if err := j.file.Flush(); err != nil {
				j.rec.ObserveFault()
				return err
			}
		}
	}
	return nil
}

func (j *Journal) processData(e *Entry) error {
	res := &j.result
	start := time.Now()
	err := j.file.Write(e.Code(), e.IsInit(), e.IsFinal(), e.ID(), e.Seq(), e.Payload(), res)
	e.FreeTempBuffer()
	if err != nil {
		j.rec.ObserveFault()
		return err
	}
	j.rec.ObserveWrite(res.Length(), res.Split(), time.Since(start))

	cb := e.Callback()
	seg1 := types.Segment{Addr: res.Addr1, Offset: res.Offset1, Length: res.Length1}
	if !res.Split() {
		cb.OnData(e.Code(), e.IsInit(), e.IsFinal(), e.ID(), e.Seq(), res.store, seg1)
		return nil
	}
	seg2 := types.Segment{Addr: res.Addr2, Offset: res.Offset2, Length: res.Length2}
	cb.OnData(e.Code(), e.IsInit(), false, e.ID(), e.Seq(), res.store, seg1)
	cb.OnData(e.Code(), false, e.IsFinal(), e.ID(), e.Seq(), res.store, seg2)
	return nil
}

// ============================================================================
// Accessors
// ============================================================================

// Err returns the consumer fault, if any.
func (j *Journal) Err() error { return j.ring.Err() }

// LastCheckpoint returns the most recent checkpoint written or recovered.
func (j *Journal) LastCheckpoint() (types.Segment, bool) { return j.file.LastCheckpoint() }

// State returns the file state.
func (j *Journal) State() State { return j.file.State() }

// MaxPayload returns the largest payload a single write can carry.
func (j *Journal) MaxPayload() int { return j.file.MaxPayload() }

// InFlight returns the number of claimed entries not yet processed.
func (j *Journal) InFlight() int { return j.ring.InFlight() }

// Position returns the next write position of the file.
func (j *Journal) Position() int64 { return j.file.Position() }

// Header returns the journal file header.
func (j *Journal) Header() FileHeader { return j.file.Header() }

// Recovery returns what the open found in the existing file.
func (j *Journal) Recovery() RecoveryStats { return j.file.Recovery() }

// Store returns the underlying block store. Reading from it is safe; writing
// is reserved to the journal.
func (j *Journal) Store() block.Store { return j.file.store }
