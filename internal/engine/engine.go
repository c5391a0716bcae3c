// ============================================================================
// mqueue-journal Engine - durability coordinator
// ============================================================================
//
// Package: internal/engine
//
// The engine ties the journal, the message index and the index snapshot
// together in one directory:
//
//   <dir>/journal.dat      append-only journal (block store)
//   <dir>/index.snapshot   JSON snapshot of the index
//
// Open:
//   1. load the snapshot (missing file = empty index)
//   2. restore the index from it
//   3. open the journal with the index as recovery listener; records past
//      the last checkpoint are replayed, records the snapshot already covers
//      are skipped by the index
//   4. start the checkpoint loop
//
// Checkpoint:
//   capture index -> write snapshot (fsync + rename) -> journal checkpoint at
//   the last applied segment. A crash between the two steps only means more
//   replay on the next open.
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/mqueue-journal/internal/index"
	"github.com/ChuLiYu/mqueue-journal/internal/journal"
	"github.com/ChuLiYu/mqueue-journal/internal/snapshot"
	"github.com/ChuLiYu/mqueue-journal/internal/storage/block"
	"github.com/ChuLiYu/mqueue-journal/pkg/types"
)

const (
	JournalFile  = "journal.dat"
	SnapshotFile = "index.snapshot"

	DefaultBlockSize = 4096

	faultPoll = 10 * time.Millisecond
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine: closed")

	// ErrInstanceMismatch is returned when the snapshot was taken from a
	// different journal file.
	ErrInstanceMismatch = errors.New("engine: snapshot belongs to a different journal")

	// ErrJournalTruncated is returned when the journal ends before the
	// snapshot watermark, so the snapshot references lost records.
	ErrJournalTruncated = errors.New("engine: journal ends before the snapshot watermark")

	// ErrSnapshotBehind is returned when the journal checkpoint covers records
	// the snapshot does not contain.
	ErrSnapshotBehind = errors.New("engine: journal checkpoint is ahead of the snapshot")
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures an Engine.
type Config struct {
	Dir                   string           // data directory
	BlockSize             int              // journal block size
	RingCapacity          int              // journal ring slots
	SyncMode              journal.SyncMode // data record sync policy
	TolerateTruncatedTail bool             // repair a malformed tail instead of failing
	CheckpointInterval    time.Duration    // 0 disables the checkpoint loop
	SnapshotBackups       int              // previous snapshots kept on disk
	Logger                *zap.Logger
	Recorder              journal.Recorder
}

// indexGauge is implemented by recorders that also track the index size.
type indexGauge interface {
	SetIndexed(n int)
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Index          index.Stats
	Position       int64
	InFlight       int
	Checkpoints    int
	LastCheckpoint types.Segment
	HasCheckpoint  bool
	Recovery       journal.RecoveryStats
	RecoveryTime   time.Duration
	Instance       string
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	index    *index.Index
	journal  *journal.Journal
	snapshot *snapshot.Manager
	instance string
	seq      atomic.Uint64

	ckMu        sync.Mutex
	checkpoints int

	recoveryTime time.Duration

	stopCh    chan struct{}
	loopWg    sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// ============================================================================
// Lifecycle
// ============================================================================

// Open recovers the engine state in cfg.Dir, creating the directory and an
// empty journal on first use.
func Open(cfg Config) (*Engine, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: engine directory is required", journal.ErrInvalidArgument)
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("engine: create %s: %w", cfg.Dir, err)
	}
	log := cfg.Logger
	start := time.Now()

	// 1. snapshot
	snap := snapshot.NewManager(filepath.Join(cfg.Dir, SnapshotFile))
	data, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("engine: load snapshot: %w", err)
	}

	// 2. index
	store, err := block.OpenFileStore(filepath.Join(cfg.Dir, JournalFile), cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	idx := index.New(log.Named("index"))
	if err := idx.Restore(store, data); err != nil {
		store.Close()
		return nil, err
	}

	// 3. journal replay
	j, err := journal.Open(store, idx, journal.Config{
		Capacity: cfg.RingCapacity,
		File: journal.FileOptions{
			SyncMode:              cfg.SyncMode,
			TolerateTruncatedTail: cfg.TolerateTruncatedTail,
		},
		Logger:   log.Named("journal"),
		Recorder: cfg.Recorder,
	})
	if err != nil {
		return nil, err
	}

	instance := j.Header().Instance.String()
	if data.Instance != "" && data.Instance != instance {
		j.Close()
		return nil, fmt.Errorf("%w: snapshot %s, journal %s", ErrInstanceMismatch, data.Instance, instance)
	}
	if data.Watermark > j.Position() {
		j.Close()
		return nil, fmt.Errorf("%w: journal ends at %d, snapshot watermark %d", ErrJournalTruncated, j.Position(), data.Watermark)
	}
	if cp, ok := j.LastCheckpoint(); ok && cp.End() > data.Watermark {
		j.Close()
		return nil, fmt.Errorf("%w: checkpoint at %d, snapshot watermark %d", ErrSnapshotBehind, cp.End(), data.Watermark)
	}

	e := &Engine{
		cfg:          cfg,
		log:          log,
		index:        idx,
		journal:      j,
		snapshot:     snap,
		instance:     instance,
		recoveryTime: time.Since(start),
		stopCh:       make(chan struct{}),
	}
	e.seq.Store(idx.MaxSeq())
	e.updateIndexed()

	st := idx.Stats()
	log.Info("engine recovered",
		zap.String("dir", cfg.Dir),
		zap.String("instance", instance),
		zap.Int("messages", st.Messages),
		zap.Int("pending", st.Pending),
		zap.Int("replayed", j.Recovery().Replayed),
		zap.Duration("duration", e.recoveryTime))

	// 4. checkpoint loop
	if cfg.CheckpointInterval > 0 {
		e.loopWg.Add(1)
		go e.checkpointLoop()
	}
	return e, nil
}

// Close stops the checkpoint loop, waits for queued writes, takes a final
// checkpoint and closes the journal. It returns the journal fault, if any.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.stopCh)
		e.loopWg.Wait()
		e.drain()

		var errs []error
		if e.journal.Err() == nil {
			e.ckMu.Lock()
			err := e.checkpointLocked()
			e.ckMu.Unlock()
			if err != nil {
				e.log.Error("final checkpoint failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		if err := e.journal.Close(); err != nil {
			errs = append(errs, err)
		}
		e.closeErr = errors.Join(errs...)
		e.log.Info("engine closed", zap.Error(e.closeErr))
	})
	return e.closeErr
}

// drain waits until the journal consumer has processed every queued entry.
func (e *Engine) drain() {
	if err := e.journal.Barrier(context.Background()); err != nil {
		e.log.Warn("journal drain failed", zap.Error(err))
	}
}

// ============================================================================
// Messages
// ============================================================================

// Put journals payload as message id and returns once it is queued. Payloads
// larger than one record are written as consecutive parts. The payload is
// copied, so the caller may reuse it.
func (e *Engine) Put(id uint64, payload []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.put(id, payload)
}

// PutSync is Put followed by a wait until the final part has been written
// and indexed, ctx is done or the journal faults.
func (e *Engine) PutSync(ctx context.Context, id uint64, payload []byte) error {
	if e.closed.Load() {
		return ErrClosed
	}
	done := e.index.Notify(id)
	if err := e.put(id, payload); err != nil {
		e.index.Forget(id, done)
		return err
	}

	ticker := time.NewTicker(faultPoll)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			e.index.Forget(id, done)
			return ctx.Err()
		case <-ticker.C:
			if err := e.journal.Err(); err != nil {
				e.index.Forget(id, done)
				return err
			}
		}
	}
}

func (e *Engine) put(id uint64, payload []byte) error {
	seq := e.seq.Add(1)
	limit := e.journal.MaxPayload()
	if len(payload) <= limit {
		return e.writePart(true, true, id, seq, payload)
	}
	for off := 0; off < len(payload); off += limit {
		end := min(off+limit, len(payload))
		if err := e.writePart(off == 0, end == len(payload), id, seq, payload[off:end]); err != nil {
			return fmt.Errorf("engine: message %d part at %d: %w", id, off, err)
		}
	}
	return nil
}

func (e *Engine) writePart(init, final bool, id, seq uint64, part []byte) error {
	tbuf := journal.AllocateTempBuffer(len(part))
	buf := tbuf.Bytes()
	copy(buf, part)
	err := e.journal.WritePart(types.CodeMessage, init, final, id, seq, buf, 0, len(buf), e.index, tbuf)
	if err != nil {
		tbuf.Free()
	}
	return err
}

// Ack journals the removal of message id.
func (e *Engine) Ack(id uint64) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.journal.Write(types.CodeAck, id, e.seq.Add(1), []byte{}, 0, 0, e.index, nil)
}

// Get returns the payload of a complete message.
func (e *Engine) Get(id uint64) ([]byte, error) {
	return e.index.Read(id)
}

// IDs returns the ids of all complete messages in ascending order.
func (e *Engine) IDs() []uint64 {
	return e.index.IDs()
}

// ============================================================================
// Checkpoints
// ============================================================================

// Checkpoint writes an index snapshot and journals a checkpoint at the last
// segment it covers.
func (e *Engine) Checkpoint() error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.ckMu.Lock()
	defer e.ckMu.Unlock()
	return e.checkpointLocked()
}

func (e *Engine) checkpointLocked() error {
	start := time.Now()
	data, seg, ok := e.index.Capture(e.instance)

	var err error
	if e.cfg.SnapshotBackups > 0 {
		err = e.snapshot.WriteWithBackup(data, e.cfg.SnapshotBackups)
	} else {
		err = e.snapshot.Write(data)
	}
	if err != nil {
		return fmt.Errorf("engine: write snapshot: %w", err)
	}

	if ok {
		if err := e.journal.Checkpoint(seg.Addr, seg.Offset, seg.Length); err != nil {
			return fmt.Errorf("engine: journal checkpoint: %w", err)
		}
	}
	e.checkpoints++
	e.updateIndexed()

	e.log.Debug("checkpoint taken",
		zap.Int64("watermark", data.Watermark),
		zap.Int("messages", len(data.Messages)),
		zap.Int("pending", len(data.Pending)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (e *Engine) checkpointLoop() {
	defer e.loopWg.Done()
	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			e.log.Debug("checkpoint loop stopped")
			return

		case <-ticker.C:
			if err := e.Checkpoint(); err != nil && !errors.Is(err, ErrClosed) {
				e.log.Error("checkpoint failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) updateIndexed() {
	if g, ok := e.cfg.Recorder.(indexGauge); ok {
		g.SetIndexed(e.index.Len())
	}
}

// ============================================================================
// Status
// ============================================================================

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() Stats {
	e.ckMu.Lock()
	checkpoints := e.checkpoints
	e.ckMu.Unlock()

	cp, ok := e.journal.LastCheckpoint()
	return Stats{
		Index:          e.index.Stats(),
		Position:       e.journal.Position(),
		InFlight:       e.journal.InFlight(),
		Checkpoints:    checkpoints,
		LastCheckpoint: cp,
		HasCheckpoint:  ok,
		Recovery:       e.journal.Recovery(),
		RecoveryTime:   e.recoveryTime,
		Instance:       e.instance,
	}
}

// Err returns the journal fault, if any.
func (e *Engine) Err() error { return e.journal.Err() }

// MaxPayload returns the largest payload written as a single record.
func (e *Engine) MaxPayload() int { return e.journal.MaxPayload() }
