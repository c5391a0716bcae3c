// ============================================================================
// Message Index - id → block chunk chain
// ============================================================================
//
// Package: internal/index
// File: index.go
// Purpose: Owning-queue side of the journal callbacks. Rebuilds, for every
//          message id, the chain of block ranges holding its payload.
//
// Message lifecycle:
//   Pending (init part seen, chain being assembled)
//      ↓ final part
//   Complete (readable through Get/Read)
//      ↓ CodeAck
//   removed
//
// Sources of updates:
//   - OnData: live writes, called on the journal consumer goroutine
//   - OnRecoveredRecord: replay at journal open
//   - Restore: snapshot load before the journal is opened
//
// Watermark:
//   The end position of the last applied segment. Segments ending at or
//   before the watermark are already reflected in the index and are ignored,
//   so replaying records that a snapshot already covers is harmless.
//
// Concurrency:
//   All state is guarded by one RWMutex. Readers never block the consumer
//   for longer than a map lookup.
//
// ============================================================================

package index

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ChuLiYu/mqueue-journal/internal/chunk"
	"github.com/ChuLiYu/mqueue-journal/internal/journal"
	"github.com/ChuLiYu/mqueue-journal/internal/storage/block"
	"github.com/ChuLiYu/mqueue-journal/pkg/types"
)

var (
	// ErrNotFound is returned for ids with no complete message.
	ErrNotFound = errors.New("index: message not found")

	// ErrStoreMismatch is returned when segments of one index come from
	// different stores.
	ErrStoreMismatch = errors.New("index: segment from a different store")
)

// Message is a complete, readable message.
type Message struct {
	ID     uint64
	Seq    uint64
	Code   types.Code
	Head   *chunk.Node
	Length int
}

type message struct {
	id      uint64
	seq     uint64
	code    types.Code
	builder chunk.Builder
}

func (m *message) public() Message {
	return Message{ID: m.id, Seq: m.seq, Code: m.code, Head: m.builder.Head(), Length: m.builder.Length()}
}

func (m *message) record() *types.MessageRecord {
	return &types.MessageRecord{ID: m.id, Seq: m.seq, Code: m.code, Segments: chunk.Segments(m.builder.Head())}
}

// Stats counts applied updates.
type Stats struct {
	Messages int // complete messages
	Pending  int // messages missing their final part
	Applied  int // segments applied
	Skipped  int // segments at or below the watermark
	Acks     int // acks applied
	Orphans  int // non-init parts without a pending message
}

// Index implements journal.Callback and journal.RecoverListener.
type Index struct {
	mu       sync.RWMutex
	store    block.Store
	messages map[uint64]*message
	pending  map[uint64]*message
	waiters  map[uint64][]chan struct{}

	watermark int64
	lastSeg   types.Segment
	hasLast   bool
	maxSeq    uint64
	stats     Stats

	log *zap.Logger
}

var (
	_ journal.Callback        = (*Index)(nil)
	_ journal.RecoverListener = (*Index)(nil)
)

// New creates an empty index. A nil logger disables logging.
func New(log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{
		messages: make(map[uint64]*message),
		pending:  make(map[uint64]*message),
		waiters:  make(map[uint64][]chan struct{}),
		log:      log,
	}
}

// ============================================================================
// Journal callbacks
// ============================================================================

// OnData applies one durably written segment.
func (x *Index) OnData(code types.Code, init, final bool, id, seq uint64, store block.Store, seg types.Segment) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.apply(code, init, final, id, seq, store, seg); err != nil {
		// the journal consumer has no error path for callbacks
		x.log.Error("index update failed", zap.Uint64("id", id), zap.Error(err))
	}
}

// OnRecoveredRecord applies a record replayed at journal open.
func (x *Index) OnRecoveredRecord(store block.Store, rec journal.Record) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	last := len(rec.Segments) - 1
	for i, seg := range rec.Segments {
		init := rec.Init && i == 0
		final := rec.Final && i == last
		if err := x.apply(rec.Code, init, final, rec.ID, rec.Seq, store, seg); err != nil {
			return err
		}
	}
	return nil
}

func (x *Index) apply(code types.Code, init, final bool, id, seq uint64, store block.Store, seg types.Segment) error {
	if x.store == nil {
		x.store = store
	} else if x.store != store {
		return ErrStoreMismatch
	}
	if seg.End() <= x.watermark {
		x.stats.Skipped++
		return nil
	}
	x.watermark = seg.End()
	x.lastSeg = seg
	x.hasLast = true
	x.stats.Applied++
	if seq > x.maxSeq {
		x.maxSeq = seq
	}

	if code == types.CodeAck {
		if final {
			delete(x.messages, id)
			delete(x.pending, id)
			x.stats.Acks++
		}
		return nil
	}

	m, ok := x.pending[id]
	if init || !ok {
		if !init {
			x.stats.Orphans++
			x.log.Warn("message part without init part", zap.Uint64("id", id), zap.Uint64("seq", seq))
		}
		m = &message{id: id, seq: seq, code: code}
		x.pending[id] = m
	}
	if _, err := m.builder.Append(store, seg); err != nil {
		return fmt.Errorf("index: message %d: %w", id, err)
	}
	if final {
		delete(x.pending, id)
		x.messages[id] = m
		x.notify(id)
	}
	return nil
}

func (x *Index) notify(id uint64) {
	for _, ch := range x.waiters[id] {
		close(ch)
	}
	delete(x.waiters, id)
}

// ============================================================================
// Queries
// ============================================================================

// Get returns the complete message with the given id.
func (x *Index) Get(id uint64) (Message, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	m, ok := x.messages[id]
	if !ok {
		return Message{}, false
	}
	return m.public(), true
}

// Read assembles the payload of a complete message.
func (x *Index) Read(id uint64) ([]byte, error) {
	m, ok := x.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return chunk.ReadAll(m.Head)
}

// IDs returns the ids of complete messages in ascending order.
func (x *Index) IDs() []uint64 {
	x.mu.RLock()
	ids := make([]uint64, 0, len(x.messages))
	for id := range x.messages {
		ids = append(ids, id)
	}
	x.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of complete messages.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.messages)
}

// Watermark returns the end position of the last applied segment.
func (x *Index) Watermark() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.watermark
}

// LastSegment returns the last applied segment. ok is false when nothing
// was applied since New or Restore.
func (x *Index) LastSegment() (seg types.Segment, ok bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.lastSeg, x.hasLast
}

// MaxSeq returns the highest sequence number applied or restored.
func (x *Index) MaxSeq() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.maxSeq
}

// Stats returns update counters.
func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s := x.stats
	s.Messages = len(x.messages)
	s.Pending = len(x.pending)
	return s
}

// Notify returns a channel closed the next time a message with id
// completes. Register before writing the message.
func (x *Index) Notify(id uint64) <-chan struct{} {
	ch := make(chan struct{})
	x.mu.Lock()
	x.waiters[id] = append(x.waiters[id], ch)
	x.mu.Unlock()
	return ch
}

// Forget drops a channel returned by Notify that is no longer awaited.
func (x *Index) Forget(id uint64, ch <-chan struct{}) {
	x.mu.Lock()
	defer x.mu.Unlock()
	list := x.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(x.waiters, id)
	} else {
		x.waiters[id] = list
	}
}

// ============================================================================
// Snapshot support
// ============================================================================

// Snapshot captures the index as of its watermark.
func (x *Index) Snapshot(instance string) types.SnapshotData {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.snapshotLocked(instance)
}

// Capture is Snapshot plus the last applied segment, taken atomically. The
// segment ends at the snapshot watermark; ok is false when nothing was
// applied since the index was created or restored.
func (x *Index) Capture(instance string) (data types.SnapshotData, seg types.Segment, ok bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.snapshotLocked(instance), x.lastSeg, x.hasLast
}

func (x *Index) snapshotLocked(instance string) types.SnapshotData {
	data := types.SnapshotData{
		Messages:  make(map[uint64]*types.MessageRecord, len(x.messages)),
		Pending:   make(map[uint64]*types.MessageRecord, len(x.pending)),
		SchemaVer: types.SnapshotSchemaVersion,
		Watermark: x.watermark,
		Instance:  instance,
	}
	for id, m := range x.messages {
		data.Messages[id] = m.record()
	}
	for id, m := range x.pending {
		data.Pending[id] = m.record()
	}
	return data
}

// Restore replaces the index contents with a snapshot. Segments are read
// from store.
func (x *Index) Restore(store block.Store, data types.SnapshotData) error {
	messages := make(map[uint64]*message, len(data.Messages))
	pending := make(map[uint64]*message, len(data.Pending))
	var maxSeq uint64

	load := func(dst map[uint64]*message, src map[uint64]*types.MessageRecord) error {
		for id, r := range src {
			m := &message{id: id, seq: r.Seq, code: r.Code}
			if r.Seq > maxSeq {
				maxSeq = r.Seq
			}
			for _, seg := range r.Segments {
				if _, err := m.builder.Append(store, seg); err != nil {
					return fmt.Errorf("index: restore message %d: %w", id, err)
				}
			}
			dst[id] = m
		}
		return nil
	}
	if err := load(messages, data.Messages); err != nil {
		return err
	}
	if err := load(pending, data.Pending); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.store = store
	x.messages = messages
	x.pending = pending
	x.watermark = data.Watermark
	x.maxSeq = maxSeq
	x.lastSeg = types.Segment{}
	x.hasLast = false
	x.log.Info("index restored",
		zap.Int("messages", len(messages)),
		zap.Int("pending", len(pending)),
		zap.Int64("watermark", data.Watermark))
	return nil
}
