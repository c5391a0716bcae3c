package journal

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/mqueue-journal/internal/storage/block"
	"github.com/ChuLiYu/mqueue-journal/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Test Helpers
// ============================================================================

type onDataCall struct {
	code        types.Code
	init, final bool
	id, seq     uint64
	seg         types.Segment
}

// callRecorder is a Callback that remembers every OnData call.
type callRecorder struct {
	mu    sync.Mutex
	calls []onDataCall
	store block.Store
}

func (r *callRecorder) OnData(code types.Code, init, final bool, id, seq uint64, store block.Store, seg types.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store = store
	r.calls = append(r.calls, onDataCall{code, init, final, id, seq, seg})
}

func (r *callRecorder) snapshot() []onDataCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]onDataCall(nil), r.calls...)
}

type countingRecorder struct {
	writes, splits, checkpoints, dropped, faults atomic.Int64
	replayed                                     atomic.Int64
}

func (c *countingRecorder) ObserveWrite(_ int, split bool, _ time.Duration) {
	c.writes.Add(1)
	if split {
		c.splits.Add(1)
	}
}
func (c *countingRecorder) ObserveCheckpoint()        { c.checkpoints.Add(1) }
func (c *countingRecorder) ObserveCheckpointDropped() { c.dropped.Add(1) }
func (c *countingRecorder) ObserveRecovery(n int, _ time.Duration) {
	c.replayed.Add(int64(n))
}
func (c *countingRecorder) ObserveFault()   { c.faults.Add(1) }
func (c *countingRecorder) SetInFlight(int) {}

type countingStore struct {
	block.Store
	syncs atomic.Int64
}

func (s *countingStore) Sync() error {
	s.syncs.Add(1)
	return s.Store.Sync()
}

func openTestJournal(t *testing.T, store block.Store, cfg Config, l RecoverListener) *Journal {
	t.Helper()
	j, err := Open(store, l, cfg)
	require.NoError(t, err)
	return j
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestJournalConcurrentProducersKeepOrder(t *testing.T) {
	const producers, perProducer = 8, 300

	store := newMemStore(t)
	j := openTestJournal(t, store, Config{Capacity: 32}, nil)
	cb := &callRecorder{}

	var wg sync.WaitGroup
	for p := 1; p <= producers; p++ {
		wg.Add(1)
		go func(p uint64) {
			defer wg.Done()
			for i := uint64(0); i < perProducer; i++ {
				buf := payload(int(i%50), byte(p))
				assert.NoError(t, j.Write(types.CodeMessage, p, i, buf, 0, len(buf), cb, nil))
			}
		}(uint64(p))
	}
	wg.Wait()
	require.NoError(t, j.Close())

	next := make(map[uint64]uint64)
	records := 0
	lastPos := int64(-1)
	for _, c := range cb.snapshot() {
		// callbacks follow the single file order across all producers
		pos := c.seg.Addr + int64(c.seg.Offset)
		require.Greater(t, pos, lastPos, "callback for producer %d out of file order", c.id)
		lastPos = pos

		if !c.init {
			continue // second half of a split write
		}
		require.Equal(t, next[c.id], c.seq, "producer %d out of order", c.id)
		next[c.id]++
		records++
	}
	assert.Equal(t, producers*perProducer, records)

	// journal order matches callback order
	sum, err := Scan(store.Reopen(), nil)
	require.NoError(t, err)
	assert.Equal(t, producers*perProducer, sum.DataRecords)
}

func TestJournalSplitWriteCallbacks(t *testing.T) {
	store := newMemStore(t)
	j := openTestJournal(t, store, Config{Capacity: 4}, nil)
	cb := &callRecorder{}

	first := payload(100, 1)
	second := payload(150, 2)
	require.NoError(t, j.Write(types.CodeMessage, 1, 1, first, 0, len(first), cb, nil))
	require.NoError(t, j.Write(types.CodeMessage, 2, 1, second, 0, len(second), cb, nil))
	require.NoError(t, j.Close())

	calls := cb.snapshot()
	require.Len(t, calls, 3)

	assert.True(t, calls[0].init && calls[0].final)
	assert.Equal(t, uint64(1), calls[0].id)

	assert.Equal(t, uint64(2), calls[1].id)
	assert.True(t, calls[1].init)
	assert.False(t, calls[1].final)
	assert.Equal(t, uint64(2), calls[2].id)
	assert.False(t, calls[2].init)
	assert.True(t, calls[2].final)
	assert.Equal(t, len(second), calls[1].seg.Length+calls[2].seg.Length)
	assert.Greater(t, calls[2].seg.Addr, calls[1].seg.Addr)

	// bytes read back from the reported segments match
	readable := store.Reopen()
	got := readSegments(t, readable, []types.Segment{calls[1].seg, calls[2].seg})
	assert.Equal(t, second, got)
	got = readSegments(t, readable, []types.Segment{calls[0].seg})
	assert.Equal(t, first, got)
}

func TestJournalWritePartFlags(t *testing.T) {
	store := newMemStore(t)
	j := openTestJournal(t, store, Config{Capacity: 4}, nil)
	cb := &callRecorder{}

	buf := payload(10, 0)
	require.NoError(t, j.WritePart(types.CodeMessage, true, false, 5, 1, buf, 0, 10, cb, nil))
	require.NoError(t, j.WritePart(types.CodeMessage, false, false, 5, 2, buf, 0, 10, cb, nil))
	require.NoError(t, j.WritePart(types.CodeMessage, false, true, 5, 3, buf, 0, 10, cb, nil))
	require.NoError(t, j.Close())

	calls := cb.snapshot()
	require.Len(t, calls, 3)
	assert.Equal(t, []bool{true, false, false}, []bool{calls[0].init, calls[1].init, calls[2].init})
	assert.Equal(t, []bool{false, false, true}, []bool{calls[0].final, calls[1].final, calls[2].final})
}

func TestJournalRejectsInvalidArguments(t *testing.T) {
	j := openTestJournal(t, newMemStore(t), Config{Capacity: 4}, nil)
	defer j.Close()
	cb := &callRecorder{}

	assert.ErrorIs(t, j.Write(types.CodeMessage, 1, 1, nil, 0, 0, cb, nil), ErrInvalidArgument)
	assert.ErrorIs(t, j.Write(types.CodeMessage, 1, 1, []byte("x"), 0, 1, nil, nil), ErrInvalidArgument)
	assert.ErrorIs(t, j.Write(types.CodeMessage, 1, 1, []byte("x"), 1, 1, cb, nil), ErrInvalidArgument)

	big := make([]byte, j.MaxPayload()+1)
	assert.ErrorIs(t, j.Write(types.CodeMessage, 1, 1, big, 0, len(big), cb, nil), ErrInvalidArgument)
	assert.ErrorIs(t, j.Checkpoint(-1, 0, 0), ErrInvalidArgument)
	require.NoError(t, j.Barrier(context.Background()))
	require.Eventually(t, func() bool { return j.InFlight() == 0 }, time.Second, time.Millisecond)
	assert.Empty(t, cb.snapshot())
	assert.Equal(t, int64(testBlockSize), j.Position())
}

func TestJournalRejectsCheckpointOutsideWrittenRange(t *testing.T) {
	store := newMemStore(t)
	j := openTestJournal(t, store, Config{Capacity: 4}, nil)
	cb := &callRecorder{}

	first := payload(40, 1)
	require.NoError(t, j.Write(types.CodeMessage, 1, 1, first, 0, len(first), cb, nil))
	require.NoError(t, j.Barrier(context.Background()))
	seg := cb.snapshot()[0].seg

	tests := []struct {
		name           string
		addr           int64
		offset, length int
	}{
		{"length exceeds block", testBlockSize, 0, testBlockSize + 1},
		{"offset far past end", testBlockSize, 1 << 40, 0},
		{"misaligned addr", testBlockSize + 1, 0, 0},
		{"ends past position", seg.Addr, seg.Offset, seg.Length + 1},
		{"block not written yet", 4 * testBlockSize, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, j.Checkpoint(tt.addr, tt.offset, tt.length), ErrInvalidArgument)
		})
	}

	require.NoError(t, j.Checkpoint(seg.Addr, seg.Offset, seg.Length))
	second := payload(20, 2)
	require.NoError(t, j.Write(types.CodeMessage, 2, 2, second, 0, len(second), cb, nil))
	require.NoError(t, j.Close())

	// the journal reopens and replays exactly what the checkpoint leaves out
	c := &collector{}
	reopened := openTestJournal(t, store.Reopen(), Config{Capacity: 4}, c)
	defer reopened.Close()

	cp, ok := reopened.LastCheckpoint()
	require.True(t, ok)
	assert.Equal(t, seg, cp)
	assert.Equal(t, []uint64{2}, c.ids())
}

func TestJournalBarrierWaitsForQueuedWrites(t *testing.T) {
	j := openTestJournal(t, newMemStore(t), Config{Capacity: 8}, nil)
	cb := &callRecorder{}

	for i := uint64(0); i < 20; i++ {
		buf := payload(30, byte(i))
		require.NoError(t, j.Write(types.CodeMessage, i, i, buf, 0, len(buf), cb, nil))
	}
	require.NoError(t, j.Barrier(context.Background()))
	assert.Equal(t, 20, countFinal(cb))

	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Barrier(context.Background()), ErrClosed)
}

func TestJournalBarrierReturnsFault(t *testing.T) {
	store := &faultyStore{Store: newMemStore(t)}
	j := openTestJournal(t, store, Config{Capacity: 4}, nil)
	cb := &callRecorder{}

	store.failWrites.Store(true)
	buf := payload(8, 0)
	require.NoError(t, j.Write(types.CodeMessage, 1, 1, buf, 0, 8, cb, nil))

	err := j.Barrier(context.Background())
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.ErrorIs(t, j.Close(), ErrIOFailure)
}

func TestJournalBarrierHonoursContext(t *testing.T) {
	j := openTestJournal(t, newMemStore(t), Config{Capacity: 4}, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := CallbackFunc(func(types.Code, bool, bool, uint64, uint64, block.Store, types.Segment) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})
	buf := payload(8, 0)
	require.NoError(t, j.Write(types.CodeMessage, 1, 1, buf, 0, 8, blocking, nil))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, j.Barrier(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, j.Close())
}

func TestJournalDropsCheckpointWhenRingIsFull(t *testing.T) {
	store := newMemStore(t)
	rec := &countingRecorder{}
	j := openTestJournal(t, store, Config{Capacity: 2, Recorder: rec}, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	blocking := CallbackFunc(func(types.Code, bool, bool, uint64, uint64, block.Store, types.Segment) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	buf := payload(8, 0)
	require.NoError(t, j.Write(types.CodeMessage, 1, 1, buf, 0, 8, blocking, nil))
	<-entered
	// the consumer holds slot 0, so this claim fills the ring
	require.NoError(t, j.Write(types.CodeMessage, 2, 2, buf, 0, 8, blocking, nil))
	assert.Equal(t, 2, j.InFlight())

	done := make(chan error, 1)
	go func() { done <- j.Checkpoint(testBlockSize, HeaderSize, 8) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint blocked on a full ring")
	}
	assert.Equal(t, int64(1), rec.dropped.Load())
	assert.Equal(t, 2, j.InFlight())

	close(release)
	require.NoError(t, j.Close())
	assert.Equal(t, int64(0), rec.checkpoints.Load())
	assert.Equal(t, int64(2), rec.writes.Load())

	sum, err := Scan(store.Reopen(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.DataRecords)
	assert.Equal(t, 0, sum.Checkpoints)
}

func TestJournalFreesTempBuffers(t *testing.T) {
	j := openTestJournal(t, newMemStore(t), Config{Capacity: 4}, nil)
	cb := &callRecorder{}

	tbufs := make([]*TempBuffer, 5)
	for i := range tbufs {
		tbufs[i] = AllocateTempBuffer(16)
		copy(tbufs[i].Bytes(), "temp")
		require.NoError(t, j.Write(types.CodeMessage, uint64(i), 0, tbufs[i].Bytes(), 0, 16, cb, tbufs[i]))
	}
	require.NoError(t, j.Close())
	for _, tb := range tbufs {
		assert.False(t, tb.Free(), "temp buffer not released by the journal")
	}
}

func TestJournalRecoveryIdempotence(t *testing.T) {
	store := newMemStore(t)
	j := openTestJournal(t, store, Config{Capacity: 8}, nil)
	cb := &callRecorder{}

	for id := uint64(1); id <= 10; id++ {
		buf := payload(int(id)*15, byte(id))
		require.NoError(t, j.Write(types.CodeMessage, id, id, buf, 0, len(buf), cb, nil))
		if id == 4 || id == 7 {
			// wait until the write is durable so the checkpoint can cover it
			require.Eventually(t, func() bool { return countFinal(cb) == int(id) }, 2*time.Second, time.Millisecond)
			calls := cb.snapshot()
			seg := calls[len(calls)-1].seg
			require.NoError(t, j.Checkpoint(seg.Addr, seg.Offset, seg.Length))
		}
	}
	require.NoError(t, j.Close())

	c := &collector{}
	rec := &countingRecorder{}
	reopened := openTestJournal(t, store.Reopen(), Config{Capacity: 8, Recorder: rec}, c)
	defer reopened.Close()

	ids := c.ids()
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	assert.Equal(t, []uint64{8, 9, 10}, ids)
	assert.Equal(t, int64(3), rec.replayed.Load())

	cp, ok := reopened.LastCheckpoint()
	require.True(t, ok)
	calls := cb.snapshot()
	for _, call := range calls {
		if call.id == 7 && call.final {
			assert.Equal(t, call.seg, cp)
		}
	}
}

func countFinal(cb *callRecorder) int {
	n := 0
	for _, c := range cb.snapshot() {
		if c.final {
			n++
		}
	}
	return n
}

func TestJournalFaultSurfacesOnNextCall(t *testing.T) {
	store := &faultyStore{Store: newMemStore(t)}
	rec := &countingRecorder{}
	j := openTestJournal(t, store, Config{Capacity: 4, Recorder: rec}, nil)
	cb := &callRecorder{}

	store.failWrites.Store(true)
	buf := payload(8, 0)
	require.NoError(t, j.Write(types.CodeMessage, 1, 1, buf, 0, 8, cb, nil))

	require.Eventually(t, func() bool { return j.Err() != nil }, 2*time.Second, time.Millisecond)

	err := j.Write(types.CodeMessage, 2, 2, buf, 0, 8, cb, nil)
	assert.ErrorIs(t, err, ErrConsumerFault)
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.ErrorIs(t, j.Checkpoint(testBlockSize, 0, 0), ErrIOFailure)

	err = j.Close()
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.Empty(t, cb.snapshot())
	assert.Equal(t, int64(1), rec.faults.Load())
}

func TestJournalClosedRejectsWork(t *testing.T) {
	j := openTestJournal(t, newMemStore(t), Config{Capacity: 4}, nil)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	cb := &callRecorder{}
	assert.ErrorIs(t, j.Write(types.CodeMessage, 1, 1, []byte("x"), 0, 1, cb, nil), ErrClosed)
	assert.ErrorIs(t, j.Checkpoint(testBlockSize, 0, 0), ErrClosed)
	assert.Equal(t, StateClosed, j.State())
}

func TestJournalSyncModes(t *testing.T) {
	tests := []struct {
		mode  SyncMode
		check func(t *testing.T, syncs int64)
	}{
		// header sync at create, sync at close
		{SyncNone, func(t *testing.T, syncs int64) { assert.Equal(t, int64(2), syncs) }},
		{SyncImmediate, func(t *testing.T, syncs int64) { assert.Equal(t, int64(2+5), syncs) }},
		{SyncBatch, func(t *testing.T, syncs int64) {
			assert.GreaterOrEqual(t, syncs, int64(3))
			assert.LessOrEqual(t, syncs, int64(2+5))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			store := &countingStore{Store: newMemStore(t)}
			j := openTestJournal(t, store, Config{Capacity: 8, File: FileOptions{SyncMode: tt.mode}}, nil)
			cb := &callRecorder{}
			for i := uint64(0); i < 5; i++ {
				require.NoError(t, j.Write(types.CodeMessage, i, i, []byte("abc"), 0, 3, cb, nil))
			}
			require.NoError(t, j.Close())
			tt.check(t, store.syncs.Load())
		})
	}
}

func TestOpenRejectsBadCapacity(t *testing.T) {
	_, err := Open(newMemStore(t), nil, Config{Capacity: 3})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
