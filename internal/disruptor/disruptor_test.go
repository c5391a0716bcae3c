package disruptor

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Test Helpers
// ============================================================================

type tagged struct {
	producer int
	n        int
	seq      uint64
	resets   int
}

func (t *tagged) Reset() {
	t.producer, t.n, t.seq = 0, 0, 0
	t.resets++
}

func newTagged(int) *tagged { return &tagged{} }

type recorder struct {
	mu    sync.Mutex
	items []tagged
	ends  int
}

func (r *recorder) Process(item *tagged, endOfBatch bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, *item)
	if endOfBatch {
		r.ends++
	}
	return nil
}

func (r *recorder) snapshot() []tagged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tagged(nil), r.items...)
}

func publish(t *testing.T, d *Disruptor[*tagged], producer, n int) {
	t.Helper()
	s, err := d.StartProducer(true)
	require.NoError(t, err)
	s.Value().producer = producer
	s.Value().n = n
	s.Value().seq = s.Sequence()
	d.FinishProducer(s)
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestNewRejectsInvalidCapacity(t *testing.T) {
	for _, c := range []int{0, -4, 3, 100} {
		_, err := New(c, newTagged, &recorder{})
		assert.ErrorIs(t, err, ErrInvalidCapacity, "capacity %d", c)
	}
}

func TestSingleProducerOrder(t *testing.T) {
	rec := &recorder{}
	d, err := New(8, newTagged, rec)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		publish(t, d, 0, i)
	}
	require.NoError(t, d.Close())

	items := rec.snapshot()
	require.Len(t, items, 100)
	for i, it := range items {
		assert.Equal(t, i, it.n)
	}
	assert.GreaterOrEqual(t, rec.ends, 1)
}

func TestConcurrentProducersKeepClaimOrder(t *testing.T) {
	const producers, perProducer = 8, 2000

	rec := &recorder{}
	d, err := New(64, newTagged, rec, WithSpin(4))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 1; p <= producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				publish(t, d, p, i)
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, d.Close())

	items := rec.snapshot()
	require.Len(t, items, producers*perProducer)

	last := make(map[int]int)
	for i, it := range items {
		// processing order is claim order across every producer
		require.Equal(t, uint64(i), it.seq, "sequence gap or reorder at item %d", i)

		prev, seen := last[it.producer]
		if seen {
			require.Equal(t, prev+1, it.n, "producer %d out of order", it.producer)
		} else {
			require.Equal(t, 0, it.n)
		}
		last[it.producer] = it.n
	}
}

func TestProcessingFollowsClaimOrderNotPublishOrder(t *testing.T) {
	rec := &recorder{}
	d, err := New(4, newTagged, rec)
	require.NoError(t, err)

	first, err := d.StartProducer(true)
	require.NoError(t, err)
	second, err := d.StartProducer(true)
	require.NoError(t, err)

	second.Value().n = 2
	d.FinishProducer(second)

	// second is published but must wait for first
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	first.Value().n = 1
	d.FinishProducer(first)
	require.NoError(t, d.Close())

	items := rec.snapshot()
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].n)
	assert.Equal(t, 2, items[1].n)
}

func TestCapacityAndBlockingClaim(t *testing.T) {
	const capacity = 4
	rec := &recorder{}
	d, err := New(capacity, newTagged, rec)
	require.NoError(t, err)

	slots := make([]*Slot[*tagged], capacity)
	for i := range slots {
		slots[i], err = d.StartProducer(false)
		require.NoError(t, err)
	}
	assert.Equal(t, capacity, d.InFlight())

	_, err = d.StartProducer(false)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	claimed := make(chan *Slot[*tagged])
	go func() {
		s, err := d.StartProducer(true)
		if err == nil {
			claimed <- s
		}
		close(claimed)
	}()

	select {
	case <-claimed:
		t.Fatal("blocking claim returned while ring was full")
	case <-time.After(30 * time.Millisecond):
	}

	// the consumer frees exactly slot 0
	d.FinishProducer(slots[0])

	var s *Slot[*tagged]
	select {
	case s = <-claimed:
	case <-time.After(2 * time.Second):
		t.Fatal("blocking claim did not wake after the consumer freed a slot")
	}
	require.NotNil(t, s)
	assert.Equal(t, uint64(capacity), s.Sequence())

	for _, sl := range slots[1:] {
		d.FinishProducer(sl)
	}
	d.FinishProducer(s)
	require.NoError(t, d.Close())
	assert.Len(t, rec.snapshot(), capacity+1)
}

func TestNonBlockingClaimUnderSaturation(t *testing.T) {
	rec := &recorder{}
	d, err := New(2, newTagged, rec)
	require.NoError(t, err)

	a, err := d.StartProducer(true)
	require.NoError(t, err)
	b, err := d.StartProducer(true)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 100; i++ {
		_, err := d.StartProducer(false)
		require.ErrorIs(t, err, ErrCapacityExceeded)
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 2, d.InFlight())

	a.Value().n, b.Value().n = 1, 2
	d.FinishProducer(a)
	d.FinishProducer(b)

	c, err := d.StartProducer(true)
	require.NoError(t, err)
	c.Value().n = 3
	d.FinishProducer(c)
	require.NoError(t, d.Close())

	items := rec.snapshot()
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, i+1, it.n)
	}
}

func TestItemsAreResetAfterProcessing(t *testing.T) {
	items := make([]*tagged, 0, 2)
	d, err := New(2, func(int) *tagged {
		it := &tagged{}
		items = append(items, it)
		return it
	}, &recorder{})
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		publish(t, d, 7, i+1)
	}
	require.NoError(t, d.Close())

	for _, it := range items {
		assert.Equal(t, 3, it.resets)
		assert.Zero(t, it.producer)
		assert.Zero(t, it.n)
	}
}

func TestProcessorErrorHaltsConsumer(t *testing.T) {
	boom := errors.New("boom")
	var processed atomic.Int32
	d, err := New(4, newTagged, ProcessorFunc[*tagged](func(item *tagged, _ bool) error {
		processed.Add(1)
		if item.n == 2 {
			return boom
		}
		return nil
	}))
	require.NoError(t, err)

	publish(t, d, 0, 1)
	publish(t, d, 0, 2)

	require.Eventually(t, func() bool { return d.Err() != nil }, 2*time.Second, time.Millisecond)

	_, err = d.StartProducer(true)
	assert.ErrorIs(t, err, ErrConsumerFault)
	assert.ErrorIs(t, err, boom)

	err = d.Close()
	require.Error(t, err)
	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, uint64(1), fe.Sequence)
	assert.Equal(t, int32(2), processed.Load())
}

func TestProcessorPanicBecomesFault(t *testing.T) {
	d, err := New(2, newTagged, ProcessorFunc[*tagged](func(*tagged, bool) error {
		panic("bad item")
	}))
	require.NoError(t, err)

	publish(t, d, 0, 1)
	err = d.Close()
	assert.ErrorIs(t, err, ErrConsumerFault)
	assert.Contains(t, err.Error(), "bad item")
}

func TestFaultWakesBlockedProducers(t *testing.T) {
	release := make(chan struct{})
	d, err := New(1, newTagged, ProcessorFunc[*tagged](func(*tagged, bool) error {
		<-release
		return errors.New("disk gone")
	}))
	require.NoError(t, err)

	publish(t, d, 0, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := d.StartProducer(true)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case err := <-errc:
		// the waiter either saw the fault or got the freed slot first
		if err != nil {
			assert.ErrorIs(t, err, ErrConsumerFault)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked producer was not woken by the fault")
	}
	assert.ErrorIs(t, d.Close(), ErrConsumerFault)
}

func TestCloseDrainsAndRejects(t *testing.T) {
	rec := &recorder{}
	d, err := New(16, newTagged, rec)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		publish(t, d, 0, i)
	}
	require.NoError(t, d.Close())
	assert.Len(t, rec.snapshot(), 10)

	_, err = d.StartProducer(true)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.StartProducer(false)
	assert.ErrorIs(t, err, ErrClosed)

	// idempotent
	assert.NoError(t, d.Close())
}

func TestCloseWaitsForClaimedSlot(t *testing.T) {
	rec := &recorder{}
	d, err := New(4, newTagged, rec)
	require.NoError(t, err)

	s, err := d.StartProducer(true)
	require.NoError(t, err)

	closed := make(chan error, 1)
	go func() { closed <- d.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned before the claimed slot was published")
	case <-time.After(30 * time.Millisecond):
	}

	s.Value().n = 42
	d.FinishProducer(s)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not finish after publish")
	}
	items := rec.snapshot()
	require.Len(t, items, 1)
	assert.Equal(t, 42, items[0].n)
}

func TestDoneClosesAfterDrain(t *testing.T) {
	rec := &recorder{}
	d, err := New(8, newTagged, rec, WithClosePoll(200*time.Microsecond))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		publish(t, d, 0, i)
	}
	select {
	case <-d.Done():
		t.Fatal("consumer exited before Close")
	default:
	}

	require.NoError(t, d.Close())
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after Close")
	}

	items := rec.snapshot()
	require.Len(t, items, 5)
	for i, it := range items {
		assert.Equal(t, uint64(i), it.seq)
	}
}
