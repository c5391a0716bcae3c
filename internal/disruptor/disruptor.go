// ============================================================================
// Disruptor - multi-producer / single-consumer ring
// ============================================================================
//
// Package: internal/disruptor
// File: disruptor.go
// Purpose: Bounded ring of pre-allocated slots shared by any number of
//          producer goroutines and exactly one consumer goroutine.
//
// Sequences:
//   next      - next sequence to claim (producers, CAS)
//   consumed  - every sequence below it is processed and its slot is free
//   slot.published - sequence+1 once the producer finished filling the slot
//
//   consumed            next
//      │                  │
//   ───┼──────────────────┼───────────
//      │ claimed / ready  │ free
//      └── len <= capacity┘
//
// Ordering:
//   The consumer processes sequence N+1 only after N, even when the producer
//   of N+1 finished first. Processing order is claim order.
//
// Waiting:
//   Producers blocked on a full ring and the consumer waiting for the next
//   sequence both spin briefly, then park. Producers park on a sync.Cond;
//   the consumer parks on a one-token channel. Each side publishes its state
//   before checking the other's, so no wakeup is lost.
//
// ============================================================================

package disruptor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultSpin      = 64
	defaultClosePoll = time.Millisecond
)

// Processor consumes published items on the consumer goroutine.
// endOfBatch is true when no further item is ready right now.
type Processor[T any] interface {
	Process(item T, endOfBatch bool) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc[T any] func(item T, endOfBatch bool) error

func (f ProcessorFunc[T]) Process(item T, endOfBatch bool) error { return f(item, endOfBatch) }

// Resetter is implemented by items that must be cleared before their slot is
// reused. Reset runs on the consumer goroutine right after Process.
type Resetter interface {
	Reset()
}

// Option configures a Disruptor.
type Option func(*options)

type options struct {
	spin      int
	closePoll time.Duration
}

// WithSpin sets how many times a waiter yields before parking.
func WithSpin(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.spin = n
		}
	}
}

// WithClosePoll sets how often a parked consumer re-checks for drain while
// the ring is closing.
func WithClosePoll(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.closePoll = d
		}
	}
}

// Disruptor is the ring. Create it with New.
type Disruptor[T any] struct {
	_         [64]byte
	mask      uint64
	capacity  uint64
	slots     []Slot[T]
	processor Processor[T]
	spin      int
	closePoll time.Duration

	_        [64]byte
	next     atomic.Uint64
	_        [64]byte
	consumed atomic.Uint64
	_        [64]byte

	// producer parking
	mu      sync.Mutex
	cond    *sync.Cond
	waiters atomic.Int32

	// consumer parking
	parked atomic.Bool
	wake   chan struct{}

	claiming  atomic.Int32
	closing   atomic.Bool
	fault     atomic.Pointer[FaultError]
	closeOnce sync.Once
	done      chan struct{}
}

// New creates the ring, fills every slot with newItem(index) and starts the
// consumer goroutine.
func New[T any](capacity int, newItem func(index int) T, processor Processor[T], opts ...Option) (*Disruptor[T], error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if newItem == nil || processor == nil {
		return nil, fmt.Errorf("disruptor: item factory and processor are required")
	}

	o := options{spin: defaultSpin, closePoll: defaultClosePoll}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Disruptor[T]{
		mask:      uint64(capacity - 1),
		capacity:  uint64(capacity),
		slots:     make([]Slot[T], capacity),
		processor: processor,
		spin:      o.spin,
		closePoll: o.closePoll,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	for i := range d.slots {
		d.slots[i].value = newItem(i)
	}

	go d.run()
	return d, nil
}

// Done is closed once the consumer goroutine exited, either after Close
// drained the ring or after a fault.
func (d *Disruptor[T]) Done() <-chan struct{} { return d.done }

// Capacity returns the number of slots.
func (d *Disruptor[T]) Capacity() int { return int(d.capacity) }

// InFlight returns the number of claimed sequences not yet processed.
func (d *Disruptor[T]) InFlight() int {
	return int(d.next.Load() - d.consumed.Load())
}

// Err returns the recorded consumer fault, if any.
func (d *Disruptor[T]) Err() error {
	if f := d.fault.Load(); f != nil {
		return f
	}
	return nil
}

// StartProducer claims the next sequence and returns its slot.
//
// With blocking=false a full ring returns ErrCapacityExceeded immediately.
// With blocking=true the caller waits until the consumer frees a slot.
// Both forms return ErrClosed after Close and the consumer fault once the
// consumer halted.
func (d *Disruptor[T]) StartProducer(blocking bool) (*Slot[T], error) {
	d.claiming.Add(1)
	defer d.claiming.Add(-1)

	for spins := 0; ; spins++ {
		if err := d.checkOpen(); err != nil {
			return nil, err
		}
		n := d.next.Load()
		if n-d.consumed.Load() >= d.capacity {
			if !blocking {
				return nil, ErrCapacityExceeded
			}
			if spins < d.spin {
				runtime.Gosched()
				continue
			}
			d.awaitSpace()
			continue
		}
		if d.next.CompareAndSwap(n, n+1) {
			s := &d.slots[n&d.mask]
			s.sequence = n
			return s, nil
		}
	}
}

// FinishProducer publishes a slot returned by StartProducer. The slot must
// not be touched by the producer afterwards.
func (d *Disruptor[T]) FinishProducer(s *Slot[T]) {
	s.published.Store(s.sequence + 1)
	if d.parked.Load() {
		d.signalConsumer()
	}
}

// Close stops accepting claims, lets the consumer drain every claimed
// sequence and waits for it to exit. It returns the consumer fault, if any.
func (d *Disruptor[T]) Close() error {
	d.closeOnce.Do(func() {
		d.closing.Store(true)
		d.signalConsumer()
		d.signalProducers()
	})
	<-d.done
	return d.Err()
}

func (d *Disruptor[T]) checkOpen() error {
	if f := d.fault.Load(); f != nil {
		return f
	}
	if d.closing.Load() {
		return ErrClosed
	}
	return nil
}

func (d *Disruptor[T]) full() bool {
	return d.next.Load()-d.consumed.Load() >= d.capacity
}

func (d *Disruptor[T]) awaitSpace() {
	d.mu.Lock()
	d.waiters.Add(1)
	for d.full() && d.fault.Load() == nil && !d.closing.Load() {
		d.cond.Wait()
	}
	d.waiters.Add(-1)
	d.mu.Unlock()
}

func (d *Disruptor[T]) signalProducers() {
	d.mu.Lock()
	d.cond.Broadcast()
	d.mu.Unlock()
}

func (d *Disruptor[T]) signalConsumer() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// ============================================================================
// Consumer
// ============================================================================

func (d *Disruptor[T]) run() {
	defer close(d.done)

	var cursor uint64
	for {
		s := &d.slots[cursor&d.mask]
		if !s.isPublished(cursor) {
			if d.drained(cursor) {
				return
			}
			d.park(s, cursor)
			continue
		}

		next := &d.slots[(cursor+1)&d.mask]
		endOfBatch := !next.isPublished(cursor + 1)

		err := d.process(s.value, endOfBatch)
		if r, ok := any(s.value).(Resetter); ok {
			r.Reset()
		}

		cursor++
		d.consumed.Store(cursor)
		if d.waiters.Load() > 0 {
			d.signalProducers()
		}

		if err != nil {
			d.halt(&FaultError{Sequence: cursor - 1, Err: err})
			return
		}
	}
}

// drained reports whether the consumer may exit: closing, no producer is
// inside StartProducer, and every claimed sequence was processed.
func (d *Disruptor[T]) drained(cursor uint64) bool {
	return d.closing.Load() && d.claiming.Load() == 0 && d.next.Load() == cursor
}

func (d *Disruptor[T]) park(s *Slot[T], cursor uint64) {
	for i := 0; i < d.spin; i++ {
		if s.isPublished(cursor) {
			return
		}
		runtime.Gosched()
	}

	d.parked.Store(true)
	defer d.parked.Store(false)

	if s.isPublished(cursor) {
		return
	}
	if d.closing.Load() {
		// producers leaving StartProducer do not signal; poll until drained
		t := time.NewTimer(d.closePoll)
		defer t.Stop()
		select {
		case <-d.wake:
		case <-t.C:
		}
		return
	}
	<-d.wake
}

func (d *Disruptor[T]) process(item T, endOfBatch bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.processor.Process(item, endOfBatch)
}

func (d *Disruptor[T]) halt(err *FaultError) {
	d.fault.CompareAndSwap(nil, err)
	d.signalProducers()
}
