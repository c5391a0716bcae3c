package disruptor

import "sync/atomic"

// Slot is one reusable cell of the ring. The producer that claimed it owns
// the value until FinishProducer; after that only the consumer touches it.
type Slot[T any] struct {
	sequence uint64
	// published holds sequence+1 once the producer is done. It only grows:
	// the next claim of this cell is at sequence+capacity.
	published atomic.Uint64
	value     T
}

// Value returns the pre-allocated payload of the slot.
func (s *Slot[T]) Value() T { return s.value }

// Sequence returns the claimed sequence number.
func (s *Slot[T]) Sequence() uint64 { return s.sequence }

func (s *Slot[T]) isPublished(seq uint64) bool {
	return s.published.Load() == seq+1
}
