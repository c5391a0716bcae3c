package disruptor

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is the "no free slot" signal of a non-blocking claim.
	// It is not a failure: callers decide whether to drop or retry.
	ErrCapacityExceeded = errors.New("disruptor: no free slot")

	// ErrConsumerFault is matched by the error recorded when the processor
	// fails; the consumer stops at that point.
	ErrConsumerFault = errors.New("disruptor: consumer fault")

	// ErrClosed is returned by StartProducer after Close.
	ErrClosed = errors.New("disruptor: closed")

	// ErrInvalidCapacity is returned by New for capacities that are not a
	// power of two.
	ErrInvalidCapacity = errors.New("disruptor: capacity must be a power of two")
)

// FaultError records the sequence whose processing failed.
type FaultError struct {
	Sequence uint64
	Err      error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("disruptor: consumer fault at sequence %d: %v", e.Sequence, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Is makes every FaultError match ErrConsumerFault.
func (e *FaultError) Is(target error) bool { return target == ErrConsumerFault }
