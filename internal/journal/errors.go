package journal

// ============================================================================
// Journal Error Definitions
// Purpose: Error kinds surfaced by the journal file and its producer facade
// ============================================================================

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/mqueue-journal/internal/disruptor"
	"github.com/ChuLiYu/mqueue-journal/internal/storage/block"
)

var (
	// ErrInvalidArgument is returned synchronously by Init and Write for a
	// nil buffer, a nil callback or an out-of-range offset/length.
	ErrInvalidArgument = errors.New("journal: invalid argument")

	// ErrCorruptJournal is matched by every recovery failure caused by
	// malformed framing.
	ErrCorruptJournal = errors.New("journal: corrupt journal")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("journal: closed")

	// ErrIOFailure is matched by every failure of the underlying block store.
	ErrIOFailure = block.ErrIOFailure

	// ErrConsumerFault is matched by the fault recorded when the consumer
	// goroutine stops processing entries.
	ErrConsumerFault = disruptor.ErrConsumerFault

	// ErrCapacityExceeded is the ring's "no free slot" signal. Checkpoint
	// turns it into a silent drop; it never reaches callers of Write.
	ErrCapacityExceeded = disruptor.ErrCapacityExceeded
)

// CorruptionError describes malformed framing found while scanning.
type CorruptionError struct {
	Offset int64  // absolute position of the offending record or header
	Reason string // what was wrong
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupt record at offset %d: %s", e.Offset, e.Reason)
}

// Is makes every CorruptionError match ErrCorruptJournal.
func (e *CorruptionError) Is(target error) bool { return target == ErrCorruptJournal }

func corrupt(offset int64, format string, args ...any) *CorruptionError {
	return &CorruptionError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}
