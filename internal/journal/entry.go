package journal

// ============================================================================
// Journal Entry
// Purpose: Reusable unit of journal work living in one ring slot
// ============================================================================
//
// An Entry is a data write, a checkpoint request or a barrier. The producer that
// claimed the slot fills it, the consumer reads it, and the ring resets it
// before the slot is claimed again.

import (
	"fmt"

	"github.com/ChuLiYu/mqueue-journal/internal/storage/block"
	"github.com/ChuLiYu/mqueue-journal/pkg/types"
)

type entryKind uint8

const (
	entryEmpty entryKind = iota
	entryData
	entryCheckpoint
	entryBarrier
)

// Entry is a tagged union of a data write, a checkpoint request and a
// barrier.
type Entry struct {
	kind entryKind

	// data
	code   types.Code
	init   bool
	final  bool
	id     uint64
	seq    uint64
	buf    []byte
	offset int
	length int
	cb     Callback
	tbuf   *TempBuffer

	// checkpoint
	cpAddr   int64
	cpOffset int
	cpLength int

	// barrier
	barrier chan struct{}
}

// NewEntry returns an empty entry.
func NewEntry() *Entry { return &Entry{} }

// Init fills the entry with a single-part data write.
func (e *Entry) Init(code types.Code, id, seq uint64, buf []byte, offset, length int, cb Callback, tbuf *TempBuffer) error {
	return e.InitPart(code, true, true, id, seq, buf, offset, length, cb, tbuf)
}

// InitPart fills the entry with one part of a multi-part message.
func (e *Entry) InitPart(code types.Code, init, final bool, id, seq uint64, buf []byte, offset, length int, cb Callback, tbuf *TempBuffer) error {
	if err := validateData(buf, offset, length, cb); err != nil {
		return err
	}
	e.kind = entryData
	e.code = code
	e.init = init
	e.final = final
	e.id = id
	e.seq = seq
	e.buf = buf
	e.offset = offset
	e.length = length
	e.cb = cb
	e.tbuf = tbuf
	return nil
}

// InitCheckpoint fills the entry with a checkpoint request.
func (e *Entry) InitCheckpoint(addr int64, offset, length int) {
	e.kind = entryCheckpoint
	e.cpAddr = addr
	e.cpOffset = offset
	e.cpLength = length
}

// InitBarrier fills the entry with a barrier; done is closed when the
// consumer reaches it.
func (e *Entry) InitBarrier(done chan struct{}) {
	e.kind = entryBarrier
	e.barrier = done
}

// IsData reports whether the entry holds a data write.
func (e *Entry) IsData() bool { return e.kind == entryData }

// IsCheckpoint reports whether the entry holds a checkpoint request.
func (e *Entry) IsCheckpoint() bool { return e.kind == entryCheckpoint }

// IsBarrier reports whether the entry holds a barrier.
func (e *Entry) IsBarrier() bool { return e.kind == entryBarrier }

func (e *Entry) releaseBarrier() {
	if e.barrier != nil {
		close(e.barrier)
		e.barrier = nil
	}
}

// Payload returns buf[offset:offset+length].
func (e *Entry) Payload() []byte {
	if e.kind != entryData {
		return nil
	}
	return e.buf[e.offset : e.offset+e.length]
}

// FreeTempBuffer releases the attached temp buffer. Calling it again, or on
// an entry without one, does nothing.
func (e *Entry) FreeTempBuffer() {
	if e.tbuf != nil {
		e.tbuf.Free()
		e.tbuf = nil
	}
}

// Reset clears every field and releases the temp buffer.
func (e *Entry) Reset() {
	e.FreeTempBuffer()
	*e = Entry{}
}

func (e *Entry) Code() types.Code   { return e.code }
func (e *Entry) ID() uint64         { return e.id }
func (e *Entry) Seq() uint64        { return e.seq }
func (e *Entry) IsInit() bool       { return e.init }
func (e *Entry) IsFinal() bool      { return e.final }
func (e *Entry) Callback() Callback { return e.cb }

// Checkpoint returns the checkpoint location.
func (e *Entry) Checkpoint() (addr int64, offset, length int) {
	return e.cpAddr, e.cpOffset, e.cpLength
}

func validateData(buf []byte, offset, length int, cb Callback) error {
	switch {
	case buf == nil:
		return fmt.Errorf("%w: nil buffer", ErrInvalidArgument)
	case cb == nil:
		return fmt.Errorf("%w: nil callback", ErrInvalidArgument)
	case offset < 0 || length < 0 || offset+length > len(buf):
		return fmt.Errorf("%w: range [%d:%d] outside buffer of %d bytes",
			ErrInvalidArgument, offset, offset+length, len(buf))
	}
	return nil
}

// ============================================================================
// Result
// ============================================================================

// Result tells where the payload of one data write landed. A payload that
// crosses a block boundary is split: Addr2 > 0 and the second range starts at
// offset 0 of the following block.
type Result struct {
	Addr1   int64
	Offset1 int
	Length1 int
	Addr2   int64
	Offset2 int
	Length2 int

	store block.Store
}

// Split reports whether the payload crossed a block boundary.
func (r *Result) Split() bool { return r.Addr2 > 0 }

// Store returns the store the bytes were written to.
func (r *Result) Store() block.Store { return r.store }

// Length returns the total payload length.
func (r *Result) Length() int { return r.Length1 + r.Length2 }

// Segments returns the one or two ranges of the payload.
func (r *Result) Segments() []types.Segment {
	segs := []types.Segment{{Addr: r.Addr1, Offset: r.Offset1, Length: r.Length1}}
	if r.Split() {
		segs = append(segs, types.Segment{Addr: r.Addr2, Offset: r.Offset2, Length: r.Length2})
	}
	return segs
}

func (r *Result) reset() { *r = Result{} }
