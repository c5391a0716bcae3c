// Package types defines the domain model shared by the journal, the message
// index and the snapshot layer.
package types

// Code is the operation code carried by every journal data record.
type Code uint32

const (
	CodeMessage Code = 1 // payload bytes belonging to a queue message
	CodeAck     Code = 2 // message consumed, empty payload
)

func (c Code) String() string {
	switch c {
	case CodeMessage:
		return "message"
	case CodeAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Segment is one contiguous byte range inside a single block of the store.
type Segment struct {
	Addr   int64 `json:"addr"`   // block address (multiple of the block size)
	Offset int   `json:"offset"` // offset inside the block
	Length int   `json:"length"` // bytes
}

// End returns the absolute store position just past the segment.
func (s Segment) End() int64 {
	return s.Addr + int64(s.Offset) + int64(s.Length)
}

// MessageRecord is the snapshot form of one indexed message.
type MessageRecord struct {
	ID       uint64    `json:"id"`
	Seq      uint64    `json:"seq"`
	Code     Code      `json:"code"`
	Segments []Segment `json:"segments"`
}

// Length returns the payload size of the message.
func (m *MessageRecord) Length() int {
	n := 0
	for _, s := range m.Segments {
		n += s.Length
	}
	return n
}

// SnapshotSchemaVersion is the current SnapshotData format.
const SnapshotSchemaVersion = 1

// SnapshotData is the persisted message index, used together with the
// journal checkpoint to bound recovery.
type SnapshotData struct {
	Messages  map[uint64]*MessageRecord `json:"messages"`          // complete messages keyed by id
	Pending   map[uint64]*MessageRecord `json:"pending,omitempty"` // multi-part messages still missing their final part
	SchemaVer int                       `json:"schema_ver"`        // format version
	Watermark int64                     `json:"watermark"`         // journal position covered by the snapshot
	Instance  string                    `json:"instance"`          // journal file instance id
}
