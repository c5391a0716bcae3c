package journal

// ============================================================================
// Journal Framing
// ============================================================================
//
// File layout (little endian, CRC32-Castagnoli):
//
//   block 0                          block 1 ...
//   ┌────────────────────────────┐   ┌──────────┬─────────┬──────────┬────
//   │ file header (40B) │ zeros  │   │ header   │ payload │ header   │ ...
//   └────────────────────────────┘   └──────────┴─────────┴──────────┴────
//
// File header:
//   0:4 magic "MQJL" | 4:6 version | 6:8 reserved | 8:12 block size |
//   12:20 created (unix nano) | 20:36 instance uuid | 36:40 crc(0:36)
//
// Record header (32 bytes):
//   0:2 magic | 2 kind | 3 flags | 4:8 code | 8:12 length |
//   12:20 id | 20:28 seq | 28:32 crc(header[0:28] + payload)
//
//   Checkpoint records carry no payload: id holds the block address, seq the
//   offset and length the checkpointed length.
//
// A header never crosses a block boundary; the tail of a block that cannot
// hold one stays zero. A payload crosses at most one boundary. An all-zero
// header ends the log.
//
// ============================================================================

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/mqueue-journal/internal/storage/block"
	"github.com/ChuLiYu/mqueue-journal/pkg/types"
)

const (
	fileMagic      uint32 = 0x4D514A4C // "MQJL"
	fileVersion    uint16 = 1
	fileHeaderSize        = 40

	recordMagic uint16 = 0x4D51
	// HeaderSize is the size of a record header.
	HeaderSize = 32

	flagInit  uint8 = 1 << 0
	flagFinal uint8 = 1 << 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// RecordKind discriminates journal records.
type RecordKind uint8

const (
	RecordData       RecordKind = 1
	RecordCheckpoint RecordKind = 2
)

func (k RecordKind) String() string {
	switch k {
	case RecordData:
		return "data"
	case RecordCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// Record is one decoded journal record.
type Record struct {
	Kind RecordKind
	Pos  int64 // absolute position of the record header

	// data records
	Code     types.Code
	Init     bool
	Final    bool
	ID       uint64
	Seq      uint64
	Segments []types.Segment // one, or two when the payload was split

	// checkpoint records
	Checkpoint types.Segment
}

// Length returns the payload length of a data record.
func (r Record) Length() int {
	n := 0
	for _, s := range r.Segments {
		n += s.Length
	}
	return n
}

// End returns the position just past the record.
func (r Record) End() int64 {
	if r.Kind == RecordData {
		return r.Segments[len(r.Segments)-1].End()
	}
	return r.Pos + HeaderSize
}

// FileHeader is the decoded header in block 0.
type FileHeader struct {
	Version   uint16
	BlockSize int
	Created   time.Time
	Instance  uuid.UUID
}

func newFileHeader(blockSize int) FileHeader {
	return FileHeader{
		Version:   fileVersion,
		BlockSize: blockSize,
		Created:   time.Now(),
		Instance:  uuid.New(),
	}
}

func (h FileHeader) encode() []byte {
	b := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], fileMagic)
	binary.LittleEndian.PutUint16(b[4:6], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.BlockSize))
	binary.LittleEndian.PutUint64(b[12:20], uint64(h.Created.UnixNano()))
	copy(b[20:36], h.Instance[:])
	binary.LittleEndian.PutUint32(b[36:40], crc32.Checksum(b[0:36], crcTable))
	return b
}

func decodeFileHeader(b []byte) (FileHeader, error) {
	var h FileHeader
	if len(b) < fileHeaderSize {
		return h, corrupt(0, "file header truncated")
	}
	if m := binary.LittleEndian.Uint32(b[0:4]); m != fileMagic {
		return h, corrupt(0, "bad file magic %#x", m)
	}
	if want, got := binary.LittleEndian.Uint32(b[36:40]), crc32.Checksum(b[0:36], crcTable); want != got {
		return h, corrupt(0, "file header checksum mismatch (expected=%#x, got=%#x)", want, got)
	}
	h.Version = binary.LittleEndian.Uint16(b[4:6])
	if h.Version != fileVersion {
		return h, corrupt(0, "unsupported version %d", h.Version)
	}
	h.BlockSize = int(binary.LittleEndian.Uint32(b[8:12]))
	h.Created = time.Unix(0, int64(binary.LittleEndian.Uint64(b[12:20])))
	copy(h.Instance[:], b[20:36])
	return h, nil
}

// ReadFileHeader reads and validates the header in block 0.
func ReadFileHeader(store block.Store) (FileHeader, error) {
	b := make([]byte, fileHeaderSize)
	if err := store.ReadBlock(0, 0, b); err != nil {
		return FileHeader{}, err
	}
	h, err := decodeFileHeader(b)
	if err != nil {
		return h, err
	}
	if h.BlockSize != store.BlockSize() {
		return h, corrupt(0, "block size %d does not match store block size %d", h.BlockSize, store.BlockSize())
	}
	return h, nil
}

// ============================================================================
// Record header
// ============================================================================

type recordHeader struct {
	kind   RecordKind
	flags  uint8
	code   uint32
	length uint32
	id     uint64
	seq    uint64
	crc    uint32
}

// encode writes the header into b (HeaderSize bytes), computing the crc over
// the header and payload.
func (h *recordHeader) encode(b []byte, payload []byte) {
	binary.LittleEndian.PutUint16(b[0:2], recordMagic)
	b[2] = byte(h.kind)
	b[3] = h.flags
	binary.LittleEndian.PutUint32(b[4:8], h.code)
	binary.LittleEndian.PutUint32(b[8:12], h.length)
	binary.LittleEndian.PutUint64(b[12:20], h.id)
	binary.LittleEndian.PutUint64(b[20:28], h.seq)
	h.crc = recordCRC(b[0:28], payload)
	binary.LittleEndian.PutUint32(b[28:32], h.crc)
}

func decodeRecordHeader(b []byte) recordHeader {
	return recordHeader{
		kind:   RecordKind(b[2]),
		flags:  b[3],
		code:   binary.LittleEndian.Uint32(b[4:8]),
		length: binary.LittleEndian.Uint32(b[8:12]),
		id:     binary.LittleEndian.Uint64(b[12:20]),
		seq:    binary.LittleEndian.Uint64(b[20:28]),
		crc:    binary.LittleEndian.Uint32(b[28:32]),
	}
}

func recordCRC(header, payload []byte) uint32 {
	crc := crc32.Update(0, crcTable, header)
	return crc32.Update(crc, crcTable, payload)
}

var zeroHeader [HeaderSize]byte

func isZeroHeader(b []byte) bool { return bytes.Equal(b, zeroHeader[:]) }

// payloadSegments splits a payload starting at absolute position start into
// at most two per-block segments.
func payloadSegments(blockSize int, start int64, length int) []types.Segment {
	addr := block.AddrOf(blockSize, start)
	off := int(start - addr)
	first := blockSize - off
	if length <= first {
		return []types.Segment{{Addr: addr, Offset: off, Length: length}}
	}
	return []types.Segment{
		{Addr: addr, Offset: off, Length: first},
		{Addr: addr + int64(blockSize), Offset: 0, Length: length - first},
	}
}

// ============================================================================
// Scanner
// ============================================================================

// scanner walks records forward from the first data block.
type scanner struct {
	store     block.Store
	blockSize int
	size      int64
	pos       int64
	limit     int64 // stop here; 0 means the store size
	hdr       [HeaderSize]byte
	payload   []byte
}

func newScanner(store block.Store, size int64) *scanner {
	bs := store.BlockSize()
	return &scanner{
		store:     store,
		blockSize: bs,
		size:      size,
		pos:       int64(bs),
		payload:   make([]byte, bs),
	}
}

// next returns the next record. ok is false at the end of the log. Malformed
// framing returns a *CorruptionError with s.pos left at the bad record.
func (s *scanner) next() (rec Record, ok bool, err error) {
	bs := int64(s.blockSize)
	if rem := bs - s.pos%bs; rem < HeaderSize {
		s.pos += rem
	}
	end := s.size
	if s.limit > 0 && s.limit < end {
		end = s.limit
	}
	if s.pos >= end {
		return rec, false, nil
	}
	if s.pos+HeaderSize > s.size {
		return rec, false, corrupt(s.pos, "truncated record header")
	}

	addr := block.AddrOf(s.blockSize, s.pos)
	if err := s.store.ReadBlock(addr, int(s.pos-addr), s.hdr[:]); err != nil {
		return rec, false, err
	}
	if isZeroHeader(s.hdr[:]) {
		return rec, false, nil
	}
	if m := binary.LittleEndian.Uint16(s.hdr[0:2]); m != recordMagic {
		return rec, false, corrupt(s.pos, "bad record magic %#x", m)
	}

	h := decodeRecordHeader(s.hdr[:])
	rec.Pos = s.pos
	rec.Kind = h.kind

	switch h.kind {
	case RecordCheckpoint:
		if h.length > uint32(s.blockSize) {
			return rec, false, corrupt(s.pos, "checkpoint length %d exceeds block size", h.length)
		}
		if got := recordCRC(s.hdr[0:28], nil); got != h.crc {
			return rec, false, corrupt(s.pos, "checksum mismatch (expected=%#x, got=%#x)", h.crc, got)
		}
		rec.Checkpoint = types.Segment{Addr: int64(h.id), Offset: int(h.seq), Length: int(h.length)}
		s.pos += HeaderSize
		return rec, true, nil

	case RecordData:
		if int(h.length) > s.blockSize-HeaderSize {
			return rec, false, corrupt(s.pos, "payload length %d exceeds maximum %d", h.length, s.blockSize-HeaderSize)
		}
		start := s.pos + HeaderSize
		if start+int64(h.length) > s.size {
			return rec, false, corrupt(s.pos, "truncated payload")
		}
		segs := payloadSegments(s.blockSize, start, int(h.length))
		buf := s.payload[:h.length]
		n := 0
		for _, seg := range segs {
			if err := s.store.ReadBlock(seg.Addr, seg.Offset, buf[n:n+seg.Length]); err != nil {
				return rec, false, err
			}
			n += seg.Length
		}
		if got := recordCRC(s.hdr[0:28], buf); got != h.crc {
			return rec, false, corrupt(s.pos, "checksum mismatch (expected=%#x, got=%#x)", h.crc, got)
		}
		rec.Code = types.Code(h.code)
		rec.Init = h.flags&flagInit != 0
		rec.Final = h.flags&flagFinal != 0
		rec.ID = h.id
		rec.Seq = h.seq
		rec.Segments = segs
		s.pos = start + int64(h.length)
		return rec, true, nil

	default:
		return rec, false, corrupt(s.pos, "unknown record kind %d", h.kind)
	}
}

// ============================================================================
// Scan
// ============================================================================

// ScanSummary describes a journal file after a forward scan.
type ScanSummary struct {
	Header         FileHeader
	Size           int64 // store size
	End            int64 // position just past the last valid record
	DataRecords    int
	Checkpoints    int
	Bytes          int64 // payload bytes of data records
	LastCheckpoint *types.Segment
}

// Scan reads the file header and calls fn for every record in journal order.
// It never writes to the store. On malformed framing it returns the summary
// up to that point and a *CorruptionError.
func Scan(store block.Store, fn func(Record) error) (*ScanSummary, error) {
	size, err := store.Size()
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, corrupt(0, "empty journal")
	}
	h, err := ReadFileHeader(store)
	if err != nil {
		return nil, err
	}

	sum := &ScanSummary{Header: h, Size: size, End: int64(h.BlockSize)}
	sc := newScanner(store, size)
	for {
		rec, ok, err := sc.next()
		if err != nil {
			return sum, err
		}
		if !ok {
			return sum, nil
		}
		switch rec.Kind {
		case RecordData:
			sum.DataRecords++
			sum.Bytes += int64(rec.Length())
		case RecordCheckpoint:
			sum.Checkpoints++
			cp := rec.Checkpoint
			sum.LastCheckpoint = &cp
		}
		sum.End = rec.End()
		if fn != nil {
			if err := fn(rec); err != nil {
				return sum, err
			}
		}
	}
}
