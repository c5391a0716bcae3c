// Package chunk models a message payload as a chain of block-store ranges.
//
// A payload written through the journal lands in one or more segments; each
// segment becomes a Node and the nodes are linked in payload order:
//
//	head ──► [addr=256 off=164 len=92] ──► [addr=512 off=0 len=58] ──► nil
//
// Chains are assembled once with a Builder and only read afterwards.
package chunk

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/mqueue-journal/internal/storage/block"
	"github.com/ChuLiYu/mqueue-journal/pkg/types"
)

var (
	// ErrOutOfRange is returned for reads outside a node or chain.
	ErrOutOfRange = errors.New("chunk: range out of bounds")

	// ErrIOFailure is matched by failed store reads.
	ErrIOFailure = block.ErrIOFailure
)

// Node references one contiguous range of a single block.
type Node struct {
	store  block.Store
	addr   int64
	offset int
	length int
	next   *Node
}

// NewNode creates an unlinked node. The range must fit in one block.
func NewNode(store block.Store, addr int64, offset, length int) (*Node, error) {
	if store == nil {
		return nil, fmt.Errorf("chunk: nil store")
	}
	if err := block.CheckRange(store.BlockSize(), addr, offset, length); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}
	return &Node{store: store, addr: addr, offset: offset, length: length}, nil
}

// Read fills buf from the node, starting nodeOffset bytes into its range.
func (n *Node) Read(nodeOffset int, buf []byte) error {
	if nodeOffset < 0 || nodeOffset+len(buf) > n.length {
		return fmt.Errorf("%w: [%d:%d] outside node of %d bytes", ErrOutOfRange, nodeOffset, nodeOffset+len(buf), n.length)
	}
	if len(buf) == 0 {
		return nil
	}
	if err := n.store.ReadBlock(n.addr, n.offset+nodeOffset, buf); err != nil {
		return fmt.Errorf("chunk: read addr=%d: %w", n.addr, err)
	}
	return nil
}

// Next returns the following node, or nil at the end of the chain.
func (n *Node) Next() *Node { return n.next }

// SetNext links next after n. It is meant for chain assembly only.
func (n *Node) SetNext(next *Node) { n.next = next }

// Len returns the number of payload bytes in the node.
func (n *Node) Len() int { return n.length }

// Segment returns the range the node refers to.
func (n *Node) Segment() types.Segment {
	return types.Segment{Addr: n.addr, Offset: n.offset, Length: n.length}
}

// Store returns the store the node reads from.
func (n *Node) Store() block.Store { return n.store }

// ============================================================================
// Chain helpers
// ============================================================================

// Builder assembles a chain in payload order.
type Builder struct {
	head  *Node
	tail  *Node
	nodes int
	bytes int
}

// Append adds a node for seg at the end of the chain.
func (b *Builder) Append(store block.Store, seg types.Segment) (*Node, error) {
	n, err := NewNode(store, seg.Addr, seg.Offset, seg.Length)
	if err != nil {
		return nil, err
	}
	if b.tail == nil {
		b.head = n
	} else {
		b.tail.SetNext(n)
	}
	b.tail = n
	b.nodes++
	b.bytes += n.length
	return n, nil
}

// Head returns the first node, or nil for an empty chain.
func (b *Builder) Head() *Node { return b.head }

// Nodes returns the number of appended nodes.
func (b *Builder) Nodes() int { return b.nodes }

// Length returns the payload length of the chain so far.
func (b *Builder) Length() int { return b.bytes }

// FromSegments builds a chain over segs.
func FromSegments(store block.Store, segs []types.Segment) (*Node, error) {
	var b Builder
	for _, s := range segs {
		if _, err := b.Append(store, s); err != nil {
			return nil, err
		}
	}
	return b.Head(), nil
}

// Length returns the payload length of the chain starting at head.
func Length(head *Node) int {
	total := 0
	for n := head; n != nil; n = n.next {
		total += n.length
	}
	return total
}

// Segments returns the ranges of the chain in order.
func Segments(head *Node) []types.Segment {
	var segs []types.Segment
	for n := head; n != nil; n = n.next {
		segs = append(segs, n.Segment())
	}
	return segs
}

// ReadAll reads the whole payload of the chain.
func ReadAll(head *Node) ([]byte, error) {
	buf := make([]byte, Length(head))
	pos := 0
	for n := head; n != nil; n = n.next {
		if err := n.Read(0, buf[pos:pos+n.length]); err != nil {
			return nil, err
		}
		pos += n.length
	}
	return buf, nil
}

// ReadAt fills buf from the chain payload starting at off.
func ReadAt(head *Node, off int, buf []byte) error {
	if off < 0 || off+len(buf) > Length(head) {
		return fmt.Errorf("%w: [%d:%d] outside chain", ErrOutOfRange, off, off+len(buf))
	}
	for n := head; n != nil && len(buf) > 0; n = n.next {
		if off >= n.length {
			off -= n.length
			continue
		}
		k := n.length - off
		if k > len(buf) {
			k = len(buf)
		}
		if err := n.Read(off, buf[:k]); err != nil {
			return err
		}
		buf = buf[k:]
		off = 0
	}
	return nil
}
