// Package buffer implements the bounds-checked, read-only packet buffer that
// dissectors read from.
//
// A Buffer is one of three variants: raw (a contiguous byte slice), subset (an
// offset/length view into a parent, no copy) or composite (an ordered concatenation
// of other buffers, used for reassembly). All variants share the same accessors, and
// every accessor validates offset+length against the captured length before touching
// memory.
package buffer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Kind identifies the backing variant of a Buffer.
type Kind uint8

const (
	KindRaw Kind = iota
	KindSubset
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindSubset:
		return "subset"
	case KindComposite:
		return "composite"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Source identifies the data source a buffer's bytes are displayed against: the
// frame itself, or a reassembled run built by Compose.
type Source struct {
	name   string
	length int
}

func (s *Source) Name() string { return s.name }
func (s *Source) Len() int     { return s.length }

// Buffer is an immutable view over captured bytes.
type Buffer struct {
	kind     Kind
	segs     [][]byte // captured bytes in order; never mutated
	captured int
	reported int
	source   *Source
	origin   int // offset of byte 0 within source
}

// New returns a raw buffer over data. reported is the on-the-wire length; values
// below len(data) are raised to len(data).
func New(data []byte, reported int) *Buffer {
	return NewNamed("Frame", data, reported)
}

// NewNamed is New with an explicit data source name.
func NewNamed(name string, data []byte, reported int) *Buffer {
	if reported < len(data) {
		reported = len(data)
	}
	var segs [][]byte
	if len(data) > 0 {
		segs = [][]byte{data}
	}
	return &Buffer{
		kind:     KindRaw,
		segs:     segs,
		captured: len(data),
		reported: reported,
		source:   &Source{name: name, length: len(data)},
	}
}

// Compose returns a composite buffer that is the logical concatenation of the
// captured bytes of bufs. The composite is its own data source.
func Compose(name string, bufs ...*Buffer) *Buffer {
	c := &Buffer{kind: KindComposite}
	for _, b := range bufs {
		if b == nil {
			continue
		}
		c.segs = append(c.segs, b.segs...)
		c.captured += b.captured
	}
	c.reported = c.captured
	c.source = &Source{name: name, length: c.captured}
	return c
}

func (b *Buffer) Kind() Kind               { return b.kind }
func (b *Buffer) CapturedLength() int      { return b.captured }
func (b *Buffer) ReportedLength() int      { return b.reported }
func (b *Buffer) Source() *Source          { return b.source }
func (b *Buffer) SourceOffset(off int) int { return b.origin + off }

// Truncated reports whether fewer bytes were captured than were on the wire.
func (b *Buffer) Truncated() bool { return b.captured < b.reported }

// check validates [off, off+n) against the captured length.
func (b *Buffer) check(off, n int) error {
	if off < 0 || n < 0 || off > b.captured || n > b.captured-off {
		return &BoundsError{Offset: off, Length: n, Captured: b.captured, Reported: b.reported}
	}
	return nil
}

// Remaining returns the number of captured bytes from off to the end. off may equal
// the captured length (0 remaining).
func (b *Buffer) Remaining(off int) (int, error) {
	if err := b.check(off, 0); err != nil {
		return 0, err
	}
	return b.captured - off, nil
}

// ReportedRemaining returns the reported bytes from off to the end, or 0.
func (b *Buffer) ReportedRemaining(off int) int {
	if off < 0 || off >= b.reported {
		return 0
	}
	return b.reported - off
}

// Subset returns a zero-copy view of n bytes at off. n < 0 selects everything from
// off to the end. The requested range must lie within the captured bytes; a
// zero-length subset at off == CapturedLength() is valid.
func (b *Buffer) Subset(off, n int) (*Buffer, error) {
	if n < 0 {
		if err := b.check(off, 0); err != nil {
			return nil, err
		}
		return b.view(off, b.captured-off, b.ReportedRemaining(off)), nil
	}
	if err := b.check(off, n); err != nil {
		return nil, err
	}
	return b.view(off, n, n), nil
}

// SubsetReported returns a view at off whose reported length is the protocol-declared
// reportedLen. The captured part is clipped to what is available, so reads past it
// fail as short reads rather than failing here. off itself must be within the
// captured bytes.
func (b *Buffer) SubsetReported(off, reportedLen int) (*Buffer, error) {
	if err := b.check(off, 0); err != nil {
		return nil, err
	}
	if reportedLen < 0 {
		reportedLen = b.ReportedRemaining(off)
	}
	capLen := b.captured - off
	if capLen > reportedLen {
		capLen = reportedLen
	}
	return b.view(off, capLen, reportedLen), nil
}

func (b *Buffer) view(off, capLen, reported int) *Buffer {
	v := &Buffer{
		kind:     KindSubset,
		captured: capLen,
		reported: reported,
		source:   b.source,
		origin:   b.origin + off,
	}
	if capLen == 0 {
		return v
	}
	end := off + capLen
	pos := 0
	for _, s := range b.segs {
		segEnd := pos + len(s)
		if segEnd > off && pos < end {
			lo, hi := 0, len(s)
			if off > pos {
				lo = off - pos
			}
			if end < segEnd {
				hi = end - pos
			}
			v.segs = append(v.segs, s[lo:hi])
		}
		if segEnd >= end {
			break
		}
		pos = segEnd
	}
	return v
}

// Bytes returns n bytes at off. Reads within one segment share memory with the
// buffer; reads crossing segments return a copy. Callers must not modify the result.
func (b *Buffer) Bytes(off, n int) ([]byte, error) {
	if err := b.check(off, n); err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	pos := 0
	for i, s := range b.segs {
		if off < pos+len(s) {
			lo := off - pos
			if lo+n <= len(s) {
				return s[lo : lo+n : lo+n], nil
			}
			out := make([]byte, 0, n)
			out = append(out, s[lo:]...)
			for _, next := range b.segs[i+1:] {
				need := n - len(out)
				if need <= len(next) {
					return append(out, next[:need]...), nil
				}
				out = append(out, next...)
			}
			return out, nil
		}
		pos += len(s)
	}
	return nil, &BoundsError{Offset: off, Length: n, Captured: b.captured, Reported: b.reported}
}

// String returns n bytes at off as a string.
func (b *Buffer) String(off, n int) (string, error) {
	p, err := b.Bytes(off, n)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// Uint8 reads one byte.
func (b *Buffer) Uint8(off int) (uint8, error) {
	p, err := b.Bytes(off, 1)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// Uint16 reads a 16-bit integer in the given byte order.
func (b *Buffer) Uint16(off int, order binary.ByteOrder) (uint16, error) {
	p, err := b.Bytes(off, 2)
	if err != nil {
		return 0, err
	}
	return order.Uint16(p), nil
}

// Uint24 reads a 24-bit integer in the given byte order.
func (b *Buffer) Uint24(off int, order binary.ByteOrder) (uint32, error) {
	p, err := b.Bytes(off, 3)
	if err != nil {
		return 0, err
	}
	if order == binary.LittleEndian {
		return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16, nil
	}
	return uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2]), nil
}

// Uint32 reads a 32-bit integer in the given byte order.
func (b *Buffer) Uint32(off int, order binary.ByteOrder) (uint32, error) {
	p, err := b.Bytes(off, 4)
	if err != nil {
		return 0, err
	}
	return order.Uint32(p), nil
}

// Uint64 reads a 64-bit integer in the given byte order.
func (b *Buffer) Uint64(off int, order binary.ByteOrder) (uint64, error) {
	p, err := b.Bytes(off, 8)
	if err != nil {
		return 0, err
	}
	return order.Uint64(p), nil
}

// UintN reads an unsigned integer of width 1, 2, 3, 4 or 8 bytes.
func (b *Buffer) UintN(off, width int, order binary.ByteOrder) (uint64, error) {
	switch width {
	case 1:
		v, err := b.Uint8(off)
		return uint64(v), err
	case 2:
		v, err := b.Uint16(off, order)
		return uint64(v), err
	case 3:
		v, err := b.Uint24(off, order)
		return uint64(v), err
	case 4:
		v, err := b.Uint32(off, order)
		return uint64(v), err
	case 8:
		return b.Uint64(off, order)
	default:
		return 0, fmt.Errorf("unsupported integer width %d", width)
	}
}

// FindByte returns the offset of the first c at or after off, or -1.
func (b *Buffer) FindByte(off int, c byte) int {
	return b.Find(off, []byte{c})
}

// Find returns the offset of the first occurrence of needle at or after off within
// the captured bytes, or -1.
func (b *Buffer) Find(off int, needle []byte) int {
	rest, err := b.Remaining(off)
	if err != nil || rest < len(needle) {
		return -1
	}
	hay, err := b.Bytes(off, rest)
	if err != nil {
		return -1
	}
	i := bytes.Index(hay, needle)
	if i < 0 {
		return -1
	}
	return off + i
}
