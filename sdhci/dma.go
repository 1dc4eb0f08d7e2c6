package sdhci

import (
	"encoding/binary"
	"log/slog"

	"github.com/hostio/sdhci/hostenv"
)

// ADMA2 in the 64 bit descriptor layout: the controller walks an in-memory
// array of fixed size descriptors on its own, one per physically contiguous
// chunk of the transfer.

// Desc is one ADMA2 transfer descriptor: 16 attribute bits, a 16 bit length
// and a 64 bit address.
type Desc struct {
	Attr uint16
	Len  uint16 // 0 encodes 65536 bytes
	Addr uint64
}

// Attribute bits.
const (
	DescValid = 1 << 0
	DescEnd   = 1 << 1 // last descriptor of the chain
	DescInt   = 1 << 2 // raise an interrupt when done
	DescAct1  = 1 << 4
	DescAct2  = 1 << 5 // act2 alone means "transfer data"
)

// DescSize is the wire size of one descriptor.
const DescSize = 12

// The descriptor layout is fixed by the controller.
var _ [DescSize]byte = [12]byte{}

const (
	// DescMaxLength caps a single descriptor's transfer.
	DescMaxLength = 0x10000 // 64k

	// DescCount bounds the chain length, for a 32M maximum transfer size
	// even if fully discontiguous.
	DescCount = 8192
)

func (d Desc) Valid() bool     { return d.Attr&DescValid != 0 }
func (d Desc) End() bool       { return d.Attr&DescEnd != 0 }
func (d Desc) Interrupt() bool { return d.Attr&DescInt != 0 }

// Length returns the descriptor's transfer length in bytes.
func (d Desc) Length() int {
	if d.Len == 0 {
		return DescMaxLength
	}
	return int(d.Len)
}

func (d *Desc) SetEnd() { d.Attr |= DescEnd }

// Put serializes the descriptor into its 12 byte wire format.
func (d Desc) Put(p []byte) {
	binary.LittleEndian.PutUint16(p[0:], d.Attr)
	binary.LittleEndian.PutUint16(p[2:], d.Len)
	binary.LittleEndian.PutUint64(p[4:], d.Addr)
}

// DecodeDesc deserializes one descriptor from p.
func DecodeDesc(p []byte) Desc {
	return Desc{
		Attr: binary.LittleEndian.Uint16(p[0:]),
		Len:  binary.LittleEndian.Uint16(p[2:]),
		Addr: binary.LittleEndian.Uint64(p[4:]),
	}
}

// buildDescsLocked rewrites the descriptor region with a chain covering the
// buffer's physical segments and returns the chain length.  The chain is
// left ready for the controller to walk from the region's base address.
//
// A buffer with no segments, a segment longer than DescMaxLength or more
// than DescCount segments can't be expressed as a chain and fail with
// ErrUnsupported.
func (c *Controller) buildDescsLocked(buf hostenv.Buffer) (int, error) {
	mem := c.descs.Bytes()
	next := buf.Segments(DescMaxLength)

	n := 0
	for {
		seg, ok := next()
		if !ok {
			break
		}
		if seg.Len <= 0 || seg.Len > DescMaxLength {
			c.debug("unsupported chunk size", slog.Int("length", seg.Len))
			return 0, ErrUnsupported
		}
		if n == DescCount {
			c.debug("transfer exceeds descriptor capacity")
			return 0, ErrUnsupported
		}
		desc := Desc{
			Attr: DescValid | DescAct2,
			Len:  uint16(seg.Len), // 65536 wraps to 0, as encoded
			Addr: seg.Addr,
		}
		desc.Put(mem[n*DescSize:])
		n++
	}
	if n == 0 {
		c.debug("empty descriptor list")
		return 0, ErrUnsupported
	}

	last := DecodeDesc(mem[(n-1)*DescSize:])
	last.SetEnd()
	last.Put(mem[(n-1)*DescSize:])

	return n, nil
}
