package sim

import (
	"errors"
	"sync"

	"github.com/hostio/sdhci/hostenv"
)

// Mem is a fake physical address space.  Buffers and DMA regions register
// their backing slices here under made-up physical addresses, and the
// controller model resolves DMA accesses against it.
type Mem struct {
	mtx     sync.Mutex
	next    uint64
	regions []memRegion
}

type memRegion struct {
	addr uint64
	data []byte
}

// NewMem returns an empty address space.
func NewMem() *Mem {
	return &Mem{next: 0x1000_0000}
}

// map_ registers data at a fresh physical address and returns it.  A guard
// page is left between allocations so that neighbouring buffers are never
// physically contiguous by accident.
func (m *Mem) map_(data []byte) uint64 {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	addr := m.next
	m.regions = append(m.regions, memRegion{addr, data})
	m.next += (uint64(len(data)) + 0x1fff) &^ 0xfff
	return addr
}

var errBadAddress = errors.New("sim: access outside mapped memory")

// slice resolves [addr, addr+n) to its backing memory.
func (m *Mem) slice(addr uint64, n int) ([]byte, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	for _, r := range m.regions {
		if addr >= r.addr && addr+uint64(n) <= r.addr+uint64(len(r.data)) {
			off := addr - r.addr
			return r.data[off : off+uint64(n)], nil
		}
	}
	return nil, errBadAddress
}

// Region is a physically contiguous, controller visible allocation.  It
// implements hostenv.DMARegion.
type Region struct {
	data []byte
	addr uint64
}

// NewRegion allocates and maps a region of size bytes.
func (m *Mem) NewRegion(size int) *Region {
	data := make([]byte, size)
	return &Region{data, m.map_(data)}
}

func (r *Region) Bytes() []byte    { return r.data }
func (r *Region) PhysAddr() uint64 { return r.addr }

// Buffer is a transfer buffer with a configurable physical layout.  It
// implements hostenv.Buffer.
type Buffer struct {
	data []byte
	segs []hostenv.Segment
}

// NewBuffer maps data as one physically contiguous buffer.
func (m *Mem) NewBuffer(data []byte) *Buffer {
	return &Buffer{
		data: data,
		segs: []hostenv.Segment{{Addr: m.map_(data), Len: len(data)}},
	}
}

// NewScatteredBuffer maps data as physically discontiguous chunks of at
// most chunk bytes each.
func (m *Mem) NewScatteredBuffer(data []byte, chunk int) *Buffer {
	b := &Buffer{data: data}
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		piece := data[off:end]
		b.segs = append(b.segs, hostenv.Segment{Addr: m.map_(piece), Len: len(piece)})
	}
	return b
}

func (b *Buffer) Len() int { return len(b.data) }

var errBufferRange = errors.New("sim: buffer access out of range")

func (b *Buffer) CopyFrom(p []byte, off int) (int, error) {
	if off < 0 || off+len(p) > len(b.data) {
		return 0, errBufferRange
	}
	return copy(b.data[off:], p), nil
}

func (b *Buffer) CopyTo(p []byte, off int) (int, error) {
	if off < 0 || off+len(p) > len(b.data) {
		return 0, errBufferRange
	}
	return copy(p, b.data[off:off+len(p)]), nil
}

// Host memory is coherent, cache maintenance is a no-op here.
func (b *Buffer) CacheClean(off, n int) error           { return nil }
func (b *Buffer) CacheCleanInvalidate(off, n int) error { return nil }

// Segments yields the buffer's physical layout, each segment split to at
// most max bytes.
func (b *Buffer) Segments(max int) func() (hostenv.Segment, bool) {
	i, off := 0, 0
	return func() (hostenv.Segment, bool) {
		if i >= len(b.segs) {
			return hostenv.Segment{}, false
		}
		seg := b.segs[i]
		seg.Addr += uint64(off)
		seg.Len -= off
		if seg.Len > max {
			seg.Len = max
			off += max
		} else {
			i, off = i+1, 0
		}
		return seg, true
	}
}
