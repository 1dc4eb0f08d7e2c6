// Package hostenv declares the contracts between the sdhci core and the
// platform it is embedded in.  The platform layer owns device discovery,
// register window mapping, interrupt routing and physical memory; the core
// only borrows these through the interfaces below for the lifetime of a
// controller.
package hostenv

// Regs is a borrowed window into the controller's memory mapped register
// block.  Offsets are byte offsets from the start of the block.  Both calls
// must issue the access immediately and in program order, since several
// registers have read or write side effects (interrupt status is cleared by
// writing back the bits read, the data port advances an internal FIFO).
//
// The core never shares a Regs value; all accesses happen under the
// controller's lock.
type Regs interface {
	Load32(off uint32) uint32
	Store32(off uint32, val uint32)
}

// Interrupt is the borrowed interrupt object the controller's line is routed
// to.
type Interrupt interface {
	// Wait blocks until the interrupt asserts.  An error return stops the
	// dispatcher, which treats it as a teardown signal.
	Wait() error

	// Complete re-arms the interrupt after the pending assertion has been
	// handled.
	Complete()

	// Close unblocks a pending Wait with an error.
	Close() error
}

// Segment is a physically contiguous chunk of a transfer buffer.
type Segment struct {
	Addr uint64
	Len  int
}

// Buffer is the data buffer of a single request.  It is implemented by the
// platform layer, which knows how the underlying pages are mapped.
//
// CopyFrom and CopyTo give the word-by-word PIO path access to the buffer's
// contents.  The cache maintenance calls and Segments support DMA: before a
// device write the buffer must be cleaned to memory, before a device read
// cleaned and invalidated, and Segments must yield the buffer's physical
// layout in order, each segment capped at max bytes.
type Buffer interface {
	Len() int

	// CopyFrom copies p into the buffer at off.
	CopyFrom(p []byte, off int) (int, error)
	// CopyTo copies out of the buffer at off into p.
	CopyTo(p []byte, off int) (int, error)

	CacheClean(off, n int) error
	CacheCleanInvalidate(off, n int) error

	Segments(max int) func() (Segment, bool)
}

// DMARegion is a physically contiguous allocation that is visible to both
// the CPU and the controller.  The core stores its descriptor chain in one
// region for the controller's whole lifetime.
type DMARegion interface {
	Bytes() []byte
	PhysAddr() uint64
}

// Platform carries optional hooks into the surrounding board support code.
type Platform interface {
	// HWReset toggles the controller's external reset line, if wired.
	HWReset()
}
