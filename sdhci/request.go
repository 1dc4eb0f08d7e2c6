package sdhci

import (
	"github.com/hostio/sdhci/hostenv"
	"github.com/hostio/sdhci/sdhcireg"
)

// Command encodes an SD/MMC command the way the SDHCI command register
// expects it: the command index and response/data flags in the upper half,
// transfer mode bits in the lower half.  The core itself only interprets the
// generic flags; which commands to send is the card protocol layer's
// business.
type Command uint32

// CmdSendTuningBlock is the probe command of the tuning procedure (CMD21).
// It is the one command the core treats specially: it has a nominal block
// length but no payload ever reaches the data port.
const CmdSendTuningBlock Command = 21<<sdhcireg.CmdIdxShift |
	sdhcireg.RespLen48 | sdhcireg.CmdCRCCheck | sdhcireg.CmdIdxCheck

// Index returns the command index (CMD0..CMD63).
func (c Command) Index() uint8 {
	return uint8((c & sdhcireg.CmdIdxMask) >> sdhcireg.CmdIdxShift)
}

// HasData reports whether the command carries a data phase.
func (c Command) HasData() bool { return c&sdhcireg.CmdDataPresent != 0 }

// IsRead reports the direction of the data phase.
func (c Command) IsRead() bool { return c&sdhcireg.CmdRead != 0 }

// Request is one card command, optionally with a block oriented data phase.
// The caller fills the upper fields, hands the request to
// [Controller.Submit] and must not touch it again until Done is invoked;
// the controller owns it in between and holds no reference afterwards.
type Request struct {
	Cmd Command
	Arg uint32

	// Data phase geometry.  The transfer length is BlockCount*BlockSize;
	// BlockSize must be a multiple of the 4 byte data port width.
	BlockSize  uint16
	BlockCount uint16

	// Buffer backs the data phase.  Required iff the command has one.
	Buffer hostenv.Buffer

	// Done is called exactly once when the request leaves the controller,
	// with Status and Actual filled in.  It runs on the interrupt
	// dispatcher while the controller lock is held: it must not call back
	// into the controller (that deadlocks) and should hand off to another
	// goroutine if it has real work to do.
	Done func(*Request)

	// Response holds the command response: two words for 48 bit
	// responses, four for 136 bit ones.
	Response [4]uint32

	// Status is nil on success, else one of this package's error kinds.
	Status error
	// Actual is the number of bytes transferred.
	Actual int

	blockID int // next block of the PIO data phase
}

// multiBlock reports whether the transfer spans more than one block, which
// makes the controller issue an automatic CMD12 at the end.
func (r *Request) multiBlock() bool {
	return r.Cmd&sdhcireg.CmdMultiBlk != 0
}

// length is the data phase's total size in bytes.
func (r *Request) length() int {
	return int(r.BlockCount) * int(r.BlockSize)
}
