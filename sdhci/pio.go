package sdhci

import (
	"encoding/binary"

	"github.com/hostio/sdhci/sdhcireg"
)

// The data port moves 32 bit words; the controller raises one buffer ready
// interrupt per block.

// readReadyLocked drains one block from the data port into the request
// buffer.
func (c *Controller) readReadyLocked() {
	if c.req == nil {
		c.debug("spurious BUFF_READ_READY interrupt")
		return
	}
	req := c.req

	// The tuning probe has a block length but the sampled pattern never
	// shows up in the data port.
	if req.Cmd != CmdSendTuningBlock {
		var word [4]byte
		base := req.blockID * int(req.BlockSize)
		for off := 0; off < int(req.BlockSize); off += 4 {
			binary.LittleEndian.PutUint32(word[:], c.regs.Load32(sdhcireg.Data))
			if _, err := req.Buffer.CopyFrom(word[:], base+off); err != nil {
				c.completeLocked(ErrInternal, req.Actual)
				return
			}
			req.Actual += 4
		}
		req.blockID++
	}

	if req.blockID == int(req.BlockCount) {
		c.completeLocked(nil, req.Actual)
	}
}

// writeReadyLocked feeds one block from the request buffer into the data
// port.
func (c *Controller) writeReadyLocked() {
	if c.req == nil {
		c.debug("spurious BUFF_WRITE_READY interrupt")
		return
	}
	req := c.req

	var word [4]byte
	base := req.blockID * int(req.BlockSize)
	for off := 0; off < int(req.BlockSize); off += 4 {
		if _, err := req.Buffer.CopyTo(word[:], base+off); err != nil {
			c.completeLocked(ErrInternal, req.Actual)
			return
		}
		c.regs.Store32(sdhcireg.Data, binary.LittleEndian.Uint32(word[:]))
		req.Actual += 4
	}
	req.blockID++

	if req.blockID == int(req.BlockCount) {
		c.completeLocked(nil, req.Actual)
	}
}
