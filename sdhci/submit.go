package sdhci

import (
	"log/slog"
	"time"

	"github.com/hostio/sdhci/debug"
	"github.com/hostio/sdhci/sdhcireg"
)

// How long a command may keep the inhibit bits set before Submit gives up.
const inhibitTimeout = time.Second

// Submit hands one request to the controller and starts it.  It returns as
// soon as the command register is written; completion is delivered through
// req.Done from the interrupt dispatcher.  If a request is already in
// flight, Submit fails with ErrBusy without touching the hardware — there
// is no queue, callers retry.
//
// Submit blocks while the controller still reports the relevant inhibit
// bits from a previous command, polling up to a one second deadline.
func (c *Controller) Submit(req *Request) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	// One command at a time.
	if c.req != nil {
		return ErrBusy
	}
	return c.startLocked(req)
}

func (c *Controller) startLocked(req *Request) error {
	cmd := uint32(req.Cmd)
	hasData := req.Cmd.HasData()

	if hasData && (req.Buffer == nil || req.Buffer.Len() < req.length()) {
		return ErrInvalidArgs
	}

	c.debug("start request",
		slog.Uint64("cmd", uint64(cmd)),
		slog.Bool("data", hasData),
		slog.Uint64("blkcnt", uint64(req.BlockCount)),
		slog.Uint64("blksiz", uint64(req.BlockSize)))

	// Every command requires the command inhibit to be unset.  Busy type
	// commands also wait for the data inhibit, unless they are an abort,
	// which may be issued with the data lines active.
	inhibit := uint32(sdhcireg.StateCmdInhibit)
	if cmd&sdhcireg.RespLenMask == sdhcireg.RespLen48Busy &&
		cmd&sdhcireg.CmdTypeMask != sdhcireg.CmdTypeAbort {
		inhibit |= sdhcireg.StateDatInhibit
	}
	err := waitUntil(inhibitTimeout, time.Millisecond, func() bool {
		return c.regs.Load32(sdhcireg.State)&inhibit == 0
	})
	if err != nil {
		return err
	}

	if hasData {
		// Sync the buffer with memory before the controller reads or
		// writes it behind the cache's back.
		if req.Cmd.IsRead() {
			err = req.Buffer.CacheCleanInvalidate(0, req.length())
		} else {
			err = req.Buffer.CacheClean(0, req.length())
		}
		if err != nil {
			return err
		}

		if c.supportsADMA2() {
			if _, err := c.buildDescsLocked(req.Buffer); err != nil {
				return err
			}
			phys := c.descs.PhysAddr()
			c.regs.Store32(sdhcireg.ADMAAddr0, uint32(phys))
			c.regs.Store32(sdhcireg.ADMAAddr1, uint32(phys>>32))
			cmd |= sdhcireg.CmdDMAEnable
		} else {
			// The PIO fallback still programs the buffer's address;
			// it must be physically contiguous then.
			next := req.Buffer.Segments(req.length())
			seg, ok := next()
			if !ok {
				return ErrUnsupported
			}
			if debug.Enabled {
				_, more := next()
				debug.Assert(!more, "pio buffer not contiguous")
			}
			c.regs.Store32(sdhcireg.Arg2, uint32(seg.Addr))
		}

		if req.multiBlock() {
			cmd |= sdhcireg.CmdAuto12
		}
	} else if req.Cmd == CmdSendTuningBlock {
		cmd |= sdhcireg.CmdDataPresent | sdhcireg.CmdRead
	}

	c.regs.Store32(sdhcireg.BlkCntSiz, uint32(req.BlockSize)|uint32(req.BlockCount)<<16)
	c.regs.Store32(sdhcireg.Arg1, req.Arg)

	// Unmask errors plus the one completion interrupt this stage waits
	// for.  The tuning probe never raises command complete, only buffer
	// read ready.
	c.regs.Store32(sdhcireg.IRQMask, errorIRQs|normalIRQs)
	irqen := uint32(errorIRQs)
	if req.Cmd == CmdSendTuningBlock {
		irqen |= sdhcireg.IRQBuffReadReady
	} else {
		irqen |= sdhcireg.IRQCmdComplete
	}
	c.regs.Store32(sdhcireg.IRQEnable, irqen)

	// Clear stale status before the command write starts the hardware.  A
	// transfer complete can latch after the previous request already
	// finished; left in place it would end this request's data phase
	// early.
	c.regs.Store32(sdhcireg.IRQ, errorIRQs|normalIRQs)

	req.Status = nil
	req.Actual = 0
	req.blockID = 0
	c.req = req

	c.regs.Store32(sdhcireg.Cmd, cmd)
	return nil
}

// completeLocked hands the pending request back to its owner and frees the
// slot.  The callback runs under the controller lock.
func (c *Controller) completeLocked(status error, actual int) {
	// No pending request, no interrupts.
	c.regs.Store32(sdhcireg.IRQEnable, 0)

	req := c.req
	c.req = nil
	req.Status = status
	req.Actual = actual
	if req.Done != nil {
		req.Done(req)
	}
}
