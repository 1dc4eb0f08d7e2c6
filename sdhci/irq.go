package sdhci

import (
	"log/slog"
	"time"

	"github.com/hostio/sdhci/sdhcireg"
)

// irqLoop is the interrupt dispatcher.  It runs as its own goroutine for the
// controller's whole lifetime, blocked on the borrowed interrupt object, and
// is the only place where requests complete.
//
// Status bits are acknowledged by writing back the value read, before the
// lock is taken; the interrupt object itself is completed only after the
// handlers have run.
func (c *Controller) irqLoop() {
	defer c.dispatcher.Done()

	for {
		if err := c.irq.Wait(); err != nil {
			c.debug("interrupt wait failed, stopping dispatcher",
				slog.String("err", err.Error()))
			return
		}

		irq := c.regs.Load32(sdhcireg.IRQ)
		c.regs.Store32(sdhcireg.IRQ, irq)

		c.debug("got irq", slog.Uint64("status", uint64(irq)))

		c.mtx.Lock()
		if irq&sdhcireg.IRQCmdComplete != 0 {
			c.cmdCompleteLocked()
		}
		if irq&sdhcireg.IRQBuffReadReady != 0 {
			c.readReadyLocked()
		}
		if irq&sdhcireg.IRQBuffWriteReady != 0 {
			c.writeReadyLocked()
		}
		if irq&sdhcireg.IRQXferComplete != 0 {
			c.xferCompleteLocked()
		}
		if irq&errorIRQs != 0 {
			if irq&sdhcireg.IRQErrADMA != 0 {
				c.logerr("ADMA error",
					slog.Uint64("status", uint64(c.regs.Load32(sdhcireg.ADMAError))),
					slog.Uint64("addr0", uint64(c.regs.Load32(sdhcireg.ADMAAddr0))),
					slog.Uint64("addr1", uint64(c.regs.Load32(sdhcireg.ADMAAddr1))))
			}
			c.recoverLocked()
		}
		c.mtx.Unlock()

		c.irq.Complete()
	}
}

// cmdCompleteLocked finishes the command stage: it latches the response and
// either completes the request or re-arms the interrupts for the data
// phase.
func (c *Controller) cmdCompleteLocked() {
	if c.req == nil {
		c.debug("spurious CMD_CPLT interrupt")
		return
	}
	req := c.req

	c.readResponseLocked(req)

	if !req.Cmd.HasData() {
		c.completeLocked(nil, 0)
		return
	}

	// Pick the interrupt that ends the data phase: transfer complete for
	// DMA, else the buffer ready matching the direction.
	switch {
	case c.supportsADMA2():
		c.regs.Store32(sdhcireg.IRQEnable, errorIRQs|sdhcireg.IRQXferComplete)
	case req.Cmd.IsRead():
		c.regs.Store32(sdhcireg.IRQEnable, errorIRQs|sdhcireg.IRQBuffReadReady)
	default:
		c.regs.Store32(sdhcireg.IRQEnable, errorIRQs|sdhcireg.IRQBuffWriteReady)
	}
}

// xferCompleteLocked ends a DMA data phase.
func (c *Controller) xferCompleteLocked() {
	if c.req == nil {
		c.debug("spurious XFER_CPLT interrupt")
		return
	}
	c.completeLocked(nil, c.req.length())
}

// recoverLocked resets the command and data state machines after an error
// interrupt and fails the pending request.  Recovery is best effort: a
// reset that doesn't complete is logged, but the slot is freed regardless.
func (c *Controller) recoverLocked() {
	c.regs.Store32(sdhcireg.Ctrl1, c.regs.Load32(sdhcireg.Ctrl1)|sdhcireg.ResetCmd)
	c.waitReset(sdhcireg.ResetCmd, time.Second)
	c.regs.Store32(sdhcireg.Ctrl1, c.regs.Load32(sdhcireg.Ctrl1)|sdhcireg.ResetDat)
	c.waitReset(sdhcireg.ResetDat, time.Second)

	if c.req != nil {
		c.completeLocked(ErrIO, 0)
	}
}
