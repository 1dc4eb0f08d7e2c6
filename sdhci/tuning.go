package sdhci

import (
	"log/slog"

	"github.com/hostio/sdhci/sdhcireg"
)

// maxTuningCount bounds the number of tuning probe rounds.
const maxTuningCount = 40

// PerformTuning runs the sampling point calibration required by the fast
// UHS timing modes.  It sets the execute tuning bit and issues tuning probe
// commands through the normal request path until the controller reports
// tuning complete or the retry budget is exhausted.  Success requires the
// execute tuning bit cleared and the tuned clock selected; anything else is
// an ErrIO.
func (c *Controller) PerformTuning() error {
	c.mtx.Lock()
	// The probe's nominal block length depends on the bus width.
	blockSize := uint16(64)
	if c.regs.Load32(sdhcireg.Ctrl0)&sdhcireg.HostCtrl8BitBus != 0 {
		blockSize = 128
	}
	c.regs.Store32(sdhcireg.Ctrl2, c.regs.Load32(sdhcireg.Ctrl2)|sdhcireg.HostCtrl2ExecTuning)
	c.mtx.Unlock()

	count := 0
	for {
		done := make(chan struct{})
		req := &Request{
			Cmd:       CmdSendTuningBlock,
			BlockSize: blockSize,
			Done:      func(*Request) { close(done) },
		}
		if err := c.Submit(req); err != nil {
			return err
		}
		<-done

		c.mtx.Lock()
		ctrl2 := c.regs.Load32(sdhcireg.Ctrl2)
		c.mtx.Unlock()

		count++
		if ctrl2&sdhcireg.HostCtrl2ExecTuning == 0 || count >= maxTuningCount {
			if ctrl2&sdhcireg.HostCtrl2ExecTuning != 0 ||
				ctrl2&sdhcireg.HostCtrl2TunedClockSel == 0 {
				c.logerr("tuning failed", slog.Uint64("ctrl2", uint64(ctrl2)))
				return ErrIO
			}
			return nil
		}
	}
}
