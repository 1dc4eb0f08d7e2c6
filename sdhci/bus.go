package sdhci

import (
	"log/slog"
	"time"

	"github.com/hostio/sdhci/sdhcireg"
)

// Bus configuration.  Each operation takes the controller lock, which
// serializes it against Submit and the other configuration calls, but not
// against the data phase of a request that is already in flight — callers
// must not reconfigure the bus with a request outstanding.

// Voltage selects the bus signalling level.
type Voltage uint8

const (
	Voltage330 Voltage = iota
	Voltage300
	Voltage180
)

// BusWidth selects how many data lines are driven.
type BusWidth uint8

const (
	BusWidth1 BusWidth = iota
	BusWidth4
	BusWidth8
)

// Timing selects the bus timing mode.
type Timing uint8

const (
	TimingLegacy Timing = iota
	TimingHS
	TimingHSDDR
	TimingHS200
	TimingHS400
)

// getClockDivider computes the v3 10 bit divider for SD clock =
// base/(2*divider).  A divider of 0 means "don't divide"; otherwise the
// smallest divider whose resulting rate does not exceed the target is
// chosen.  Targets below base/2046 get the largest divider the field can
// hold.
func getClockDivider(baseClock, targetRate uint32) uint32 {
	if targetRate >= baseClock {
		// The base clock is already slow enough.
		return 0
	}
	div := baseClock / (2 * targetRate)
	if div*targetRate*2 < baseClock {
		div++
	}
	if div > 0x3ff {
		div = 0x3ff
	}
	return div
}

// SetBusFreq reprograms the clock divider for a bus rate of hz.  The actual
// rate never exceeds hz, down to the divider's limit of base/2046.
func (c *Controller) SetBusFreq(hz uint32) error {
	if hz == 0 {
		return ErrInvalidArgs
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	// Never touch the clock while a command is on the wire.
	err := waitUntil(time.Second, time.Millisecond, func() bool {
		state := c.regs.Load32(sdhcireg.State)
		return state&(sdhcireg.StateCmdInhibit|sdhcireg.StateDatInhibit) == 0
	})
	if err != nil {
		return err
	}

	divider := getClockDivider(c.baseClock, hz)

	// Gate the SD clock before changing the divider.
	ctrl1 := c.regs.Load32(sdhcireg.Ctrl1) &^ sdhcireg.ClockSDEnable
	c.regs.Store32(sdhcireg.Ctrl1, ctrl1)
	time.Sleep(clockSettle)

	ctrl1 &^= sdhcireg.ClockDivFieldMsk
	ctrl1 |= (divider & 0xff) << sdhcireg.ClockDivLoShift
	ctrl1 |= (divider >> 8 & 0x3) << sdhcireg.ClockDivHiShift
	ctrl1 = ctrl1&^sdhcireg.TimeoutMask | sdhcireg.TimeoutDefault
	c.regs.Store32(sdhcireg.Ctrl1, ctrl1)
	time.Sleep(clockSettle)

	c.regs.Store32(sdhcireg.Ctrl1, ctrl1|sdhcireg.ClockSDEnable)
	time.Sleep(clockSettle)

	return nil
}

// SetSignalVoltage switches the bus signalling level and verifies that the
// hardware acknowledged it.
func (c *Controller) SetSignalVoltage(v Voltage) error {
	switch v {
	case Voltage180, Voltage300, Voltage330:
	default:
		return ErrInvalidArgs
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	// Gate the SD clock before messing with the regulator.
	ctrl1 := c.regs.Load32(sdhcireg.Ctrl1) &^ sdhcireg.ClockSDEnable
	c.regs.Store32(sdhcireg.Ctrl1, ctrl1)
	time.Sleep(clockSettle)

	ctrl2 := c.regs.Load32(sdhcireg.Ctrl2)
	if v == Voltage180 {
		ctrl2 |= sdhcireg.HostCtrl2SigV18
	} else {
		ctrl2 &^= sdhcireg.HostCtrl2SigV18
	}
	c.regs.Store32(sdhcireg.Ctrl2, ctrl2)

	// Regulator output should be stable within 5ms.
	time.Sleep(5 * time.Millisecond)

	// Make sure our changes are acknowledged.
	expected := uint32(sdhcireg.PwrCtrlSDBusPower)
	switch v {
	case Voltage180:
		expected |= sdhcireg.PwrCtrlVolt1V8
	case Voltage300:
		expected |= sdhcireg.PwrCtrlVolt3V0
	default:
		expected |= sdhcireg.PwrCtrlVolt3V3
	}
	ctrl0 := c.regs.Load32(sdhcireg.Ctrl0)
	if ctrl0&(sdhcireg.PwrCtrlSDBusPower|sdhcireg.PwrCtrlVoltMask) != expected {
		c.logerr("voltage switch not acknowledged",
			slog.Uint64("ctrl0", uint64(ctrl0)),
			slog.Uint64("expected", uint64(expected)))
		return ErrInternal
	}

	c.regs.Store32(sdhcireg.Ctrl1, ctrl1|sdhcireg.ClockSDEnable)
	time.Sleep(clockSettle)

	return nil
}

// SetBusWidth selects the number of data lines.  8 bit requires the
// controller capability.
func (c *Controller) SetBusWidth(w BusWidth) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	ctrl0 := c.regs.Load32(sdhcireg.Ctrl0)
	switch w {
	case BusWidth1:
		ctrl0 &^= sdhcireg.HostCtrl8BitBus | sdhcireg.HostCtrl4BitBus
	case BusWidth4:
		ctrl0 &^= sdhcireg.HostCtrl8BitBus
		ctrl0 |= sdhcireg.HostCtrl4BitBus
	case BusWidth8:
		if c.caps&Cap8BitBus == 0 {
			return ErrUnsupported
		}
		ctrl0 |= sdhcireg.HostCtrl8BitBus
	default:
		return ErrInvalidArgs
	}
	c.regs.Store32(sdhcireg.Ctrl0, ctrl0)

	return nil
}

// SetTiming selects the bus timing mode.
func (c *Controller) SetTiming(t Timing) error {
	switch t {
	case TimingLegacy, TimingHS, TimingHSDDR, TimingHS200, TimingHS400:
	default:
		return ErrInvalidArgs
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	ctrl0 := c.regs.Load32(sdhcireg.Ctrl0)
	if t != TimingLegacy {
		ctrl0 |= sdhcireg.HostCtrlHighSpeed
	} else {
		ctrl0 &^= sdhcireg.HostCtrlHighSpeed
	}
	c.regs.Store32(sdhcireg.Ctrl0, ctrl0)

	// Gate the SD clock before changing the UHS mode.
	ctrl1 := c.regs.Load32(sdhcireg.Ctrl1) &^ sdhcireg.ClockSDEnable
	c.regs.Store32(sdhcireg.Ctrl1, ctrl1)
	time.Sleep(clockSettle)

	ctrl2 := c.regs.Load32(sdhcireg.Ctrl2) &^ sdhcireg.UHSModeMask
	switch t {
	case TimingHS200:
		ctrl2 |= sdhcireg.UHSModeSDR104
	case TimingHS400:
		ctrl2 |= sdhcireg.UHSModeHS400
	case TimingHSDDR:
		ctrl2 |= sdhcireg.UHSModeDDR50
	}
	c.regs.Store32(sdhcireg.Ctrl2, ctrl2)

	c.regs.Store32(sdhcireg.Ctrl1, ctrl1|sdhcireg.ClockSDEnable)
	time.Sleep(clockSettle)

	return nil
}

// HWReset toggles the controller's external reset line, if the platform has
// one wired.
func (c *Controller) HWReset() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.platform != nil {
		c.platform.HWReset()
	}
}
