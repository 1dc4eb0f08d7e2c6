// Package sdhci implements the protocol core of a host controller driver for
// SD/MMC cards behind an SDHCI v3 register interface.  It turns single card
// commands into register programming sequences, drains their completion
// through the controller's interrupt, builds ADMA2 descriptor chains for
// scattered buffers and falls back to word-by-word PIO where DMA is
// not available.
//
// The core executes exactly one request at a time.  Submitting while a
// request is in flight fails with [ErrBusy]; queueing and retry policy
// belong to the card protocol layer above.  Everything the core borrows from
// its surroundings (the register window, the interrupt object, buffer
// mappings) is declared in package hostenv.
package sdhci

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/hostio/sdhci/hostenv"
	"github.com/hostio/sdhci/sdhcireg"
)

// Caps describes what the controller hardware can do.  Latched once from the
// capability registers.
type Caps uint32

const (
	Cap8BitBus Caps = 1 << iota
	CapADMA2
	Cap64Bit
	CapVolt3V3
	CapVolt3V0
)

// Quirks marks documented deviations of a controller implementation from the
// SDHCI spec.  The platform layer knows which apply.
type Quirks uint32

const (
	// QuirkNoDMA forces the PIO path even if the capability registers claim
	// ADMA2 support.
	QuirkNoDMA Quirks = 1 << iota

	// QuirkStripResponseCRC marks controllers that leave the raw response
	// frame, including the trailing CRC byte, in the response registers.
	QuirkStripResponseCRC
)

// Config carries everything the platform layer hands to a controller at bind
// time.  Regs and Interrupt are required and stay borrowed for the
// controller's lifetime.
type Config struct {
	Regs      hostenv.Regs
	Interrupt hostenv.Interrupt

	// DescRegion holds the ADMA2 descriptor chain.  It must be at least
	// DescCount*DescSize bytes; without it the controller transfers in PIO
	// mode only.
	DescRegion hostenv.DMARegion

	// BaseClock is the base clock rate in Hz, used if the capability
	// registers don't report one.
	BaseClock uint32

	Quirks   Quirks
	Platform hostenv.Platform // optional hooks, may be nil
	Log      *slog.Logger     // nil means slog.Default
}

// Controller drives one SDHCI host controller.  All exported methods are
// safe for concurrent use; a single mutex serializes them against each other
// and against the interrupt dispatcher.
type Controller struct {
	regs     hostenv.Regs
	irq      hostenv.Interrupt
	platform hostenv.Platform
	log      *slog.Logger

	caps      Caps
	quirks    Quirks
	baseClock uint32 // Hz

	descs hostenv.DMARegion // nil if DMA is unavailable

	mtx sync.Mutex
	req *Request // the single in-flight slot, nil when idle

	dispatcher sync.WaitGroup
}

// If any of these bits is set in the interrupt status register, the current
// request has failed.
const errorIRQs = sdhcireg.IRQErr |
	sdhcireg.IRQErrCmdTimeout |
	sdhcireg.IRQErrCmdCRC |
	sdhcireg.IRQErrCmdEndBit |
	sdhcireg.IRQErrCmdIndex |
	sdhcireg.IRQErrDataTimeout |
	sdhcireg.IRQErrDataCRC |
	sdhcireg.IRQErrDataEndBit |
	sdhcireg.IRQErrCurrentLimit |
	sdhcireg.IRQErrAutoCmd |
	sdhcireg.IRQErrADMA |
	sdhcireg.IRQErrTuning

// These bits report normal progress of a command or transfer.
const normalIRQs = sdhcireg.IRQCmdComplete |
	sdhcireg.IRQXferComplete |
	sdhcireg.IRQBuffReadReady |
	sdhcireg.IRQBuffWriteReady

const setupFreq = 400_000 // Hz, identification clock rate

const clockSettle = 2 * time.Millisecond

// New binds a controller.  It verifies the spec version, latches
// capabilities, resets and clocks the hardware and starts the interrupt
// dispatcher.  The returned controller owns the borrowed handles until
// Close.
func New(cfg Config) (*Controller, error) {
	if cfg.Regs == nil || cfg.Interrupt == nil {
		return nil, ErrInvalidArgs
	}
	c := &Controller{
		regs:     cfg.Regs,
		irq:      cfg.Interrupt,
		platform: cfg.Platform,
		quirks:   cfg.Quirks,
		log:      cfg.Log,
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	// Only the v3 register layout is supported.
	vrsn := (c.regs.Load32(sdhcireg.SlotIRQVersion) & sdhcireg.SpecVersionMask) >> sdhcireg.SpecVersionShift
	if vrsn != sdhcireg.SpecVersion3 {
		c.logerr("unsupported controller version", slog.Uint64("version", uint64(vrsn)))
		return nil, ErrUnsupported
	}

	caps0 := c.regs.Load32(sdhcireg.Caps0)
	if caps0&sdhcireg.Caps8BitBus != 0 {
		c.caps |= Cap8BitBus
	}
	if caps0&sdhcireg.CapsADMA2 != 0 {
		c.caps |= CapADMA2
	}
	if caps0&sdhcireg.Caps64BitBus != 0 {
		c.caps |= Cap64Bit
	}
	if caps0&sdhcireg.CapsVolt3V3 != 0 {
		c.caps |= CapVolt3V3
	}
	if caps0&sdhcireg.CapsVolt3V0 != 0 {
		c.caps |= CapVolt3V0
	}

	c.baseClock = ((caps0 & sdhcireg.CapsBaseClockMask) >> sdhcireg.CapsBaseClockShift) * 1_000_000
	if c.baseClock == 0 {
		// Controller specific base clock.
		c.baseClock = cfg.BaseClock
	}
	if c.baseClock == 0 {
		c.logerr("base clock is 0")
		return nil, ErrInternal
	}

	if cfg.DescRegion != nil {
		if len(cfg.DescRegion.Bytes()) < DescCount*DescSize {
			c.logerr("descriptor region too small",
				slog.Int("got", len(cfg.DescRegion.Bytes())),
				slog.Int("want", DescCount*DescSize))
			return nil, ErrInvalidArgs
		}
		c.descs = cfg.DescRegion
	}

	if err := c.initHW(); err != nil {
		return nil, err
	}

	c.dispatcher.Add(1)
	go c.irqLoop()

	return c, nil
}

// supportsADMA2 reports whether requests may use the 64bit ADMA2 engine.
func (c *Controller) supportsADMA2() bool {
	return c.caps&CapADMA2 != 0 && c.caps&Cap64Bit != 0 &&
		c.quirks&QuirkNoDMA == 0 && c.descs != nil
}

// initHW brings the controller from an unknown state into an idle, powered
// and clocked one.
func (c *Controller) initHW() error {
	// Software reset both the CMD and DAT interface, with both clocks
	// disabled.
	ctrl1 := c.regs.Load32(sdhcireg.Ctrl1)
	ctrl1 |= sdhcireg.ResetAll
	ctrl1 &^= sdhcireg.ClockIntEnable | sdhcireg.ClockSDEnable
	c.regs.Store32(sdhcireg.Ctrl1, ctrl1)

	err := c.waitReset(sdhcireg.ResetAll|sdhcireg.ResetCmd|sdhcireg.ResetDat, time.Second)
	if err != nil {
		return err
	}

	if c.supportsADMA2() {
		ctrl0 := c.regs.Load32(sdhcireg.Ctrl0)
		ctrl0 = ctrl0&^sdhcireg.HostCtrlDMASelMask | sdhcireg.HostCtrlDMASelADMA2
		c.regs.Store32(sdhcireg.Ctrl0, ctrl0)
	}

	// Configure the identification clock.  V3 controllers define the SD
	// clock as base/(2*divider) with a 10 bit divider.
	divider := getClockDivider(c.baseClock, setupFreq)
	ctrl1 = c.regs.Load32(sdhcireg.Ctrl1)
	ctrl1 |= sdhcireg.ClockIntEnable
	ctrl1 |= (divider & 0xff) << sdhcireg.ClockDivLoShift
	ctrl1 |= (divider >> 8 & 0x3) << sdhcireg.ClockDivHiShift
	ctrl1 |= sdhcireg.TimeoutDefault
	c.regs.Store32(sdhcireg.Ctrl1, ctrl1)

	err = waitUntil(time.Second, 0, func() bool {
		return c.regs.Load32(sdhcireg.Ctrl1)&sdhcireg.ClockIntStable != 0
	})
	if err != nil {
		c.logerr("clock did not stabilize in time")
		return err
	}

	time.Sleep(clockSettle)
	c.regs.Store32(sdhcireg.Ctrl1, c.regs.Load32(sdhcireg.Ctrl1)|sdhcireg.ClockSDEnable)
	time.Sleep(clockSettle)

	// Power cycle the bus at the highest voltage the controller supports.
	c.regs.Store32(sdhcireg.Ctrl0, c.regs.Load32(sdhcireg.Ctrl0)&^sdhcireg.PwrCtrlSDBusPower)

	ctrl0 := c.regs.Load32(sdhcireg.Ctrl0) &^ sdhcireg.PwrCtrlVoltMask
	switch {
	case c.caps&CapVolt3V3 != 0:
		ctrl0 |= sdhcireg.PwrCtrlVolt3V3
	case c.caps&CapVolt3V0 != 0:
		ctrl0 |= sdhcireg.PwrCtrlVolt3V0
	default:
		ctrl0 |= sdhcireg.PwrCtrlVolt1V8
	}
	c.regs.Store32(sdhcireg.Ctrl0, ctrl0)
	c.regs.Store32(sdhcireg.Ctrl0, ctrl0|sdhcireg.PwrCtrlSDBusPower)

	// Mask everything and scrub stale status.
	c.regs.Store32(sdhcireg.IRQEnable, 0)
	c.regs.Store32(sdhcireg.IRQ, 0xffff_ffff)

	return nil
}

// waitReset blocks until the given reset bits in ctrl1 have cleared.
func (c *Controller) waitReset(mask uint32, timeout time.Duration) error {
	err := waitUntil(timeout, 0, func() bool {
		return c.regs.Load32(sdhcireg.Ctrl1)&mask == 0
	})
	if err != nil {
		c.logerr("timed out while waiting for reset", slog.Uint64("mask", uint64(mask)))
	}
	return err
}

// Close stops the interrupt dispatcher, masks all interrupts and fails a
// still pending request.  The borrowed handles must stay valid until Close
// returns.
func (c *Controller) Close() error {
	err := c.irq.Close()
	c.dispatcher.Wait()

	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.regs.Store32(sdhcireg.IRQEnable, 0)
	if c.req != nil {
		c.completeLocked(ErrIO, 0)
	}
	return err
}

// waitUntil polls cond until it reports true, sleeping interval between
// polls (yielding only, if interval is 0).  Returns ErrTimedOut once timeout
// has passed.  Not cancellable; all call sites are short hardware settle
// waits.
func waitUntil(timeout, interval time.Duration, cond func() bool) error {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			return ErrTimedOut
		}
		if interval > 0 {
			time.Sleep(interval)
		} else {
			runtime.Gosched()
		}
	}
	return nil
}

func (c *Controller) debug(msg string, attrs ...slog.Attr) {
	c.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

func (c *Controller) logerr(msg string, attrs ...slog.Attr) {
	c.log.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}
