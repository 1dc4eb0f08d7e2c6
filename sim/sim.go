// Package sim models an SDHCI v3 host controller and the card behind it at
// the register level.  The model implements the register window and
// interrupt contracts of package hostenv, so the driver core runs against it
// unchanged on any host.  Commands execute synchronously inside the
// register write that issues them; interrupt delivery is the only
// asynchronous part.
package sim

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/sigurn/crc8"

	"github.com/hostio/sdhci/sdhci"
	"github.com/hostio/sdhci/sdhcireg"
)

// Options selects the modelled hardware's shape.
type Options struct {
	// Caps0 is the raw capability register.  Zero means a fully featured
	// controller with a 100MHz base clock.
	Caps0 uint32

	// SpecVersion overrides the reported spec version encoding.  Zero
	// means v3.
	SpecVersion uint32

	// TuningRounds is the number of tuning probes after which the
	// controller reports tuning done.  Negative means tuning never
	// converges.
	TuningRounds int

	// RawResponses leaves the whole 136 bit response frame, trailing CRC
	// byte included, in the response registers.
	RawResponses bool
}

// DefaultCaps0 advertises ADMA2 with 64 bit addressing, an 8 bit bus, 3.3V
// and 3.0V supplies and a 100MHz base clock.
const DefaultCaps0 = 100<<sdhcireg.CapsBaseClockShift |
	sdhcireg.Caps8BitBus | sdhcireg.CapsADMA2 | sdhcireg.Caps64BitBus |
	sdhcireg.CapsVolt3V3 | sdhcireg.CapsVolt3V0

// Controller is the modelled host controller.  It implements both
// hostenv.Regs and hostenv.Interrupt.
type Controller struct {
	mem  *Mem
	opts Options

	mtx    sync.Mutex
	wake   *sync.Cond
	closed bool

	r map[uint32]uint32 // register file, keyed by offset

	card []byte // block storage behind the bus

	// PIO data port state.
	fifo    []byte
	fifoPos int
	fifoWr  bool
	wrOff   int // card offset the write fifo drains to

	tuningLeft int // probes until tuning converges, <0 never

	cmds     int        // commands executed
	hangNext bool       // swallow the next command's interrupts
	injected uint32     // error status for the next command
	nextResp *[4]uint32 // response override for the next command
}

// New returns a powered-off controller model backed by mem.
func New(mem *Mem, opts Options) *Controller {
	if opts.Caps0 == 0 {
		opts.Caps0 = DefaultCaps0
	}
	if opts.SpecVersion == 0 {
		opts.SpecVersion = sdhcireg.SpecVersion3
	}
	if opts.TuningRounds == 0 {
		opts.TuningRounds = 3
	}
	c := &Controller{
		mem:  mem,
		opts: opts,
		r: map[uint32]uint32{
			sdhcireg.Caps0:          opts.Caps0,
			sdhcireg.SlotIRQVersion: opts.SpecVersion << sdhcireg.SpecVersionShift,
		},
	}
	c.wake = sync.NewCond(&c.mtx)
	return c
}

// SetCard installs data as the card's block storage.  Transfers address it
// at block granularity through the command argument.
func (c *Controller) SetCard(data []byte) {
	c.mtx.Lock()
	c.card = data
	c.mtx.Unlock()
}

// Card returns the card's block storage.
func (c *Controller) Card() []byte {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.card
}

// InjectError makes the next command fail with the given error status bits.
func (c *Controller) InjectError(bits uint32) {
	c.mtx.Lock()
	c.injected = bits | sdhcireg.IRQErr
	c.mtx.Unlock()
}

// HangNextCommand makes the next command execute without ever raising an
// interrupt, as a card that stopped answering would.
func (c *Controller) HangNextCommand() {
	c.mtx.Lock()
	c.hangNext = true
	c.mtx.Unlock()
}

// Commands returns how many commands the controller has executed.
func (c *Controller) Commands() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.cmds
}

// SetNextResponse overrides the response latched by the next command.
func (c *Controller) SetNextResponse(resp [4]uint32) {
	c.mtx.Lock()
	c.nextResp = &resp
	c.mtx.Unlock()
}

// Peek reads a register without side effects.
func (c *Controller) Peek(off uint32) uint32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.r[off]
}

// Poke writes a register without side effects.
func (c *Controller) Poke(off, val uint32) {
	c.mtx.Lock()
	c.r[off] = val
	c.wake.Broadcast()
	c.mtx.Unlock()
}

// Load32 implements hostenv.Regs.
func (c *Controller) Load32(off uint32) uint32 {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if off == sdhcireg.Data {
		return c.popWord()
	}
	return c.r[off]
}

// Store32 implements hostenv.Regs.
func (c *Controller) Store32(off, val uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch off {
	case sdhcireg.IRQ:
		// Write one to clear.
		c.r[off] &^= val
	case sdhcireg.Ctrl1:
		c.storeCtrl1(val)
	case sdhcireg.Ctrl2:
		c.storeCtrl2(val)
	case sdhcireg.Cmd:
		c.r[off] = val
		c.exec(val)
	case sdhcireg.Data:
		c.pushWord(val)
	case sdhcireg.Caps0, sdhcireg.SlotIRQVersion, sdhcireg.State:
		// Read only.
	default:
		c.r[off] = val
	}
	c.wake.Broadcast()
}

// Wait implements hostenv.Interrupt.  It blocks until the interrupt line is
// asserted or the interrupt is closed.
func (c *Controller) Wait() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	for c.r[sdhcireg.IRQ]&c.r[sdhcireg.IRQEnable] == 0 {
		if c.closed {
			return errClosed
		}
		c.wake.Wait()
	}
	return nil
}

// Complete implements hostenv.Interrupt.  The modelled line is level
// triggered, nothing to re-arm.
func (c *Controller) Complete() {}

// Close implements hostenv.Interrupt.  It releases all current and future
// waiters.
func (c *Controller) Close() error {
	c.mtx.Lock()
	c.closed = true
	c.wake.Broadcast()
	c.mtx.Unlock()
	return nil
}

var errClosed = errors.New("sim: interrupt closed")

// raise latches status bits, filtered through the status enable mask, and
// wakes the waiter if the line asserts.
func (c *Controller) raise(bits uint32) {
	c.r[sdhcireg.IRQ] |= bits & c.r[sdhcireg.IRQMask]
	c.wake.Broadcast()
}

func (c *Controller) storeCtrl1(val uint32) {
	if val&sdhcireg.ResetAll != 0 {
		// Reset wipes everything but the capability registers.
		for _, off := range []uint32{
			sdhcireg.Arg1, sdhcireg.Arg2, sdhcireg.BlkCntSiz, sdhcireg.Cmd,
			sdhcireg.Ctrl0, sdhcireg.Ctrl2, sdhcireg.IRQ, sdhcireg.IRQMask,
			sdhcireg.IRQEnable, sdhcireg.ADMAAddr0, sdhcireg.ADMAAddr1,
		} {
			delete(c.r, off)
		}
		c.fifo, c.fifoPos, c.fifoWr = nil, 0, false
		val = 0
	}
	// The command and data line resets complete immediately.
	val &^= sdhcireg.ResetCmd | sdhcireg.ResetDat

	// The internal clock is stable as soon as it is enabled.
	if val&sdhcireg.ClockIntEnable != 0 {
		val |= sdhcireg.ClockIntStable
	} else {
		val &^= sdhcireg.ClockIntStable
	}
	c.r[sdhcireg.Ctrl1] = val
}

func (c *Controller) storeCtrl2(val uint32) {
	// Arm the tuning countdown on the execute tuning edge.
	if val&sdhcireg.HostCtrl2ExecTuning != 0 &&
		c.r[sdhcireg.Ctrl2]&sdhcireg.HostCtrl2ExecTuning == 0 {
		c.tuningLeft = c.opts.TuningRounds
	}

	// The signalling switch is reflected in the power control field.
	ctrl0 := c.r[sdhcireg.Ctrl0] &^ sdhcireg.PwrCtrlVoltMask
	switch {
	case val&sdhcireg.HostCtrl2SigV18 != 0:
		ctrl0 |= sdhcireg.PwrCtrlVolt1V8
	case c.opts.Caps0&sdhcireg.CapsVolt3V3 != 0:
		ctrl0 |= sdhcireg.PwrCtrlVolt3V3
	default:
		ctrl0 |= sdhcireg.PwrCtrlVolt3V0
	}
	c.r[sdhcireg.Ctrl0] = ctrl0

	c.r[sdhcireg.Ctrl2] = val
}

// exec runs the command just latched in the command register.  The card
// responds instantly; all the resulting status bits are raised before the
// register write returns.
func (c *Controller) exec(cmd uint32) {
	c.cmds++

	if c.hangNext {
		c.hangNext = false
		c.latchResponse(cmd)
		return
	}
	if c.injected != 0 {
		c.raise(c.injected)
		c.injected = 0
		return
	}

	c.latchResponse(cmd)

	if c.tuningProbe(cmd) {
		// A tuning probe raises buffer read ready only; the sampled
		// block never reaches the data port.
		if c.tuningLeft > 0 {
			c.tuningLeft--
			if c.tuningLeft == 0 {
				ctrl2 := c.r[sdhcireg.Ctrl2]
				ctrl2 &^= sdhcireg.HostCtrl2ExecTuning
				ctrl2 |= sdhcireg.HostCtrl2TunedClockSel
				c.r[sdhcireg.Ctrl2] = ctrl2
			}
		}
		c.raise(sdhcireg.IRQBuffReadReady)
		return
	}

	if cmd&sdhcireg.CmdDataPresent == 0 {
		c.raise(sdhcireg.IRQCmdComplete)
		return
	}

	blkcntsiz := c.r[sdhcireg.BlkCntSiz]
	size := int(blkcntsiz & 0xffff)
	count := int(blkcntsiz >> 16)
	off := int(c.r[sdhcireg.Arg1]) * size
	read := cmd&sdhcireg.CmdRead != 0

	if cmd&sdhcireg.CmdDMAEnable != 0 {
		c.execDMA(read, off, size*count)
		return
	}

	// PIO; one buffer ready interrupt per block, starting now.
	if read {
		c.fifo = c.slice(off, size*count)
		c.fifoPos, c.fifoWr = 0, false
		c.raise(sdhcireg.IRQCmdComplete | sdhcireg.IRQBuffReadReady)
	} else {
		c.fifo = make([]byte, 0, size*count)
		c.fifoPos, c.fifoWr = 0, true
		c.wrOff = off
		c.raise(sdhcireg.IRQCmdComplete | sdhcireg.IRQBuffWriteReady)
	}
}

func (c *Controller) tuningProbe(cmd uint32) bool {
	return cmd>>sdhcireg.CmdIdxShift&0x3f == uint32(sdhci.CmdSendTuningBlock.Index()) &&
		c.r[sdhcireg.Ctrl2]&sdhcireg.HostCtrl2ExecTuning != 0
}

// execDMA walks the programmed descriptor chain and moves n bytes between
// the card and the described memory.
func (c *Controller) execDMA(read bool, off, n int) {
	addr := uint64(c.r[sdhcireg.ADMAAddr1])<<32 | uint64(c.r[sdhcireg.ADMAAddr0])

	var desc [sdhci.DescSize]byte
	for i := 0; n > 0 && i < sdhci.DescCount; i++ {
		raw, err := c.mem.slice(addr, sdhci.DescSize)
		if err != nil {
			c.admaFail(addr)
			return
		}
		copy(desc[:], raw)
		d := sdhci.DecodeDesc(desc[:])
		if !d.Valid() {
			c.admaFail(addr)
			return
		}

		step := min(d.Length(), n)
		dst, err := c.mem.slice(d.Addr, step)
		if err != nil {
			c.admaFail(addr)
			return
		}
		if read {
			copy(dst, c.slice(off, step))
		} else {
			c.cardWrite(off, dst)
		}
		off += step
		n -= step

		if d.End() {
			break
		}
		addr += sdhci.DescSize
	}

	if n > 0 {
		// Chain ended short of the transfer length.
		c.admaFail(addr)
		return
	}
	c.raise(sdhcireg.IRQCmdComplete | sdhcireg.IRQXferComplete)
}

func (c *Controller) admaFail(addr uint64) {
	c.r[sdhcireg.ADMAError] = 1
	c.r[sdhcireg.ADMAAddr0] = uint32(addr)
	c.r[sdhcireg.ADMAAddr1] = uint32(addr >> 32)
	c.raise(sdhcireg.IRQErr | sdhcireg.IRQErrADMA)
}

// popWord serves one word from the read fifo.  Crossing a block boundary
// with data left re-raises buffer read ready for the next block.
func (c *Controller) popWord() uint32 {
	if c.fifoWr || c.fifoPos+4 > len(c.fifo) {
		return 0
	}
	w := binary.LittleEndian.Uint32(c.fifo[c.fifoPos:])
	c.fifoPos += 4

	size := int(c.r[sdhcireg.BlkCntSiz] & 0xffff)
	if size > 0 && c.fifoPos%size == 0 && c.fifoPos < len(c.fifo) {
		c.raise(sdhcireg.IRQBuffReadReady)
	}
	return w
}

// pushWord collects one word into the write fifo and drains whole blocks to
// the card.
func (c *Controller) pushWord(val uint32) {
	if !c.fifoWr {
		return
	}
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], val)
	c.fifo = append(c.fifo, w[:]...)

	size := int(c.r[sdhcireg.BlkCntSiz] & 0xffff)
	if size == 0 || len(c.fifo)%size != 0 {
		return
	}
	c.cardWrite(c.wrOff+len(c.fifo)-size, c.fifo[len(c.fifo)-size:])
	if len(c.fifo) < cap(c.fifo) {
		c.raise(sdhcireg.IRQBuffWriteReady)
	} else {
		c.fifoWr = false
		c.raise(sdhcireg.IRQXferComplete)
	}
}

// slice reads n card bytes at off, padding with zeroes past the end.
func (c *Controller) slice(off, n int) []byte {
	out := make([]byte, n)
	if off < len(c.card) {
		copy(out, c.card[off:])
	}
	return out
}

// cardWrite stores p at card offset off, dropping anything past the end.
func (c *Controller) cardWrite(off int, p []byte) {
	if off < len(c.card) {
		copy(c.card[off:], p)
	}
}

// latchResponse loads the response registers for cmd.  Without an override
// the card echoes the argument; raw frame mode builds a full 136 bit frame
// with a valid trailing CRC byte.
func (c *Controller) latchResponse(cmd uint32) {
	if c.nextResp != nil {
		c.r[sdhcireg.Resp0] = c.nextResp[0]
		c.r[sdhcireg.Resp1] = c.nextResp[1]
		c.r[sdhcireg.Resp2] = c.nextResp[2]
		c.r[sdhcireg.Resp3] = c.nextResp[3]
		c.nextResp = nil
		return
	}

	arg := c.r[sdhcireg.Arg1]
	if cmd&sdhcireg.RespLenMask == sdhcireg.RespLen136 && c.opts.RawResponses {
		c.latchRawFrame(arg)
		return
	}
	c.r[sdhcireg.Resp0] = arg
	c.r[sdhcireg.Resp1] = ^arg
	c.r[sdhcireg.Resp2] = arg ^ 0x5555_5555
	c.r[sdhcireg.Resp3] = arg ^ 0xaaaa_aaaa
}

// Left aligned CRC7, matching what the card puts on the wire.
var crc7 = crc8.MakeTable(crc8.Params{Poly: 0x12, Init: 0x00, RefIn: false, RefOut: false, XorOut: 0x00, Check: 0xea, Name: "CRC-7/MMC"})

func (c *Controller) latchRawFrame(arg uint32) {
	var frame [16]byte
	for i := range frame[:15] {
		frame[i] = byte(arg>>(uint(i)%4*8)) + byte(i)
	}
	frame[15] = crc8.Checksum(frame[:15], crc7) | 1

	c.r[sdhcireg.Resp3] = binary.BigEndian.Uint32(frame[0:])
	c.r[sdhcireg.Resp2] = binary.BigEndian.Uint32(frame[4:])
	c.r[sdhcireg.Resp1] = binary.BigEndian.Uint32(frame[8:])
	c.r[sdhcireg.Resp0] = binary.BigEndian.Uint32(frame[12:])
}
