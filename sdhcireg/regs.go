// Package sdhcireg defines the SDHCI v3 register file: byte offsets into the
// controller's register window and the bit assignments of the fields the
// driver programs.  The sim package implements the same layout from the
// other side, which is why these live in their own package instead of being
// private to the driver.
package sdhcireg

// Register offsets.  All registers are accessed as 32bit words; the SDHCI
// spec's 8 and 16bit registers are folded into the word that contains them.
const (
	Arg2           = 0x00 // SDMA system address / block count for auto CMD23
	BlkCntSiz      = 0x04 // block size in [15:0], block count in [31:16]
	Arg1           = 0x08
	Cmd            = 0x0c // transfer mode in [15:0], command in [31:16]
	Resp0          = 0x10
	Resp1          = 0x14
	Resp2          = 0x18
	Resp3          = 0x1c
	Data           = 0x20 // buffer data port (FIFO)
	State          = 0x24 // present state
	Ctrl0          = 0x28 // host control 1, power control, block gap, wakeup
	Ctrl1          = 0x2c // clock control, timeout control, software reset
	IRQ            = 0x30 // interrupt status, cleared by writing back
	IRQMask        = 0x34 // interrupt status enable
	IRQEnable      = 0x38 // interrupt signal enable
	Ctrl2          = 0x3c // auto CMD error status, host control 2
	Caps0          = 0x40
	Caps1          = 0x44
	MaxCurrentCaps = 0x48
	ForceIRQ       = 0x50
	ADMAError      = 0x54
	ADMAAddr0      = 0x58
	ADMAAddr1      = 0x5c
	SlotIRQVersion = 0xfc // slot interrupt status, spec version in [23:16]
)

// Cmd register bits.  The lower half is the transfer mode register, the
// upper half the command register.
const (
	CmdDMAEnable    = 1 << 0
	CmdBlkCntEnable = 1 << 1
	CmdAuto12       = 1 << 2
	CmdRead         = 1 << 4
	CmdMultiBlk     = 1 << 5

	RespLenMask   = 3 << 16
	RespLen136    = 1 << 16
	RespLen48     = 2 << 16
	RespLen48Busy = 3 << 16

	CmdCRCCheck    = 1 << 19
	CmdIdxCheck    = 1 << 20
	CmdDataPresent = 1 << 21
	CmdTypeMask    = 3 << 22
	CmdTypeAbort   = 3 << 22

	CmdIdxShift = 24
	CmdIdxMask  = 0x3f << CmdIdxShift
)

// State register bits.
const (
	StateCmdInhibit = 1 << 0
	StateDatInhibit = 1 << 1
)

// Ctrl0 register bits.
const (
	HostCtrl4BitBus     = 1 << 1
	HostCtrlHighSpeed   = 1 << 2
	HostCtrlDMASelMask  = 3 << 3
	HostCtrlDMASelADMA2 = 2 << 3
	HostCtrl8BitBus     = 1 << 5

	PwrCtrlSDBusPower = 1 << 8
	PwrCtrlVoltMask   = 7 << 9
	PwrCtrlVolt1V8    = 5 << 9
	PwrCtrlVolt3V0    = 6 << 9
	PwrCtrlVolt3V3    = 7 << 9
)

// Ctrl1 register bits.
const (
	ClockIntEnable = 1 << 0
	ClockIntStable = 1 << 1
	ClockSDEnable  = 1 << 2

	// 10bit clock divider, SD clock = base / (2 * divider).  The low 8 bits
	// live in [15:8], the upper 2 bits in [7:6].
	ClockDivLoShift  = 8
	ClockDivHiShift  = 6
	ClockDivFieldMsk = 0xffe0

	TimeoutShift   = 16
	TimeoutMask    = 0xf << TimeoutShift
	TimeoutDefault = 0xe << TimeoutShift

	ResetAll = 1 << 24
	ResetCmd = 1 << 25
	ResetDat = 1 << 26
)

// IRQ register bits, shared by IRQ, IRQMask, IRQEnable and ForceIRQ.
const (
	IRQCmdComplete    = 1 << 0
	IRQXferComplete   = 1 << 1
	IRQBlockGap       = 1 << 2
	IRQDMA            = 1 << 3
	IRQBuffWriteReady = 1 << 4
	IRQBuffReadReady  = 1 << 5
	IRQRetune         = 1 << 12

	IRQErr             = 1 << 15
	IRQErrCmdTimeout   = 1 << 16
	IRQErrCmdCRC       = 1 << 17
	IRQErrCmdEndBit    = 1 << 18
	IRQErrCmdIndex     = 1 << 19
	IRQErrDataTimeout  = 1 << 20
	IRQErrDataCRC      = 1 << 21
	IRQErrDataEndBit   = 1 << 22
	IRQErrCurrentLimit = 1 << 23
	IRQErrAutoCmd      = 1 << 24
	IRQErrADMA         = 1 << 25
	IRQErrTuning       = 1 << 26
)

// Ctrl2 register bits.  The upper half is host control 2.
const (
	UHSModeMask   = 7 << 16
	UHSModeSDR104 = 3 << 16
	UHSModeDDR50  = 4 << 16
	UHSModeHS400  = 5 << 16

	HostCtrl2SigV18        = 1 << 19
	HostCtrl2ExecTuning    = 1 << 22
	HostCtrl2TunedClockSel = 1 << 23
)

// Caps0 register fields.
const (
	CapsBaseClockShift = 8
	CapsBaseClockMask  = 0xff << CapsBaseClockShift

	Caps8BitBus  = 1 << 18
	CapsADMA2    = 1 << 19
	CapsVolt3V3  = 1 << 24
	CapsVolt3V0  = 1 << 25
	CapsVolt1V8  = 1 << 26
	Caps64BitBus = 1 << 28
)

// SlotIRQVersion fields.
const (
	SpecVersionShift = 16
	SpecVersionMask  = 0xff << SpecVersionShift

	// SpecVersion3 is the encoding for an SDHCI v3.00 controller, the only
	// register layout this driver speaks.
	SpecVersion3 = 2
)
