package sdhci

import (
	"encoding/binary"
	"log/slog"

	"github.com/sigurn/crc8"

	"github.com/hostio/sdhci/sdhcireg"
)

// readResponseLocked copies the response registers into the request: four
// words for 136 bit responses, two for 48 bit ones.
func (c *Controller) readResponseLocked(req *Request) {
	cmd := uint32(req.Cmd)

	switch {
	case cmd&sdhcireg.RespLenMask == sdhcireg.RespLen136:
		r0 := c.regs.Load32(sdhcireg.Resp0)
		r1 := c.regs.Load32(sdhcireg.Resp1)
		r2 := c.regs.Load32(sdhcireg.Resp2)
		r3 := c.regs.Load32(sdhcireg.Resp3)
		if c.quirks&QuirkStripResponseCRC != 0 {
			// The controller left the raw frame in the registers.
			// Shift the trailing CRC byte out after checking it.
			c.checkResponseCRCLocked([4]uint32{r0, r1, r2, r3})
			req.Response[0] = r3<<8 | r2>>24&0xff
			req.Response[1] = r2<<8 | r1>>24&0xff
			req.Response[2] = r1<<8 | r0>>24&0xff
			req.Response[3] = r0 << 8
		} else {
			req.Response = [4]uint32{r0, r1, r2, r3}
		}
	case cmd&sdhcireg.RespLen48 != 0: // 48 with or without busy
		req.Response[0] = c.regs.Load32(sdhcireg.Resp0)
		req.Response[1] = c.regs.Load32(sdhcireg.Resp1)
	}
}

// CRC7 over the left aligned polynomial 0x09<<1, so that the checksum comes
// out in the upper 7 bits like it appears on the wire.
var crc7 = crc8.MakeTable(crc8.Params{Poly: 0x12, Init: 0x00, RefIn: false, RefOut: false, XorOut: 0x00, Check: 0xea, Name: "CRC-7/MMC"})

// checkResponseCRCLocked verifies the trailing CRC byte of a raw 136 bit
// response frame.  The card's frame ends with crc7<<1|1 over the 15 content
// bytes.  The controller accepted the frame already, so a mismatch only
// means our idea of the quirk's register layout is off; log it, don't fail
// the request.
func (c *Controller) checkResponseCRCLocked(raw [4]uint32) {
	var frame [16]byte
	for i, word := range [4]uint32{raw[3], raw[2], raw[1], raw[0]} {
		binary.BigEndian.PutUint32(frame[i*4:], word)
	}

	want := crc8.Checksum(frame[:15], crc7) | 1
	if frame[15] != want {
		c.debug("response CRC mismatch",
			slog.Uint64("got", uint64(frame[15])),
			slog.Uint64("want", uint64(want)))
	}
}
