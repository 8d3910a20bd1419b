package fastload

import (
	"context"

	"github.com/sd2iec/sd2iec/internal/bus"
)

// ULoad3Codec implements ULoad Model 3 (spec.md §4.8, M-E 0x0336): a
// small command protocol (load/save/directory) over a simple
// bit-banged byte transfer, grounded on original_source's
// load_uload3/uload3_transferchain.
type ULoad3Codec struct{}

// uload3SendByte/GetByte use the same CLOCK-per-bit shape as Dreamload's
// transfer (original_source doesn't expose the LL timing for this loader
// beyond the host-facing byte semantics, so Dreamload's one-bit-per-CLOCK
// send is reused here instead of a generic2Bit bit-pair table).
func uload3SendByte(lines bus.Lines, value byte) {
	dreamloadSendByte(lines, value)
}

func uload3GetByte(lines bus.Lines) (byte, bool) {
	var v byte
	for i := 7; i >= 0; i-- {
		for lines.Read(bus.CLOCK) {
			if !lines.Read(bus.ATN) {
				return 0, false
			}
		}
		bit := byte(0)
		if !lines.Read(bus.DATA) {
			bit = 1
		}
		v |= bit << uint(i)
		for !lines.Read(bus.CLOCK) {
			if !lines.Read(bus.ATN) {
				return 0, false
			}
		}
	}
	return v, true
}

// transferChain walks a sector chain sending each sector's payload bytes
// (254, or byte1-1 in the last sector) prefixed by its byte count,
// ending with a zero-length marker (original_source: "send end marker").
// When saving, only the byte counts are sent; no data is received from
// the host and nothing is written.
func (c *ULoad3Codec) transferChain(lines bus.Lines, src BlockSource, track, sector int, saving bool) bool {
	for track != 0 {
		data, err := src.ReadSector(track, sector)
		if err != nil || len(data) < 2 {
			uload3SendByte(lines, 0xff)
			return false
		}
		var byteCount byte
		if data[0] == 0 {
			byteCount = data[1] - 1
		} else {
			byteCount = 254
		}
		uload3SendByte(lines, byteCount)
		if !saving {
			for i := 0; i < int(byteCount) && 2+i < len(data); i++ {
				uload3SendByte(lines, data[2+i])
			}
		}
		track, sector = int(data[0]), int(data[1])
	}
	uload3SendByte(lines, 0)
	return true
}

func (c *ULoad3Codec) Run(ctx context.Context, lines bus.Lines, src BlockSource) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		cmd, ok := uload3GetByte(lines)
		if !ok {
			return nil
		}
		switch cmd {
		case 1, 2:
			t, ok := uload3GetByte(lines)
			if !ok {
				return nil
			}
			s, ok := uload3GetByte(lines)
			if !ok {
				return nil
			}
			if !c.transferChain(lines, src, int(t), int(s), cmd == 2) {
				return nil
			}
		case '$':
			c.transferChain(lines, src, 18, 1, false)
		default:
			uload3SendByte(lines, 0xff)
		}
	}
}
