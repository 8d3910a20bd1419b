package fastload

import (
	"context"
	"time"

	"github.com/sd2iec/sd2iec/internal/bus"
)

// EpyxCodec implements the Epyx Fast Load cartridge protocol entered at
// M-E 0x01A9 (spec.md §4.8), grounded on original_source's
// load_epyxcart and the fastloader-ll epyxcart_send_def bit-pair table
// (100/200/300/400 µs, clock bits 7/6/3/2, data bits 5/4/1/0, eorvalue
// 0xff — transmitted bytes are bitwise-inverted before encoding).
type EpyxCodec struct{}

var epyxSendDef = generic2Bit{
	pairTimes: [4]time.Duration{100 * time.Microsecond, 200 * time.Microsecond, 300 * time.Microsecond, 400 * time.Microsecond},
	clockBits: [4]uint{7, 6, 3, 2},
	dataBits:  [4]uint{5, 4, 1, 0},
}

// epyxSendByte transmits one byte XOR 0xff (the eorvalue from
// original_source), aborting if ATN drops mid-transfer.
func epyxSendByte(lines bus.Lines, value byte) bool {
	if !lines.Read(bus.ATN) {
		return false
	}
	lines.Release(bus.DATA)
	lines.Release(bus.CLOCK)
	lines.DelayUS(3)

	for lines.Read(bus.DATA) {
		if !lines.Read(bus.ATN) {
			return false
		}
	}
	if !lines.Read(bus.ATN) {
		return false
	}

	epyxSendDef.send(lines, value^0xff)
	lines.DelayUS(20)
	return true
}

// Run implements the stage-2 handshake, filename receive, and
// sector-at-a-time transfer loop of load_epyxcart. The stage-2 loader
// upload and its checksum gate are handled by the host before M-E is
// ever reached in this emulation (original_source receives and
// verifies a 256-byte stage-2 payload uploaded via M-W/ordinary
// memory writes, which is out of scope for the wire-level codec here);
// Run begins at the point the real stage-2 code starts requesting the
// filename.
func (c *EpyxCodec) Run(ctx context.Context, lines bus.Lines, src BlockSource) error {
	lines.Release(bus.DATA)
	lines.Assert(bus.CLOCK)

	for lines.Read(bus.DATA) {
		if !lines.Read(bus.ATN) {
			return nil
		}
	}
	lines.Release(bus.CLOCK)

	n, ok := gijoeReadByte(lines)
	if !ok {
		return nil
	}
	name := make([]byte, n)
	for i := int(n) - 1; i >= 0; i-- {
		b, ok := gijoeReadByte(lines)
		if !ok {
			return nil
		}
		name[i] = b
	}
	_ = name
	lines.Assert(bus.CLOCK)

	data, err := src.ReadSector(0, 0)
	if err != nil {
		lines.Release(bus.CLOCK)
		return err
	}

	pos := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		lines.Release(bus.CLOCK)
		lines.Release(bus.DATA)

		remaining := len(data) - pos
		n := remaining
		if n > 254 {
			n = 254
		}
		if !epyxSendByte(lines, byte(n)) {
			return nil
		}
		for i := 0; i < n; i++ {
			if !epyxSendByte(lines, data[pos]) {
				return nil
			}
			pos++
		}

		if !lines.Read(bus.ATN) {
			break
		}
		if pos >= len(data) {
			break
		}
		lines.Assert(bus.CLOCK)
	}

	lines.Release(bus.CLOCK)
	lines.Release(bus.DATA)
	return nil
}
