package fastload

import (
	"context"

	"github.com/sd2iec/sd2iec/internal/bus"
)

// TurbodiskCodec implements the Turbodisk LOAD protocol entered at M-E
// 0x0303 once the 0x9C9F CRC signature is armed (spec.md §4.8), grounded
// on original_source's load_turbodisk/turbodisk_byte.
type TurbodiskCodec struct{}

// turbodiskByte sends one status/data byte using the shared bit-pair
// timing, then parks CLOCK low / DATA high for the next handshake
// (original_source: "exit with clock low, data high").
func turbodiskByte(lines bus.Lines, value byte) {
	lines.Release(bus.CLOCK)
	for lines.Read(bus.DATA) {
	}
	lines.Assert(bus.CLOCK)
	for !lines.Read(bus.DATA) {
	}
	turbodiskByteDef.send(lines, value)
	lines.Assert(bus.CLOCK)
	lines.Release(bus.DATA)
	lines.DelayUS(5)
}

// Run implements Codec. The caller supplies the already-open read
// buffer's backing file via src; Turbodisk only ever transmits (it has
// no SAVE variant), matching original_source's single load_turbodisk.
func (c *TurbodiskCodec) Run(ctx context.Context, lines bus.Lines, src BlockSource) error {
	data, err := src.ReadSector(0, 0)
	if err != nil || len(data) < 2 {
		turbodiskByte(lines, 0xff)
		lines.Release(bus.CLOCK)
		lines.Release(bus.DATA)
		return err
	}

	pos := 0
	turbodiskByte(lines, 0) // not EOI: more sectors follow
	turbodiskByte(lines, data[pos])
	turbodiskByte(lines, data[pos+1])
	pos += 2

	for pos < len(data) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		remaining := len(data) - pos
		if remaining <= 254 {
			turbodiskByte(lines, byte(remaining))
			for i := 0; i < remaining; i++ {
				turbodiskByte(lines, data[pos+i])
			}
			break
		}
		for i := 0; i < 254; i++ {
			turbodiskByte(lines, data[pos+i])
		}
		pos += 254
	}

	lines.Release(bus.CLOCK)
	return nil
}
