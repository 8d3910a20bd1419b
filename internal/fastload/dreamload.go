package fastload

import (
	"context"
	"sync/atomic"

	"github.com/sd2iec/sd2iec/internal/bus"
)

// DreamloadState implements Dreamload's (track,sector)-jobcode protocol
// (spec.md §4.8, M-E 0x0700): Run polls FlTrack/FlSector (the Go
// analogue of original_source's volatile fl_track/fl_sector globals,
// spec.md §3/§5) for the next job. The fields are atomic.Uint32 rather
// than plain ints so that a writer on another goroutine can set them
// while Run polls.
type DreamloadState struct {
	// FlTrack/FlSector hold the pending jobcode; 0xff in FlTrack means no
	// job waiting. No Lines implementation in this repository writes
	// them: Run only resets FlTrack to 0xff, so with no outside writer it
	// waits until ctx is cancelled.
	FlTrack, FlSector atomic.Uint32
}

func dreamloadSendByte(lines bus.Lines, value byte) {
	// One bit per CLOCK low-phase, MSB first, sampled the way the
	// original's bit-banged dreamload_send_byte pulses CLOCK per bit.
	for i := 7; i >= 0; i-- {
		bit := (value >> uint(i)) & 1
		setLine(lines, bus.DATA, bit == 0)
		lines.Assert(bus.CLOCK)
		lines.DelayUS(20)
		lines.Release(bus.CLOCK)
		lines.DelayUS(20)
	}
}

func dreamloadSendBlock(lines bus.Lines, data []byte) {
	var checksum byte
	for _, b := range data {
		checksum ^= b
	}
	dreamloadSendByte(lines, 0)
	for _, b := range data {
		dreamloadSendByte(lines, b)
	}
	dreamloadSendByte(lines, checksum)
	lines.Release(bus.ATN)
	lines.Release(bus.DATA)
	lines.Release(bus.CLOCK)
}

// Run polls the jobcode fields until track==0/sector==0 ends the loader
// (original_source's load_dreamload outer loop), reading the requested
// sector through src and sending it as a leading 0x00 byte, the sector's
// bytes, and an XOR checksum byte.
func (c *DreamloadState) Run(ctx context.Context, lines bus.Lines, src BlockSource) error {
	c.FlTrack.Store(0xff)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for c.FlTrack.Load() == 0xff {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		track, sector := c.FlTrack.Load(), c.FlSector.Load()
		if track == 0 {
			if sector == 0 {
				return nil
			}
			// sector==1: canonical "load directory first sector" command;
			// sector==2 is the idle/no-op marker.
			if sector == 1 {
				data, err := src.ReadSector(18, 1)
				if err != nil {
					return err
				}
				dreamloadSendBlock(lines, data)
			}
		} else {
			data, err := src.ReadSector(int(track), int(sector))
			if err != nil {
				return err
			}
			dreamloadSendBlock(lines, data)
		}
		c.FlTrack.Store(0xff)
	}
}
