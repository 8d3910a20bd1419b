// Package fastload implements the fastloader dispatcher (spec.md §4.8):
// CRC-16/CCITT signature detection over M-W payloads arms a loader tag,
// and a matching M-E address dispatches into that loader's byte codec.
// The CRC table and M-E addresses are part of the external wire contract
// and must not be changed (spec.md §9 Non-goals).
package fastload

import (
	"context"

	"github.com/sd2iec/sd2iec/internal/bus"
)

// Tag identifies a detected fastloader signature.
type Tag int

const (
	None Tag = iota
	Turbodisk
	FC3Load
	FC3Save
	FC3Freeze
	Dreamload
	ULoad3
	Epyx
	GIJoe
)

func (t Tag) String() string {
	switch t {
	case Turbodisk:
		return "Turbodisk"
	case FC3Load:
		return "FC3Load"
	case FC3Save:
		return "FC3Save"
	case FC3Freeze:
		return "FC3Freeze"
	case Dreamload:
		return "Dreamload"
	case ULoad3:
		return "ULoad3"
	case Epyx:
		return "Epyx"
	case GIJoe:
		return "GIJoe"
	default:
		return "None"
	}
}

// CRC16CCITT computes the poly-0x1021, init-0xFFFF, no-reflection,
// no-xor-out checksum spec.md §4.8 specifies, folding each M-W payload
// byte in turn.
func CRC16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// crcSignature is one entry of the CRC-detected-arming table (spec.md
// §4.8); pure data, kept as a constant slice per the Design Notes'
// suggested split between arming and invocation tables.
type crcSignature struct {
	crc      uint16
	tag      Tag
	lastByte int // -1 means "don't care"; GI Joe requires last byte 0x60
}

var signatures = []crcSignature{
	{crc: 0x9C9F, tag: Turbodisk, lastByte: -1},
	{crc: 0x6510, tag: FC3Load, lastByte: -1},
	{crc: 0x7E38, tag: FC3Load, lastByte: -1},
	{crc: 0x2C86, tag: FC3Save, lastByte: -1},
	{crc: 0x9930, tag: FC3Freeze, lastByte: -1},
	{crc: 0x2E69, tag: Dreamload, lastByte: -1},
	{crc: 0xDD81, tag: ULoad3, lastByte: -1},
	{crc: 0x5A01, tag: Epyx, lastByte: -1},
	{crc: 0x38A2, tag: GIJoe, lastByte: 0x60},
}

// invocation maps (tag, M-E address) -> confirmed entry point; an M-E
// whose address doesn't match the armed tag's expected address is
// treated as an ordinary memory-execute no-op, not a loader entry.
var invocation = map[Tag]uint16{
	Turbodisk: 0x0303,
	FC3Load:   0x059A,
	FC3Save:   0x059C,
	Dreamload: 0x0700,
	ULoad3:    0x0336,
	GIJoe:     0x0500,
	Epyx:      0x01A9,
}

// Detector tracks the CRC-armed loader tag across M-W commands (spec.md
// §60: "process-wide enum detected_loader"); one Detector per device.
type Detector struct {
	armed Tag
}

// Feed folds one M-W payload into the detector, arming or clearing the
// candidate tag (spec.md §4.8: "tag persists only until the next M-E or
// the next non-matching M-W").
func (d *Detector) Feed(addr uint16, data []byte) {
	_ = addr
	crc := CRC16CCITT(data)
	for _, sig := range signatures {
		if sig.crc != crc {
			continue
		}
		if sig.lastByte >= 0 {
			if len(data) == 0 || int(data[len(data)-1]) != sig.lastByte {
				continue
			}
		}
		d.armed = sig.tag
		return
	}
	d.armed = None
}

// Armed reports the currently armed tag.
func (d *Detector) Armed() Tag { return d.armed }

// Clear resets the armed tag (called after a successful M-E dispatch).
func (d *Detector) Clear() { d.armed = None }

// BlockSource supplies the (track,sector)-addressed sector data a
// fastloader codec transmits; the simulator wires this to the mounted
// partition's BlockOps, tests use an in-memory map.
type BlockSource interface {
	ReadSector(track, sector int) ([]byte, error)
}

// Codec is one loader's byte-level wire protocol, entered after a
// successful M-E dispatch and running until EOI, ATN-hold, or abort
// (spec.md §4.8 "Exit").
type Codec interface {
	Run(ctx context.Context, lines bus.Lines, src BlockSource) error
}

// Dispatcher resolves an M-E address against the currently armed tag and
// runs the matching Codec (spec.md §4.8 "Invocation").
type Dispatcher struct {
	Detector *Detector
	Codecs   map[Tag]Codec
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		Detector: &Detector{},
		Codecs: map[Tag]Codec{
			Turbodisk: &TurbodiskCodec{},
			FC3Load:   &FC3Codec{Save: false},
			FC3Save:   &FC3Codec{Save: true},
			Dreamload: &DreamloadState{},
			ULoad3:    &ULoad3Codec{},
			Epyx:      &EpyxCodec{},
			GIJoe:     &GEOSCodec{},
		},
	}
}

// Execute runs the codec for addr if it matches the armed tag's known
// entry point, clearing the armed tag afterward regardless of outcome
// (spec.md §4.8: "The CRC is then reset").
func (disp *Dispatcher) Execute(ctx context.Context, addr uint16, lines bus.Lines, src BlockSource) (bool, error) {
	defer disp.Detector.Clear()
	tag := disp.Detector.Armed()
	if tag == None {
		return false, nil
	}
	expect, ok := invocation[tag]
	if !ok || expect != addr {
		return false, nil
	}
	codec, ok := disp.Codecs[tag]
	if !ok {
		return false, nil
	}
	return true, codec.Run(ctx, lines, src)
}
