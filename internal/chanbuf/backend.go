package chanbuf

import (
	"fmt"
	"io"
	"strings"

	"github.com/sd2iec/sd2iec/internal/diskimage"
)

// fileBackend wraps any diskimage.OpenFile (D64/D71/D81/M2I chain-follow
// or a plain FAT file) behind the Buffer refill/cleanup contract. Every
// OpenFile implementation already returns/accepts pure payload bytes —
// chain-link framing is stripped or appended inside the image package
// itself (d64.go's d64ReadFile.Read, d64WriteFile.Write) — so one Backend
// serves all five image types without format-specific logic here.
type fileBackend struct {
	file  diskimage.OpenFile
	write bool
	eof   bool
}

// Refill reads up to a bufferful of payload starting at Data[0], which is
// the natural home for a generic byte window: nothing above this layer
// cares what format the bytes came from, since diskimage.OpenFile has
// already normalized them.
//
// For a write-open buffer, Refill is only called by the listen loop after
// PutByte reports a wrap (spec.md §4.3: "when position wraps ... call
// buffer.refill"), meaning Data[0:256] is entirely full and Position has
// already been reset to 0 by PutByte itself — so the full page is what
// must be flushed here, not Data[:Position].
func (f *fileBackend) Refill(b *Buffer) error {
	if f.write {
		return f.flushFull(b)
	}
	n, err := f.file.Read(b.Data[:256])
	if n == 0 {
		b.LastUsed = 0
		b.Position = 0
		b.SendEOI = true
		f.eof = true
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	}
	b.LastUsed = n - 1
	b.Position = 0
	b.SendEOI = f.probeEOF()
	return nil
}

// probeEOF peeks one byte ahead so SendEOI can be raised on the sector
// that actually ends the file, matching the 1541's "EOI on last byte of
// last sector" signalling rather than one sector late.
func (f *fileBackend) probeEOF() bool {
	var one [1]byte
	n, _ := f.file.Read(one[:])
	if n == 0 {
		return true
	}
	// push the peeked byte back by seeking one byte backward; every
	// OpenFile implementation is an io.Seeker for exactly this reason.
	_, _ = f.file.Seek(-1, io.SeekCurrent)
	return false
}

// flushFull writes the entire 256-byte page (called from Refill on wrap).
func (f *fileBackend) flushFull(b *Buffer) error {
	if _, err := f.file.Write(b.Data[:256]); err != nil {
		return err
	}
	b.Dirty = false
	b.Position = 0
	b.LastUsed = -1
	return nil
}

// flushPartial writes only the bytes accumulated since the last wrap
// (called from Cleanup on close, when Position never reached 256).
func (f *fileBackend) flushPartial(b *Buffer) error {
	if b.Position == 0 {
		return nil
	}
	if _, err := f.file.Write(b.Data[:b.Position]); err != nil {
		return err
	}
	b.Dirty = false
	b.Position = 0
	b.LastUsed = -1
	return nil
}

// Cleanup flushes any pending write data and closes the handle (spec.md
// §4.3 close handling).
func (f *fileBackend) Cleanup(b *Buffer) error {
	if f.write {
		if err := f.flushPartial(b); err != nil {
			_ = f.file.Close()
			return err
		}
	}
	return f.file.Close()
}

// dirBackend synthesizes the "$" directory listing byte stream (spec.md
// §4.7, §8 scenario 1): a BASIC-program-shaped header line, one line per
// entry, and a "BLOCKS FREE" footer, generated lazily one Buffer's worth
// at a time rather than materialized up front.
type dirBackend struct {
	entries []diskimage.DirEntry
	label   string
	id      string
	free    uint32

	idx    int
	header bool
	footer bool
	done   bool
}

// Refill renders the next listing line (or the header/footer) into
// Data[0:], following the BASIC line format: <lo><hi><blocks-lo><blocks-hi>
// "<name in quotes padded to 18>" <type><RO?><pad> for entries, and
// 0x01 0x01 <free-lo> <free-hi> "BLOCKS FREE." for the footer, each line
// terminated by the next line's link pointer (0x01 0x01 placeholder,
// rewritten by nothing downstream since sd2iec's talk loop only cares
// about byte content, not the BASIC link chain's numeric validity).
func (d *dirBackend) Refill(b *Buffer) error {
	if d.done {
		b.LastUsed = 0
		b.Position = 0
		b.SendEOI = true
		return nil
	}

	var line []byte
	switch {
	case !d.header:
		d.header = true
		line = d.renderHeader()
	case d.idx < len(d.entries):
		line = d.renderEntry(d.entries[d.idx])
		d.idx++
	case !d.footer:
		d.footer = true
		line = d.renderFooter()
	default:
		d.done = true
		line = []byte{0x00, 0x00, 0x00, 0x00}
	}

	n := copy(b.Data[:256], line)
	b.LastUsed = n - 1
	b.Position = 0
	b.SendEOI = d.done
	return nil
}

func (d *dirBackend) renderHeader() []byte {
	name := padQuoted(d.label, 16)
	line := []byte{0x01, 0x01, 0x00, 0x00, 0x12, '"'}
	line = append(line, []byte(name)...)
	line = append(line, '"', ' ')
	line = append(line, []byte(fmt.Sprintf("%-2s", d.id))...)
	line = append(line, ' ', '0', '0', 0x00)
	return line
}

func (d *dirBackend) renderEntry(e diskimage.DirEntry) []byte {
	blocks := e.Blocks
	line := []byte{0x01, 0x01, byte(blocks), byte(blocks >> 8)}
	line = append(line, ' ')
	line = append(line, '"')
	line = append(line, []byte(padQuoted(e.Name, 16))...)
	line = append(line, '"')
	if e.Hidden {
		line = append(line, '<')
	} else {
		line = append(line, ' ')
	}
	line = append(line, []byte(fileTypeSuffix(e))...)
	if e.Splat {
		line = append(line, '*')
	}
	if e.ReadOnly {
		line = append(line, '<')
	}
	line = append(line, 0x00)
	return line
}

func (d *dirBackend) renderFooter() []byte {
	line := []byte{0x01, 0x01, byte(d.free), byte(d.free >> 8)}
	line = append(line, []byte("BLOCKS FREE.")...)
	line = append(line, 0x00, 0x00, 0x00)
	return line
}

func padQuoted(s string, width int) string {
	if len(s) > width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

func fileTypeSuffix(e diskimage.DirEntry) string {
	switch e.Type {
	case diskimage.FileDEL:
		return "DEL"
	case diskimage.FileSEQ:
		return "SEQ"
	case diskimage.FilePRG:
		return "PRG"
	case diskimage.FileUSR:
		return "USR"
	case diskimage.FileREL:
		return "REL"
	default:
		return "???"
	}
}

// Cleanup is a no-op: directory listings never hold a write handle.
func (d *dirBackend) Cleanup(b *Buffer) error { return nil }
