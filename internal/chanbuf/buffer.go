// Package chanbuf is the buffer pool and per-channel state machine that
// mediates between bus transfers and filesystem/image operations
// (spec.md §4.4). A Buffer is one channel's 256-byte data window; its
// Refill/Cleanup callbacks are how the "tagged union of private state"
// spec.md §3 describes crosses into the file/image layer, following the
// Design Notes guidance to model that as an interface held by value
// rather than a function-pointer-plus-void-star pair.
package chanbuf

import "github.com/pkg/errors"

// ErrorChannelSecondary is the reserved secondary address (15) that always
// maps to the fixed error-channel buffer.
const ErrorChannelSecondary = 15

// Backend is the per-kind behavior a Buffer's private State implements:
// directory listing, FAT file, D64/D71/D81 file, or a raw "#"-buffer.
// Exactly one Backend implementation is active per allocated Buffer,
// matching spec.md §3's "tagged union of private state".
type Backend interface {
	// Refill is invoked when the buffer's data area is exhausted on read
	// or full on write (spec.md §4.3 listen/talk loops).
	Refill(b *Buffer) error
	// Cleanup flushes pending writes on CLOSE or error (spec.md §4.3
	// close handling).
	Cleanup(b *Buffer) error
}

// Buffer represents one channel's data window (spec.md §3).
type Buffer struct {
	Data     [256]byte
	LastUsed int // index of last valid byte
	Position int // next byte to read/write

	Secondary int // 0-14, or ErrorChannelSecondary

	Allocated bool
	ReadOpen  bool
	WriteOpen bool
	Dirty     bool
	SendEOI   bool
	MustFlush bool

	// Sticky buffers (BAM, error channel) are not freed by per-user
	// cleanup (spec.md §3 lifecycle).
	Sticky bool

	Backend Backend
	// Private carries the Backend's own state (directory cursor, open
	// file handle, sector coordinates, ...); Backend methods type-assert
	// it back out. Kept separate from Backend itself so the same Backend
	// value can be reused across allocations if ever useful.
	Private any
}

// checkInvariants reports a violation of the spec.md §3 buffer invariants
// that are cheap to check. Nothing calls it: neither the Pool methods nor
// the per-byte paths check these invariants.
func (b *Buffer) checkInvariants() error {
	if b.Position > b.LastUsed+1 {
		return errors.Errorf("buffer %d: position %d exceeds last_used+1 (%d)", b.Secondary, b.Position, b.LastUsed+1)
	}
	if !b.WriteOpen && b.Dirty {
		return errors.Errorf("buffer %d: dirty with write=false", b.Secondary)
	}
	return nil
}

// Reset clears everything except the underlying data-area storage,
// matching Pool.Alloc's "clears everything except the data-area pointer"
// behavior (spec.md §4.4) — here that just means zeroing Data too, since
// Go buffers don't alias a separate heap block worth preserving.
func (b *Buffer) Reset(secondary int) {
	*b = Buffer{Secondary: secondary, Allocated: true}
}

// PutByte stores one byte at Position, advancing it and marking Dirty.
// Returns true when Position has wrapped past 255 and Refill must run
// (spec.md §4.3 listen loop: "when position wraps ... call buffer.refill").
func (b *Buffer) PutByte(v byte) (wrapped bool, err error) {
	if !b.WriteOpen {
		return false, errors.Errorf("buffer %d: write to read-only buffer", b.Secondary)
	}
	b.Data[b.Position] = v
	b.Dirty = true
	if b.Position > b.LastUsed {
		b.LastUsed = b.Position
	}
	if b.Position == 255 {
		b.Position = 0
		return true, nil
	}
	b.Position++
	return false, nil
}

// NextByte returns the byte at Position for the talk loop, and whether
// this is the last byte currently buffered (Position == LastUsed).
func (b *Buffer) NextByte() (v byte, isLast bool) {
	v = b.Data[b.Position]
	isLast = b.Position >= b.LastUsed
	return v, isLast
}
