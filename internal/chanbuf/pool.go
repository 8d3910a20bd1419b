package chanbuf

import "github.com/pkg/errors"

// DefaultCount is the typical buffer count spec.md §4.4 cites ("typical 6"
// user buffers) plus the dedicated error-channel buffer.
const DefaultCount = 6

// FreeMode selects which buffers Pool.FreeAll tears down (spec.md §4.4).
type FreeMode int

const (
	FreeAll FreeMode = iota
	FreeNonSticky
	FreeUserOnly // non-system: excludes the error channel and the BAM buffer
)

// Indicators is the LED side-effect boundary (spec.md §4.4, §6.5): "busy"
// while any buffer is allocated, "dirty" while any write-open buffer is
// dirty. A no-op implementation is fine for tests; cmd/sd2iecsim passes
// internal/collab's NullIndicators, which is also a no-op.
type Indicators interface {
	SetBusy(on bool)
	SetDirty(on bool)
}

type nullIndicators struct{}

func (nullIndicators) SetBusy(bool)  {}
func (nullIndicators) SetDirty(bool) {}

// Pool is the fixed-count buffer pool (spec.md §4.4).
type Pool struct {
	buffers []*Buffer
	errChan *Buffer
	leds    Indicators
}

// NewPool allocates n user buffer slots (unallocated) plus the always-on
// error-channel buffer.
func NewPool(n int, leds Indicators) *Pool {
	if leds == nil {
		leds = nullIndicators{}
	}
	p := &Pool{leds: leds}
	for i := 0; i < n; i++ {
		p.buffers = append(p.buffers, &Buffer{})
	}
	p.errChan = &Buffer{Secondary: ErrorChannelSecondary, Allocated: true, Sticky: true, ReadOpen: true}
	p.errChan.SetErrorString(initialErrorString)
	return p
}

const initialErrorString = "00, OK,00,00\r"

// SetErrorString installs a PETSCII-encoded DOS status string as the
// error channel's contents (spec.md §4.4: "writing 'initial' resets to
// '00, OK,00,00'"). The caller passes ASCII; conversion to PETSCII for
// the wire is the transport's job, matching how the rest of the image
// layer keeps names in ASCII internally (see diskimage.petsciiToASCIIName).
func (b *Buffer) SetErrorString(s string) {
	b.LastUsed = -1
	b.Position = 0
	for i := 0; i < len(s) && i < len(b.Data); i++ {
		b.Data[i] = s[i]
		b.LastUsed = i
	}
	b.SendEOI = true
}

// ErrorChannel returns the sticky secondary-15 buffer.
func (p *Pool) ErrorChannel() *Buffer { return p.errChan }

// Alloc scans for a free slot for the given secondary address. Per
// spec.md §3's invariant, at most one allocated buffer may exist per
// secondary in 0..14; Alloc enforces this by freeing any existing buffer
// on the same secondary first (OPEN of an already-open channel replaces
// it, matching 1541 semantics).
func (p *Pool) Alloc(secondary int) (*Buffer, error) {
	if secondary == ErrorChannelSecondary {
		return p.errChan, nil
	}
	if secondary < 0 || secondary > 14 {
		return nil, errors.Errorf("invalid secondary address %d", secondary)
	}
	if existing := p.Find(secondary); existing != nil {
		p.freeOne(existing)
	}
	for _, b := range p.buffers {
		if !b.Allocated {
			b.Reset(secondary)
			p.updateLEDs()
			return b, nil
		}
	}
	return nil, errors.New("no channel")
}

// Find performs the O(N) linear scan by secondary address spec.md §4.4
// names explicitly.
func (p *Pool) Find(secondary int) *Buffer {
	if secondary == ErrorChannelSecondary {
		return p.errChan
	}
	for _, b := range p.buffers {
		if b.Allocated && b.Secondary == secondary {
			return b
		}
	}
	return nil
}

func (p *Pool) freeOne(b *Buffer) error {
	var err error
	if b.Backend != nil {
		err = b.Backend.Cleanup(b)
	}
	if !b.Sticky {
		b.Allocated = false
		b.Backend = nil
		b.Private = nil
	}
	p.updateLEDs()
	return err
}

// Free runs cleanup then frees the buffer bound to secondary (spec.md
// §4.3 close handling: "Closing runs the buffer's cleanup callback first
// ... and then frees the buffer").
func (p *Pool) Free(secondary int) error {
	b := p.Find(secondary)
	if b == nil {
		return nil
	}
	return p.freeOne(b)
}

// FreeAll iterates and cleans up/frees per mode (spec.md §4.4).
func (p *Pool) FreeAll(mode FreeMode) error {
	var firstErr error
	for _, b := range p.buffers {
		if !b.Allocated {
			continue
		}
		if mode == FreeNonSticky && b.Sticky {
			continue
		}
		if err := p.freeOne(b); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if mode == FreeAll {
		// The error channel itself is reset to "initial" rather than
		// deallocated (it's always allocated, spec.md §4.4).
		p.errChan.SetErrorString(initialErrorString)
	}
	return firstErr
}

func (p *Pool) updateLEDs() {
	busy := false
	dirty := false
	for _, b := range p.buffers {
		if b.Allocated {
			busy = true
			if b.WriteOpen && b.Dirty {
				dirty = true
			}
		}
	}
	p.leds.SetBusy(busy)
	p.leds.SetDirty(dirty)
}
