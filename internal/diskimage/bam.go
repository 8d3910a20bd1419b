package diskimage

import (
	"os"

	"github.com/pkg/errors"
)

// ErrDiskFull is returned by BAM allocation once no track has a free
// sector (spec.md §4.6.4).
var ErrDiskFull = errors.New("diskimage: DISK FULL")

// BAMLocator maps a track to where its free-count byte and per-sector
// bitfield live in BAM-sector space. Each image format supplies its own
// (D64/D71/D81 disagree on byte layout, spec.md §4.6.1), but the
// window/cache/allocate machinery below (spec.md §4.6.3/§4.6.4) is shared.
type BAMLocator interface {
	// FreeCount returns the BAM sector coordinates and in-sector byte
	// offset of track's 1-byte free-sector count.
	FreeCount(track int) (t, s, off int)
	// Bitfield returns the BAM sector coordinates, in-sector byte
	// offset and byte-width of track's per-sector allocation bitfield.
	Bitfield(track int) (t, s, off, width int)
}

// BAMWindow is the single sticky BAM-sector cache spec.md §4.6.3
// describes: "A single sticky buffer caches one BAM sector at a time".
// MoveWindow flushes a dirty cached sector before loading a different
// one, matching the spec's explicit flush-then-load ordering.
type BAMWindow struct {
	f    *os.File
	geom Geometry
	loc  BAMLocator

	track, sector int
	loaded        bool
	dirty         bool
	buf           [SectorSize]byte
}

func NewBAMWindow(f *os.File, geom Geometry, loc BAMLocator) *BAMWindow {
	return &BAMWindow{f: f, geom: geom, loc: loc}
}

func (w *BAMWindow) load(track, sector int) error {
	if w.loaded && w.track == track && w.sector == sector {
		return nil
	}
	if err := w.Flush(); err != nil {
		return err
	}
	off, err := w.geom.Offset(track, sector)
	if err != nil {
		return err
	}
	if _, err := w.f.ReadAt(w.buf[:], off); err != nil {
		return errors.Wrap(err, "read BAM sector")
	}
	w.track, w.sector, w.loaded = track, sector, true
	return nil
}

// Flush writes the cached sector back if dirty (spec.md §4.6.3; also the
// BAM buffer's "cleanup").
func (w *BAMWindow) Flush() error {
	if !w.loaded || !w.dirty {
		return nil
	}
	off, err := w.geom.Offset(w.track, w.sector)
	if err != nil {
		return err
	}
	if _, err := w.f.WriteAt(w.buf[:], off); err != nil {
		return errors.Wrap(err, "write BAM sector")
	}
	w.dirty = false
	return nil
}

func (w *BAMWindow) freeCount(track int) (int, error) {
	t, s, off := w.loc.FreeCount(track)
	if err := w.load(t, s); err != nil {
		return 0, err
	}
	return int(w.buf[off]), nil
}

func (w *BAMWindow) setFreeCount(track, n int) error {
	t, s, off := w.loc.FreeCount(track)
	if err := w.load(t, s); err != nil {
		return err
	}
	w.buf[off] = byte(n)
	w.dirty = true
	return nil
}

// IsFree returns the bit value of the per-sector bit in the BAM bitfield
// (spec.md §4.6.4).
func (w *BAMWindow) IsFree(track, sector int) (bool, error) {
	t, s, off, width := w.loc.Bitfield(track)
	if err := w.load(t, s); err != nil {
		return false, err
	}
	byteIdx := off + sector/8
	if byteIdx >= off+width {
		return false, errors.Errorf("sector %d out of bitfield width for track %d", sector, track)
	}
	return w.buf[byteIdx]&(1<<uint(sector%8)) != 0, nil
}

func (w *BAMWindow) setBit(track, sector int, free bool) error {
	t, s, off, width := w.loc.Bitfield(track)
	if err := w.load(t, s); err != nil {
		return err
	}
	byteIdx := off + sector/8
	if byteIdx >= off+width {
		return errors.Errorf("sector %d out of bitfield width for track %d", sector, track)
	}
	mask := byte(1 << uint(sector%8))
	if free {
		w.buf[byteIdx] |= mask
	} else {
		w.buf[byteIdx] &^= mask
	}
	w.dirty = true
	return nil
}

// AllocateSector clears the free bit and decrements the track's free
// count if the sector was free (spec.md §4.6.4); allocating an
// already-used sector is a silent no-op, matching the original's
// tolerance for redundant allocation during chain writes.
func (w *BAMWindow) AllocateSector(track, sector int) error {
	free, err := w.IsFree(track, sector)
	if err != nil {
		return err
	}
	if !free {
		return nil
	}
	if err := w.setBit(track, sector, false); err != nil {
		return err
	}
	n, err := w.freeCount(track)
	if err != nil {
		return err
	}
	return w.setFreeCount(track, n-1)
}

// FreeSector sets the bit and increments the free count, capped at
// sectorsPerTrack (spec.md §4.6.4: "does not let free count exceed
// sectors_per_track").
func (w *BAMWindow) FreeSector(track, sector int) error {
	free, err := w.IsFree(track, sector)
	if err != nil {
		return err
	}
	if free {
		return nil
	}
	if err := w.setBit(track, sector, true); err != nil {
		return err
	}
	n, err := w.freeCount(track)
	if err != nil {
		return err
	}
	max := w.geom.SectorsPerTrack(track)
	if n+1 > max {
		n = max - 1
	}
	return w.setFreeCount(track, n+1)
}

func (w *BAMWindow) skip(track int) bool {
	return w.geom.SkipTrack != 0 && track == w.geom.SkipTrack
}

// GetFirstSector searches tracks at alternating distances from the
// directory track (-1,+1,-2,+2,...) for one with free sectors, returning
// its first free sector (spec.md §4.6.4).
func (w *BAMWindow) GetFirstSector() (track, sector int, err error) {
	dirTrack := w.geom.DirTrack
	for d := 1; d <= w.geom.Tracks; d++ {
		for _, cand := range [2]int{dirTrack - d, dirTrack + d} {
			if cand < 1 || cand > w.geom.Tracks || w.skip(cand) {
				continue
			}
			n, err := w.freeCount(cand)
			if err != nil {
				return 0, 0, err
			}
			if n <= 0 {
				continue
			}
			spt := w.geom.SectorsPerTrack(cand)
			for s := 0; s < spt; s++ {
				free, err := w.IsFree(cand, s)
				if err != nil {
					return 0, 0, err
				}
				if free {
					return cand, s, nil
				}
			}
		}
	}
	return 0, 0, ErrDiskFull
}

// GetNextSector advances by the file/dir interleave modulo
// sectors-per-track, skipping sector 0 on wrap (except when that would
// leave zero distance); if the current track is full it tries up to
// three adjacent-track switches outward from the directory track before
// reporting DISK FULL (spec.md §4.6.4).
func (w *BAMWindow) GetNextSector(track, sector, interleave int) (nt, ns int, err error) {
	spt := w.geom.SectorsPerTrack(track)
	if spt == 0 {
		return 0, 0, errors.Errorf("track %d has no sectors", track)
	}

	tryTrack := func(t int) (int, bool, error) {
		n, err := w.freeCount(t)
		if err != nil {
			return 0, false, err
		}
		if n <= 0 {
			return 0, false, nil
		}
		stp := w.geom.SectorsPerTrack(t)
		candidate := sector
		for i := 0; i < stp; i++ {
			candidate = (candidate + interleave) % stp
			if candidate == 0 && stp > 1 {
				candidate = (candidate + 1) % stp
			}
			free, err := w.IsFree(t, candidate)
			if err != nil {
				return 0, false, err
			}
			if free {
				return candidate, true, nil
			}
		}
		return 0, false, nil
	}

	if !w.skip(track) {
		if s, ok, err := tryTrack(track); err != nil {
			return 0, 0, err
		} else if ok {
			return track, s, nil
		}
	}

	dirTrack := w.geom.DirTrack
	switches := 0
	for d := 1; switches < 3; d++ {
		found := false
		for _, cand := range [2]int{dirTrack - d, dirTrack + d} {
			if cand < 1 || cand > w.geom.Tracks || w.skip(cand) || cand == track {
				continue
			}
			found = true
			switches++
			if s, ok, err := tryTrack(cand); err != nil {
				return 0, 0, err
			} else if ok {
				return cand, s, nil
			}
			if switches >= 3 {
				break
			}
		}
		if !found && (dirTrack-d < 1 && dirTrack+d > w.geom.Tracks) {
			break
		}
	}
	return 0, 0, ErrDiskFull
}
