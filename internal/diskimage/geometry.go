package diskimage

import "github.com/pkg/errors"

const (
	SectorSize         = 256
	DataBytesPerSector = 254
)

// Geometry describes one image format's fixed layout (spec.md §4.6.1):
// track count, sectors-per-track function, directory location and
// interleave, label/id field offsets.
type Geometry struct {
	Tracks          int
	SectorsPerTrack func(track int) int
	DirTrack        int
	DirSector       int
	DirInterleave   int
	FileInterleave  int
	LabelOffset     int
	IDOffset        int
	// SkipTrack, if non-zero, is excluded from allocation (D71 track 53,
	// spec.md §4.6.1/§4.6.4 "rev-3 ROM behaviour").
	SkipTrack int
}

// LBA computes the running-sum-of-prior-tracks sector index (spec.md
// §4.6.2). For D64/D71 this walks the per-zone sector counts; D81's
// Geometry instead passes a constant SectorsPerTrack, making the same
// loop degenerate to the documented `(track-1)*40 + sector` formula.
func (g Geometry) LBA(track, sector int) (int, error) {
	if track < 1 || track > g.Tracks {
		return 0, errors.Errorf("track %d out of range 1..%d", track, g.Tracks)
	}
	spt := g.SectorsPerTrack(track)
	if sector < 0 || sector >= spt {
		return 0, errors.Errorf("sector %d out of range for track %d (%d sectors)", sector, track, spt)
	}
	lba := 0
	for t := 1; t < track; t++ {
		lba += g.SectorsPerTrack(t)
	}
	return lba + sector, nil
}

func (g Geometry) Offset(track, sector int) (int64, error) {
	lba, err := g.LBA(track, sector)
	if err != nil {
		return 0, err
	}
	return int64(lba) * SectorSize, nil
}

func (g Geometry) TotalSectors() int {
	n := 0
	for t := 1; t <= g.Tracks; t++ {
		n += g.SectorsPerTrack(t)
	}
	return n
}

// d64SectorsPerTrack implements spec.md §4.6.1's 1541 zone table, also
// reused for D71's first 35 tracks.
func d64SectorsPerTrack(track int) int {
	switch {
	case track >= 1 && track <= 17:
		return 21
	case track >= 18 && track <= 24:
		return 19
	case track >= 25 && track <= 30:
		return 18
	case track >= 31 && track <= 35:
		return 17
	default:
		return 0
	}
}

// d71SectorsPerTrack mirrors the 1541 zone pattern onto tracks 36-70
// (spec.md §4.6.1: "tracks 36-70 mirror the per-zone sectors-per-track
// pattern").
func d71SectorsPerTrack(track int) int {
	if track <= 35 {
		return d64SectorsPerTrack(track)
	}
	return d64SectorsPerTrack(track - 35)
}

func d81SectorsPerTrack(track int) int {
	if track < 1 || track > 80 {
		return 0
	}
	return 40
}
