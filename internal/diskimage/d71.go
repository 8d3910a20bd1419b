package diskimage

import (
	"encoding/binary"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// D71 implements FileOps over a Commodore 1571 disk image: a double-sided
// 1541 (70 tracks), directory still on track 18, second BAM bitfield on
// track 53 (spec.md §4.6.1). Adapted from the teacher's d71.go geometry
// detection plus its d71_modify.go/d71_write.go BAM offsets, restructured
// onto the same Geometry/BAMWindow machinery as D64.
var d71Geometry = Geometry{
	Tracks:          70,
	SectorsPerTrack: d71SectorsPerTrack,
	DirTrack:        18,
	DirSector:       1,
	DirInterleave:   3,
	FileInterleave:  10,
	LabelOffset:     0x90,
	IDOffset:        0xA2,
	SkipTrack:       53,
}

// d71BAMLocator: tracks 1-35 keep their D64-style free count/bitfield on
// 18/0; tracks 36-70 have their free counts on 18/0 at offset 0xDD+n and
// their bitfields on 53/0 (spec.md §4.6.1).
type d71BAMLocator struct{}

func (d71BAMLocator) FreeCount(track int) (t, s, off int) {
	if track <= 35 {
		return 18, 0, 4 + (track-1)*4
	}
	return 18, 0, 0xDD + (track - 36)
}

func (d71BAMLocator) Bitfield(track int) (t, s, off, width int) {
	if track <= 35 {
		return 18, 0, 4 + (track-1)*4 + 1, 3
	}
	return 53, 0, (track-36)*3, 3
}

type D71 struct {
	path string
	f    *os.File
	bam  *BAMWindow
}

func OpenD71(path string) (*D71, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if _, err := detectErrorInfo(fi.Size(), d71Geometry.TotalSectors()); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	d := &D71{path: path, f: f}
	d.bam = NewBAMWindow(f, d71Geometry, d71BAMLocator{})
	return d, nil
}

func (d *D71) Type() ImageType { return TypeD71 }
func (d *D71) Close() error    { return d.f.Close() }

func (d *D71) readSector(track, sector int, buf []byte) error {
	off, err := d71Geometry.Offset(track, sector)
	if err != nil {
		return err
	}
	_, err = d.f.ReadAt(buf[:SectorSize], off)
	return err
}

func (d *D71) writeSector(track, sector int, buf []byte) error {
	off, err := d71Geometry.Offset(track, sector)
	if err != nil {
		return err
	}
	_, err = d.f.WriteAt(buf[:SectorSize], off)
	return err
}

func (d *D71) ReadSector(track, sector int, buf []byte) error  { return d.readSector(track, sector, buf) }
func (d *D71) WriteSector(track, sector int, buf []byte) error { return d.writeSector(track, sector, buf) }

func (d *D71) walkDir(fn func(t, s byte, buf []byte) (bool, error)) error {
	t, s := byte(d71Geometry.DirTrack), byte(d71Geometry.DirSector)
	buf := make([]byte, SectorSize)
	for t != 0 {
		if err := d.readSector(int(t), int(s), buf); err != nil {
			return err
		}
		nextT, nextS := buf[0], buf[1]
		stop, err := fn(t, s, buf)
		if err != nil || stop {
			return err
		}
		t, s = nextT, nextS
	}
	return nil
}

func (d *D71) ReadDir() ([]DirEntry, error) {
	var out []DirEntry
	err := d.walkDir(func(t, s byte, buf []byte) (bool, error) {
		for i := 0; i < 8; i++ {
			slot := buf[i*32 : (i+1)*32]
			if slot[2] == 0 {
				continue
			}
			out = append(out, slotToEntry(slot))
		}
		return false, nil
	})
	return out, err
}

func (d *D71) Lookup(name string) (DirEntry, bool, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	var found DirEntry
	ok := false
	err := d.walkDir(func(t, s byte, buf []byte) (bool, error) {
		for i := 0; i < 8; i++ {
			slot := buf[i*32 : (i+1)*32]
			if slot[2] == 0 {
				continue
			}
			e := slotToEntry(slot)
			if e.Name == key {
				found, ok = e, true
				return true, nil
			}
		}
		return false, nil
	})
	return found, ok, err
}

func (d *D71) Glob(pattern string) ([]DirEntry, error) {
	entries, err := d.ReadDir()
	if err != nil {
		return nil, err
	}
	pat := strings.ToUpper(pattern)
	var out []DirEntry
	for _, e := range entries {
		if GlobMatch(pat, e.Name) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *D71) chain(startTrack, startSector int) ([]SectorRef, int64, error) {
	if startTrack == 0 {
		return nil, 0, errors.New("empty start track")
	}
	visited := map[int]bool{}
	var sectors []SectorRef
	var size int64
	t, s := startTrack, startSector
	buf := make([]byte, SectorSize)
	for {
		key := t*256 + s
		if visited[key] {
			return nil, 0, errors.New("sector chain loop detected")
		}
		visited[key] = true
		if err := d.readSector(t, s, buf); err != nil {
			return nil, 0, err
		}
		nextT, nextS := int(buf[0]), int(buf[1])
		dataLen := DataBytesPerSector
		if nextT == 0 {
			dataLen = nextS - 1
			if dataLen <= 0 || dataLen > DataBytesPerSector {
				dataLen = DataBytesPerSector
			}
		}
		off, _ := d71Geometry.Offset(t, s)
		sectors = append(sectors, SectorRef{Track: byte(t), Sector: byte(s), Offset: off, DataLen: dataLen})
		size += int64(dataLen)
		if nextT == 0 {
			break
		}
		if len(sectors) > 4000 {
			return nil, 0, errors.New("sector chain too long")
		}
		t, s = nextT, nextS
	}
	return sectors, size, nil
}

func (d *D71) OpenRead(name string) (OpenFile, error) {
	e, ok, err := d.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("file not found: %s", name)
	}
	sectors, size, err := d.chain(int(e.StartTrack), int(e.StartSector))
	if err != nil {
		return nil, err
	}
	return &d71ReadFile{d: d, sectors: sectors, size: size}, nil
}

type d71ReadFile struct {
	d       *D71
	sectors []SectorRef
	size    int64
	pos     int64
}

func (r *d71ReadFile) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, errEOF
	}
	acc := int64(0)
	idx := 0
	for idx < len(r.sectors) && r.pos >= acc+int64(r.sectors[idx].DataLen) {
		acc += int64(r.sectors[idx].DataLen)
		idx++
	}
	if idx >= len(r.sectors) {
		return 0, errEOF
	}
	rel := r.pos - acc
	buf := make([]byte, SectorSize)
	if err := r.d.readSector(int(r.sectors[idx].Track), int(r.sectors[idx].Sector), buf); err != nil {
		return 0, err
	}
	data := buf[2 : 2+r.sectors[idx].DataLen]
	n := copy(p, data[rel:])
	r.pos += int64(n)
	return n, nil
}

func (r *d71ReadFile) Seek(offset int64, whence int) (int64, error) {
	var np int64
	switch whence {
	case 0:
		np = offset
	case 1:
		np = r.pos + offset
	case 2:
		np = r.size + offset
	}
	if np < 0 || np > r.size {
		return 0, errors.New("seek out of range")
	}
	r.pos = np
	return np, nil
}

func (r *d71ReadFile) Write([]byte) (int, error) { return 0, errors.New("read-only handle") }
func (r *d71ReadFile) Truncate(int64) error       { return errors.New("read-only handle") }
func (r *d71ReadFile) Close() error               { return nil }

func (d *D71) OpenWrite(name string, ft FileType, replace bool) (OpenFile, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return nil, errors.New("empty filename")
	}
	if strings.ContainsAny(key, "*?") {
		return nil, errors.New("wildcards not allowed for write")
	}
	if ft == FileREL {
		return nil, errors.New("SYNTAX ERROR: REL files are not supported on D71")
	}
	if _, ok, err := d.Lookup(key); err != nil {
		return nil, err
	} else if ok {
		if !replace {
			return nil, errors.New("file exists")
		}
		if _, err := d.Scratch(key); err != nil {
			return nil, err
		}
	}
	slot, err := d.findOrExtendDirSlot()
	if err != nil {
		return nil, err
	}
	firstT, firstS, err := d.bam.GetFirstSector()
	if err != nil {
		return nil, err
	}
	if err := d.bam.AllocateSector(firstT, firstS); err != nil {
		return nil, err
	}
	entry := DirEntry{Name: key, Type: ft, Splat: true, StartTrack: byte(firstT), StartSector: byte(firstS)}
	if err := d.writeDirSlot(slot, entry); err != nil {
		return nil, err
	}
	if err := d.bam.Flush(); err != nil {
		return nil, err
	}
	return &d71WriteFile{d: d, slot: slot, curT: firstT, curS: firstS}, nil
}

func (d *D71) findOrExtendDirSlot() (dirSlot, error) {
	var found dirSlot
	var lastT, lastS byte
	ok := false
	err := d.walkDir(func(t, s byte, buf []byte) (bool, error) {
		lastT, lastS = t, s
		for i := 0; i < 8; i++ {
			if buf[i*32+2] == 0 {
				found = dirSlot{track: t, sector: s, index: i}
				ok = true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return dirSlot{}, err
	}
	if ok {
		return found, nil
	}
	newT, newS, err := d.bam.GetNextSector(int(lastT), int(lastS), d71Geometry.DirInterleave)
	if err != nil {
		return dirSlot{}, err
	}
	if err := d.bam.AllocateSector(newT, newS); err != nil {
		return dirSlot{}, err
	}
	zero := make([]byte, SectorSize)
	if err := d.writeSector(newT, newS, zero); err != nil {
		return dirSlot{}, err
	}
	buf := make([]byte, SectorSize)
	if err := d.readSector(int(lastT), int(lastS), buf); err != nil {
		return dirSlot{}, err
	}
	buf[0], buf[1] = byte(newT), byte(newS)
	if err := d.writeSector(int(lastT), int(lastS), buf); err != nil {
		return dirSlot{}, err
	}
	return dirSlot{track: byte(newT), sector: byte(newS), index: 0}, nil
}

func (d *D71) writeDirSlot(slot dirSlot, e DirEntry) error {
	buf := make([]byte, SectorSize)
	if err := d.readSector(int(slot.track), int(slot.sector), buf); err != nil {
		return err
	}
	s := buf[slot.index*32 : (slot.index+1)*32]
	for i := range s {
		s[i] = 0
	}
	s[2] = entryTypeByte(e)
	s[3] = e.StartTrack
	s[4] = e.StartSector
	copy(s[5:21], asciiToPETSCIIName(e.Name, 16))
	return d.writeSector(int(slot.track), int(slot.sector), buf)
}

type d71WriteFile struct {
	d          *D71
	slot       dirSlot
	curT, curS int
	buf        [SectorSize]byte
	bufLen     int
	blocks     uint16
	closed     bool
}

func (w *d71WriteFile) Read([]byte) (int, error) { return 0, errors.New("write-only handle") }
func (w *d71WriteFile) Seek(int64, int) (int64, error) {
	return 0, errors.New("seek not supported while writing")
}
func (w *d71WriteFile) Truncate(int64) error { return nil }

func (w *d71WriteFile) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		space := DataBytesPerSector - w.bufLen
		if space == 0 {
			if err := w.flushFull(); err != nil {
				return written, err
			}
			space = DataBytesPerSector
		}
		n := space
		if n > len(p) {
			n = len(p)
		}
		copy(w.buf[2+w.bufLen:2+w.bufLen+n], p[:n])
		w.bufLen += n
		written += n
		p = p[n:]
	}
	return written, nil
}

func (w *d71WriteFile) flushFull() error {
	nt, ns, err := w.d.bam.GetNextSector(w.curT, w.curS, d71Geometry.FileInterleave)
	if err != nil {
		return err
	}
	if err := w.d.bam.AllocateSector(nt, ns); err != nil {
		return err
	}
	w.buf[0], w.buf[1] = byte(nt), byte(ns)
	if err := w.d.writeSector(w.curT, w.curS, w.buf[:]); err != nil {
		return err
	}
	w.blocks++
	w.curT, w.curS = nt, ns
	w.bufLen = 0
	for i := range w.buf {
		w.buf[i] = 0
	}
	return nil
}

func (w *d71WriteFile) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.buf[0] = 0
	w.buf[1] = byte(w.bufLen + 1)
	if err := w.d.writeSector(w.curT, w.curS, w.buf[:]); err != nil {
		return err
	}
	w.blocks++
	buf := make([]byte, SectorSize)
	if err := w.d.readSector(int(w.slot.track), int(w.slot.sector), buf); err != nil {
		return err
	}
	s := buf[w.slot.index*32 : (w.slot.index+1)*32]
	s[2] |= 0x80
	binary.LittleEndian.PutUint16(s[30:32], w.blocks)
	if err := w.d.writeSector(int(w.slot.track), int(w.slot.sector), buf); err != nil {
		return err
	}
	return w.d.bam.Flush()
}

func (d *D71) Rename(oldName, newName string) error {
	oldKey := strings.ToUpper(strings.TrimSpace(oldName))
	newKey := strings.ToUpper(strings.TrimSpace(newName))
	if _, ok, err := d.Lookup(newKey); err != nil {
		return err
	} else if ok {
		return errors.New("file exists")
	}
	var foundSlot dirSlot
	ok := false
	err := d.walkDir(func(t, s byte, buf []byte) (bool, error) {
		for i := 0; i < 8; i++ {
			slot := buf[i*32 : (i+1)*32]
			if slot[2] == 0 {
				continue
			}
			if petsciiToASCIIName(slot[5:21]) == oldKey {
				foundSlot = dirSlot{track: t, sector: s, index: i}
				ok = true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("file not found")
	}
	buf := make([]byte, SectorSize)
	if err := d.readSector(int(foundSlot.track), int(foundSlot.sector), buf); err != nil {
		return err
	}
	s := buf[foundSlot.index*32 : (foundSlot.index+1)*32]
	copy(s[5:21], asciiToPETSCIIName(newKey, 16))
	return d.writeSector(int(foundSlot.track), int(foundSlot.sector), buf)
}

func (d *D71) Scratch(pattern string) (int, error) {
	entries, err := d.Glob(pattern)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if err := d.scratchOne(e); err != nil {
			return count, err
		}
		count++
	}
	if err := d.bam.Flush(); err != nil {
		return count, err
	}
	return count, nil
}

func (d *D71) scratchOne(e DirEntry) error {
	t, s := int(e.StartTrack), int(e.StartSector)
	buf := make([]byte, SectorSize)
	visited := 0
	for t != 0 {
		if err := d.readSector(t, s, buf); err != nil {
			return err
		}
		if err := d.bam.FreeSector(t, s); err != nil {
			return err
		}
		t, s = int(buf[0]), int(buf[1])
		visited++
		if visited > 4000 {
			return errors.New("scratch: chain too long")
		}
	}
	var target dirSlot
	found := false
	err := d.walkDir(func(dt, ds byte, b []byte) (bool, error) {
		for i := 0; i < 8; i++ {
			slot := b[i*32 : (i+1)*32]
			if slot[2] == 0 {
				continue
			}
			if petsciiToASCIIName(slot[5:21]) == e.Name {
				target = dirSlot{track: dt, sector: ds, index: i}
				found = true
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	dbuf := make([]byte, SectorSize)
	if err := d.readSector(int(target.track), int(target.sector), dbuf); err != nil {
		return err
	}
	dbuf[target.index*32+2] = 0
	return d.writeSector(int(target.track), int(target.sector), dbuf)
}

func (d *D71) Mkdir(string) error { return errors.New("SYNTAX ERROR: D71 has no subdirectories") }
func (d *D71) Rmdir(string) error { return errors.New("SYNTAX ERROR: D71 has no subdirectories") }

func (d *D71) FreeBlocks() (uint32, error) {
	var total uint32
	for t := 1; t <= d71Geometry.Tracks; t++ {
		if t == d71Geometry.DirTrack || t == 53 {
			continue
		}
		n, err := d.bam.freeCount(t)
		if err != nil {
			return 0, err
		}
		total += uint32(n)
	}
	return total, nil
}

func (d *D71) Label() (string, string, error) {
	buf := make([]byte, SectorSize)
	if err := d.readSector(d71Geometry.DirTrack, 0, buf); err != nil {
		return "", "", err
	}
	label := petsciiToASCIIName(buf[d71Geometry.LabelOffset : d71Geometry.LabelOffset+16])
	id := petsciiToASCIIName(buf[d71Geometry.IDOffset : d71Geometry.IDOffset+5])
	return label, id, nil
}

// Format is not implemented for D71 (spec.md §9 Design Notes).
func (d *D71) Format(label, id string) error { return ErrFormatUnsupported }
