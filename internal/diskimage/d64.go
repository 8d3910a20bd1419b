package diskimage

import (
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// D64 implements FileOps over a Commodore 1541 disk image, adapted from
// the teacher's read-only d64.go parser (sector-chain walk, directory
// walk, PETSCII name handling) and extended with the write/allocate path
// spec.md §4.6.4/§4.6.5 requires: BAM-driven sector allocation, directory
// slot allocation/extension, and splat-bit bookkeeping.
var d64Geometry = Geometry{
	Tracks:          35,
	SectorsPerTrack: d64SectorsPerTrack,
	DirTrack:        18,
	DirSector:       1,
	DirInterleave:   3,
	FileInterleave:  10,
	LabelOffset:     0x90,
	IDOffset:        0xA2,
}

type d64BAMLocator struct{}

func (d64BAMLocator) FreeCount(track int) (t, s, off int) {
	return 18, 0, 4 + (track-1)*4
}

func (d64BAMLocator) Bitfield(track int) (t, s, off, width int) {
	return 18, 0, 4 + (track-1)*4 + 1, 3
}

type D64 struct {
	path string
	f    *os.File
	bam  *BAMWindow
}

// OpenD64 opens an existing 174848/175531-byte image for read/write.
func OpenD64(path string) (*D64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if _, err := detectErrorInfo(fi.Size(), d64Geometry.TotalSectors()); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	d := &D64{path: path, f: f}
	d.bam = NewBAMWindow(f, d64Geometry, d64BAMLocator{})
	return d, nil
}

func (d *D64) Type() ImageType { return TypeD64 }
func (d *D64) Close() error    { return d.f.Close() }

func (d *D64) readSector(track, sector int, buf []byte) error {
	off, err := d64Geometry.Offset(track, sector)
	if err != nil {
		return err
	}
	_, err = d.f.ReadAt(buf[:SectorSize], off)
	return err
}

func (d *D64) writeSector(track, sector int, buf []byte) error {
	off, err := d64Geometry.Offset(track, sector)
	if err != nil {
		return err
	}
	_, err = d.f.WriteAt(buf[:SectorSize], off)
	return err
}

func (d *D64) ReadSector(track, sector int, buf []byte) error  { return d.readSector(track, sector, buf) }
func (d *D64) WriteSector(track, sector int, buf []byte) error { return d.writeSector(track, sector, buf) }

// dirSlot locates one 32-byte directory entry slot.
type dirSlot struct {
	track, sector byte
	index         int
}

// walkDir invokes fn for every directory sector in the chain; fn may
// return stop=true to end the walk early.
func (d *D64) walkDir(fn func(t, s byte, buf []byte) (stop bool, err error)) error {
	t, s := byte(d64Geometry.DirTrack), byte(d64Geometry.DirSector)
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

func (d *D64) ReadDir() ([]DirEntry, error) {
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

func slotToEntry(slot []byte) DirEntry {
	typeByte := slot[2]
	return DirEntry{
		Name:        petsciiToASCIIName(slot[5:21]),
		Type:        FileType(typeByte & 0x07),
		Splat:       typeByte&0x80 == 0, // bit clear = splat/incomplete (1541 convention)
		ReadOnly:    typeByte&0x40 != 0,
		Hidden:      typeByte&0x20 != 0,
		StartTrack:  slot[3],
		StartSector: slot[4],
		Blocks:      binary.LittleEndian.Uint16(slot[30:32]),
	}
}

func entryTypeByte(e DirEntry) byte {
	b := byte(e.Type) & 0x07
	if !e.Splat {
		b |= 0x80
	}
	if e.ReadOnly {
		b |= 0x40
	}
	if e.Hidden {
		b |= 0x20
	}
	return b
}

func (d *D64) Lookup(name string) (DirEntry, bool, error) {
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

func (d *D64) Glob(pattern string) ([]DirEntry, error) {
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

// GlobMatch implements the 1541 '?' (one byte) / '*' (any tail) wildcard
// rules from spec.md §4.7: '*' matches any tail, so everything from its
// position onward is accepted; '?' matches exactly one byte. Exported so
// other FileOps implementations (dosfs's FAT passthrough) share the same
// rule instead of reimplementing it.
func GlobMatch(pattern, name string) bool {
	pi, ni := 0, 0
	for pi < len(pattern) {
		pc := pattern[pi]
		if pc == '*' {
			return true
		}
		if ni >= len(name) {
			return false
		}
		if pc != '?' && pc != name[ni] {
			return false
		}
		pi++
		ni++
	}
	return ni == len(name)
}

func (d *D64) OpenRead(name string) (OpenFile, error) {
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
	return &d64ReadFile{d: d, sectors: sectors, size: size}, nil
}

// chain walks a file's sector chain, returning each sector's location and
// payload length (spec.md §3/§4.6.5: byte0=next track, byte1=next sector
// or, on the last sector, the index of the last used byte).
func (d *D64) chain(startTrack, startSector int) ([]SectorRef, int64, error) {
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
		off, _ := d64Geometry.Offset(t, s)
		sectors = append(sectors, SectorRef{Track: byte(t), Sector: byte(s), Offset: off, DataLen: dataLen})
		size += int64(dataLen)
		if nextT == 0 {
			break
		}
		if len(sectors) > 2000 {
			return nil, 0, errors.New("sector chain too long")
		}
		t, s = nextT, nextS
	}
	return sectors, size, nil
}

// SectorRef references one physical sector of a file chain (kept from
// the teacher's d64.go, name and fields unchanged).
type SectorRef struct {
	Track, Sector byte
	Offset        int64
	DataLen       int
}

type d64ReadFile struct {
	d       *D64
	sectors []SectorRef
	size    int64
	pos     int64
}

func (r *d64ReadFile) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, errEOF
	}
	idx, rel := r.locate(r.pos)
	if idx >= len(r.sectors) {
		return 0, errEOF
	}
	buf := make([]byte, SectorSize)
	if err := r.d.readSector(int(r.sectors[idx].Track), int(r.sectors[idx].Sector), buf); err != nil {
		return 0, err
	}
	data := buf[2 : 2+r.sectors[idx].DataLen]
	n := copy(p, data[rel:])
	r.pos += int64(n)
	return n, nil
}

func (r *d64ReadFile) locate(pos int64) (idx int, rel int64) {
	acc := int64(0)
	for i, s := range r.sectors {
		if pos < acc+int64(s.DataLen) {
			return i, pos - acc
		}
		acc += int64(s.DataLen)
	}
	return len(r.sectors), 0
}

func (r *d64ReadFile) Seek(offset int64, whence int) (int64, error) {
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

func (r *d64ReadFile) Write([]byte) (int, error) { return 0, errors.New("read-only handle") }
func (r *d64ReadFile) Truncate(int64) error       { return errors.New("read-only handle") }
func (r *d64ReadFile) Close() error               { return nil }

var errEOF = io.EOF

// OpenWrite implements spec.md §4.6.5's write-open path: find or extend a
// directory slot, allocate the first data sector, write the entry with
// the splat bit set (incomplete), and return a handle whose Close runs
// the cleanup sequence (final sector link, directory update, splat
// clear).
func (d *D64) OpenWrite(name string, ft FileType, replace bool) (OpenFile, error) {
	key := strings.ToUpper(strings.TrimSpace(name))
	if key == "" {
		return nil, errors.New("empty filename")
	}
	if strings.ContainsAny(key, "*?") {
		return nil, errors.New("wildcards not allowed for write")
	}
	if ft == FileREL {
		return nil, errors.New("SYNTAX ERROR: REL files are not supported on D64")
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

	return &d64WriteFile{d: d, slot: slot, curT: firstT, curS: firstS}, nil
}

func (d *D64) findOrExtendDirSlot() (dirSlot, error) {
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

	// Extend the directory chain with a new zeroed sector (spec.md
	// §4.6.5: "extend the directory chain by allocating a new sector and
	// initialising its 8-slot zero pattern").
	newT, newS, err := d.bam.GetNextSector(int(lastT), int(lastS), d64Geometry.DirInterleave)
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
	buf[0] = byte(newT)
	buf[1] = byte(newS)
	if err := d.writeSector(int(lastT), int(lastS), buf); err != nil {
		return dirSlot{}, err
	}
	return dirSlot{track: byte(newT), sector: byte(newS), index: 0}, nil
}

func (d *D64) writeDirSlot(slot dirSlot, e DirEntry) error {
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
	binary.LittleEndian.PutUint16(s[30:32], e.Blocks)
	return d.writeSector(int(slot.track), int(slot.sector), buf)
}

type d64WriteFile struct {
	d          *D64
	slot       dirSlot
	curT, curS int
	buf        [SectorSize]byte
	bufLen     int
	blocks     uint16
	closed     bool
}

func (w *d64WriteFile) Read([]byte) (int, error) { return 0, errors.New("write-only handle") }
func (w *d64WriteFile) Seek(int64, int) (int64, error) {
	return 0, errors.New("seek not supported while writing")
}
func (w *d64WriteFile) Truncate(int64) error { return nil }

func (w *d64WriteFile) Write(p []byte) (int, error) {
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

// flushFull writes the current sector full and links it to a freshly
// allocated next sector (spec.md §4.6.5: refill "writes the current
// sector ... and advances").
func (w *d64WriteFile) flushFull() error {
	nt, ns, err := w.d.bam.GetNextSector(w.curT, w.curS, d64Geometry.FileInterleave)
	if err != nil {
		return err
	}
	if err := w.d.bam.AllocateSector(nt, ns); err != nil {
		return err
	}
	w.buf[0] = byte(nt)
	w.buf[1] = byte(ns)
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

// Close runs spec.md §4.6.5's cleanup: write the final sector with
// link-track=0 and link-sector=last_used, then update the directory
// entry's block count and clear the splat bit.
func (w *d64WriteFile) Close() error {
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
	s[2] |= 0x80 // clear splat (bit set = complete, see entryTypeByte)
	binary.LittleEndian.PutUint16(s[30:32], w.blocks)
	if err := w.d.writeSector(int(w.slot.track), int(w.slot.sector), buf); err != nil {
		return err
	}
	return w.d.bam.Flush()
}

func (d *D64) Rename(oldName, newName string) error {
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

// Scratch walks the sector chain from the entry's first T/S, freeing
// each sector, then zeroes the entry's type byte (spec.md §4.6.6).
func (d *D64) Scratch(pattern string) (int, error) {
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

func (d *D64) scratchOne(e DirEntry) error {
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
		nt, ns := int(buf[0]), int(buf[1])
		t, s = nt, ns
		visited++
		if visited > 2000 {
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

func (d *D64) Mkdir(string) error { return errors.New("SYNTAX ERROR: D64 has no subdirectories") }
func (d *D64) Rmdir(string) error { return errors.New("SYNTAX ERROR: D64 has no subdirectories") }

func (d *D64) FreeBlocks() (uint32, error) {
	var total uint32
	for t := 1; t <= d64Geometry.Tracks; t++ {
		if t == d64Geometry.DirTrack {
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

func (d *D64) Label() (string, string, error) {
	buf := make([]byte, SectorSize)
	if err := d.readSector(d64Geometry.DirTrack, 0, buf); err != nil {
		return "", "", err
	}
	label := petsciiToASCIIName(buf[d64Geometry.LabelOffset : d64Geometry.LabelOffset+16])
	id := petsciiToASCIIName(buf[d64Geometry.IDOffset : d64Geometry.IDOffset+5])
	return label, id, nil
}

// ErrFormatUnsupported is returned by D71/D81 Format (spec.md §9 Design
// Notes: "format routine ... only supports D64; D71/D81 format requests
// should return SYNTAX ERROR").
var ErrFormatUnsupported = errors.New("SYNTAX ERROR: format not implemented for this image type")

// Format reinitializes the image per spec.md §4.6.7: zero all 683
// sectors, mark all free then allocate the BAM/dir track sectors, write
// label/id, and write an empty first directory sector.
func (d *D64) Format(label, id string) error {
	zero := make([]byte, SectorSize)
	for t := 1; t <= d64Geometry.Tracks; t++ {
		for s := 0; s < d64Geometry.SectorsPerTrack(t); s++ {
			if err := d.writeSector(t, s, zero); err != nil {
				return err
			}
		}
	}
	for t := 1; t <= d64Geometry.Tracks; t++ {
		for s := 0; s < d64Geometry.SectorsPerTrack(t); s++ {
			if err := d.bam.FreeSector(t, s); err != nil {
				return err
			}
		}
	}
	if err := d.bam.AllocateSector(18, 0); err != nil {
		return err
	}
	if err := d.bam.AllocateSector(18, 1); err != nil {
		return err
	}
	if err := d.bam.Flush(); err != nil {
		return err
	}
	bamBuf := make([]byte, SectorSize)
	if err := d.readSector(18, 0, bamBuf); err != nil {
		return err
	}
	bamBuf[0], bamBuf[1], bamBuf[2] = 18, 1, 0x41
	copy(bamBuf[d64Geometry.LabelOffset:d64Geometry.LabelOffset+16], asciiToPETSCIIName(label, 16))
	copy(bamBuf[d64Geometry.IDOffset:d64Geometry.IDOffset+5], asciiToPETSCIIName(id, 5))
	if err := d.writeSector(18, 0, bamBuf); err != nil {
		return err
	}
	// 18/0 was rewritten behind the BAM window; reload it on next use.
	d.bam.loaded = false
	dirBuf := make([]byte, SectorSize)
	dirBuf[0], dirBuf[1] = 0, 0xFF
	if err := d.writeSector(18, 1, dirBuf); err != nil {
		return err
	}
	return d.bam.Flush()
}

// petsciiToASCIIName converts a 0xA0-padded PETSCII name field to a
// trimmed upper-case ASCII string (kept from the teacher's d64.go).
func petsciiToASCIIName(b []byte) string {
	runes := make([]rune, 0, len(b))
	for _, c := range b {
		switch {
		case c == 0xA0:
			runes = append(runes, ' ')
		case c >= 0x20 && c <= 0x7E:
			r := rune(c)
			if r == '/' || r == '\\' {
				r = '_'
			}
			runes = append(runes, r)
		default:
			runes = append(runes, '_')
		}
	}
	s := strings.TrimRight(string(runes), " ")
	return strings.ToUpper(strings.TrimSpace(s))
}

// asciiToPETSCIIName renders name into a width-byte field, 0xA0-padded
// (the inverse of petsciiToASCIIName, used by writers).
func asciiToPETSCIIName(name string, width int) []byte {
	out := make([]byte, width)
	for i := range out {
		out[i] = 0xA0
	}
	up := strings.ToUpper(name)
	for i := 0; i < len(up) && i < width; i++ {
		out[i] = up[i]
	}
	return out
}
