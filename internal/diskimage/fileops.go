// Package diskimage implements the fileops contract (spec.md §4.6, §9
// Design Notes) over D64/D71/D81/M2I images as well as over plain FAT
// directories (internal/dosfs.FAT). This file defines the shared
// interface and partition/entry types; d64.go/d71.go/d81.go (adapted from
// the teacher) implement the image-specific geometry, BAM and sector
// chains, and m2i.go/bam.go/blockfile.go/atomic.go are new.
package diskimage

import (
	"io"
	"time"
)

// ImageType tags which concrete FileOps implementation a Partition uses;
// spec.md §3 requires that "vtable matches image_type".
type ImageType int

const (
	TypeFAT ImageType = iota
	TypeD64
	TypeD71
	TypeD81
	TypeM2I
)

func (t ImageType) String() string {
	switch t {
	case TypeFAT:
		return "FAT"
	case TypeD64:
		return "D64"
	case TypeD71:
		return "D71"
	case TypeD81:
		return "D81"
	case TypeM2I:
		return "M2I"
	default:
		return "UNKNOWN"
	}
}

// FileType is the low 3 bits of a CBM directory entry's type byte
// (spec.md §3).
type FileType byte

const (
	FileDEL FileType = 0
	FileSEQ FileType = 1
	FilePRG FileType = 2
	FileUSR FileType = 3
	FileREL FileType = 4
	FileCBM FileType = 5
	FileDIR FileType = 6
)

// DirEntry is the CBM-form directory entry (spec.md §3).
type DirEntry struct {
	Name      string // already 0xA0-stripped, upper-case ASCII
	Type      FileType
	ReadOnly  bool
	Splat     bool // incomplete (not properly closed)
	Hidden    bool
	Blocks    uint16 // blocks of 254 payload bytes
	Remainder byte   // file-size mod 254, or 0xFF if unknown
	Date      time.Time

	// StartTrack/StartSector locate the first sector of the file's
	// chain; zero for FAT-backed entries, which instead carry Path.
	StartTrack, StartSector byte
	Path                    string // FAT-relative path, used by TypeFAT/TypeM2I
}

// OpenFile is a handle to file data, independent of backing format.
type OpenFile interface {
	io.ReadWriteSeeker
	io.Closer
	// Truncate sets the file's logical length, used by write-open close
	// to trim a D64 chain or a FAT file to its final size.
	Truncate(size int64) error
}

// FileOps is the per-partition vtable spec.md §9 Design Notes calls out:
// "a trait with static references" selecting the D64/D71/D81/M2I/FAT
// implementation. One value satisfies this per Partition; internal/mount
// picks which one by file extension. The D64/D71/D81 openers check the
// file size against their format but do not choose the type from it.
type FileOps interface {
	Type() ImageType

	// ReadDir lists the current directory's live entries (type==0 / DEL
	// with Splat-less zero name are skipped by the implementation,
	// spec.md §4.6.5).
	ReadDir() ([]DirEntry, error)

	// Lookup finds one entry by exact name (case-insensitive).
	Lookup(name string) (DirEntry, bool, error)

	// Glob matches '?' (one byte) and '*' (any tail) against basenames,
	// spec.md §4.7.
	Glob(pattern string) ([]DirEntry, error)

	OpenRead(name string) (OpenFile, error)
	// OpenWrite creates name with the given type, replacing an existing
	// file only if replace is true (the '@' save-with-replace prefix,
	// spec.md §4.7).
	OpenWrite(name string, ft FileType, replace bool) (OpenFile, error)

	Rename(oldName, newName string) error
	Scratch(pattern string) (count int, err error)

	Mkdir(name string) error
	Rmdir(name string) error

	// FreeBlocks reports space available, used for the "$" directory
	// listing footer (spec.md §4.7) and G-P partition metadata.
	FreeBlocks() (uint32, error)

	// Label/ID report the disk name and 2-char (or 5-char for FAT) id
	// shown in the "$" listing header.
	Label() (label, id string, err error)

	// Format reinitializes the partition (N: command, spec.md §4.5/§4.6.7).
	// D71, D81 and FAT partitions return ErrFormatUnsupported; M2I clears
	// its index and sets the new label/id.
	Format(label, id string) error
}

// BlockOps is implemented by FileOps values that also support raw
// track/sector access (B-R/B-W, spec.md §4.5); FAT-backed partitions do
// not implement it.
type BlockOps interface {
	ReadSector(track, sector int, buf []byte) error
	WriteSector(track, sector int, buf []byte) error
}

// Partition is one mounted storage unit (spec.md §3).
type Partition struct {
	Number int
	Ops    FileOps
	Type   ImageType

	// CurrentDir is only meaningful for TypeFAT (and M2I's FAT-level
	// sibling lookups); D64/D71/D81 have a flat namespace.
	CurrentDir string

	// ImagePath is set when this partition is itself a mounted image
	// file living inside a parent FAT directory.
	ImagePath string

	// LastTrack, DirTrack, Interleave mirror spec.md §3's "format
	// parameters"; FAT partitions leave these zero.
	LastTrack  int
	DirTrack   int
	Interleave int

	// ErrorInfo is the optional per-sector error-info block appended to
	// some D64/D71 images (spec.md §4.6.2).
	ErrorInfo []byte
}
