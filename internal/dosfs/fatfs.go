// Package dosfs implements diskimage.FileOps as a thin passthrough onto
// a real directory tree (spec.md §4.6a FAT partitions), the way the
// teacher's internal/fsops resolves its own case-insensitive, sandboxed
// paths onto a root directory — reused here instead of reinvented,
// since CBM DOS's case-insensitive flat-per-directory naming is the
// same shape as WiCOS64's path resolution problem, just one path
// segment at a time.
package dosfs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/sd2iec/sd2iec/internal/diskimage"
	"github.com/sd2iec/sd2iec/internal/fsops"
)

// FAT implements diskimage.FileOps over a plain OS directory tree
// (spec.md §3's "FAT partition" image type). Every file in the current
// directory is exposed as one flat CBM directory entry; CD changes
// CurrentDir, which Partition already carries (spec.md §3).
type FAT struct {
	Root       string // absolute host path this partition is mounted at
	CurrentDir string // "/"-rooted path under Root, per diskimage.Partition.CurrentDir

	VolumeLabel string
	VolumeID    string
}

func (f *FAT) Type() diskimage.ImageType { return diskimage.TypeFAT }

func (f *FAT) dir() (string, error) {
	return fsops.ToOSPath(f.Root, normalizeSegment(f.CurrentDir))
}

// normalizeSegment turns a CBM CD argument ("SUBDIR", "/SUBDIR",
// "_"==root) into the "/"-rooted form fsops.ToOSPath expects. Cleaning
// the rooted path folds ".." segments so they cannot climb above the
// root; control characters are not filtered and nothing is rejected
// (adapted from the teacher's pathutil.Normalize without its
// maxPath/maxName wire-protocol limits, which have no analogue in the
// 1541 command channel).
func normalizeSegment(raw string) string {
	if raw == "" || raw == "_" {
		return "/"
	}
	raw = strings.ReplaceAll(raw, "\\", "/")
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return filepath.ToSlash(filepath.Clean(raw))
}

func (f *FAT) ReadDir() ([]diskimage.DirEntry, error) {
	dir, err := f.dir()
	if err != nil {
		return nil, err
	}
	osEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	entries := make([]diskimage.DirEntry, 0, len(osEntries))
	for _, e := range osEntries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		entries = append(entries, toDirEntry(e.Name(), info))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func toDirEntry(name string, info os.FileInfo) diskimage.DirEntry {
	if info.IsDir() {
		return diskimage.DirEntry{
			Name: strings.ToUpper(name),
			Type: diskimage.FileDIR,
			Path: name,
			Date: info.ModTime(),
		}
	}
	size := info.Size()
	blocks := (size + 253) / 254
	remainder := byte(size % 254)
	return diskimage.DirEntry{
		Name:      strings.ToUpper(name),
		Type:      diskimage.FilePRG,
		Blocks:    uint16(blocks),
		Remainder: remainder,
		Path:      name,
		Date:      info.ModTime(),
	}
}

// Lookup finds name case-insensitively in the current directory.
func (f *FAT) Lookup(name string) (diskimage.DirEntry, bool, error) {
	entries, err := f.ReadDir()
	if err != nil {
		return diskimage.DirEntry{}, false, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return e, true, nil
		}
	}
	return diskimage.DirEntry{}, false, nil
}

func (f *FAT) Glob(pattern string) ([]diskimage.DirEntry, error) {
	entries, err := f.ReadDir()
	if err != nil {
		return nil, err
	}
	pattern = strings.ToUpper(pattern)
	var out []diskimage.DirEntry
	for _, e := range entries {
		if diskimage.GlobMatch(pattern, e.Name) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *FAT) OpenRead(name string) (diskimage.OpenFile, error) {
	entry, ok, err := f.Lookup(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("file not found: %s", name)
	}
	dir, err := f.dir()
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, entry.Path)
	if err := fsops.LstatNoSymlink(f.Root, path, false); err != nil {
		return nil, err
	}
	return os.Open(path)
}

// OpenWrite implements the '@' save-with-replace prefix (spec.md §4.7):
// an existing file is truncated and reopened when replace is true,
// otherwise OpenWrite returns a "file exists" error.
func (f *FAT) OpenWrite(name string, ft diskimage.FileType, replace bool) (diskimage.OpenFile, error) {
	dir, err := f.dir()
	if err != nil {
		return nil, err
	}
	if err := fsops.EnsureDir(dir); err != nil {
		return nil, err
	}
	entry, exists, err := f.Lookup(name)
	if err != nil {
		return nil, err
	}
	target := filepath.Join(dir, name)
	if exists {
		if !replace {
			return nil, errors.Errorf("file exists: %s", name)
		}
		target = filepath.Join(dir, entry.Path)
	}
	if err := fsops.LstatNoSymlink(f.Root, target, true); err != nil {
		return nil, err
	}
	return os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
}

func (f *FAT) Rename(oldName, newName string) error {
	entry, ok, err := f.Lookup(oldName)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("file not found: %s", oldName)
	}
	if _, exists, _ := f.Lookup(newName); exists {
		return errors.Errorf("file exists: %s", newName)
	}
	dir, err := f.dir()
	if err != nil {
		return err
	}
	return os.Rename(filepath.Join(dir, entry.Path), filepath.Join(dir, newName))
}

// Scratch deletes every entry matching pattern (spec.md §4.7 wildcard
// scratch), returning the count for the "NN,FILES SCRATCHED" status.
func (f *FAT) Scratch(pattern string) (int, error) {
	matches, err := f.Glob(pattern)
	if err != nil {
		return 0, err
	}
	dir, err := f.dir()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range matches {
		if e.Type == diskimage.FileDIR {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Path)); err != nil {
			continue
		}
		count++
	}
	return count, nil
}

func (f *FAT) Mkdir(name string) error {
	dir, err := f.dir()
	if err != nil {
		return err
	}
	return fsops.EnsureDir(filepath.Join(dir, name))
}

func (f *FAT) Rmdir(name string) error {
	dir, err := f.dir()
	if err != nil {
		return err
	}
	return os.Remove(filepath.Join(dir, name))
}

// FreeBlocks reports free space in 254-byte blocks, matching the unit
// every other image type reports in (spec.md §4.7's "BLOCKS FREE"
// footer), derived from the real filesystem via fsops.DiskUsage.
func (f *FAT) FreeBlocks() (uint32, error) {
	dir, err := f.dir()
	if err != nil {
		return 0, err
	}
	_, free, err := fsops.DiskUsage(dir)
	if err != nil {
		return 0, err
	}
	return uint32(free / 254), nil
}

func (f *FAT) Label() (label, id string, err error) {
	return f.VolumeLabel, f.VolumeID, nil
}

// Format is a no-op error: reformatting a host directory tree has no
// meaning, the same reasoning internal/diskimage applies to D71/D81.
func (f *FAT) Format(label, id string) error {
	return diskimage.ErrFormatUnsupported
}

var _ diskimage.FileOps = (*FAT)(nil)
