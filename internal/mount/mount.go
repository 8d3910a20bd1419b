// Package mount resolves a config.PartitionConfig's Path into a live
// diskimage.FileOps: a directory becomes a dosfs.FAT passthrough, an
// image file is opened by extension; its size is only checked against the
// chosen format, not used to pick the type. Both cmd/sd2iecsim and cmd/sd2iecctl share
// this so mount behavior can't drift between the firmware simulator and
// the offline inspection tool.
package mount

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/sd2iec/sd2iec/internal/diskimage"
	"github.com/sd2iec/sd2iec/internal/dosfs"
)

// Open mounts path and returns its FileOps implementation; it does not
// report the partition's LastTrack/DirTrack/Interleave geometry.
func Open(path, label, id string) (diskimage.FileOps, error) {
	fi, err := os.Stat(path)
	if err == nil && fi.IsDir() {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return &dosfs.FAT{Root: abs, VolumeLabel: label, VolumeID: id}, nil
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".d64":
		return diskimage.OpenD64(path)
	case ".d71":
		return diskimage.OpenD71(path)
	case ".d81":
		return diskimage.OpenD81(path)
	case ".m2i":
		return diskimage.OpenM2I(path)
	case "":
		// No extension and Stat failed (doesn't exist yet): treat as a
		// FAT directory to create, matching the 1541's "format parameters
		// absent" convention for a fresh partition root.
		if err != nil {
			abs, aerr := filepath.Abs(path)
			if aerr != nil {
				return nil, aerr
			}
			if merr := os.MkdirAll(abs, 0o755); merr != nil {
				return nil, merr
			}
			return &dosfs.FAT{Root: abs, VolumeLabel: label, VolumeID: id}, nil
		}
		return nil, errors.Errorf("%s: not a directory and has no recognized image extension", path)
	default:
		return nil, errors.Errorf("%s: unrecognized image extension", path)
	}
}
