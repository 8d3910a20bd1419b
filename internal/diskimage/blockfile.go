package diskimage

import (
	"os"

	"github.com/pkg/errors"

	"github.com/sd2iec/sd2iec/internal/blockdev"
)

// FileBlockDevice adapts an os.File-backed disk image to blockdev.Device,
// letting D64/D71/D81 images stand in for a real SD card in the
// simulator and in tests (spec.md §6.5).
type FileBlockDevice struct {
	f       *os.File
	sectSz  int64
	lastErr error
}

func NewFileBlockDevice(f *os.File, sectorSize int) *FileBlockDevice {
	return &FileBlockDevice{f: f, sectSz: int64(sectorSize)}
}

var _ blockdev.Device = (*FileBlockDevice)(nil)

func (d *FileBlockDevice) Initialize() error {
	if d.f == nil {
		d.lastErr = errors.New("blockdev: no backing file")
		return d.lastErr
	}
	d.lastErr = nil
	return nil
}

func (d *FileBlockDevice) Status() error { return d.lastErr }

func (d *FileBlockDevice) ReadSector(lba uint32, buf []byte) error {
	if int64(len(buf)) < d.sectSz {
		return errors.Errorf("blockdev: buffer too small for sector size %d", d.sectSz)
	}
	_, err := d.f.ReadAt(buf[:d.sectSz], int64(lba)*d.sectSz)
	if err != nil {
		d.lastErr = err
	}
	return err
}

func (d *FileBlockDevice) WriteSector(lba uint32, buf []byte) error {
	if int64(len(buf)) < d.sectSz {
		return errors.Errorf("blockdev: buffer too small for sector size %d", d.sectSz)
	}
	_, err := d.f.WriteAt(buf[:d.sectSz], int64(lba)*d.sectSz)
	if err != nil {
		d.lastErr = err
	}
	return err
}
