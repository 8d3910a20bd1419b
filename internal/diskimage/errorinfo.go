package diskimage

import "github.com/pkg/errors"

// ErrorInfoMode records whether a disk image carries a trailing
// 1-byte-per-sector error info block (spec.md §4.6.1: some D64/D71 dumps
// append one status byte per sector after the raw sector data, used by
// copy programs to record read errors encountered while imaging).
type ErrorInfoMode int

const (
	NoErrorInfo ErrorInfoMode = iota
	HasErrorInfo
)

// detectErrorInfo classifies an image file by comparing its size against
// the format's raw sector payload size: exactly sectorCount*SectorSize
// means no error info, sectorCount*(SectorSize+1) means one status byte
// per sector is appended, anything else is an unrecognized/truncated
// image.
func detectErrorInfo(fileSize int64, sectorCount int) (ErrorInfoMode, error) {
	raw := int64(sectorCount) * SectorSize
	withInfo := int64(sectorCount) * (SectorSize + 1)
	switch fileSize {
	case raw:
		return NoErrorInfo, nil
	case withInfo:
		return HasErrorInfo, nil
	default:
		return NoErrorInfo, errors.Errorf("image size %d does not match expected %d (or %d with error info)", fileSize, raw, withInfo)
	}
}
