// Package blockdev defines the raw sector-addressed storage interface
// sd2iec's embedded build talks to (an SD card over SPI); this module's
// image layer uses it as the read/write boundary for D64/D71/D81 images
// so the same diskimage code works against a real device or a plain
// file, per spec.md §6.5's "hardware glue stays behind a narrow
// interface" collaborator boundary.
package blockdev

// Device is a sector-addressed block store. LBA is a 0-based linear
// block address; SectorSize (256 bytes for Commodore media) is fixed by
// the caller's own knowledge of the image format, not negotiated here.
type Device interface {
	ReadSector(lba uint32, buf []byte) error
	WriteSector(lba uint32, buf []byte) error
	// Status reports the last media-level error (card removed, write
	// fault), mirroring the real firmware's polled status register.
	Status() error
	// Initialize probes and resets the device, called once before first use.
	Initialize() error
}
