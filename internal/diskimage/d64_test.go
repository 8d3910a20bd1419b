package diskimage

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newBlankD64(t *testing.T) *D64 {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.d64")
	require.NoError(t, os.WriteFile(path, make([]byte, d64Geometry.TotalSectors()*SectorSize), 0o644))
	d, err := OpenD64(path)
	require.NoError(t, err)
	require.NoError(t, d.Format("SD2IEC", "00"))
	return d
}

// TEST,P,W -> 48 45 4C 4C 4F 0D (spec.md §8 scenario 2), on a D64 image
// this time instead of FAT, exercising the sector-chain allocate/free
// path rather than a plain file write.
func TestD64OpenWriteCloseReopenRead(t *testing.T) {
	d := newBlankD64(t)
	defer d.Close()

	w, err := d.OpenWrite("TEST", FilePRG, false)
	require.NoError(t, err)
	payload := []byte{0x48, 0x45, 0x4C, 0x4C, 0x4F, 0x0D}
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := d.OpenRead("TEST")
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestD64ScratchFreesSectors(t *testing.T) {
	d := newBlankD64(t)
	defer d.Close()

	before, err := d.FreeBlocks()
	require.NoError(t, err)

	w, err := d.OpenWrite("BIGFILE", FilePRG, false)
	require.NoError(t, err)
	_, err = w.Write(make([]byte, SectorSize*10))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	mid, err := d.FreeBlocks()
	require.NoError(t, err)
	require.Less(t, mid, before)

	n, err := d.Scratch("BIGFILE")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	after, err := d.FreeBlocks()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestD64LabelRoundTrip(t *testing.T) {
	d := newBlankD64(t)
	defer d.Close()
	label, id, err := d.Label()
	require.NoError(t, err)
	require.Equal(t, "SD2IEC", label)
	require.Equal(t, "00", id)
}
