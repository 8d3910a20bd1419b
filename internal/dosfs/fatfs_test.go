package dosfs

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sd2iec/sd2iec/internal/diskimage"
)

// TEST,P,W -> 48 45 4C 4C 4F 0D (spec.md §8 scenario 2): a file written
// through OpenWrite must read back byte-identical through OpenRead.
func TestFATRoundTrip(t *testing.T) {
	root := t.TempDir()
	f := &FAT{Root: root, VolumeLabel: "SD2IEC", VolumeID: "00"}

	w, err := f.OpenWrite("TEST", diskimage.FilePRG, false)
	require.NoError(t, err)
	payload := []byte{0x48, 0x45, 0x4C, 0x4C, 0x4F, 0x0D}
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := f.OpenRead("test")
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFATOpenWriteExistsWithoutReplace(t *testing.T) {
	root := t.TempDir()
	f := &FAT{Root: root}

	w, err := f.OpenWrite("DATA", diskimage.FilePRG, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = f.OpenWrite("DATA", diskimage.FilePRG, false)
	require.Error(t, err)

	w2, err := f.OpenWrite("DATA", diskimage.FilePRG, true)
	require.NoError(t, err)
	require.NoError(t, w2.Close())
}

func TestFATScratchWildcard(t *testing.T) {
	root := t.TempDir()
	f := &FAT{Root: root}

	for _, name := range []string{"GAME1", "GAME2", "OTHER"} {
		w, err := f.OpenWrite(name, diskimage.FilePRG, false)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	n, err := f.Scratch("GAME*")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	entries, err := f.ReadDir()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "OTHER", entries[0].Name)
}

func TestFATFreeBlocksNonZero(t *testing.T) {
	root := t.TempDir()
	f := &FAT{Root: root}
	free, err := f.FreeBlocks()
	require.NoError(t, err)
	require.Greater(t, free, uint32(0))
}
