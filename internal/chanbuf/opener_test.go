package chanbuf

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/sd2iec/sd2iec/internal/diskimage"
	"github.com/sd2iec/sd2iec/internal/dosfs"
)

type singlePartition struct {
	p *diskimage.Partition
}

func (s *singlePartition) Current() *diskimage.Partition { return s.p }
func (s *singlePartition) Switch(n int) error {
	if n != 0 {
		return errors.Errorf("no such partition %d", n)
	}
	return nil
}

func newTestOpener(t *testing.T) (*Opener, *singlePartition) {
	t.Helper()
	fat := &dosfs.FAT{Root: t.TempDir(), VolumeLabel: "SD2IEC", VolumeID: "00"}
	parts := &singlePartition{p: &diskimage.Partition{Number: 0, Ops: fat, Type: diskimage.TypeFAT}}
	return &Opener{Partitions: parts}, parts
}

func TestOpenerWriteThenReadRoundTrip(t *testing.T) {
	o, _ := newTestOpener(t)

	wbuf := &Buffer{Secondary: 1}
	require.NoError(t, o.Open(wbuf, 1, []byte("TEST,P,W")))
	require.True(t, wbuf.WriteOpen)

	payload := []byte{0x48, 0x45, 0x4C, 0x4C, 0x4F, 0x0D}
	for _, b := range payload {
		wrapped, err := wbuf.PutByte(b)
		require.NoError(t, err)
		require.False(t, wrapped)
	}
	require.NoError(t, wbuf.Backend.Cleanup(wbuf))

	rbuf := &Buffer{Secondary: 0}
	require.NoError(t, o.Open(rbuf, 0, []byte("TEST")))
	require.True(t, rbuf.ReadOpen)
	require.Equal(t, len(payload)-1, rbuf.LastUsed)
	require.Equal(t, payload, rbuf.Data[:rbuf.LastUsed+1])
	require.True(t, rbuf.SendEOI)
}

func TestOpenerRejectsWildcardOnWrite(t *testing.T) {
	o, _ := newTestOpener(t)
	buf := &Buffer{Secondary: 1}
	err := o.Open(buf, 1, []byte("GAME*,P,W"))
	require.Error(t, err)
}

func TestOpenerRawBuffer(t *testing.T) {
	o, _ := newTestOpener(t)
	buf := &Buffer{Secondary: 2}
	require.NoError(t, o.Open(buf, 2, []byte("#")))
	require.True(t, buf.ReadOpen)
	require.True(t, buf.WriteOpen)
	require.Nil(t, buf.Backend)
}

func TestOpenerDirectoryListing(t *testing.T) {
	o, parts := newTestOpener(t)
	fat := parts.p.Ops.(*dosfs.FAT)
	w, err := fat.OpenWrite("GAME", diskimage.FilePRG, false)
	require.NoError(t, err)
	_, err = w.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	buf := &Buffer{Secondary: 0}
	require.NoError(t, o.Open(buf, 0, []byte("$")))
	require.True(t, buf.ReadOpen)
	require.Equal(t, byte(0x01), buf.Data[0])
}
