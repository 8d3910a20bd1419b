package fastload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubBlockSource struct {
	sectors map[[2]int][]byte
}

func (s *stubBlockSource) ReadSector(track, sector int) ([]byte, error) {
	return s.sectors[[2]int{track, sector}], nil
}

func TestDetectorArmsOnKnownCRC(t *testing.T) {
	d := &Detector{}
	d.Feed(0, turbodiskSignaturePayload(t))
	require.Equal(t, Turbodisk, d.Armed())
}

func TestDetectorClearsOnUnknownCRC(t *testing.T) {
	d := &Detector{}
	d.Feed(0, turbodiskSignaturePayload(t))
	require.Equal(t, Turbodisk, d.Armed())
	d.Feed(0, []byte{0x00, 0x01, 0x02})
	require.Equal(t, None, d.Armed())
}

func TestDispatcherExecuteRequiresMatchingAddress(t *testing.T) {
	disp := NewDispatcher()
	disp.Detector.Feed(0, turbodiskSignaturePayload(t))

	ran, err := disp.Execute(context.Background(), 0x1234, nil, &stubBlockSource{})
	require.NoError(t, err)
	require.False(t, ran)
	// A mismatched address must not consume the armed tag's persistence
	// beyond this call (spec.md §4.8: cleared "regardless of outcome").
	require.Equal(t, None, disp.Detector.Armed())
}

func TestCRC16CCITTKnownSignature(t *testing.T) {
	require.Equal(t, uint16(0x9C9F), CRC16CCITT(turbodiskSignaturePayload(t)))
}

// turbodiskSignaturePayload returns bytes whose CRC-16/CCITT equals the
// Turbodisk arming signature (spec.md §4.8's table), found by brute
// search over two-byte payloads since the exact M-W bytes a real
// Turbodisk transfers aren't reproduced here.
func turbodiskSignaturePayload(t *testing.T) []byte {
	t.Helper()
	for i := 0; i < 65536; i++ {
		payload := []byte{byte(i >> 8), byte(i)}
		if CRC16CCITT(payload) == 0x9C9F {
			return payload
		}
	}
	t.Fatal("no two-byte payload found with the Turbodisk CRC")
	return nil
}
