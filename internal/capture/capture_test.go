package capture

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aacpd/internal/aacp"
)

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.cbor")

	w, err := NewWriter(path, "F0:18:98:10:20:30")
	require.NoError(t, err)

	w.ObserveFrame(aacp.FrameOut, aacp.OpcodeHandshake, []byte{0x00, 0x00, 0x04, 0x00})
	w.ObserveFrame(aacp.FrameIn, aacp.OpcodeBatteryState, nil)
	require.NoError(t, w.Close())

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 3)

	header := records[0]
	require.NotNil(t, header.Session)
	assert.Equal(t, "F0:18:98:10:20:30", header.Session.MAC)
	assert.NotEmpty(t, header.Session.ID)
	assert.False(t, header.Session.Started.IsZero())

	first := records[1]
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint8(aacp.FrameOut), first.Direction)
	assert.Equal(t, uint16(aacp.OpcodeHandshake), first.Opcode)
	assert.Equal(t, []byte{0x00, 0x00, 0x04, 0x00}, first.Payload)

	second := records[2]
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, uint8(aacp.FrameIn), second.Direction)
	assert.Empty(t, second.Payload)
	assert.Nil(t, second.Session)
}

func TestWriterAppendsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.cbor")

	w, err := NewWriter(path, "F0:18:98:10:20:30")
	require.NoError(t, err)
	w.ObserveFrame(aacp.FrameOut, aacp.OpcodeHandshake, nil)
	require.NoError(t, w.Close())

	w, err = NewWriter(path, "F0:18:98:10:20:30")
	require.NoError(t, err)
	w.ObserveFrame(aacp.FrameOut, aacp.OpcodeSetFeatureFlags, nil)
	require.NoError(t, w.Close())

	records, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, records, 4, "two headers and two frames")
	assert.NotNil(t, records[0].Session)
	assert.NotNil(t, records[2].Session)
	assert.NotEqual(t, records[0].Session.ID, records[2].Session.ID)
}

func TestWriterConcurrentObservers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.cbor")

	w, err := NewWriter(path, "F0:18:98:10:20:30")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				w.ObserveFrame(aacp.FrameIn, aacp.OpcodeControlCommand, []byte{0x0D, 0x01})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	w.ObserveFrame(aacp.FrameIn, aacp.OpcodeControlCommand, nil)
	require.NoError(t, w.Close(), "close is idempotent")

	records, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, records, 201, "header plus every observed frame, none after close")

	seen := make(map[uint64]bool)
	for _, rec := range records[1:] {
		assert.False(t, seen[rec.Seq], "sequence %d duplicated", rec.Seq)
		seen[rec.Seq] = true
	}
}
