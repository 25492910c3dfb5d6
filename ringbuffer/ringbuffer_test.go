package ringbuffer

import (
	"testing"

	"github.com/fabiokung/shm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRing creates a fresh writeable ring, or skips when shared memory is unavailable.
func newTestRing(t *testing.T, rawName, descName string, size int) *RingBuffer {
	t.Helper()
	// In case these memory regions exist from earlier tests, remove them.
	shm.Unlink(rawName)
	shm.Unlink(descName)
	writebuf, err := NewRingBuffer(rawName, descName)
	require.NoError(t, err)
	if err := writebuf.Create(size); err != nil {
		t.Skipf("shared memory unavailable: %v", err)
	}
	t.Cleanup(func() {
		writebuf.Close()
		writebuf.Unlink()
	})
	return writebuf
}

func TestBufferOpenClose(t *testing.T) {
	goodname1 := "udpnib_will_exist_buffer"
	goodname2 := "udpnib_will_exist_description"
	badname1 := "udpnib_does_not_exist"
	badname2 := "udpnib_does_not_exist_either"
	shm.Unlink(badname1)
	shm.Unlink(badname2)

	newTestRing(t, goodname1, goodname2, 8192)

	_, err := NewRingBuffer(goodname1, goodname1)
	assert.Error(t, err, "identical region names should be refused")

	r, err := NewRingBuffer(badname1, badname2)
	require.NoError(t, err)
	assert.Error(t, r.Open(), "opening missing regions should fail")
	r, err = NewRingBuffer(badname1, goodname2)
	require.NoError(t, err)
	assert.Error(t, r.Open(), "opening a missing data region should fail")

	// This buffer should be Openable and Closeable repeatedly.
	r, err = NewRingBuffer(goodname1, goodname2)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Open())
		assert.Equal(t, 8192, r.Size())
		require.NoError(t, r.Close())
		assert.Equal(t, 0, r.Size())
	}
}

func TestBufferWriteRead(t *testing.T) {
	const buffersize = 8192
	writebuf := newTestRing(t, "udpnib_test_ring_buffer", "udpnib_test_ring_description", buffersize)

	nbeef := 1500
	deadbeef := make([]byte, 0)
	bead5678 := make([]byte, 0)
	for i := 0; i < nbeef; i++ {
		deadbeef = append(deadbeef, []byte{0xde, 0xad, 0xbe, 0xef}...)
		bead5678 = append(bead5678, []byte{0xbe, 0xad, 0x56, 0x78}...)
	}
	n, err := writebuf.Write(deadbeef)
	require.NoError(t, err)
	assert.Equal(t, len(deadbeef), n)

	b, err := NewRingBuffer("udpnib_test_ring_buffer", "udpnib_test_ring_description")
	require.NoError(t, err)
	require.NoError(t, b.Open())
	defer b.Close()

	data, err := b.Read(0)
	require.NoError(t, err)
	assert.Empty(t, data)

	expect := 4 * nbeef
	assert.Equal(t, expect, b.BytesReadable())
	assert.Equal(t, buffersize-expect, writebuf.BytesWriteable())

	// Too large a write is refused whole and counted as lost.
	_, err = writebuf.Write(bead5678)
	assert.ErrorIs(t, err, ErrInsufficientSpace)
	assert.Equal(t, uint64(len(bead5678)), b.BytesLost())

	data, err = b.Read(expect)
	require.NoError(t, err)
	assert.Len(t, data, expect)
	assert.Equal(t, deadbeef, data)
	assert.Zero(t, b.BytesReadable())

	data, err = b.Read(expect)
	require.NoError(t, err)
	assert.Empty(t, data)

	// Put bytes in the buffer, clear it, and verify that there are none.
	_, err = writebuf.Write(deadbeef)
	require.NoError(t, err)
	assert.Equal(t, expect, b.DiscardAll())
	assert.Zero(t, b.BytesReadable())

	// Different bytes, now wrapping around the end of the data region.
	_, err = writebuf.Write(bead5678)
	require.NoError(t, err)
	assert.Equal(t, bead5678[:8], b.Peek(8))
	data, err = b.Read(expect)
	require.NoError(t, err)
	assert.Equal(t, bead5678, data)

	// ReadMultipleOf leaves the remainder behind.
	consec := make([]byte, 1000)
	for i := range consec {
		consec[i] = byte(i)
	}
	_, err = writebuf.Write(consec)
	require.NoError(t, err)
	data, err = b.ReadMultipleOf(300)
	require.NoError(t, err)
	assert.Equal(t, consec[:900], data)
	assert.Equal(t, 100, b.BytesReadable())
	_, err = b.ReadMultipleOf(0)
	assert.Error(t, err)
}
