package udpnib

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSendBufferCursors(t *testing.T) {
	sb, err := NewSendBuffer(3, 64)
	require.NoError(t, err)
	assert.Equal(t, 3, sb.Index())
	assert.Equal(t, 64, sb.Capacity())

	pkt := make([]byte, 16)
	for i := 0; i < 4; i++ {
		pkt[0] = byte(i)
		require.NoError(t, sb.Append(pkt))
	}
	assert.Error(t, sb.Append(pkt), "append beyond capacity should fail")
	assert.Nil(t, sb.Slot(16))
	assert.Equal(t, 64, sb.Buffered())
	assert.Equal(t, 0, sb.Free())

	chunk := sb.Pending(32)
	require.Len(t, chunk, 32)
	assert.Equal(t, byte(1), chunk[16])
	require.NoError(t, sb.Consume(32))
	w, r := sb.Cursors()
	assert.Equal(t, 64, w)
	assert.Equal(t, 32, r)

	assert.Error(t, sb.Consume(40), "consume past the write cursor should fail")

	// The final chunk of a full buffer resets both cursors.
	assert.Len(t, sb.Pending(100), 32)
	require.NoError(t, sb.Consume(32))
	w, r = sb.Cursors()
	assert.Equal(t, 0, w)
	assert.Equal(t, 0, r)
	assert.True(t, sb.Drained())
}

func TestSendBufferPartialDrainKeepsCursors(t *testing.T) {
	sb, err := NewSendBuffer(0, 64)
	require.NoError(t, err)
	require.NoError(t, sb.Append(make([]byte, 24)))
	require.NoError(t, sb.Consume(24))
	w, r := sb.Cursors()
	assert.Equal(t, 24, w, "cursors only reset when the whole capacity was written")
	assert.Equal(t, 24, r)
	require.NoError(t, sb.reclaim())
	w, r = sb.Cursors()
	assert.Zero(t, w)
	assert.Zero(t, r)
}

func TestNewSendBufferBadCapacity(t *testing.T) {
	_, err := NewSendBuffer(0, 0)
	assert.ErrorIs(t, err, ErrBadConfig)
	_, err = NewBufferRing(0, 100)
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestBufferRingOverrun(t *testing.T) {
	ring, err := NewBufferRing(2, 32)
	require.NoError(t, err)
	assert.Equal(t, 64, ring.Capacity())
	assert.Equal(t, 64, ring.Free())

	require.NoError(t, ring.Active().Append(make([]byte, 32)))
	require.NoError(t, ring.Advance())
	assert.Equal(t, 1, ring.ActiveIndex())
	require.NoError(t, ring.Active().Append(make([]byte, 32)))

	// Buffer 0 has not been sent: moving back onto it must fail and leave the ring alone.
	err = ring.Advance()
	var oe *OverrunError
	require.True(t, errors.As(err, &oe), "got %v", err)
	assert.Equal(t, 0, oe.Index)
	assert.Equal(t, 32, oe.Write)
	assert.Equal(t, 0, oe.Read)
	assert.ErrorIs(t, err, ErrOverrun)
	assert.Equal(t, 1, ring.ActiveIndex())

	require.NoError(t, ring.Buffer(0).Consume(32))
	require.NoError(t, ring.Advance())
	assert.Equal(t, 0, ring.ActiveIndex())
	assert.Equal(t, 32, ring.Buffered())

	ring.Reset()
	assert.Equal(t, 0, ring.ActiveIndex())
	assert.True(t, ring.Drained())
}

func TestBufferRingSingleBuffer(t *testing.T) {
	ring, err := NewBufferRing(1, 16)
	require.NoError(t, err)
	require.NoError(t, ring.Active().Append(make([]byte, 16)))
	assert.ErrorIs(t, ring.Advance(), ErrOverrun)
	require.NoError(t, ring.Active().Consume(16))
	assert.NoError(t, ring.Advance())
}

// One goroutine fills a ring while another drains it in chunks, the way the
// receive and transmit engines share buffers.
func TestSendBufferConcurrentDrain(t *testing.T) {
	const pktSize = 16
	const perBuffer = 8
	const chunk = 2 * pktSize
	const npackets = 4000

	ring, err := NewBufferRing(1, perBuffer*pktSize)
	require.NoError(t, err)
	sb := ring.Buffer(0)

	var wg sync.WaitGroup
	var got []uint64
	wg.Add(1)
	go func() {
		defer wg.Done()
		for len(got) < npackets {
			if sb.Buffered() < chunk {
				continue
			}
			p := sb.Pending(chunk)
			for i := 0; i < len(p); i += pktSize {
				got = append(got, binary.BigEndian.Uint64(p[i:]))
			}
			if err := sb.Consume(chunk); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	pkt := make([]byte, pktSize)
	for i := 0; i < npackets; i++ {
		if i > 0 && i%perBuffer == 0 {
			for ring.Advance() != nil {
			}
		}
		binary.BigEndian.PutUint64(pkt, uint64(i))
		require.NoError(t, ring.Active().Append(pkt))
	}
	wg.Wait()
	require.Len(t, got, npackets)
	for i, v := range got {
		if v != uint64(i) {
			t.Fatalf("packet %d carried %d", i, v)
		}
	}
}

// The ring never hands the receiver a buffer that still holds unsent data.
func TestBufferRingStateMachine(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nbuf := rapid.IntRange(1, 4).Draw(t, "nbuf")
		const pkt = 4
		perBuffer := rapid.IntRange(1, 5).Draw(t, "perBuffer")
		ring, err := NewBufferRing(nbuf, pkt*perBuffer)
		if err != nil {
			t.Fatal(err)
		}
		written := make([]int, nbuf)
		sent := make([]int, nbuf)
		active := 0

		t.Repeat(map[string]func(*rapid.T){
			"append": func(t *rapid.T) {
				err := ring.Active().Append(make([]byte, pkt))
				if written[active]+pkt > pkt*perBuffer {
					if err == nil {
						t.Fatal("append beyond capacity succeeded")
					}
					return
				}
				if err != nil {
					t.Fatal(err)
				}
				written[active] += pkt
			},
			"consume": func(t *rapid.T) {
				i := rapid.IntRange(0, nbuf-1).Draw(t, "buffer")
				n := rapid.IntRange(1, 2*pkt).Draw(t, "n")
				err := ring.Buffer(i).Consume(n)
				if sent[i]+n > written[i] {
					if err == nil {
						t.Fatal("consume beyond write cursor succeeded")
					}
					return
				}
				if err != nil {
					t.Fatal(err)
				}
				sent[i] += n
				if sent[i] == written[i] && written[i] == pkt*perBuffer {
					sent[i], written[i] = 0, 0
				}
			},
			"advance": func(t *rapid.T) {
				next := (active + 1) % nbuf
				err := ring.Advance()
				if written[next] != sent[next] {
					if !errors.Is(err, ErrOverrun) {
						t.Fatalf("advance onto undrained buffer %d returned %v", next, err)
					}
					return
				}
				if err != nil {
					t.Fatal(err)
				}
				written[next], sent[next] = 0, 0
				active = next
			},
			"": func(t *rapid.T) {
				if ring.ActiveIndex() != active {
					t.Fatalf("active %d, model %d", ring.ActiveIndex(), active)
				}
				for i := range written {
					w, r := ring.Buffer(i).Cursors()
					if w != written[i] || r != sent[i] {
						t.Fatalf("buffer %d cursors (%d,%d), model (%d,%d)", i, w, r, written[i], sent[i])
					}
				}
			},
		})
	})
}
