package udpnib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestSequenceTrackerInOrder(t *testing.T) {
	st, err := NewSequenceTracker(1024, 0, 10000, 10)
	require.NoError(t, err)
	assert.True(t, st.Waiting())

	for k := uint64(0); k < 5; k++ {
		obs, err := st.Observe(k * 1024)
		require.NoError(t, err)
		assert.Equal(t, InSequence, obs.Placement, "packet %d", k)
		assert.Equal(t, k, obs.Logical)
		assert.Equal(t, k*1024, obs.Fixed)
		assert.Equal(t, k == 0, obs.Started)
		assert.Equal(t, k == 0, obs.Adjusted, "only the first packet should move the offset from its initial -1")
	}
	assert.Equal(t, uint64(5), st.Next())
	assert.Equal(t, int64(0), st.GlobalOffset())
	assert.False(t, st.Waiting())
}

func TestSequenceTrackerConvergesOnOffset(t *testing.T) {
	// Every raw counter is 7 beyond its ideal value.
	st, err := NewSequenceTracker(1024, 0, 10000, 10)
	require.NoError(t, err)
	for k := uint64(0); k < 4; k++ {
		obs, err := st.Observe(k*1024 + 7)
		require.NoError(t, err)
		assert.Equal(t, InSequence, obs.Placement)
		assert.Equal(t, k, obs.Logical)
		assert.Equal(t, k*1024, obs.Fixed)
		if k == 0 {
			assert.True(t, obs.Adjusted)
			assert.Equal(t, int64(-1), obs.OldOffset)
			assert.Equal(t, int64(-7), obs.NewOffset)
		} else {
			assert.False(t, obs.Adjusted)
		}
	}
	assert.Equal(t, int64(-7), st.GlobalOffset())
}

func TestSequenceTrackerSecondDistributor(t *testing.T) {
	// Distributor 1 of 2 owns raw counters 1024, 3072, 5120...
	st, err := NewSequenceTracker(2048, 1024, 10000, 10)
	require.NoError(t, err)
	for k := uint64(0); k < 3; k++ {
		obs, err := st.Observe(k*2048 + 1024)
		require.NoError(t, err)
		assert.Equal(t, InSequence, obs.Placement)
		assert.Equal(t, k, obs.Logical)
		assert.Equal(t, k*2048+1024, obs.Fixed)
	}
	assert.Equal(t, uint64(5*2048+1024), st.FillerHeader(5))
}

func TestSequenceTrackerGapAndLate(t *testing.T) {
	st, err := NewSequenceTracker(1024, 0, 10000, 10)
	require.NoError(t, err)
	for _, k := range []uint64{0, 1, 2} {
		_, err := st.Observe(k * 1024)
		require.NoError(t, err)
	}
	obs, err := st.Observe(6 * 1024)
	require.NoError(t, err)
	assert.Equal(t, AfterGap, obs.Placement)
	assert.Equal(t, uint64(3), obs.Missing)
	assert.Equal(t, uint64(7), st.Next())

	obs, err = st.Observe(4 * 1024)
	require.NoError(t, err)
	assert.Equal(t, Late, obs.Placement)
	assert.Equal(t, uint64(7), st.Next(), "a late packet must not move the expected sequence")
}

func TestSequenceTrackerStartGate(t *testing.T) {
	st, err := NewSequenceTracker(1024, 0, 10000, 10)
	require.NoError(t, err)

	obs, err := st.Observe(20000 * 1024)
	require.NoError(t, err)
	assert.Equal(t, BeforeStart, obs.Placement)
	assert.True(t, st.Waiting())
	assert.Equal(t, uint64(0), st.Next())

	obs, err = st.Observe(3 * 1024)
	require.NoError(t, err)
	assert.True(t, obs.Started)
	assert.Equal(t, AfterGap, obs.Placement)
	assert.Equal(t, uint64(3), obs.Missing)
	assert.Equal(t, uint64(4), st.Next())

	// With the gate disabled, the first packet is measured against zero immediately.
	st, err = NewSequenceTracker(1024, 0, 0, 10)
	require.NoError(t, err)
	obs, err = st.Observe(20000 * 1024)
	require.NoError(t, err)
	assert.Equal(t, AfterGap, obs.Placement)
	assert.Equal(t, uint64(20000), obs.Missing)
}

func TestSequenceTrackerHalfStrideRejected(t *testing.T) {
	const maxRejects = 3
	st, err := NewSequenceTracker(1024, 0, 10000, maxRejects)
	require.NoError(t, err)
	_, err = st.Observe(0)
	require.NoError(t, err)

	for i := 0; i < maxRejects; i++ {
		obs, err := st.Observe(5*1024 + 512)
		require.NoError(t, err)
		assert.Equal(t, Rejected, obs.Placement)
	}
	// An accepted packet clears the consecutive count.
	obs, err := st.Observe(1024)
	require.NoError(t, err)
	assert.Equal(t, InSequence, obs.Placement)

	for i := 0; i < maxRejects; i++ {
		_, err := st.Observe(9*1024 + 512)
		require.NoError(t, err)
	}
	_, err = st.Observe(9*1024 + 512)
	assert.True(t, errors.Is(err, ErrDriftUnrecoverable), "got %v", err)
}

// The offset starts at -1, so a stream offset by half a stride plus one lands
// exactly on the ambiguous remainder and never converges.
func TestSequenceTrackerOffsetHalfStridePlusOne(t *testing.T) {
	const maxRejects = 2
	st, err := NewSequenceTracker(16, 0, 0, maxRejects)
	require.NoError(t, err)
	for k := uint64(0); k < maxRejects; k++ {
		obs, err := st.Observe(16*k + 9)
		require.NoError(t, err)
		assert.Equal(t, Rejected, obs.Placement)
		assert.Equal(t, int64(-1), st.GlobalOffset())
	}
	_, err = st.Observe(16*maxRejects + 9)
	assert.ErrorIs(t, err, ErrDriftUnrecoverable)

	// A stream offset by exactly half a stride converges on the first packet.
	st, err = NewSequenceTracker(16, 0, 0, maxRejects)
	require.NoError(t, err)
	obs, err := st.Observe(8)
	require.NoError(t, err)
	assert.Equal(t, InSequence, obs.Placement)
	assert.Equal(t, int64(-8), st.GlobalOffset())
}

func TestSequenceTrackerBadArguments(t *testing.T) {
	_, err := NewSequenceTracker(0, 0, 0, 1)
	assert.ErrorIs(t, err, ErrBadConfig)
	_, err = NewSequenceTracker(1024, 1024, 0, 1)
	assert.ErrorIs(t, err, ErrBadConfig)
}

// Whatever the loss and reordering, every written slot is accounted for exactly once
// and every header leaving the tracker lies on this distributor's phase.
func TestSequenceTrackerAccounting(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.Uint64Range(1, 16).Draw(t, "ndistrib")
		i := rapid.Uint64Range(0, n-1).Draw(t, "idistrib")
		stride := 1024 * n
		phase := 1024 * i
		offset := rapid.Int64Range(-int64(stride/2)+2, int64(stride/2)-1).Draw(t, "offset")
		logicals := rapid.SliceOfN(rapid.Uint64Range(0, 500), 1, 200).Draw(t, "logicals")

		st, err := NewSequenceTracker(stride, phase, 0, 10)
		if err != nil {
			t.Fatal(err)
		}
		var written uint64
		for _, lg := range logicals {
			raw := uint64(int64(lg*stride+phase) + offset)
			obs, err := st.Observe(raw)
			if err != nil {
				t.Fatal(err)
			}
			switch obs.Placement {
			case InSequence:
				written++
			case AfterGap:
				written += obs.Missing + 1
			case Late:
			default:
				t.Fatalf("unexpected placement %v", obs.Placement)
			}
			if obs.Placement != Late && obs.Fixed%stride != phase {
				t.Fatalf("fixed header %d is off phase %d (stride %d)", obs.Fixed, phase, stride)
			}
			if obs.Placement != Late && obs.Logical != lg {
				t.Fatalf("logical %d, want %d", obs.Logical, lg)
			}
		}
		if written != st.Next() {
			t.Fatalf("wrote %d slots, tracker expects next %d", written, st.Next())
		}
	})
}
