package udpnib

import "fmt"

// Placement says where a packet falls relative to the next expected logical sequence.
type Placement int

// Possible placements of one observed packet.
const (
	InSequence  Placement = iota // logical == next expected
	AfterGap                     // logical > next expected; Missing slots precede it
	Late                         // logical < next expected; discard it
	BeforeStart                  // acquisition start has not been seen yet; ignore it
	Rejected                     // phase could not be corrected; count a problem packet
)

func (p Placement) String() string {
	switch p {
	case InSequence:
		return "in sequence"
	case AfterGap:
		return "after gap"
	case Late:
		return "late"
	case BeforeStart:
		return "before start"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("Placement(%d)", int(p))
}

// Observation is the outcome of SequenceTracker.Observe for one packet.
type Observation struct {
	Raw       uint64
	Fixed     uint64 // Raw with the global offset applied; rewritten into the packet header
	Logical   uint64
	Placement Placement
	Missing   uint64 // number of logical slots skipped, for AfterGap only
	Adjusted  bool   // the global offset changed while handling this packet
	OldOffset int64
	NewOffset int64
	Started   bool // this packet opened the start gate
}

// SequenceTracker recovers dense logical sequence numbers from the raw
// 64-bit counters carried in each packet header. A distributor with index i
// of n owns the raw counters congruent to i*SamplesPerPacket modulo
// n*SamplesPerPacket. Small phase errors are absorbed into a global offset.
// The offset starts at -1, so a stream whose true offset is stride/2+1 sits
// exactly half a stride out of phase and is rejected until that is fatal.
type SequenceTracker struct {
	stride         int64
	phase          int64
	globalOffset   int64
	nextSeq        uint64
	waiting        bool
	startThreshold uint64
	rejects        int // consecutive rejected packets
	maxRejects     int
}

// NewSequenceTracker returns a tracker for stride and phase (seq_inc and seq_offset).
// Packets are ignored until one arrives with a logical number below startThreshold;
// startThreshold of zero disables the gate. More than maxRejects consecutive
// uncorrectable packets is fatal.
func NewSequenceTracker(stride, phase uint64, startThreshold uint64, maxRejects int) (*SequenceTracker, error) {
	if stride == 0 {
		return nil, configErrorf("sequence stride must be positive")
	}
	if phase >= stride {
		return nil, configErrorf("sequence phase %d must be less than stride %d", phase, stride)
	}
	return &SequenceTracker{
		stride:         int64(stride),
		phase:          int64(phase),
		globalOffset:   -1,
		waiting:        startThreshold > 0,
		startThreshold: startThreshold,
		maxRejects:     maxRejects,
	}, nil
}

// GlobalOffset returns the current correction added to every raw counter.
func (st *SequenceTracker) GlobalOffset() int64 {
	return st.globalOffset
}

// Next returns the next expected logical sequence number.
func (st *SequenceTracker) Next() uint64 {
	return st.nextSeq
}

// Waiting reports whether the start gate is still closed.
func (st *SequenceTracker) Waiting() bool {
	return st.waiting
}

// Stride returns the raw counter distance between consecutive logical packets.
func (st *SequenceTracker) Stride() uint64 {
	return uint64(st.stride)
}

// FillerHeader returns the raw counter to stamp into a synthesized packet for logical.
func (st *SequenceTracker) FillerHeader(logical uint64) uint64 {
	return logical*uint64(st.stride) + uint64(st.phase)
}

// mod returns the Euclidean remainder, always in [0, stride).
func (st *SequenceTracker) mod(x int64) int64 {
	r := x % st.stride
	if r < 0 {
		r += st.stride
	}
	return r
}

// Observe corrects raw, classifies it against the next expected sequence number,
// and advances the expected number for packets that will be written.
// The returned error is non-nil only when too many consecutive packets were rejected.
func (st *SequenceTracker) Observe(raw uint64) (Observation, error) {
	obs := Observation{Raw: raw, OldOffset: st.globalOffset, NewOffset: st.globalOffset}

	adj := int64(raw) + st.globalOffset - st.phase
	if rem := st.mod(adj); rem != 0 {
		switch {
		case 2*rem < st.stride:
			st.globalOffset -= rem
		case 2*rem > st.stride:
			st.globalOffset += st.stride - rem
		default:
			// Exactly half a stride off: no direction is better than the other.
			obs.Placement = Rejected
			st.rejects++
			if st.rejects > st.maxRejects {
				return obs, fmt.Errorf("%w: %d consecutive packets were a half stride out of phase (raw counter %d)",
					ErrDriftUnrecoverable, st.rejects, raw)
			}
			return obs, nil
		}
		obs.Adjusted = true
		obs.NewOffset = st.globalOffset
		adj = int64(raw) + st.globalOffset - st.phase
	}
	st.rejects = 0
	obs.Fixed = uint64(int64(raw) + st.globalOffset)

	if adj < 0 {
		if st.waiting {
			obs.Placement = BeforeStart
		} else {
			obs.Placement = Late
		}
		return obs, nil
	}
	logical := uint64(adj / st.stride)
	obs.Logical = logical

	if st.waiting {
		if logical >= st.startThreshold {
			obs.Placement = BeforeStart
			return obs, nil
		}
		st.waiting = false
		st.nextSeq = 0
		obs.Started = true
	}

	switch {
	case logical == st.nextSeq:
		obs.Placement = InSequence
		st.nextSeq++
	case logical > st.nextSeq:
		obs.Placement = AfterGap
		obs.Missing = logical - st.nextSeq
		st.nextSeq = logical + 1
	default:
		obs.Placement = Late
	}
	return obs, nil
}
