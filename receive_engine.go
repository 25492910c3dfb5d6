package udpnib

import (
	"errors"
	"fmt"
	"runtime"
)

// DropRecorder is told about every gap the receiver fills.
type DropRecorder interface {
	RecordDrop(firstLogical, count uint64)
}

// ReceiveEngine pulls packets from a PacketSource, recovers their logical
// sequence numbers, and lays them out densely in the BufferRing, writing
// filler packets into the slots of packets that never arrived.
type ReceiveEngine struct {
	src          PacketSource
	tracker      *SequenceTracker
	ring         *BufferRing
	counters     *StatsCounters
	state        *AcquisitionState
	drops        DropRecorder // may be nil
	packetSize   int
	perXfer      int
	budget       uint64
	filler       []byte // payload of synthesized packets; nil leaves the slot as it was
	channelID    uint64
	checkChannel bool
	verbose      bool
	hint         SchedulingHint

	scratch       []byte
	inXfer        int // packets written to the active buffer
	bytesTotal    uint64
	budgetReached bool
}

// NewReceiveEngine prepares a receiver for one acquisition. The ring must
// already be reset.
func NewReceiveEngine(cfg DistributorConfig, src PacketSource, ring *BufferRing,
	counters *StatsCounters, state *AcquisitionState) (*ReceiveEngine, error) {
	tracker, err := NewSequenceTracker(cfg.Stride(), cfg.Phase(), cfg.StartThreshold, cfg.MaxProblemPackets)
	if err != nil {
		return nil, err
	}
	filler, err := cfg.fillerPayload()
	if err != nil {
		return nil, err
	}
	if got := ring.Buffer(0).Capacity(); got != cfg.BufferCapacity() {
		return nil, configErrorf("ring buffers hold %d bytes, configuration needs %d", got, cfg.BufferCapacity())
	}
	return &ReceiveEngine{
		src:          src,
		tracker:      tracker,
		ring:         ring,
		counters:     counters,
		state:        state,
		packetSize:   cfg.PacketSize,
		perXfer:      cfg.PacketsPerXfer,
		budget:       cfg.BytesToAcquire(),
		filler:       filler,
		channelID:    cfg.FillerChannelID(),
		checkChannel: cfg.CheckChannelID,
		verbose:      cfg.Verbose,
		hint:         SchedulingHint{CPU: cfg.RecvCPU},
		scratch:      make([]byte, cfg.PacketSize),
	}, nil
}

// Tracker returns the sequence tracker of this acquisition.
func (re *ReceiveEngine) Tracker() *SequenceTracker {
	return re.tracker
}

// BudgetReached reports whether Run returned because the acquisition budget was used up.
func (re *ReceiveEngine) BudgetReached() bool {
	return re.budgetReached
}

// BytesWritten returns the bytes of real and filler packets written so far.
func (re *ReceiveEngine) BytesWritten() uint64 {
	return re.bytesTotal
}

// Run receives until a stop is requested, the process quits, the budget is
// reached, or a fatal error occurs.
func (re *ReceiveEngine) Run() error {
	re.hint.apply("receive engine")
	re.state.SetRecording(true)
	re.state.clearStart()
	if re.verbose {
		UpdateLogger.Printf("receiving: stride=%d global offset=%d budget=%d bytes",
			re.tracker.Stride(), re.tracker.GlobalOffset(), re.budget)
	}

	for !re.state.Quitting() && re.state.StopMode() == StopNone {
		slot := re.ring.Active().Slot(re.packetSize)
		if slot == nil {
			return fmt.Errorf("%w: active buffer %d has no room for a packet", ErrOverrun, re.ring.ActiveIndex())
		}
		n, err := re.src.Recv(slot)
		if err != nil {
			if errors.Is(err, ErrWouldBlock) {
				re.counters.ReceiveSleeps.Add(1)
				runtime.Gosched()
				continue
			}
			return fmt.Errorf("%w: %v", ErrReceiveFailed, err)
		}
		if n != re.packetSize {
			re.counters.WrongSize.Add(1)
			if re.verbose {
				ProblemLogger.Printf("ignored %d byte datagram, expected %d", n, re.packetSize)
			}
			continue
		}
		if err := re.handle(slot); err != nil {
			return err
		}
		if re.budget > 0 && re.bytesTotal >= re.budget {
			re.budgetReached = true
			UpdateLogger.Printf("acquired %d bytes, ending acquisition", re.bytesTotal)
			return nil
		}
	}
	return nil
}

// handle places the packet that was just received into slot.
func (re *ReceiveEngine) handle(slot []byte) error {
	obs, err := re.tracker.Observe(PacketSequence(slot))
	if obs.Adjusted {
		ProblemLogger.Printf("adjusting global offset from %d to %d", obs.OldOffset, obs.NewOffset)
	}
	if err != nil {
		re.counters.ProblemPackets.Add(1)
		return err
	}

	switch obs.Placement {
	case Rejected:
		re.counters.ProblemPackets.Add(1)
		re.counters.Resets.Add(1)
		ProblemLogger.Printf("PROB: raw=%d global offset=%d stride=%d", obs.Raw, re.tracker.GlobalOffset(), re.tracker.Stride())
		return nil
	case BeforeStart:
		return nil
	case Late:
		re.counters.LatePackets.Add(1)
		ProblemLogger.Printf("late packet: logical %d < next expected %d", obs.Logical, re.tracker.Next())
		return nil
	}

	if obs.Started {
		re.counters.Resets.Add(1)
		UpdateLogger.Printf("START: raw=%d fixed=%d logical=%d", obs.Raw, obs.Fixed, obs.Logical)
	}
	if re.checkChannel && PacketChannel(slot) != re.channelID {
		re.counters.OutOfOrderChannels.Add(1)
	}

	if obs.Placement == InSequence {
		SetPacketSequence(slot, obs.Fixed)
		return re.commitReceived()
	}

	// The packet arrived early. Move it aside, fill the slots of the missing
	// packets, then write it into its own slot.
	copy(re.scratch, slot)
	SetPacketSequence(re.scratch, obs.Fixed)
	first := obs.Logical - obs.Missing
	for i := uint64(0); i < obs.Missing; i++ {
		f := re.ring.Active().Slot(re.packetSize)
		if f == nil {
			return fmt.Errorf("%w: active buffer %d has no room for a filler packet", ErrOverrun, re.ring.ActiveIndex())
		}
		if re.filler != nil {
			copy(f[PacketHeaderSize:], re.filler)
		}
		SetPacketHeader(f, re.tracker.FillerHeader(first+i), re.channelID)
		re.counters.PacketsDropped.Add(1)
		re.counters.BytesDropped.Add(uint64(re.packetSize))
		re.bytesTotal += uint64(re.packetSize)
		if err := re.commit(); err != nil {
			return err
		}
	}
	re.counters.OutOfOrder.Add(obs.Missing)
	if re.drops != nil {
		re.drops.RecordDrop(first, obs.Missing)
	}

	dst := re.ring.Active().Slot(re.packetSize)
	if dst == nil {
		return fmt.Errorf("%w: active buffer %d has no room for a packet", ErrOverrun, re.ring.ActiveIndex())
	}
	copy(dst, re.scratch)
	return re.commitReceived()
}

func (re *ReceiveEngine) commitReceived() error {
	re.counters.PacketsReceived.Add(1)
	re.counters.BytesReceived.Add(uint64(re.packetSize))
	re.bytesTotal += uint64(re.packetSize)
	return re.commit()
}

// commit publishes the packet at the write cursor and moves to the next buffer
// when the active one is full.
func (re *ReceiveEngine) commit() error {
	if err := re.ring.Active().Commit(re.packetSize); err != nil {
		return fmt.Errorf("%w: %v", ErrOverrun, err)
	}
	re.inXfer++
	if re.inXfer < re.perXfer {
		return nil
	}
	re.inXfer = 0
	if err := re.ring.Advance(); err != nil {
		ProblemLogger.Printf("receiver could not move past buffer %d: %v", re.ring.ActiveIndex(), err)
		return err
	}
	return nil
}
