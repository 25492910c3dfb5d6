package udpnib

import (
	"fmt"
	"sync/atomic"
)

// StatsCounters are the monotonic counters of one distributor. Each field has a
// single writer: the receiver owns the receive-side fields and each transmitter
// owns its SenderCounters. Anyone may read them at any time.
type StatsCounters struct {
	PacketsReceived    atomic.Uint64
	BytesReceived      atomic.Uint64
	PacketsDropped     atomic.Uint64 // filler packets synthesized for gaps
	BytesDropped       atomic.Uint64
	OutOfOrder         atomic.Uint64 // sum of gap sizes
	OutOfOrderChannels atomic.Uint64 // real packets whose channel id was not ours
	LatePackets        atomic.Uint64
	ProblemPackets     atomic.Uint64
	WrongSize          atomic.Uint64
	ReceiveSleeps      atomic.Uint64
	Resets             atomic.Uint64
	Senders            []*SenderCounters
}

// SenderCounters are the counters owned by one TransmitEngine.
type SenderCounters struct {
	BytesSent  atomic.Uint64
	ChunksSent atomic.Uint64
	SendSleeps atomic.Uint64
}

// NewStatsCounters creates counters for a distributor with nsenders transmitters.
func NewStatsCounters(nsenders int) *StatsCounters {
	sc := &StatsCounters{Senders: make([]*SenderCounters, nsenders)}
	for i := range sc.Senders {
		sc.Senders[i] = new(SenderCounters)
	}
	return sc
}

// Reset zeros every counter. Only call it when no engine is running.
func (sc *StatsCounters) Reset() {
	for _, c := range []*atomic.Uint64{&sc.PacketsReceived, &sc.BytesReceived,
		&sc.PacketsDropped, &sc.BytesDropped, &sc.OutOfOrder, &sc.OutOfOrderChannels,
		&sc.LatePackets, &sc.ProblemPackets, &sc.WrongSize, &sc.ReceiveSleeps, &sc.Resets} {
		c.Store(0)
	}
	for _, s := range sc.Senders {
		s.BytesSent.Store(0)
		s.ChunksSent.Store(0)
		s.SendSleeps.Store(0)
	}
}

// StatsSnapshot is a plain copy of StatsCounters at one moment.
type StatsSnapshot struct {
	PacketsReceived    uint64
	BytesReceived      uint64
	PacketsDropped     uint64
	BytesDropped       uint64
	OutOfOrder         uint64
	OutOfOrderChannels uint64
	LatePackets        uint64
	ProblemPackets     uint64
	WrongSize          uint64
	ReceiveSleeps      uint64
	Resets             uint64
	BytesSent          uint64 // summed over all senders
	ChunksSent         uint64
	SendSleeps         uint64
}

// Snapshot reads every counter once.
func (sc *StatsCounters) Snapshot() StatsSnapshot {
	s := StatsSnapshot{
		PacketsReceived:    sc.PacketsReceived.Load(),
		BytesReceived:      sc.BytesReceived.Load(),
		PacketsDropped:     sc.PacketsDropped.Load(),
		BytesDropped:       sc.BytesDropped.Load(),
		OutOfOrder:         sc.OutOfOrder.Load(),
		OutOfOrderChannels: sc.OutOfOrderChannels.Load(),
		LatePackets:        sc.LatePackets.Load(),
		ProblemPackets:     sc.ProblemPackets.Load(),
		WrongSize:          sc.WrongSize.Load(),
		ReceiveSleeps:      sc.ReceiveSleeps.Load(),
		Resets:             sc.Resets.Load(),
	}
	for _, snd := range sc.Senders {
		s.BytesSent += snd.BytesSent.Load()
		s.ChunksSent += snd.ChunksSent.Load()
		s.SendSleeps += snd.SendSleeps.Load()
	}
	return s
}

// delta returns now-before, treating a counter that went backwards as reset to zero.
func delta(now, before uint64) uint64 {
	if now < before {
		return now
	}
	return now - before
}

// Sub returns the per-field increase from before to s.
func (s StatsSnapshot) Sub(before StatsSnapshot) StatsSnapshot {
	return StatsSnapshot{
		PacketsReceived:    delta(s.PacketsReceived, before.PacketsReceived),
		BytesReceived:      delta(s.BytesReceived, before.BytesReceived),
		PacketsDropped:     delta(s.PacketsDropped, before.PacketsDropped),
		BytesDropped:       delta(s.BytesDropped, before.BytesDropped),
		OutOfOrder:         delta(s.OutOfOrder, before.OutOfOrder),
		OutOfOrderChannels: delta(s.OutOfOrderChannels, before.OutOfOrderChannels),
		LatePackets:        delta(s.LatePackets, before.LatePackets),
		ProblemPackets:     delta(s.ProblemPackets, before.ProblemPackets),
		WrongSize:          delta(s.WrongSize, before.WrongSize),
		ReceiveSleeps:      delta(s.ReceiveSleeps, before.ReceiveSleeps),
		Resets:             delta(s.Resets, before.Resets),
		BytesSent:          delta(s.BytesSent, before.BytesSent),
		ChunksSent:         delta(s.ChunksSent, before.ChunksSent),
		SendSleeps:         delta(s.SendSleeps, before.SendSleeps),
	}
}

// DropFraction returns dropped/(received+dropped), or 0 before any packet.
func (s StatsSnapshot) DropFraction() float64 {
	total := s.PacketsReceived + s.PacketsDropped
	if total == 0 {
		return 0
	}
	return float64(s.PacketsDropped) / float64(total)
}

// Rates are the once-per-interval derived statistics reported by STATS,
// the status publisher, and the metrics endpoint.
type Rates struct {
	MBReceivedPerSec float64
	MBDroppedPerSec  float64
	MBSentPerSec     float64
	MBBuffered       float64
	MBFree           float64
	MBTotal          float64
	ReceiveSleeps    uint64 // during the last interval
	SendSleeps       uint64
	OutOfOrder       uint64 // since the acquisition began
	OutOfOrderChans  uint64
	Recording        bool
	Totals           StatsSnapshot
}

// ControlReply formats r as the first line of the reply to a STATS command.
func (r Rates) ControlReply() string {
	return fmt.Sprintf("mb_rcv_ps=%4.1f,mb_drp_ps=%4.1f,mb_snd_ps=%4.1f,ooo_pkts=%d,ooo_chids=%d,mb_free=%4.1f,mb_total=%4.1f\r\n",
		r.MBReceivedPerSec, r.MBDroppedPerSec, r.MBSentPerSec, r.OutOfOrder, r.OutOfOrderChans, r.MBFree, r.MBTotal)
}

// String formats r for the periodic log line.
func (r Rates) String() string {
	return fmt.Sprintf("recv %6.1f MB/s  drop %6.1f MB/s  send %6.1f MB/s  buffered %6.1f of %6.1f MB  free %6.1f MB  sleeps r=%d s=%d",
		r.MBReceivedPerSec, r.MBDroppedPerSec, r.MBSentPerSec, r.MBBuffered, r.MBTotal, r.MBFree,
		r.ReceiveSleeps, r.SendSleeps)
}
