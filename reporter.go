package udpnib

import (
	"sync"
	"time"
)

// StatsReporter turns the monotonic counters into once-per-interval rates and
// hands them to the STATS command, the status publisher, the metrics, and the log.
type StatsReporter struct {
	counters *StatsCounters
	ring     *BufferRing
	state    *AcquisitionState
	interval time.Duration
	metrics  *Metrics            // may be nil
	updates  chan<- StatusUpdate // may be nil
	verbose  bool

	mu       sync.Mutex
	last     StatsSnapshot
	lastTime time.Time
	rates    Rates
}

// NewStatsReporter creates a reporter that samples every interval.
func NewStatsReporter(counters *StatsCounters, ring *BufferRing, state *AcquisitionState, interval time.Duration) *StatsReporter {
	if interval <= 0 {
		interval = time.Second
	}
	return &StatsReporter{
		counters: counters,
		ring:     ring,
		state:    state,
		interval: interval,
		lastTime: time.Now(),
	}
}

// Rebase restarts the rate computation from the current counter values.
func (sr *StatsReporter) Rebase() {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.last = sr.counters.Snapshot()
	sr.lastTime = time.Now()
}

// Rates returns the statistics computed at the most recent tick.
func (sr *StatsReporter) Rates() Rates {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.rates
}

// Tick samples the counters and recomputes the rates over the time since the last tick.
func (sr *StatsReporter) Tick(now time.Time) Rates {
	snap := sr.counters.Snapshot()
	buffered := sr.ring.Buffered()
	free := sr.ring.Free()
	recording := sr.state.Recording()

	sr.mu.Lock()
	d := snap.Sub(sr.last)
	elapsed := now.Sub(sr.lastTime).Seconds()
	if elapsed <= 0 {
		elapsed = sr.interval.Seconds()
	}
	perSec := func(b uint64) float64 { return float64(b) / 1e6 / elapsed }
	r := Rates{
		MBReceivedPerSec: perSec(d.BytesReceived),
		MBDroppedPerSec:  perSec(d.BytesDropped),
		MBSentPerSec:     perSec(d.BytesSent),
		MBBuffered:       float64(buffered) / 1e6,
		MBFree:           float64(free) / 1e6,
		MBTotal:          float64(sr.ring.Capacity()) / 1e6,
		ReceiveSleeps:    d.ReceiveSleeps,
		SendSleeps:       d.SendSleeps,
		OutOfOrder:       snap.OutOfOrder,
		OutOfOrderChans:  snap.OutOfOrderChannels,
		Recording:        recording,
		Totals:           snap,
	}
	sr.last = snap
	sr.lastTime = now
	sr.rates = r
	sr.mu.Unlock()

	if sr.metrics != nil {
		sr.metrics.observe(d, buffered, free, recording)
	}
	if sr.updates != nil {
		sr.updates <- StatusUpdate{Tag: "STATS", State: r}
	}
	if sr.verbose && recording {
		UpdateLogger.Println(r)
	}
	return r
}

// Run ticks once per interval until the acquisition state says to quit.
func (sr *StatsReporter) Run() {
	ticker := time.NewTicker(sr.interval)
	defer ticker.Stop()
	for {
		select {
		case <-sr.state.Abort():
			return
		case now := <-ticker.C:
			sr.Tick(now)
		}
	}
}
