package udpnib

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/udpnib/internal/nibdb"
	"golang.org/x/sync/errgroup"
)

// Distributor owns the buffer ring, counters, and control state of one
// distributor process and runs acquisitions one after another.
type Distributor struct {
	cfg      DistributorConfig
	state    *AcquisitionState
	counters *StatsCounters
	ring     *BufferRing
	reporter *StatsReporter
	ctl      *Controller

	openSource   func() (PacketSource, error)
	openTransfer func(index int, dest string) (BulkTransfer, error)
	controlAddr  string
	updates      chan<- StatusUpdate
	db           *nibdb.Connection
	drops        *DropLog

	mu      sync.Mutex
	boundAt net.Addr
	lastRun RunSummary
	nruns   int
}

// RunSummary describes one finished acquisition.
type RunSummary struct {
	RunID         string
	Start         time.Time
	End           time.Time
	Totals        StatsSnapshot
	NextSequence  uint64 // logical slots written, real plus filler
	BytesWritten  uint64
	BudgetReached bool
	StopMode      StopMode
	Err           error
}

// StopReason names why the acquisition ended.
func (rs RunSummary) StopReason() string {
	switch {
	case rs.Err != nil:
		return "error"
	case rs.BudgetReached:
		return "budget"
	case rs.StopMode == StopFlush:
		return "flush"
	case rs.StopMode == StopImmediate:
		return "stop"
	}
	return "quit"
}

// Option adjusts a Distributor made by NewDistributor.
type Option func(*Distributor)

// WithPacketSource replaces the UDP socket with another packet source.
// open is called at the start of every acquisition.
func WithPacketSource(open func() (PacketSource, error)) Option {
	return func(d *Distributor) { d.openSource = open }
}

// WithTransfers replaces OpenTransfer. open is called for every destination
// at the start of every acquisition.
func WithTransfers(open func(index int, dest string) (BulkTransfer, error)) Option {
	return func(d *Distributor) { d.openTransfer = open }
}

// WithControlAddress serves control commands on addr instead of the configured ControlPort.
func WithControlAddress(addr string) Option {
	return func(d *Distributor) { d.controlAddr = addr }
}

// WithStatusUpdates sends statistics and run notices to updates.
func WithStatusUpdates(updates chan<- StatusUpdate) Option {
	return func(d *Distributor) { d.updates = updates }
}

// WithMetrics mirrors the statistics into m.
func WithMetrics(m *Metrics) Option {
	return func(d *Distributor) { d.reporter.metrics = m }
}

// WithDatabase records every run in db.
func WithDatabase(db *nibdb.Connection) Option {
	return func(d *Distributor) { d.db = db }
}

// NewDistributor validates cfg and allocates the buffer ring.
func NewDistributor(cfg DistributorConfig, opts ...Option) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ring, err := NewBufferRing(len(cfg.Destinations), cfg.BufferCapacity())
	if err != nil {
		return nil, err
	}
	d := &Distributor{
		cfg:      cfg,
		state:    NewAcquisitionState(),
		counters: NewStatsCounters(len(cfg.Destinations)),
		ring:     ring,
		db:       nibdb.DummyConnection(),
	}
	d.reporter = NewStatsReporter(d.counters, ring, d.state, cfg.PollInterval)
	d.reporter.verbose = cfg.Verbose
	d.ctl = NewController(d.state, d.reporter.Rates, cfg.PollInterval)
	d.openSource = func() (PacketSource, error) {
		return NewUDPSource(cfg.Interface, cfg.UDPPort, cfg.SocketBuffer)
	}
	d.openTransfer = func(index int, dest string) (BulkTransfer, error) {
		return OpenTransfer(dest)
	}
	if cfg.ControlPort > 0 {
		d.controlAddr = fmt.Sprintf(":%d", cfg.ControlPort)
	}
	for _, opt := range opts {
		opt(d)
	}
	d.reporter.updates = d.updates
	return d, nil
}

// State returns the shared acquisition state.
func (d *Distributor) State() *AcquisitionState { return d.state }

// Ring returns the buffer ring.
func (d *Distributor) Ring() *BufferRing { return d.ring }

// Counters returns the statistics counters.
func (d *Distributor) Counters() *StatsCounters { return d.counters }

// Reporter returns the statistics reporter.
func (d *Distributor) Reporter() *StatsReporter { return d.reporter }

// Controller returns the command interpreter used by the control server.
func (d *Distributor) Controller() *Controller { return d.ctl }

// ControlAddr returns the address the control server is listening on, or nil.
func (d *Distributor) ControlAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.boundAt
}

// LastRun returns the summary of the most recent acquisition, and how many have finished.
func (d *Distributor) LastRun() (RunSummary, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRun, d.nruns
}

// Quit ends Run. It may be called from any goroutine, such as a signal handler.
func (d *Distributor) Quit() {
	d.state.Quit()
}

// Run performs acquisitions until told to quit. With a control address, each
// acquisition waits for a START command; without one, a single acquisition
// starts at once and Run returns when it ends. A fatal error is returned.
func (d *Distributor) Run() error {
	var wg sync.WaitGroup
	defer func() {
		d.state.Quit()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reporter.Run()
	}()

	controlled := d.controlAddr != ""
	if controlled {
		srv, err := NewControlServer(d.controlAddr, d.ctl)
		if err != nil {
			return err
		}
		d.mu.Lock()
		d.boundAt = srv.Addr()
		d.mu.Unlock()
		UpdateLogger.Printf("control server listening on %v", srv.Addr())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Serve(); err != nil {
				ProblemLogger.Println(err)
			}
		}()
	}

	if d.cfg.DataDropFilename != "" {
		drops, err := NewDropLog(d.cfg.DataDropFilename)
		if err != nil {
			return fmt.Errorf("could not open drop log: %w", err)
		}
		d.drops = drops
		defer drops.Close()
	}

	for !d.state.Quitting() {
		if controlled {
			UpdateLogger.Println("waiting for START")
			for !d.state.StartPending() && !d.state.Quitting() {
				time.Sleep(d.pollInterval())
			}
			if d.state.Quitting() {
				break
			}
			d.state.clearStop()
		}
		d.resetEpoch()
		if err := d.runOnce(); err != nil {
			d.fatal(err)
			return err
		}
		if !controlled {
			break
		}
	}
	return nil
}

func (d *Distributor) pollInterval() time.Duration {
	if d.cfg.PollInterval > 0 && d.cfg.PollInterval < 10*time.Millisecond {
		return d.cfg.PollInterval
	}
	return 10 * time.Millisecond
}

// resetEpoch clears all buffers and counters once an acquisition has been asked for.
// Until then the totals of the previous run stay readable.
func (d *Distributor) resetEpoch() {
	d.ring.Reset()
	d.counters.Reset()
	d.reporter.Rebase()
}

// runOnce performs one acquisition, from opening the socket to joining every engine.
func (d *Distributor) runOnce() error {
	src, err := d.openSource()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReceiveFailed, err)
	}
	defer src.Close()

	xfers := make([]BulkTransfer, len(d.cfg.Destinations))
	defer func() {
		for _, x := range xfers {
			if x != nil {
				x.Close()
			}
		}
	}()
	for i, dest := range d.cfg.Destinations {
		if d.cfg.ReceiveOnly {
			xfers[i] = NullTransfer{}
			continue
		}
		if xfers[i], err = d.openTransfer(i, dest); err != nil {
			return fmt.Errorf("%w: destination %d (%s): %v", ErrTransferFailed, i, dest, err)
		}
	}

	recv, err := NewReceiveEngine(d.cfg, src, d.ring, d.counters, d.state)
	if err != nil {
		return err
	}
	if d.drops != nil {
		recv.drops = d.drops
	}

	summary := d.beginRun()
	receiverDone := make(chan struct{})
	var g errgroup.Group
	for i, x := range xfers {
		te := NewTransmitEngine(d.cfg, i, d.ring, x, d.counters, d.state)
		g.Go(func() error {
			if err := te.Run(receiverDone); err != nil {
				d.state.Quit()
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		defer close(receiverDone)
		if err := recv.Run(); err != nil {
			d.state.Quit()
			return err
		}
		return nil
	})
	err = g.Wait()
	d.finishRun(summary, recv, err)
	return err
}

func (d *Distributor) beginRun() RunSummary {
	rs := RunSummary{RunID: ulid.Make().String(), Start: time.Now()}
	UpdateLogger.Printf("run %s starting: distributor %d of %d, %d destinations",
		rs.RunID, d.cfg.IDistrib, d.cfg.NDistrib, len(d.cfg.Destinations))
	d.publish("RUN", RunStatNotice{RunID: rs.RunID, Event: "start", Time: rs.Start})
	d.db.RecordRun(&nibdb.RunMessage{
		ID:           rs.RunID,
		Destinations: len(d.cfg.Destinations),
		PacketSize:   d.cfg.PacketSize,
		Start:        rs.Start,
	})
	return rs
}

// finishRun is the stop function: it reports losses and marks the acquisition over.
func (d *Distributor) finishRun(rs RunSummary, recv *ReceiveEngine, err error) {
	rs.End = time.Now()
	rs.Totals = d.counters.Snapshot()
	rs.NextSequence = recv.Tracker().Next()
	rs.BytesWritten = recv.BytesWritten()
	rs.BudgetReached = recv.BudgetReached()
	rs.StopMode = d.state.StopMode()
	rs.Err = err

	if rs.Totals.PacketsDropped > 0 && rs.NextSequence > 0 {
		UpdateLogger.Printf("packets dropped %d / %d = %8.6f %%", rs.Totals.PacketsDropped,
			rs.NextSequence, 100*float64(rs.Totals.PacketsDropped)/float64(rs.NextSequence))
	}
	UpdateLogger.Printf("run %s finished (%s): %d packets received, %d filled, %d bytes sent",
		rs.RunID, rs.StopReason(), rs.Totals.PacketsReceived, rs.Totals.PacketsDropped, rs.Totals.BytesSent)

	d.mu.Lock()
	d.lastRun = rs
	d.nruns++
	d.mu.Unlock()
	d.state.SetRecording(false)

	notice := RunStatNotice{
		RunID:     rs.RunID,
		Event:     "finish",
		Time:      rs.End,
		Received:  rs.Totals.PacketsReceived,
		Dropped:   rs.Totals.PacketsDropped,
		DropRatio: rs.Totals.DropFraction(),
	}
	if err != nil {
		notice.Err = err.Error()
	}
	d.publish("RUN", notice)
	d.db.FinishRun(&nibdb.RunMessage{
		ID:              rs.RunID,
		Destinations:    len(d.cfg.Destinations),
		PacketSize:      d.cfg.PacketSize,
		PacketsReceived: rs.Totals.PacketsReceived,
		PacketsDropped:  rs.Totals.PacketsDropped,
		LatePackets:     rs.Totals.LatePackets,
		ProblemPackets:  rs.Totals.ProblemPackets,
		BytesSent:       rs.Totals.BytesSent,
		StopReason:      rs.StopReason(),
		Start:           rs.Start,
	})
}

func (d *Distributor) publish(tag string, state any) {
	if d.updates != nil {
		d.updates <- StatusUpdate{Tag: tag, State: state}
	}
}

// fatal logs everything known about an acquisition that ended in error.
func (d *Distributor) fatal(err error) {
	ProblemLogger.Printf("fatal: %v", err)
	ProblemLogger.Printf("counters at failure:\n%s", spew.Sdump(d.counters.Snapshot()))
	for i := 0; i < d.ring.Len(); i++ {
		w, r := d.ring.Buffer(i).Cursors()
		ProblemLogger.Printf("buffer %d: write cursor %d, read cursor %d", i, w, r)
	}
}
