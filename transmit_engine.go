package udpnib

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// BulkTransfer delivers one chunk to a downstream destination. Transfer
// returns only after the destination has taken the whole chunk.
type BulkTransfer interface {
	Transfer(p []byte) error
	Close() error
}

// TransmitEngine drains one SendBuffer to one destination in fixed-size chunks.
type TransmitEngine struct {
	index    int
	buf      *SendBuffer
	xfer     BulkTransfer
	chunk    int
	counters *SenderCounters
	state    *AcquisitionState
	limiter  *rate.Limiter // nil for no clamp
	poll     time.Duration
	hint     SchedulingHint
}

// transmitPoll is how long a transmitter sleeps when less than a chunk is waiting.
const transmitPoll = 100 * time.Microsecond

// NewTransmitEngine creates the transmitter for buffer index of ring.
func NewTransmitEngine(cfg DistributorConfig, index int, ring *BufferRing, xfer BulkTransfer,
	counters *StatsCounters, state *AcquisitionState) *TransmitEngine {
	te := &TransmitEngine{
		index:    index,
		buf:      ring.Buffer(index),
		xfer:     xfer,
		chunk:    cfg.ChunkBytes(),
		counters: counters.Senders[index],
		state:    state,
		poll:     transmitPoll,
		hint:     SchedulingHint{CPU: cfg.SendCPU},
	}
	if cfg.ClampRate > 0 {
		bytesPerSec := cfg.ClampRate * 1e6
		burst := te.chunk
		if float64(burst) < bytesPerSec/10 {
			burst = int(bytesPerSec / 10)
		}
		te.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}
	return te
}

// Run sends chunks until the acquisition ends. receiverDone must be closed
// once the receiver has written its last packet; after that a graceful ending
// sends the final partial chunk and returns when the buffer is empty.
// An immediate stop or a quit returns at the next chunk boundary.
func (te *TransmitEngine) Run(receiverDone <-chan struct{}) error {
	te.hint.apply(fmt.Sprintf("transmit engine %d", te.index))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-te.state.Abort():
			cancel()
		case <-ctx.Done():
		}
	}()
	reported := false
	for {
		if te.state.Quitting() {
			return nil
		}
		stop := te.state.StopMode()
		if stop == StopImmediate {
			if n := te.buf.Buffered(); n > 0 {
				UpdateLogger.Printf("transmitter %d stopping with %d bytes unsent", te.index, n)
			}
			return nil
		}

		pending := te.buf.Buffered()
		if pending >= te.chunk {
			if err := te.send(ctx, te.chunk); err != nil {
				return err
			}
			continue
		}

		finished := false
		select {
		case <-receiverDone:
			finished = true
		default:
		}
		if finished {
			if pending == 0 {
				return nil
			}
			if err := te.send(ctx, pending); err != nil {
				return err
			}
			continue
		}
		if stop == StopFlush && !reported {
			UpdateLogger.Printf("transmitter %d flushing", te.index)
			reported = true
		}
		te.counters.SendSleeps.Add(1)
		time.Sleep(te.poll)
	}
}

// send transfers n bytes from the read cursor and then releases them.
// When ctx ends during the rate clamp wait nothing is sent.
func (te *TransmitEngine) send(ctx context.Context, n int) error {
	p := te.buf.Pending(n)
	if te.limiter != nil {
		if err := te.throttle(ctx, len(p)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transmitter %d rate clamp: %w", te.index, err)
		}
	}
	if err := te.xfer.Transfer(p); err != nil {
		return fmt.Errorf("%w: destination %d: %v", ErrTransferFailed, te.index, err)
	}
	if err := te.buf.Consume(len(p)); err != nil {
		return err
	}
	te.counters.BytesSent.Add(uint64(len(p)))
	te.counters.ChunksSent.Add(1)
	return nil
}

// throttle waits until the rate clamp allows n more bytes, or ctx ends.
func (te *TransmitEngine) throttle(ctx context.Context, n int) error {
	if n > te.limiter.Burst() {
		n = te.limiter.Burst()
	}
	return te.limiter.WaitN(ctx, n)
}
