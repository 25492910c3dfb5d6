// Package asyncbufio provides a buffered writer whose Write never waits on the
// underlying io.Writer, so that it can be called from a hot loop.
package asyncbufio

import (
	"bufio"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Write and Flush after Close.
var ErrClosed = errors.New("asyncbufio: writer is closed")

// Writer provides asynchronous writing to an underlying io.Writer using buffered channels.
type Writer struct {
	writer        *bufio.Writer // Buffered writer: this does the writing
	flushNow      chan struct{} // Channel to signal the underlying writer to flush itself
	flushComplete chan struct{} // Channel to signal underlying writer flush is complete
	datachannel   chan []byte   // Channel to hold data before writing it
	flushInterval time.Duration // Interval for flushing the writer periodically

	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Uint64 // writes refused because the channel was full
	errMu     sync.Mutex
	err       error // first error from the underlying writer
}

// NewWriter creates a new Writer instance.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}

	go aw.writeLoop()
	return aw
}

// Write copies p into the Writer's channel for later writing. If the channel
// is full, nothing is stored and io.ErrShortWrite is returned.
func (aw *Writer) Write(p []byte) (int, error) {
	if aw.closed.Load() {
		return 0, ErrClosed
	}
	data := make([]byte, len(p))
	copy(data, p)
	select {
	case aw.datachannel <- data:
		return len(p), nil
	default:
		aw.dropped.Add(1)
		return 0, io.ErrShortWrite
	}
}

// WriteString sends a string to the channel for later writing.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Dropped returns how many writes were refused because the channel was full.
func (aw *Writer) Dropped() uint64 {
	return aw.dropped.Load()
}

// Err returns the first error reported by the underlying writer, if any.
func (aw *Writer) Err() error {
	aw.errMu.Lock()
	defer aw.errMu.Unlock()
	return aw.err
}

// Flush writes everything queued so far to the underlying writer.
// Blocks until the flush is complete.
func (aw *Writer) Flush() error {
	if aw.closed.Load() {
		return ErrClosed
	}
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return aw.Err()
}

// Close flushes remaining data and waits for the writeLoop to finish.
// Calling it more than once is harmless. Write must not race with Close.
func (aw *Writer) Close() error {
	aw.closeOnce.Do(func() {
		aw.closed.Store(true)
		close(aw.flushNow) // Closing the flushNow channel signals the writeLoop to exit
		<-aw.flushComplete // Wait until writing is complete
	})
	return aw.Err()
}

func (aw *Writer) setErr(err error) {
	if err == nil {
		return
	}
	aw.errMu.Lock()
	defer aw.errMu.Unlock()
	if aw.err == nil {
		aw.err = err
	}
}

// writeLoop is a goroutine that continuously moves data from the channel to the writer.
func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			_, err := aw.writer.Write(data)
			aw.setErr(err)

		case _, ok := <-aw.flushNow:
			aw.flush()
			// Signal whoever requested this that flushing is done
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

func (aw *Writer) flush() {
	// Empty the channel before calling the underlying writer's Flush() method
	for {
		select {
		case data := <-aw.datachannel:
			_, err := aw.writer.Write(data)
			aw.setErr(err)
		default:
			aw.setErr(aw.writer.Flush())
			return
		}
	}
}
