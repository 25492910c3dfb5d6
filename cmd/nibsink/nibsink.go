package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/spf13/cobra"
	"github.com/usnistgov/udpnib"
)

// sinkCounter tallies what a sink has taken.
type sinkCounter struct {
	bytes  atomic.Uint64
	chunks atomic.Uint64
	last   atomic.Uint64 // sequence number of the latest packet
}

func (sc *sinkCounter) take(chunk []byte, packetSize int) {
	sc.bytes.Add(uint64(len(chunk)))
	sc.chunks.Add(1)
	if packetSize >= udpnib.PacketHeaderSize && len(chunk) >= packetSize {
		sc.last.Store(udpnib.PacketSequence(chunk[len(chunk)-packetSize:]))
	}
}

// report prints the rate once per interval until done is closed.
func (sc *sinkCounter) report(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastBytes uint64
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b := sc.bytes.Load()
			if b == lastBytes {
				continue
			}
			fmt.Printf("%8.1f MB/s  %12d bytes in %8d chunks  last sequence %d\n",
				float64(b-lastBytes)/1e6/interval.Seconds(), b, sc.chunks.Load(), sc.last.Load())
			lastBytes = b
		}
	}
}

func serveTCP(addr string, sc *sinkCounter, packetSize int, done chan struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-done
		ln.Close()
	}()
	fmt.Printf("TCP sink listening on %v\n", ln.Addr())
	return udpnib.ServeTCPSink(ln, func(chunk []byte) error {
		sc.take(chunk, packetSize)
		return nil
	})
}

func serveZMQ(addr string, sc *sinkCounter, packetSize int, done chan struct{}) error {
	pull, err := zmq4.NewSocket(zmq4.PULL)
	if err != nil {
		return err
	}
	defer pull.Close()
	if err := pull.Bind("tcp://" + addr); err != nil {
		return fmt.Errorf("could not bind PULL socket to %s: %w", addr, err)
	}
	pull.SetRcvtimeo(200 * time.Millisecond)
	fmt.Printf("ZMQ sink pulling on %s\n", addr)
	for {
		select {
		case <-done:
			return nil
		default:
		}
		msg, err := pull.RecvBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			return err
		}
		sc.take(msg, packetSize)
	}
}

func main() {
	var useZMQ bool
	var packetSize int
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "nibsink [host]:port",
		Short: "Accept chunks from a udpnib destination and report the rate",
		Long: `nibsink is the far end of a udpnib tcp:// destination (or, with --zmq, a
zmq:// destination). It takes every chunk, acknowledges it, and prints the
data rate once per interval.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := new(sinkCounter)
			done := make(chan struct{})
			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, os.Interrupt)
			go func() {
				<-interrupt
				close(done)
			}()
			go sc.report(interval, done)
			var err error
			if useZMQ {
				err = serveZMQ(args[0], sc, packetSize, done)
			} else {
				err = serveTCP(args[0], sc, packetSize, done)
			}
			fmt.Printf("took %d bytes in %d chunks\n", sc.bytes.Load(), sc.chunks.Load())
			return err
		},
	}
	cmd.Flags().BoolVar(&useZMQ, "zmq", false, "pull from a zmq:// destination instead of serving tcp://")
	cmd.Flags().IntVar(&packetSize, "packet-size", udpnib.DefaultDistributorConfig().PacketSize, "packet size, for reporting sequence numbers")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "reporting interval")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
