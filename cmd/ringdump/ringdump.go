package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/usnistgov/udpnib"
	"github.com/usnistgov/udpnib/ringbuffer"
)

func status(out io.Writer, ring *ringbuffer.RingBuffer) {
	fmt.Fprintf(out, "Ring of %d bytes: %9d readable, %9d writeable, %12d lost.\n",
		ring.Size(), ring.BytesReadable(), ring.BytesWriteable(), ring.BytesLost())
}

// dumpdata prints the header of every packet in data and the first bytes of
// the first packet's payload.
func dumpdata(out io.Writer, data []byte, packetSize int) {
	for i := 0; i+packetSize <= len(data); i += packetSize {
		p := data[i : i+packetSize]
		fmt.Fprintf(out, "seq %20d  chan %4d\n", udpnib.PacketSequence(p), udpnib.PacketChannel(p))
	}
	if len(data) < packetSize {
		return
	}
	fmt.Fprintln(out, "Data:")
	max := min(packetSize, 64)
	for i := 0; i+16 <= max; i += 16 {
		for j := i; j < i+16; j++ {
			fmt.Fprintf(out, "%2.2x ", data[j])
		}
		fmt.Fprintln(out)
	}
}

func openRing(name string) (*ringbuffer.RingBuffer, error) {
	ring, err := ringbuffer.NewRingBuffer(name, udpnib.ShmDescriptionName(name))
	if err != nil {
		return nil, err
	}
	if err := ring.Open(); err != nil {
		return nil, err
	}
	return ring, nil
}

// dump reports the state of ring twice, wait apart, consuming whole packets each time.
func dump(out io.Writer, ring *ringbuffer.RingBuffer, packetSize int, wait time.Duration) error {
	status(out, ring)
	data1, err := ring.ReadMultipleOf(packetSize)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "<consumed>")
	status(out, ring)
	time.Sleep(wait)
	fmt.Fprintf(out, "<sleep %v>\n", wait)
	status(out, ring)
	data2, err := ring.ReadMultipleOf(packetSize)
	if err != nil {
		return err
	}
	dumpdata(out, data1, packetSize)
	dumpdata(out, data2, packetSize)
	return nil
}

func main() {
	var packetSize int
	var wait time.Duration
	root := &cobra.Command{
		Use:          "ringdump",
		Short:        "Create, inspect, or remove the shared-memory rings used by shm:// destinations",
		SilenceUsage: true,
	}
	create := &cobra.Command{
		Use:   "create NAME SIZE",
		Short: "create a ring for a udpnib shm://NAME destination",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var size int
			if _, err := fmt.Sscan(args[1], &size); err != nil {
				return fmt.Errorf("size %q: %w", args[1], err)
			}
			ring, err := ringbuffer.NewRingBuffer(args[0], udpnib.ShmDescriptionName(args[0]))
			if err != nil {
				return err
			}
			if err := ring.Create(size); err != nil {
				return err
			}
			defer ring.Close()
			status(os.Stdout, ring)
			return nil
		},
	}
	show := &cobra.Command{
		Use:   "dump NAME",
		Short: "print the ring state and the packets it holds, consuming them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := openRing(args[0])
			if err != nil {
				return err
			}
			defer ring.Close()
			fmt.Println("Dumping ring", args[0])
			return dump(os.Stdout, ring, packetSize, wait)
		},
	}
	show.Flags().IntVar(&packetSize, "packet-size", udpnib.DefaultDistributorConfig().PacketSize, "packet size in bytes")
	show.Flags().DurationVar(&wait, "wait", 200*time.Millisecond, "time between the two looks")
	remove := &cobra.Command{
		Use:   "unlink NAME",
		Short: "remove a ring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, err := ringbuffer.NewRingBuffer(args[0], udpnib.ShmDescriptionName(args[0]))
			if err != nil {
				return err
			}
			return ring.Unlink()
		},
	}
	root.AddCommand(create, show, remove)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
