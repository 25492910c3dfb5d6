package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/usnistgov/udpnib"
)

const defaultPort = 4001

// probe prints the header of the first npack datagrams from src, with the
// logical sequence number the tracker assigns each one.
func probe(out io.Writer, src udpnib.PacketSource, tracker *udpnib.SequenceTracker, npack int, timeout time.Duration) error {
	buf := make([]byte, 65536)
	deadline := time.Now().Add(timeout)
	for seen := 0; seen < npack; {
		n, err := src.Recv(buf)
		if errors.Is(err, udpnib.ErrWouldBlock) {
			if time.Now().After(deadline) {
				return fmt.Errorf("no packet for %v", timeout)
			}
			time.Sleep(100 * time.Microsecond)
			continue
		}
		if err != nil {
			return err
		}
		deadline = time.Now().Add(timeout)
		seen++
		if n < udpnib.PacketHeaderSize {
			fmt.Fprintf(out, "%6d bytes: too short for a header\n", n)
			continue
		}
		obs, err := tracker.Observe(udpnib.PacketSequence(buf))
		fmt.Fprintf(out, "%6d bytes  seq %20d  chan %4d  offset %6d  logical %12d  %v",
			n, obs.Raw, udpnib.PacketChannel(buf), tracker.GlobalOffset(), obs.Logical, obs.Placement)
		if obs.Missing > 0 {
			fmt.Fprintf(out, " after %d missing", obs.Missing)
		}
		fmt.Fprintln(out)
		if err != nil {
			return err
		}
	}
	return nil
}

// splitEndpoint parses [host][:port], where the port defaults to port.
func splitEndpoint(arg string, port int) (string, int, error) {
	host := "any"
	if arg == "" {
		return host, port, nil
	}
	pieces := strings.Split(arg, ":")
	if len(pieces) > 2 {
		return "", 0, fmt.Errorf("cannot parse host '%s' with %d colon separators", arg, len(pieces)-1)
	}
	if pieces[0] != "" && pieces[0] != "localhost" {
		host = pieces[0]
	} else if pieces[0] == "localhost" {
		host = "127.0.0.1"
	}
	if len(pieces) == 2 {
		p, err := strconv.Atoi(pieces[1])
		if err != nil {
			return "", 0, fmt.Errorf("cannot convert port '%s' to integer", pieces[1])
		}
		port = p
	}
	return host, port, nil
}

func main() {
	var npack, port, idistrib, ndistrib int
	var samples, threshold uint64
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "udpdump [host][:port]",
		Short: "Dump the headers of the first N packets on a UDP port",
		Long: fmt.Sprintf(`udpdump prints the sequence counter and channel id of the first N datagrams
received, by default on any interface at port %d, together with the logical
sequence number a distributor with the given geometry would assign them.`, defaultPort),
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) > 0 {
				arg = args[0]
			}
			host, p, err := splitEndpoint(arg, port)
			if err != nil {
				return err
			}
			cfg := udpnib.DefaultDistributorConfig()
			cfg.IDistrib, cfg.NDistrib, cfg.SamplesPerPacket = idistrib, ndistrib, samples
			tracker, err := udpnib.NewSequenceTracker(cfg.Stride(), cfg.Phase(), threshold, cfg.MaxProblemPackets)
			if err != nil {
				return err
			}
			src, err := udpnib.NewUDPSource(host, p, 0)
			if err != nil {
				return err
			}
			defer src.Close()
			fmt.Printf("Probing %s:%d for the first %d packets received...\n", host, p, npack)
			return probe(os.Stdout, src, tracker, npack, timeout)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&npack, "count", "n", 10, "number of packets to dump")
	f.IntVarP(&port, "port", "p", defaultPort, "port to monitor")
	f.IntVarP(&idistrib, "i-distrib", "i", 0, "index of the distributor whose view to show")
	f.IntVar(&ndistrib, "n-distrib", 1, "number of distributors sharing the stream")
	f.Uint64Var(&samples, "samples-per-packet", 1024, "raw counter advance per packet")
	f.Uint64Var(&threshold, "start-threshold", 0, "start gate threshold (0: accept the first packet)")
	f.DurationVar(&timeout, "timeout", 10*time.Second, "give up after this long without a packet")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
