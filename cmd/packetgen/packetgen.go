package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/usnistgov/udpnib"
	"golang.org/x/time/rate"
)

// generate sends the packets of spec to conn, at most pps packets per second
// when pps is positive. It returns the number sent.
func generate(ctx context.Context, conn net.Conn, spec udpnib.StreamSpec, pps float64) (int, error) {
	var limiter *rate.Limiter
	if pps > 0 {
		limiter = rate.NewLimiter(rate.Limit(pps), 1+int(pps/100))
	}
	sent := 0
	for _, p := range spec.Packets() {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return sent, err
			}
		}
		if _, err := conn.Write(p); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

func main() {
	def := udpnib.DefaultDistributorConfig()
	cfg := def
	var spec udpnib.StreamSpec
	var pps float64
	cmd := &cobra.Command{
		Use:   "packetgen host:port",
		Short: "Send a synthetic sequence-numbered UDP stream to a udpnib distributor",
		Long: `packetgen sends one distributor's share of a synthetic stream: packets whose
headers carry the raw counter logical*stride+phase+offset, with optional loss,
neighbour swaps, and duplicates. The payload of each packet identifies it.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.PacketSize = cfg.PacketSize
			spec.Stride = cfg.Stride()
			spec.Phase = cfg.Phase()
			spec.ChannelID = cfg.FillerChannelID()
			if spec.Seed == 0 {
				spec.Seed = uint64(time.Now().UnixNano())
			}
			conn, err := net.Dial("udp", args[0])
			if err != nil {
				return err
			}
			defer conn.Close()
			start := time.Now()
			n, err := generate(context.Background(), conn, spec, pps)
			elapsed := time.Since(start)
			fmt.Printf("sent %d of %d packets (%d bytes) in %v\n", n, spec.Count, n*spec.PacketSize, elapsed)
			return err
		},
	}
	f := cmd.Flags()
	f.IntVarP(&spec.Count, "count", "n", 10000, "logical packets to generate, before loss")
	f.Uint64Var(&spec.FirstLogical, "first", 0, "logical number of the first packet")
	f.Int64Var(&spec.Offset, "offset", 0, "constant added to every raw counter")
	f.Float64Var(&spec.LossRate, "loss", 0, "probability of dropping each packet")
	f.Float64Var(&spec.ReorderRate, "reorder", 0, "probability of swapping a packet with its predecessor")
	f.Float64Var(&spec.DuplicateRate, "duplicate", 0, "probability of sending a packet twice")
	f.Uint64Var(&spec.Seed, "seed", 0, "random seed (0: from the clock)")
	f.Float64Var(&pps, "pps", 100000, "packets per second (0: as fast as possible)")
	f.IntVarP(&cfg.IDistrib, "i-distrib", "i", def.IDistrib, "index of the receiving distributor")
	f.IntVarP(&cfg.NDistrib, "n-distrib", "N", def.NDistrib, "number of distributors sharing the stream")
	f.Uint64Var(&cfg.SamplesPerPacket, "samples-per-packet", def.SamplesPerPacket, "raw counter advance per packet")
	f.IntVar(&cfg.PacketSize, "packet-size", def.PacketSize, "bytes per datagram")
	f.Uint64Var(&cfg.ChannelID, "channel-id", 0, "channel id in every header (0: i_distrib+1)")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
