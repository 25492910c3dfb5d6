package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/usnistgov/udpnib"
)

// flagKeys maps each distributor flag to its key in the config file, so a flag
// given on the command line overrides the file, which overrides the default.
var flagKeys = map[string]string{
	"i-distrib":          "distributor.idistrib",
	"n-distrib":          "distributor.ndistrib",
	"samples-per-packet": "distributor.samplesperpacket",
	"seq-stride":         "distributor.seqstride",
	"seq-offset":         "distributor.seqoffset",
	"packet-size":        "distributor.packetsize",
	"packets-per-xfer":   "distributor.packetsperxfer",
	"packets-per-chunk":  "distributor.packetsperchunk",
	"dest":               "distributor.destinations",
	"receive-only":       "distributor.receiveonly",
	"clamp":              "distributor.clamprate",
	"interface":          "distributor.interface",
	"udp-port":           "distributor.udpport",
	"socket-buffer":      "distributor.socketbuffer",
	"control-port":       "distributor.controlport",
	"status-port":        "distributor.statusport",
	"metrics":            "distributor.metricsaddress",
	"poll":               "distributor.pollinterval",
	"seconds":            "distributor.acquireseconds",
	"bytes":              "distributor.acquirebytes",
	"nominal-rate":       "distributor.nominalrate",
	"filler":             "distributor.filler",
	"filler-pattern":     "distributor.fillerpattern",
	"start-threshold":    "distributor.startthreshold",
	"max-problems":       "distributor.maxproblempackets",
	"channel-id":         "distributor.channelid",
	"check-channel":      "distributor.checkchannelid",
	"drop-file":          "distributor.datadropfilename",
	"verbose":            "distributor.verbose",
	"recv-cpu":           "distributor.recvcpu",
	"send-cpu":           "distributor.sendcpu",
	"database":           "distributor.database",
	"database-address":   "distributor.databaseaddress",
}

func addDistributorFlags(cmd *cobra.Command) {
	def := udpnib.DefaultDistributorConfig()
	f := cmd.Flags()
	f.IntP("i-distrib", "i", def.IDistrib, "index of this distributor")
	f.IntP("n-distrib", "n", def.NDistrib, "number of distributors sharing the stream")
	f.Uint64("samples-per-packet", def.SamplesPerPacket, "raw sequence counter advance per packet")
	f.Uint64("seq-stride", 0, "raw counter distance between this distributor's packets (0: derived)")
	f.Int64("seq-offset", def.SeqOffset, "raw counter residue of this distributor (-1: derived)")
	f.Int("packet-size", def.PacketSize, "bytes per datagram, 16-byte header included")
	f.Int("packets-per-xfer", def.PacketsPerXfer, "packets per send buffer")
	f.Int("packets-per-chunk", def.PacketsPerChunk, "packets per downstream transfer")
	f.StringSliceP("dest", "d", nil, "destinations, one per send buffer")
	f.BoolP("receive-only", "r", false, "receive and discard, sending nothing")
	f.Float64P("clamp", "c", 0, "limit each transmitter to this many MB/s (0: no limit)")
	f.String("interface", def.Interface, "IPv4 address to receive on, or any")
	f.IntP("udp-port", "p", def.UDPPort, "UDP port to receive on")
	f.Int("socket-buffer", def.SocketBuffer, "UDP receive buffer size in bytes")
	f.Int("base-port", udpnib.Ports.Control, "first of the consecutive control, status, and metrics ports")
	f.Int("control-port", def.ControlPort, "TCP control port (0: start at once and run once)")
	f.Int("status-port", def.StatusPort, "ZMQ status publisher port (0: none)")
	f.String("metrics", def.MetricsAddress, "address to serve Prometheus metrics on, such as :5702")
	f.Duration("poll", def.PollInterval, "statistics and control polling interval")
	f.Float64P("seconds", "t", 0, "seconds of data to acquire (0: until stopped)")
	f.Uint64("bytes", 0, "bytes to acquire; overrides --seconds")
	f.Float64("nominal-rate", def.NominalRate, "bytes per second of the whole stream, for --seconds")
	f.String("filler", def.Filler, "payload of packets written for lost ones: zero, pattern, or none")
	f.String("filler-pattern", "", "hex bytes repeated over filler payloads")
	f.Uint64("start-threshold", def.StartThreshold, "first logical sequence number accepted must be below this (0: no gate)")
	f.Int("max-problems", def.MaxProblemPackets, "consecutive uncorrectable packets before giving up")
	f.Uint64("channel-id", 0, "channel id stamped into filler packets (0: i_distrib+1)")
	f.Bool("check-channel", false, "count packets whose channel id is not ours")
	f.String("drop-file", "", "file recording every gap that was filled")
	f.BoolP("verbose", "v", false, "log statistics and problems in detail")
	f.Int("recv-cpu", def.RecvCPU, "CPU to pin the receiver to (-1: none)")
	f.Int("send-cpu", def.SendCPU, "CPU to pin the transmitters to (-1: none)")
	f.Bool("database", false, "record activity and runs in ClickHouse")
	f.String("database-address", def.DatabaseAddress, "ClickHouse host:port")
}

// loadConfig binds the distributor flags into v, decodes the distributor
// section, and applies the positional arguments i_distrib n_distrib destination...
func loadConfig(v *viper.Viper, cmd *cobra.Command, args []string) (udpnib.DistributorConfig, error) {
	f := cmd.Flags()
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			return udpnib.DistributorConfig{}, err
		}
	}

	settings := struct {
		Distributor udpnib.DistributorConfig
	}{udpnib.DefaultDistributorConfig()}
	if err := v.Unmarshal(&settings); err != nil {
		return udpnib.DistributorConfig{}, fmt.Errorf("could not decode configuration: %w", err)
	}
	cfg := settings.Distributor

	if f.Changed("base-port") {
		base, _ := f.GetInt("base-port")
		udpnib.SetPortnumbers(base)
		if !f.Changed("control-port") {
			cfg.ControlPort = udpnib.Ports.Control
		}
		if !f.Changed("status-port") {
			cfg.StatusPort = udpnib.Ports.Status
		}
	}

	switch {
	case len(args) == 0:
	case len(args) < 3:
		return cfg, fmt.Errorf("%w: need i_distrib n_distrib and at least one destination", udpnib.ErrBadConfig)
	default:
		var err error
		if cfg.IDistrib, err = strconv.Atoi(args[0]); err != nil {
			return cfg, fmt.Errorf("%w: i_distrib %q: %v", udpnib.ErrBadConfig, args[0], err)
		}
		if cfg.NDistrib, err = strconv.Atoi(args[1]); err != nil {
			return cfg, fmt.Errorf("%w: n_distrib %q: %v", udpnib.ErrBadConfig, args[1], err)
		}
		cfg.Destinations = args[2:]
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return cfg, nil
}
