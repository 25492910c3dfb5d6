package udpnib

import (
	"encoding/hex"
	"math"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Filler policies for the payload of synthesized packets.
const (
	FillerZero    = "zero"    // zeroed payload
	FillerPattern = "pattern" // FillerPattern repeated over the payload
	FillerNone    = "none"    // payload left as whatever the slot held
)

// MaxDestinations is the largest number of downstream destinations one distributor may serve.
const MaxDestinations = 16

// DistributorConfig holds every setting of one distributor. The zero value is
// not useful; start from DefaultDistributorConfig.
type DistributorConfig struct {
	IDistrib         int    // index of this distributor
	NDistrib         int    // number of distributors sharing the stream
	SamplesPerPacket uint64 // raw counter advance per packet
	SeqStride        uint64 // 0 means SamplesPerPacket*NDistrib
	SeqOffset        int64  // negative means SamplesPerPacket*IDistrib

	PacketSize      int // bytes per datagram, header included
	PacketsPerXfer  int // packets per send buffer
	PacketsPerChunk int // packets per downstream transfer call
	Destinations    []string
	ReceiveOnly     bool
	ClampRate       float64 // MB/s per transmitter, 0 for no limit

	Interface    string // IPv4 address to bind, or "any"
	UDPPort      int
	SocketBuffer int // requested SO_RCVBUF in bytes

	ControlPort    int // 0 disables the control server
	StatusPort     int // 0 disables the status publisher
	MetricsAddress string
	PollInterval   time.Duration

	AcquireSeconds float64
	AcquireBytes   uint64  // explicit budget; overrides AcquireSeconds
	NominalRate    float64 // bytes per second of the whole stream

	Filler            string
	FillerPattern     string // hex bytes, used when Filler is "pattern"
	StartThreshold    uint64
	MaxProblemPackets int
	ChannelID         uint64 // 0 means IDistrib+1
	CheckChannelID    bool

	DataDropFilename string
	Verbose          bool
	RecvCPU          int // -1 for no affinity
	SendCPU          int
	Database         bool
	DatabaseAddress  string
}

// DefaultDistributorConfig returns the configuration of distributor 0 of 1 with
// the customary packet geometry.
func DefaultDistributorConfig() DistributorConfig {
	return DistributorConfig{
		IDistrib:          0,
		NDistrib:          1,
		SamplesPerPacket:  1024,
		SeqOffset:         -1,
		PacketSize:        8208,
		PacketsPerXfer:    1000,
		PacketsPerChunk:   100,
		Interface:         "any",
		UDPPort:           4001,
		SocketBuffer:      256 * 1024 * 1024,
		ControlPort:       Ports.Control,
		StatusPort:        Ports.Status,
		NominalRate:       1.6e9,
		Filler:            FillerZero,
		StartThreshold:    10000,
		MaxProblemPackets: 10,
		PollInterval:      time.Second,
		RecvCPU:           -1,
		SendCPU:           -1,
		DatabaseAddress:   "localhost:9000",
	}
}

// Stride returns the raw counter distance between this distributor's consecutive packets.
func (c DistributorConfig) Stride() uint64 {
	if c.SeqStride != 0 {
		return c.SeqStride
	}
	return c.SamplesPerPacket * uint64(c.NDistrib)
}

// Phase returns the raw counter residue owned by this distributor.
func (c DistributorConfig) Phase() uint64 {
	if c.SeqOffset >= 0 {
		return uint64(c.SeqOffset)
	}
	return c.SamplesPerPacket * uint64(c.IDistrib)
}

// FillerChannelID returns the channel id stamped into synthesized packets.
func (c DistributorConfig) FillerChannelID() uint64 {
	if c.ChannelID != 0 {
		return c.ChannelID
	}
	return uint64(c.IDistrib + 1)
}

// BufferCapacity returns the size of each SendBuffer in bytes.
func (c DistributorConfig) BufferCapacity() int {
	return c.PacketSize * c.PacketsPerXfer
}

// ChunkBytes returns the size of one downstream transfer in bytes.
func (c DistributorConfig) ChunkBytes() int {
	return c.PacketSize * c.PacketsPerChunk
}

// BytesToAcquire returns the acquisition budget, or 0 for unlimited.
func (c DistributorConfig) BytesToAcquire() uint64 {
	if c.AcquireBytes > 0 {
		return c.AcquireBytes
	}
	if c.AcquireSeconds <= 0 || c.NDistrib < 1 {
		return 0
	}
	return uint64(c.NominalRate * c.AcquireSeconds / float64(c.NDistrib))
}

// fillerPayload returns the bytes to copy over a filler packet after its header,
// or nil when the payload should be left alone.
func (c DistributorConfig) fillerPayload() ([]byte, error) {
	n := c.PacketSize - PacketHeaderSize
	switch c.Filler {
	case FillerZero, "":
		return make([]byte, n), nil
	case FillerNone:
		return nil, nil
	case FillerPattern:
		pat, err := hex.DecodeString(c.FillerPattern)
		if err != nil || len(pat) == 0 {
			return nil, configErrorf("filler pattern %q must be non-empty hex", c.FillerPattern)
		}
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = pat[i%len(pat)]
		}
		return payload, nil
	}
	return nil, configErrorf("unknown filler policy %q", c.Filler)
}

// totalRAM is replaced in tests.
var totalRAM = func() (uint64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, err
	}
	return uint64(info.Totalram) * uint64(info.Unit), nil
}

// Validate checks the configuration for values that cannot work.
func (c DistributorConfig) Validate() error {
	if c.NDistrib < 1 {
		return configErrorf("NDistrib %d must be at least 1", c.NDistrib)
	}
	if c.IDistrib < 0 || c.IDistrib >= c.NDistrib {
		return configErrorf("IDistrib %d must be in [0, %d)", c.IDistrib, c.NDistrib)
	}
	if c.SamplesPerPacket == 0 && c.SeqStride == 0 {
		return configErrorf("SamplesPerPacket must be positive")
	}
	if c.Phase() >= c.Stride() {
		return configErrorf("sequence offset %d must be less than stride %d", c.Phase(), c.Stride())
	}
	if n := len(c.Destinations); n < 1 || n > MaxDestinations {
		return configErrorf("%d destinations given; need 1 to %d", n, MaxDestinations)
	}
	for _, d := range c.Destinations {
		if _, err := parseDestination(d); err != nil {
			return err
		}
	}
	if c.PacketSize < PacketHeaderSize {
		return configErrorf("PacketSize %d must hold the %d byte header", c.PacketSize, PacketHeaderSize)
	}
	if c.PacketsPerXfer < 1 || c.PacketsPerChunk < 1 {
		return configErrorf("PacketsPerXfer and PacketsPerChunk must be positive")
	}
	if c.PacketsPerXfer%c.PacketsPerChunk != 0 {
		return configErrorf("buffer of %d packets is not a whole number of %d-packet chunks",
			c.PacketsPerXfer, c.PacketsPerChunk)
	}
	if uint64(c.BufferCapacity()) > math.MaxUint32 {
		return configErrorf("buffer capacity %d bytes must be below 4 GiB", c.BufferCapacity())
	}
	if c.MaxProblemPackets < 0 {
		return configErrorf("MaxProblemPackets must not be negative")
	}
	if c.ClampRate < 0 {
		return configErrorf("ClampRate must not be negative")
	}
	if _, err := c.fillerPayload(); err != nil {
		return err
	}
	return c.checkMemory()
}

// checkMemory refuses buffer rings that would take more than 75% of physical memory.
func (c DistributorConfig) checkMemory() error {
	required := uint64(len(c.Destinations)) * uint64(c.BufferCapacity())
	total, err := totalRAM()
	if err != nil {
		ProblemLogger.Printf("could not read physical memory size, skipping memory check: %v", err)
		return nil
	}
	if float64(required) > 0.75*float64(total) {
		return configErrorf("send buffers need %d MB but only %d MB of RAM is installed",
			required/1000000, total/1000000)
	}
	return nil
}

// Destination schemes understood by OpenTransfer.
const (
	SchemeTCP  = "tcp"
	SchemeZMQ  = "zmq"
	SchemeShm  = "shm"
	SchemeNull = "null"
)

func parseDestination(dest string) (*url.URL, error) {
	if dest == "null:" || dest == SchemeNull {
		return &url.URL{Scheme: SchemeNull}, nil
	}
	if !strings.Contains(dest, "://") {
		// A bare host:port is a TCP destination.
		dest = SchemeTCP + "://" + dest
	}
	u, err := url.Parse(dest)
	if err != nil {
		return nil, configErrorf("destination %q: %v", dest, err)
	}
	switch u.Scheme {
	case SchemeTCP, SchemeZMQ:
		if u.Port() == "" {
			return nil, configErrorf("destination %q needs a port", dest)
		}
	case SchemeShm:
		if u.Host == "" {
			return nil, configErrorf("destination %q needs a ring name", dest)
		}
	case SchemeNull:
	default:
		return nil, configErrorf("destination %q has unknown scheme %q", dest, u.Scheme)
	}
	return u, nil
}
