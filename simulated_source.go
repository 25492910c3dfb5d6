package udpnib

import (
	"math/rand/v2"
	"sync"
)

// StreamSpec describes a synthetic packet stream as one distributor would see it:
// its own share of the raw counters, shifted by a constant offset, with
// optional loss, reordering of neighbours, and duplication.
type StreamSpec struct {
	Count         int // logical packets before loss is applied
	FirstLogical  uint64
	PacketSize    int
	Stride        uint64
	Phase         uint64
	Offset        int64 // added to every raw counter
	ChannelID     uint64
	LossRate      float64
	ReorderRate   float64
	DuplicateRate float64
	Seed          uint64
}

// SimulatedPayloadByte is the byte that fills the payload of the simulated
// packet with the given logical number. It is never zero.
func SimulatedPayloadByte(logical uint64) byte {
	return byte(logical%251) + 1
}

// RawCounter returns the header value of the packet with the given logical number.
func (s StreamSpec) RawCounter(logical uint64) uint64 {
	return uint64(int64(logical*s.Stride+s.Phase) + s.Offset)
}

// Packet builds the packet with the given logical number.
func (s StreamSpec) Packet(logical uint64) []byte {
	p := make([]byte, s.PacketSize)
	SetPacketHeader(p, s.RawCounter(logical), s.ChannelID)
	b := SimulatedPayloadByte(logical)
	for i := PacketHeaderSize; i < len(p); i++ {
		p[i] = b
	}
	return p
}

// Packets generates the stream. The same spec always yields the same packets.
func (s StreamSpec) Packets() [][]byte {
	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x9e3779b97f4a7c15))
	out := make([][]byte, 0, s.Count)
	for i := 0; i < s.Count; i++ {
		if s.LossRate > 0 && rng.Float64() < s.LossRate {
			continue
		}
		p := s.Packet(s.FirstLogical + uint64(i))
		out = append(out, p)
		if s.DuplicateRate > 0 && rng.Float64() < s.DuplicateRate {
			out = append(out, p)
		}
	}
	if s.ReorderRate > 0 {
		for i := 1; i < len(out); i++ {
			if rng.Float64() < s.ReorderRate {
				out[i-1], out[i] = out[i], out[i-1]
				i++
			}
		}
	}
	return out
}

// SimulatedSource is a PacketSource that replays queued packets, for testing
// and for running the distributor without a network.
type SimulatedSource struct {
	mu      sync.Mutex
	packets [][]byte
	closed  bool
	nrecv   int
}

// NewSimulatedSource returns a source that will deliver packets in order.
func NewSimulatedSource(packets [][]byte) *SimulatedSource {
	return &SimulatedSource{packets: packets}
}

// Push queues more packets.
func (s *SimulatedSource) Push(packets ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, packets...)
}

// Remaining returns the number of packets not yet delivered.
func (s *SimulatedSource) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

// Delivered returns the number of packets handed out by Recv.
func (s *SimulatedSource) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nrecv
}

// Recv implements PacketSource.
func (s *SimulatedSource) Recv(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.packets) == 0 {
		return 0, ErrWouldBlock
	}
	pkt := s.packets[0]
	s.packets = s.packets[1:]
	s.nrecv++
	copy(p, pkt)
	return len(pkt), nil
}

// Close implements PacketSource.
func (s *SimulatedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
