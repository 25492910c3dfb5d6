package udpnib

import "encoding/binary"

// PacketHeaderSize is the length of the header at the start of every packet:
// a big-endian raw sequence counter in bytes [0,8) and a big-endian channel id in [8,16).
const PacketHeaderSize = 16

// PacketSequence decodes the raw sequence counter of packet p.
func PacketSequence(p []byte) uint64 {
	return binary.BigEndian.Uint64(p[0:8])
}

// PacketChannel decodes the channel id of packet p.
func PacketChannel(p []byte) uint64 {
	return binary.BigEndian.Uint64(p[8:16])
}

// SetPacketSequence overwrites the raw sequence counter of packet p.
func SetPacketSequence(p []byte, seq uint64) {
	binary.BigEndian.PutUint64(p[0:8], seq)
}

// SetPacketHeader overwrites the whole header of packet p.
func SetPacketHeader(p []byte, seq, channel uint64) {
	binary.BigEndian.PutUint64(p[0:8], seq)
	binary.BigEndian.PutUint64(p[8:16], channel)
}
