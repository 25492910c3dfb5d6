package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/usnistgov/udpnib"
)

func TestSinkCounter(t *testing.T) {
	stream := udpnib.StreamSpec{PacketSize: 32, Stride: 1024}
	var chunk []byte
	for i := uint64(0); i < 4; i++ {
		chunk = append(chunk, stream.Packet(i)...)
	}
	sc := new(sinkCounter)
	sc.take(chunk, 32)
	sc.take(chunk[:64], 32)
	assert.Equal(t, uint64(192), sc.bytes.Load())
	assert.Equal(t, uint64(2), sc.chunks.Load())
	assert.Equal(t, uint64(1024), sc.last.Load())
}
