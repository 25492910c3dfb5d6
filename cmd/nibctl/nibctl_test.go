package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/udpnib"
)

func TestSendCommand(t *testing.T) {
	state := udpnib.NewAcquisitionState()
	ctl := udpnib.NewController(state, func() udpnib.Rates { return udpnib.Rates{MBTotal: 8} }, 5*time.Millisecond)
	cs, err := udpnib.NewControlServer("127.0.0.1:0", ctl)
	require.NoError(t, err)
	go cs.Serve()
	defer state.Quit()

	lines, err := sendCommand(cs.Addr().String(), "stats", time.Second)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "mb_total= 8.0")
	assert.Equal(t, "ok", lines[1])

	lines, err = sendCommand(cs.Addr().String(), "FLUSH", time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"fail"}, lines)
}

func TestSendCommandNoServer(t *testing.T) {
	_, err := sendCommand("127.0.0.1:1", "STATS", 100*time.Millisecond)
	assert.Error(t, err)
}
