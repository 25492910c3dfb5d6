package udpnib

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLifecycle plays the receiver's part in the START and STOP handshakes.
func fakeLifecycle(state *AcquisitionState) {
	for !state.Quitting() {
		switch {
		case state.StartPending() && !state.Recording():
			state.SetRecording(true)
			state.clearStart()
		case state.Recording() && state.StopMode() != StopNone:
			state.SetRecording(false)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestControllerStateRules(t *testing.T) {
	state := NewAcquisitionState()
	defer state.Quit()
	ctl := NewController(state, nil, time.Millisecond)
	go fakeLifecycle(state)

	assert.Equal(t, ReplyFail, ctl.Execute("FLUSH"), "FLUSH while Idle")
	assert.Equal(t, ReplyFail, ctl.Execute("STOP"), "STOP while Idle")
	assert.Equal(t, ReplyOK, ctl.Execute("START"))
	assert.Equal(t, Active, state.State())
	assert.Equal(t, ReplyFail, ctl.Execute("START"), "START while Active")
	assert.Equal(t, ReplyOK, ctl.Execute("flush\r\n"))
	assert.Equal(t, Idle, state.State())
	assert.Equal(t, StopNone, state.StopMode())

	assert.Equal(t, ReplyOK, ctl.Execute("  start "))
	assert.Equal(t, ReplyOK, ctl.Execute("STOP"))
	assert.Equal(t, Idle, state.State())

	for _, bad := range []string{"", "STARTX", "STAT", "hello", "START NOW"} {
		assert.Equal(t, ReplyFail, ctl.Execute(bad), "command %q", bad)
	}
}

func TestControllerStartRefusedWhilePending(t *testing.T) {
	state := NewAcquisitionState()
	ctl := NewController(state, nil, time.Millisecond)
	state.RequestStart()
	assert.Equal(t, ReplyFail, ctl.Execute("START"))
	assert.True(t, state.StartPending())
}

func TestControllerQuitReleasesStart(t *testing.T) {
	state := NewAcquisitionState()
	ctl := NewController(state, nil, time.Millisecond)
	reply := make(chan string)
	go func() { reply <- ctl.Execute("START") }()
	require.Eventually(t, state.StartPending, someSeconds, tick)
	assert.Equal(t, ReplyOK, ctl.Execute("QUIT"))
	assert.Equal(t, ReplyFail, <-reply, "nobody started recording")
	assert.False(t, state.StartPending())
	assert.True(t, state.Quitting())
}

func TestControllerStats(t *testing.T) {
	state := NewAcquisitionState()
	rates := Rates{MBReceivedPerSec: 1600, MBDroppedPerSec: 0.3, MBSentPerSec: 1599.5,
		OutOfOrder: 3, OutOfOrderChans: 1, MBFree: 900, MBTotal: 1024}
	ctl := NewController(state, func() Rates { return rates }, time.Millisecond)
	assert.Equal(t,
		"mb_rcv_ps=1600.0,mb_drp_ps= 0.3,mb_snd_ps=1599.5,ooo_pkts=3,ooo_chids=1,mb_free=900.0,mb_total=1024.0\r\nok\r\n",
		ctl.Execute("stats"))

	quiet := NewController(state, nil, time.Millisecond)
	assert.True(t, strings.HasPrefix(quiet.Execute("STATS"), "mb_rcv_ps= 0.0,"))
}

func TestControlServer(t *testing.T) {
	state := NewAcquisitionState()
	ctl := NewController(state, nil, 5*time.Millisecond)
	go fakeLifecycle(state)
	cs, err := NewControlServer("127.0.0.1:0", ctl)
	require.NoError(t, err)
	served := make(chan error)
	go func() { served <- cs.Serve() }()

	conn, err := net.Dial("tcp", cs.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)
	readReply := func() string {
		conn.SetReadDeadline(time.Now().Add(someSeconds))
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		return line
	}

	// Two commands in one write.
	_, err = conn.Write([]byte("START\r\nbogus\n"))
	require.NoError(t, err)
	assert.Equal(t, ReplyOK, readReply())
	assert.Equal(t, ReplyFail, readReply())

	// A command split across read deadlines.
	_, err = conn.Write([]byte("FL"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte("USH\r\n"))
	require.NoError(t, err)
	assert.Equal(t, ReplyOK, readReply())
	assert.False(t, state.Recording())

	_, err = conn.Write([]byte("QUIT\n"))
	require.NoError(t, err)
	assert.Equal(t, ReplyOK, readReply())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(someSeconds):
		t.Fatal("control server did not exit after QUIT")
	}
}

func TestControlServerLongLine(t *testing.T) {
	state := NewAcquisitionState()
	defer state.Quit()
	ctl := NewController(state, nil, 5*time.Millisecond)
	cs, err := NewControlServer("127.0.0.1:0", ctl)
	require.NoError(t, err)
	go cs.Serve()

	conn, err := net.Dial("tcp", cs.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(bytes.Repeat([]byte("S"), MaxCommandLine+1))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(someSeconds))
	reply, err := io.ReadAll(conn)
	require.NoError(t, err, "the server closes the connection")
	assert.Equal(t, ReplyFail, string(reply))

	// The next client is served normally.
	conn2, err := net.Dial("tcp", cs.Addr().String())
	require.NoError(t, err)
	defer conn2.Close()
	_, err = conn2.Write([]byte("STATS\n"))
	require.NoError(t, err)
	reader := bufio.NewReader(conn2)
	conn2.SetReadDeadline(time.Now().Add(someSeconds))
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "mb_rcv_ps="), line)
}

func TestControlServerBadAddress(t *testing.T) {
	ctl := NewController(NewAcquisitionState(), nil, time.Millisecond)
	_, err := NewControlServer("127.0.0.1:-1", ctl)
	assert.Error(t, err)
}
