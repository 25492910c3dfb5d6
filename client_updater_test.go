package udpnib

import (
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStatusPublisher(t *testing.T) {
	port := freePort(t)
	sp, err := NewStatusPublisher(port)
	require.NoError(t, err)
	defer sp.Close()

	sub, err := zmq4.NewSocket(zmq4.SUB)
	require.NoError(t, err)
	defer sub.Close()
	require.NoError(t, sub.Connect(fmt.Sprintf("tcp://127.0.0.1:%d", port)))
	require.NoError(t, sub.SetSubscribe("RUN"))
	sub.SetRcvtimeo(20 * time.Millisecond)

	notice := RunStatNotice{RunID: "01J", Event: "finish", Received: 9, Dropped: 1, DropRatio: 0.1}
	// A subscriber misses whatever is published before it has joined, so keep publishing.
	var msg []string
	deadline := time.Now().Add(someSeconds)
	for msg == nil && time.Now().Before(deadline) {
		sp.Updates() <- StatusUpdate{Tag: "STATS", State: Rates{}}
		sp.Updates() <- StatusUpdate{Tag: "RUN", State: notice}
		msg, _ = sub.RecvMessage(0)
	}
	require.Len(t, msg, 2)
	assert.Equal(t, "RUN", msg[0])
	var got RunStatNotice
	require.NoError(t, json.Unmarshal([]byte(msg[1]), &got))
	assert.Equal(t, notice, got)
}

func TestStatusPublisherBadPort(t *testing.T) {
	_, err := NewStatusPublisher(-1)
	assert.Error(t, err)
}
