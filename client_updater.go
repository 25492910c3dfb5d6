package udpnib

// Contain the status publisher, which publishes JSON-encoded messages
// giving the latest distributor state.

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/usnistgov/udpnib/internal/unboundedchan"
)

// StatusUpdate carries one message to be published on the status port.
type StatusUpdate struct {
	Tag   string
	State any
}

// RunStatNotice is published when an acquisition begins or ends.
type RunStatNotice struct {
	RunID     string
	Event     string // "start" or "finish"
	Time      time.Time
	Received  uint64
	Dropped   uint64
	DropRatio float64
	Err       string `json:",omitempty"`
}

// StatusPublisher queues StatusUpdates and publishes them on a ZMQ PUB socket.
// Senders never block on a slow or absent subscriber; beyond the queue limit
// the oldest updates are discarded.
type StatusPublisher struct {
	queue  *unboundedchan.UnboundedChannel[StatusUpdate]
	socket *zmq4.Socket
	done   chan struct{}
}

// statusQueueLimit bounds the number of updates held while the socket is busy.
const statusQueueLimit = 1000

// NewStatusPublisher binds a PUB socket to port on all interfaces and starts publishing.
func NewStatusPublisher(port int) (*StatusPublisher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	socket.SetLinger(0)
	hostname := fmt.Sprintf("tcp://*:%d", port)
	if err := socket.Bind(hostname); err != nil {
		socket.Close()
		return nil, fmt.Errorf("status publisher could not bind %s: %w", hostname, err)
	}
	sp := &StatusPublisher{
		queue:  unboundedchan.NewUnboundedChannel[StatusUpdate](statusQueueLimit),
		socket: socket,
		done:   make(chan struct{}),
	}
	go sp.run()
	return sp, nil
}

// Updates returns the channel on which to send updates.
func (sp *StatusPublisher) Updates() chan<- StatusUpdate {
	return sp.queue.In()
}

// Close publishes whatever is still queued and closes the socket.
func (sp *StatusPublisher) Close() {
	close(sp.queue.In())
	<-sp.done
}

func (sp *StatusPublisher) run() {
	defer close(sp.done)
	defer sp.socket.Close()
	for update := range sp.queue.Out() {
		message, err := json.Marshal(update.State)
		if err != nil {
			ProblemLogger.Printf("status publisher could not encode %s: %v", update.Tag, err)
			continue
		}
		if _, err := sp.socket.SendMessage(update.Tag, message); err != nil {
			ProblemLogger.Printf("status publisher could not send %s: %v", update.Tag, err)
		}
	}
}
