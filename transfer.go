package udpnib

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/usnistgov/udpnib/ringbuffer"
)

// OpenTransfer connects to a destination given as a URL:
// tcp://host:port (or a bare host:port), zmq://host:port, shm://name, or null:.
func OpenTransfer(dest string) (BulkTransfer, error) {
	u, err := parseDestination(dest)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeTCP:
		return DialTCPTransfer(u.Host, 5*time.Second)
	case SchemeZMQ:
		return NewZMQTransfer("tcp://" + u.Host)
	case SchemeShm:
		return openShmTransfer(u)
	}
	return NullTransfer{}, nil
}

// NullTransfer discards every chunk. Receive-only mode uses it for every destination.
type NullTransfer struct{}

// Transfer implements BulkTransfer.
func (NullTransfer) Transfer(p []byte) error { return nil }

// Close implements BulkTransfer.
func (NullTransfer) Close() error { return nil }

// tcpAck is the byte a TCP sink returns after taking a whole chunk.
const tcpAck = 'k'

// TCPTransfer sends each chunk as an 8-byte big-endian length followed by the
// chunk, then waits for the sink's one-byte acknowledgement.
type TCPTransfer struct {
	conn net.Conn
	hdr  [8]byte
	ack  [1]byte
}

// DialTCPTransfer connects to a TCP sink at addr.
func DialTCPTransfer(addr string, timeout time.Duration) (*TCPTransfer, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("could not reach TCP sink %s: %w", addr, err)
	}
	return &TCPTransfer{conn: conn}, nil
}

// Transfer implements BulkTransfer.
func (tt *TCPTransfer) Transfer(p []byte) error {
	binary.BigEndian.PutUint64(tt.hdr[:], uint64(len(p)))
	if _, err := tt.conn.Write(tt.hdr[:]); err != nil {
		return err
	}
	if _, err := tt.conn.Write(p); err != nil {
		return err
	}
	if _, err := io.ReadFull(tt.conn, tt.ack[:]); err != nil {
		return fmt.Errorf("no acknowledgement from %v: %w", tt.conn.RemoteAddr(), err)
	}
	if tt.ack[0] != tcpAck {
		return fmt.Errorf("sink %v sent acknowledgement %q", tt.conn.RemoteAddr(), tt.ack[0])
	}
	return nil
}

// Close implements BulkTransfer.
func (tt *TCPTransfer) Close() error {
	return tt.conn.Close()
}

// maxTCPChunk bounds the length a sink will accept in one frame.
const maxTCPChunk = 1 << 32

// ServeTCPSink accepts TCPTransfer connections on ln and calls handle with each
// chunk, acknowledging it once handle returns nil. handle must not keep the slice.
// It returns when ln is closed.
func ServeTCPSink(ln net.Listener, handle func(chunk []byte) error) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			defer conn.Close()
			if err := serveTCPConn(conn, handle); err != nil && !errors.Is(err, io.EOF) {
				ProblemLogger.Printf("TCP sink connection from %v: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func serveTCPConn(conn net.Conn, handle func(chunk []byte) error) error {
	r := bufio.NewReaderSize(conn, 1<<20)
	var hdr [8]byte
	var chunk []byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint64(hdr[:])
		if n > maxTCPChunk {
			return fmt.Errorf("frame of %d bytes is too long", n)
		}
		if uint64(cap(chunk)) < n {
			chunk = make([]byte, n)
		}
		chunk = chunk[:n]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return err
		}
		if err := handle(chunk); err != nil {
			return err
		}
		if _, err := conn.Write([]byte{tcpAck}); err != nil {
			return err
		}
	}
}

// ZMQTransfer pushes each chunk as one message on a ZMQ PUSH socket.
// Completion means ZMQ has queued the message.
type ZMQTransfer struct {
	socket *zmq4.Socket
}

// NewZMQTransfer connects a PUSH socket to endpoint, such as "tcp://host:5800".
func NewZMQTransfer(endpoint string) (*ZMQTransfer, error) {
	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("could not connect PUSH socket to %s: %w", endpoint, err)
	}
	return &ZMQTransfer{socket: socket}, nil
}

// Transfer implements BulkTransfer.
func (zt *ZMQTransfer) Transfer(p []byte) error {
	_, err := zt.socket.SendBytes(p, 0)
	return err
}

// Close implements BulkTransfer.
func (zt *ZMQTransfer) Close() error {
	zt.socket.SetLinger(time.Second)
	return zt.socket.Close()
}

// ShmTransfer writes each chunk into a shared-memory ring created by the consumer.
// When the ring is full it waits for the consumer, up to a timeout.
type ShmTransfer struct {
	ring    *ringbuffer.RingBuffer
	timeout time.Duration
	poll    time.Duration
}

// ShmDescriptionName returns the name of the description region for the ring called name.
func ShmDescriptionName(name string) string {
	return name + "_desc"
}

// openShmTransfer handles shm://name?timeout=5s.
func openShmTransfer(u *url.URL) (*ShmTransfer, error) {
	timeout := 5 * time.Second
	if v := u.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, configErrorf("destination %v: bad timeout: %v", u, err)
		}
		timeout = d
	}
	return NewShmTransfer(u.Host, timeout)
}

// NewShmTransfer attaches to the existing ring called name.
func NewShmTransfer(name string, timeout time.Duration) (*ShmTransfer, error) {
	ring, err := ringbuffer.NewRingBuffer(name, ShmDescriptionName(name))
	if err != nil {
		return nil, err
	}
	if err := ring.Open(); err != nil {
		return nil, fmt.Errorf("could not open shared-memory ring %s: %w", name, err)
	}
	return &ShmTransfer{ring: ring, timeout: timeout, poll: 100 * time.Microsecond}, nil
}

// Transfer implements BulkTransfer.
func (st *ShmTransfer) Transfer(p []byte) error {
	if len(p) > st.ring.Size() {
		return fmt.Errorf("chunk of %d bytes cannot fit ring of %d", len(p), st.ring.Size())
	}
	deadline := time.Now().Add(st.timeout)
	for st.ring.BytesWriteable() < len(p) {
		if time.Now().After(deadline) {
			return fmt.Errorf("shared-memory ring stayed full for %v: %w", st.timeout, ringbuffer.ErrInsufficientSpace)
		}
		time.Sleep(st.poll)
	}
	_, err := st.ring.Write(p)
	return err
}

// Close implements BulkTransfer.
func (st *ShmTransfer) Close() error {
	return st.ring.Close()
}
