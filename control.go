package udpnib

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// Replies terminating every control response.
const (
	ReplyOK   = "ok\r\n"
	ReplyFail = "fail\r\n"
)

// MaxCommandLine is the longest command line, terminator included, that the
// control server accepts before dropping the connection.
const MaxCommandLine = 1024

// Controller executes the line-oriented control commands against an AcquisitionState.
type Controller struct {
	state *AcquisitionState
	stats func() Rates
	poll  time.Duration
}

// NewController returns a Controller. stats supplies the reply to STATS and may be nil.
func NewController(state *AcquisitionState, stats func() Rates, poll time.Duration) *Controller {
	if poll <= 0 {
		poll = time.Second
	}
	return &Controller{state: state, stats: stats, poll: poll}
}

// Execute runs one command line and returns the complete reply.
// START, FLUSH, and STOP do not return until the acquisition has changed state
// or the process is quitting.
func (c *Controller) Execute(line string) string {
	cmd := strings.ToUpper(strings.TrimSpace(line))
	switch cmd {
	case "STATS":
		var r Rates
		if c.stats != nil {
			r = c.stats()
		}
		return r.ControlReply() + ReplyOK

	case "START":
		if c.state.State() != Idle || c.state.StartPending() {
			ProblemLogger.Printf("control: START refused in state %v", c.state.State())
			return ReplyFail
		}
		UpdateLogger.Println("control: START")
		c.state.RequestStart()
		// The receiver clears the request once it is recording.
		c.waitFor(func() bool { return !c.state.StartPending() })
		if c.state.StartPending() {
			c.state.clearStart()
			return ReplyFail
		}
		return ReplyOK

	case "FLUSH", "STOP":
		mode := StopFlush
		if cmd == "STOP" {
			mode = StopImmediate
		}
		if c.state.State() != Active {
			ProblemLogger.Printf("control: %s refused in state %v", cmd, c.state.State())
			return ReplyFail
		}
		UpdateLogger.Printf("control: %s", cmd)
		c.state.RequestStop(mode)
		c.waitFor(func() bool { return !c.state.Recording() })
		c.state.clearStop()
		return ReplyOK

	case "QUIT":
		UpdateLogger.Println("control: QUIT")
		c.state.Quit()
		return ReplyOK
	}
	ProblemLogger.Printf("control: unrecognized command %q", strings.TrimSpace(line))
	return ReplyFail
}

// waitFor polls until done returns true or the process is quitting.
func (c *Controller) waitFor(done func() bool) {
	for !done() && !c.state.Quitting() {
		time.Sleep(c.poll)
	}
}

// ControlServer accepts one TCP connection at a time and runs each line it
// receives through a Controller.
type ControlServer struct {
	listener *net.TCPListener
	ctl      *Controller
	state    *AcquisitionState
	poll     time.Duration
}

// NewControlServer listens on addr, such as ":5700" or "127.0.0.1:0".
func NewControlServer(addr string, ctl *Controller) (*ControlServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control server could not listen on %s: %w", addr, err)
	}
	return &ControlServer{listener: ln.(*net.TCPListener), ctl: ctl, state: ctl.state, poll: ctl.poll}, nil
}

// Addr returns the listening address.
func (cs *ControlServer) Addr() net.Addr {
	return cs.listener.Addr()
}

// Close stops listening.
func (cs *ControlServer) Close() error {
	return cs.listener.Close()
}

// Serve handles connections until the acquisition state says to quit.
func (cs *ControlServer) Serve() error {
	defer cs.listener.Close()
	for !cs.state.Quitting() {
		cs.listener.SetDeadline(time.Now().Add(cs.poll))
		conn, err := cs.listener.Accept()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if cs.state.Quitting() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("control server accept: %w", err)
		}
		cs.handle(conn)
	}
	return nil
}

func (cs *ControlServer) handle(conn net.Conn) {
	defer conn.Close()
	UpdateLogger.Printf("control: connection from %v", conn.RemoteAddr())
	reader := bufio.NewReaderSize(conn, MaxCommandLine)
	var partial []byte
	for !cs.state.Quitting() {
		conn.SetReadDeadline(time.Now().Add(cs.poll))
		chunk, err := reader.ReadSlice('\n')
		partial = append(partial, chunk...)
		if len(partial) > MaxCommandLine {
			ProblemLogger.Printf("control: dropping %v after a line of more than %d bytes",
				conn.RemoteAddr(), MaxCommandLine)
			conn.Write([]byte(ReplyFail))
			return
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return
		}
		line := string(partial)
		partial = partial[:0]
		if strings.TrimSpace(line) == "" {
			continue
		}
		if _, err := conn.Write([]byte(cs.ctl.Execute(line))); err != nil {
			ProblemLogger.Printf("control: could not reply to %v: %v", conn.RemoteAddr(), err)
			return
		}
	}
}
