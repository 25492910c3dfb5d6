package udpnib

import (
	"fmt"
	"sync/atomic"
)

// StopMode says how a stop request should end the current acquisition.
type StopMode int32

// The possible stop requests.
const (
	StopNone      StopMode = iota
	StopFlush              // keep transmitting until every buffer is drained
	StopImmediate          // transmitters exit at the next chunk boundary
)

func (m StopMode) String() string {
	switch m {
	case StopNone:
		return "none"
	case StopFlush:
		return "flush"
	case StopImmediate:
		return "immediate"
	}
	return fmt.Sprintf("StopMode(%d)", int32(m))
}

// ControlState names the externally visible condition of the acquisition.
type ControlState int

// The control states. An acquisition moves Idle -> Active -> Stopping -> Idle.
const (
	Idle ControlState = iota
	Active
	Stopping
)

func (s ControlState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	}
	return fmt.Sprintf("ControlState(%d)", int(s))
}

// AcquisitionState holds the flags shared by the control, receive, and transmit goroutines.
// Writers of each flag: quit, anyone; startPending, set by the controller and
// cleared by the receiver once recording; stopPending, set by the controller
// and cleared before the next acquisition; recording, set by the receiver and
// cleared by the lifecycle loop after every engine has exited.
type AcquisitionState struct {
	quit         atomic.Bool
	startPending atomic.Bool
	stopPending  atomic.Int32
	recording    atomic.Bool
	abort        chan struct{}
}

// NewAcquisitionState returns an Idle state.
func NewAcquisitionState() *AcquisitionState {
	return &AcquisitionState{abort: make(chan struct{})}
}

// Quit asks every goroutine to exit. It may be called any number of times.
func (as *AcquisitionState) Quit() {
	if as.quit.CompareAndSwap(false, true) {
		close(as.abort)
	}
}

// Quitting reports whether Quit has been called.
func (as *AcquisitionState) Quitting() bool {
	return as.quit.Load()
}

// Abort returns a channel that is closed when Quit is called.
func (as *AcquisitionState) Abort() <-chan struct{} {
	return as.abort
}

// RequestStart asks the lifecycle loop to begin an acquisition.
func (as *AcquisitionState) RequestStart() {
	as.startPending.Store(true)
}

// StartPending reports whether a start has been requested but not yet cleared.
func (as *AcquisitionState) StartPending() bool {
	return as.startPending.Load()
}

func (as *AcquisitionState) clearStart() {
	as.startPending.Store(false)
}

// RequestStop asks the running acquisition to stop in the given mode.
func (as *AcquisitionState) RequestStop(mode StopMode) {
	as.stopPending.Store(int32(mode))
}

// StopMode returns the pending stop request, if any.
func (as *AcquisitionState) StopMode() StopMode {
	return StopMode(as.stopPending.Load())
}

func (as *AcquisitionState) clearStop() {
	as.stopPending.Store(int32(StopNone))
}

// SetRecording marks whether an acquisition is in progress.
func (as *AcquisitionState) SetRecording(on bool) {
	as.recording.Store(on)
}

// Recording reports whether an acquisition is in progress.
func (as *AcquisitionState) Recording() bool {
	return as.recording.Load()
}

// State derives the ControlState from the flags.
func (as *AcquisitionState) State() ControlState {
	if !as.Recording() {
		return Idle
	}
	if as.StopMode() != StopNone {
		return Stopping
	}
	return Active
}
