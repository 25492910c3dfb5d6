package udpnib

import (
	"errors"
	"fmt"
)

// Errors that end an acquisition. Callers should test with errors.Is.
var (
	ErrDriftUnrecoverable = errors.New("sequence phase drift could not be corrected")
	ErrOverrun            = errors.New("send buffer overrun")
	ErrReceiveFailed      = errors.New("packet receive failed")
	ErrTransferFailed     = errors.New("bulk transfer failed")
	ErrBadConfig          = errors.New("bad configuration")
)

// ErrWouldBlock is returned by a PacketSource when no packet is queued.
var ErrWouldBlock = errors.New("no packet available")

// OverrunError reports that the receiver wanted to reuse a SendBuffer
// that its transmitter had not finished draining.
type OverrunError struct {
	Index int // buffer index
	Write int // write cursor at the time of the overrun
	Read  int // read cursor at the time of the overrun
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("send buffer %d overrun: transmitter has sent %d of %d bytes",
		e.Index, e.Read, e.Write)
}

// Unwrap lets errors.Is(err, ErrOverrun) succeed.
func (e *OverrunError) Unwrap() error {
	return ErrOverrun
}

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadConfig, fmt.Sprintf(format, args...))
}
