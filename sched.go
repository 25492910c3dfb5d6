package udpnib

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// SchedulingHint asks for the calling goroutine to run on its own OS thread,
// optionally pinned to one CPU. Failures are logged and otherwise ignored.
type SchedulingHint struct {
	CPU int // negative for no affinity
}

// apply must be called from the goroutine that should be pinned. The thread
// stays locked until that goroutine exits.
func (h SchedulingHint) apply(who string) {
	if h.CPU < 0 {
		return
	}
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(h.CPU)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		ProblemLogger.Printf("%s could not be pinned to CPU %d: %v", who, h.CPU, err)
		return
	}
	UpdateLogger.Printf("%s pinned to CPU %d", who, h.CPU)
}
