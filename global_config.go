package udpnib

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by udpnib.
type Portnumbers struct {
	Control int
	Status  int
	Metrics int
}

// Ports globally holds the default TCP port numbers used by udpnib.
var Ports Portnumbers

// SetPortnumbers assigns all default ports as consecutive numbers starting at base.
func SetPortnumbers(base int) {
	Ports.Control = base
	Ports.Status = base + 1
	Ports.Metrics = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Date    string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log state changes and periodic statistics to a file
var UpdateLogger *log.Logger

func init() {
	SetPortnumbers(5700)
	StartTime = time.Now()

	// The udpnib main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stdout, "", log.LstdFlags)
}
