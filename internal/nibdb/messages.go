package nibdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the nibactivity table: one row per
// distributor process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	IDistrib  int
	NDistrib  int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information required to make an entry in the runs table:
// one row when an acquisition starts and another when it finishes.
type RunMessage struct {
	ID              string
	ActivityID      string
	Destinations    int
	PacketSize      int
	PacketsReceived uint64
	PacketsDropped  uint64
	LatePackets     uint64
	ProblemPackets  uint64
	BytesSent       uint64
	StopReason      string
	Start           time.Time
	End             time.Time
}
