package udpnib

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestMain(m *testing.M) {
	// set the loggers to write to a file
	f, err := os.Create(filepath.Join(os.TempDir(), "udpnibtestlogfile"))
	if err != nil {
		log.Fatalf("error opening file: %v", err)
	}
	ProblemLogger = log.New(f, "PROBLEM ", log.LstdFlags)
	UpdateLogger = log.New(f, "", log.LstdFlags)
	// Tests must not refuse configurations because of the machine they run on.
	totalRAM = func() (uint64, error) { return 64 << 30, nil }

	code := m.Run()
	f.Close()
	os.Exit(code)
}

// testConfig returns a small configuration: 64-byte packets, 8 per buffer,
// chunks of 2, distributor 0 of 1, no network services.
func testConfig(ndest int) DistributorConfig {
	cfg := DefaultDistributorConfig()
	cfg.PacketSize = 64
	cfg.PacketsPerXfer = 8
	cfg.PacketsPerChunk = 2
	cfg.ControlPort = 0
	cfg.StatusPort = 0
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Destinations = make([]string, ndest)
	for i := range cfg.Destinations {
		cfg.Destinations[i] = "null:"
	}
	return cfg
}

// testStream returns a loss-free stream matching cfg.
func testStream(cfg DistributorConfig, count int) StreamSpec {
	return StreamSpec{
		Count:      count,
		PacketSize: cfg.PacketSize,
		Stride:     cfg.Stride(),
		Phase:      cfg.Phase(),
		ChannelID:  cfg.FillerChannelID(),
	}
}

// memoryTransfer is a BulkTransfer that keeps a copy of every chunk.
type memoryTransfer struct {
	mu     sync.Mutex
	chunks [][]byte
	delay  time.Duration
	fail   error
	closed bool
}

func (mt *memoryTransfer) Transfer(p []byte) error {
	if mt.delay > 0 {
		time.Sleep(mt.delay)
	}
	mt.mu.Lock()
	defer mt.mu.Unlock()
	if mt.fail != nil {
		return mt.fail
	}
	mt.chunks = append(mt.chunks, append([]byte(nil), p...))
	return nil
}

func (mt *memoryTransfer) Close() error {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.closed = true
	return nil
}

func (mt *memoryTransfer) isClosed() bool {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return mt.closed
}

// packets splits everything received into packets of size n.
func (mt *memoryTransfer) packets(n int) [][]byte {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	var out [][]byte
	for _, c := range mt.chunks {
		for i := 0; i+n <= len(c); i += n {
			out = append(out, c[i:i+n])
		}
	}
	return out
}

func (mt *memoryTransfer) bytes() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	total := 0
	for _, c := range mt.chunks {
		total += len(c)
	}
	return total
}

var errTestTransfer = errors.New("destination went away")

// Limits for require.Eventually in tests that wait on other goroutines.
const (
	someSeconds = 5 * time.Second
	tick        = time.Millisecond
)
