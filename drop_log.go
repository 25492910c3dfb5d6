package udpnib

import (
	"fmt"
	"os"
	"time"

	"github.com/usnistgov/udpnib/asyncbufio"
)

// DropLog records every gap the receiver filled as a line "first,count" in a
// text file. Writes never block the receiver; if the writer falls behind,
// lines are lost and counted.
type DropLog struct {
	file   *os.File
	writer *asyncbufio.Writer
	gaps   int
}

// NewDropLog creates (or truncates) filename and writes its header.
func NewDropLog(filename string) (*DropLog, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	dl := &DropLog{file: f, writer: asyncbufio.NewWriter(f, 4096, time.Second)}
	dl.writer.WriteString(fmt.Sprintf("# udpnib %s drop log started %s\n", Build.Version, time.Now().Format(time.RFC3339)))
	dl.writer.WriteString("# first logical sequence number after the gap began, number of packets filled\n")
	return dl, nil
}

// RecordDrop implements DropRecorder.
func (dl *DropLog) RecordDrop(firstLogical, count uint64) {
	dl.gaps++
	dl.writer.WriteString(fmt.Sprintf("%d,%d\n", firstLogical, count))
}

// Gaps returns the number of gaps recorded.
func (dl *DropLog) Gaps() int {
	return dl.gaps
}

// Close flushes the log and closes the file.
func (dl *DropLog) Close() error {
	werr := dl.writer.Close()
	if n := dl.writer.Dropped(); n > 0 {
		ProblemLogger.Printf("drop log %s lost %d lines", dl.file.Name(), n)
	}
	if err := dl.file.Close(); err != nil {
		return err
	}
	return werr
}
