package asyncbufio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrite(t *testing.T) {
	f, err := os.CreateTemp("", "example")
	require.NoError(t, err)
	defer os.Remove(f.Name()) // clean up

	var expected strings.Builder
	w := NewWriter(f, 100, time.Second)
	buf := make([]byte, 0, 64)
	for i := range 100 {
		// Reuse one buffer to check that Write keeps its own copy.
		buf = fmt.Appendf(buf[:0], "Line of text %3d\n", i)
		expected.Write(buf)
		_, err := w.Write(buf)
		require.NoError(t, err)
		if i%25 == 19 {
			require.NoError(t, w.Flush())
		}
	}
	w.WriteString("Last line\n")
	expected.WriteString("Last line\n")
	require.NoError(t, w.Close())
	f.Close()

	actual, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	assert.Equal(t, expected.String(), string(actual))
	assert.Zero(t, w.Dropped())

	assert.ErrorIs(t, w.Flush(), ErrClosed)
	_, err = w.Write([]byte("too late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseTwice(t *testing.T) {
	var b bytes.Buffer
	w := NewWriter(&b, 100, time.Second)
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

// blockingWriter never returns from Write until released.
type blockingWriter struct {
	release chan struct{}
}

func (bw *blockingWriter) Write(p []byte) (int, error) {
	<-bw.release
	return len(p), nil
}

func TestFullChannelDrops(t *testing.T) {
	bw := &blockingWriter{release: make(chan struct{})}
	w := NewWriter(bw, 2, time.Hour)
	big := make([]byte, 8192) // larger than the bufio buffer, so it reaches bw
	var short int
	for i := 0; i < 10; i++ {
		if _, err := w.Write(big); errors.Is(err, io.ErrShortWrite) {
			short++
		}
	}
	assert.Positive(t, short)
	assert.Equal(t, uint64(short), w.Dropped())
	close(bw.release)
	assert.NoError(t, w.Close())
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }

func TestUnderlyingError(t *testing.T) {
	w := NewWriter(failingWriter{}, 10, time.Hour)
	w.Write([]byte("hello"))
	err := w.Close()
	assert.EqualError(t, err, "disk full")
}
