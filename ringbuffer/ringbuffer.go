// Package ringbuffer implements a byte ring in POSIX shared memory, shared by
// one writing process and one reading process.
//
// Two regions are used: the raw data and a small description holding the
// write pointer, read pointer, buffer size, and a count of bytes lost. Both
// pointers count bytes since creation and never wrap; their difference is the
// number of readable bytes.
package ringbuffer

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/fabiokung/shm"
)

const descSize = 4096

// Offsets of the fields in the description region.
const (
	writePointerOffset = 0
	readPointerOffset  = 8
	bufferSizeOffset   = 16
	bytesLostOffset    = 24
)

// ErrInsufficientSpace is returned by Write when the reader has fallen too far behind.
var ErrInsufficientSpace = errors.New("ring buffer has insufficient space")

// RingBuffer describes the shared-memory ring buffer.
type RingBuffer struct {
	desc     []byte
	raw      []byte
	rawName  string
	descName string
	rawFile  *os.File
	descFile *os.File
}

// NewRingBuffer creates and returns a new RingBuffer object
func NewRingBuffer(rawName, descName string) (rb *RingBuffer, err error) {
	if rawName == "" || descName == "" || rawName == descName {
		return nil, fmt.Errorf("ring buffer needs two distinct region names, got %q and %q", rawName, descName)
	}
	rb = new(RingBuffer)
	rb.rawName = rawName
	rb.descName = descName
	return rb, nil
}

func (rb *RingBuffer) field(offset int) *uint64 {
	return (*uint64)(unsafe.Pointer(&rb.desc[offset]))
}

func (rb *RingBuffer) load(offset int) uint64 {
	return atomic.LoadUint64(rb.field(offset))
}

func (rb *RingBuffer) store(offset int, v uint64) {
	atomic.StoreUint64(rb.field(offset), v)
}

func mapRegion(name string, flag int, size int) (*os.File, []byte, error) {
	file, err := shm.Open(name, flag, 0660)
	if err != nil {
		return nil, nil, err
	}
	fd := int(file.Fd())
	if flag&os.O_CREATE != 0 {
		if err = syscall.Ftruncate(fd, int64(size)); err != nil {
			file.Close()
			return nil, nil, err
		}
	}
	data, err := syscall.Mmap(fd, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	return file, data, nil
}

// Create makes both shared memory regions, sized for bufsize bytes of data, and maps them.
func (rb *RingBuffer) Create(bufsize int) (err error) {
	if bufsize <= 0 {
		return fmt.Errorf("ring buffer size %d must be positive", bufsize)
	}
	if rb.descFile, rb.desc, err = mapRegion(rb.descName, os.O_RDWR|os.O_CREATE, descSize); err != nil {
		return err
	}
	if rb.rawFile, rb.raw, err = mapRegion(rb.rawName, os.O_RDWR|os.O_CREATE, bufsize); err != nil {
		rb.Close()
		return err
	}
	rb.store(writePointerOffset, 0)
	rb.store(readPointerOffset, 0)
	rb.store(bytesLostOffset, 0)
	rb.store(bufferSizeOffset, uint64(bufsize))
	return nil
}

// Unlink removes both shared memory regions. Processes that have them mapped keep their mappings.
func (rb *RingBuffer) Unlink() (err error) {
	if err = shm.Unlink(rb.rawName); err != nil {
		return err
	}
	return shm.Unlink(rb.descName)
}

// Open maps an existing ring buffer made by Create, possibly in another process.
func (rb *RingBuffer) Open() (err error) {
	if rb.descFile, rb.desc, err = mapRegion(rb.descName, os.O_RDWR, descSize); err != nil {
		return err
	}
	size := int(rb.load(bufferSizeOffset))
	if size <= 0 {
		rb.Close()
		return fmt.Errorf("ring buffer %s describes a buffer of size %d", rb.descName, size)
	}
	if rb.rawFile, rb.raw, err = mapRegion(rb.rawName, os.O_RDWR, size); err != nil {
		rb.Close()
		return err
	}
	return nil
}

// Close closes the ring buffer by munmap and closing the shared memory regions.
func (rb *RingBuffer) Close() (err error) {
	if rb.raw != nil {
		if err = syscall.Munmap(rb.raw); err != nil {
			return
		}
		rb.raw = nil
	}
	if rb.desc != nil {
		if err = syscall.Munmap(rb.desc); err != nil {
			return
		}
		rb.desc = nil
	}
	if rb.rawFile != nil {
		if err = rb.rawFile.Close(); err != nil {
			return
		}
		rb.rawFile = nil
	}
	if rb.descFile != nil {
		if err = rb.descFile.Close(); err != nil {
			return
		}
		rb.descFile = nil
	}
	return nil
}

// Size returns the capacity of the data region in bytes.
func (rb *RingBuffer) Size() int {
	return len(rb.raw)
}

// BytesReadable returns how many bytes can be read.
func (rb *RingBuffer) BytesReadable() int {
	return int(rb.load(writePointerOffset) - rb.load(readPointerOffset))
}

// BytesWriteable returns how many bytes can be written.
func (rb *RingBuffer) BytesWriteable() int {
	return len(rb.raw) - rb.BytesReadable()
}

// BytesLost returns how many bytes writers have discarded for lack of space.
func (rb *RingBuffer) BytesLost() uint64 {
	return rb.load(bytesLostOffset)
}

// Write copies all of p into the ring, or none of it if there is not enough
// space, in which case the bytes are counted as lost.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	if rb.raw == nil {
		return 0, fmt.Errorf("ring buffer %s is not open", rb.rawName)
	}
	if len(p) > rb.BytesWriteable() {
		rb.store(bytesLostOffset, rb.load(bytesLostOffset)+uint64(len(p)))
		return 0, ErrInsufficientSpace
	}
	wp := rb.load(writePointerOffset)
	start := int(wp % uint64(len(rb.raw)))
	n := copy(rb.raw[start:], p)
	copy(rb.raw, p[n:])
	rb.store(writePointerOffset, wp+uint64(len(p)))
	return len(p), nil
}

// Peek copies up to n readable bytes without consuming them.
func (rb *RingBuffer) Peek(n int) []byte {
	if avail := rb.BytesReadable(); n > avail {
		n = avail
	}
	out := make([]byte, n)
	rp := rb.load(readPointerOffset)
	start := int(rp % uint64(len(rb.raw)))
	m := copy(out, rb.raw[start:])
	copy(out[m:], rb.raw)
	return out
}

// Read returns a copy of up to n readable bytes and consumes them.
func (rb *RingBuffer) Read(n int) ([]byte, error) {
	if rb.raw == nil {
		return nil, fmt.Errorf("ring buffer %s is not open", rb.rawName)
	}
	out := rb.Peek(n)
	rb.store(readPointerOffset, rb.load(readPointerOffset)+uint64(len(out)))
	return out, nil
}

// ReadMultipleOf returns the largest readable multiple of k bytes, consuming them.
func (rb *RingBuffer) ReadMultipleOf(k int) ([]byte, error) {
	if k <= 0 {
		return nil, fmt.Errorf("ReadMultipleOf(%d): k must be positive", k)
	}
	return rb.Read((rb.BytesReadable() / k) * k)
}

// DiscardAll consumes everything readable and returns how many bytes were discarded.
func (rb *RingBuffer) DiscardAll() int {
	n := rb.BytesReadable()
	rb.store(readPointerOffset, rb.load(readPointerOffset)+uint64(n))
	return n
}
