package udpnib

import (
	"fmt"
	"math"
	"sync/atomic"
)

// SendBuffer is a fixed-capacity byte region filled by the receiver and
// drained by exactly one TransmitEngine. Both cursors live in a single word
// so that the receiver and transmitter never see one cursor reset without the other.
type SendBuffer struct {
	index   int
	data    []byte
	cursors atomic.Uint64 // write cursor in the high 32 bits, read cursor in the low 32 bits
}

func packCursors(write, read uint32) uint64 {
	return uint64(write)<<32 | uint64(read)
}

func unpackCursors(c uint64) (write, read uint32) {
	return uint32(c >> 32), uint32(c)
}

// NewSendBuffer allocates a buffer of the given capacity in bytes.
func NewSendBuffer(index, capacity int) (*SendBuffer, error) {
	if capacity <= 0 || capacity > math.MaxUint32 {
		return nil, configErrorf("send buffer capacity %d must be in [1, %d]", capacity, uint64(math.MaxUint32))
	}
	return &SendBuffer{index: index, data: make([]byte, capacity)}, nil
}

// Index returns the position of this buffer in its ring.
func (sb *SendBuffer) Index() int {
	return sb.index
}

// Capacity returns the size of the buffer in bytes.
func (sb *SendBuffer) Capacity() int {
	return len(sb.data)
}

// Cursors returns a consistent snapshot of the write and read cursors.
func (sb *SendBuffer) Cursors() (write, read int) {
	w, r := unpackCursors(sb.cursors.Load())
	return int(w), int(r)
}

// Buffered returns the number of bytes written but not yet transmitted.
func (sb *SendBuffer) Buffered() int {
	w, r := sb.Cursors()
	return w - r
}

// Free returns the number of bytes that may still be written.
func (sb *SendBuffer) Free() int {
	w, _ := sb.Cursors()
	return len(sb.data) - w
}

// Drained reports whether everything written has been transmitted.
func (sb *SendBuffer) Drained() bool {
	return sb.Buffered() == 0
}

// Slot returns the n bytes at the write cursor for the receiver to fill,
// or nil if fewer than n bytes remain.
func (sb *SendBuffer) Slot(n int) []byte {
	w, _ := sb.Cursors()
	if w+n > len(sb.data) {
		return nil
	}
	return sb.data[w : w+n]
}

// Commit publishes n bytes previously filled through Slot.
func (sb *SendBuffer) Commit(n int) error {
	for {
		old := sb.cursors.Load()
		w, r := unpackCursors(old)
		if int(w)+n > len(sb.data) {
			return fmt.Errorf("send buffer %d: commit of %d bytes at %d exceeds capacity %d",
				sb.index, n, w, len(sb.data))
		}
		if sb.cursors.CompareAndSwap(old, packCursors(w+uint32(n), r)) {
			return nil
		}
	}
}

// Append copies p to the write cursor and commits it.
func (sb *SendBuffer) Append(p []byte) error {
	slot := sb.Slot(len(p))
	if slot == nil {
		w, _ := sb.Cursors()
		return fmt.Errorf("send buffer %d: append of %d bytes at %d exceeds capacity %d",
			sb.index, len(p), w, len(sb.data))
	}
	copy(slot, p)
	return sb.Commit(len(p))
}

// Pending returns up to n unsent bytes starting at the read cursor.
func (sb *SendBuffer) Pending(n int) []byte {
	w, r := sb.Cursors()
	if avail := int(w - r); n > avail {
		n = avail
	}
	return sb.data[r : int(r)+n]
}

// Consume marks n bytes as transmitted. When the whole capacity has been
// written and sent, both cursors return to zero.
func (sb *SendBuffer) Consume(n int) error {
	for {
		old := sb.cursors.Load()
		w, r := unpackCursors(old)
		if int(r)+n > int(w) {
			return fmt.Errorf("send buffer %d: consume of %d bytes at %d passes write cursor %d",
				sb.index, n, r, w)
		}
		r += uint32(n)
		next := packCursors(w, r)
		if r == w && int(w) == len(sb.data) {
			next = 0
		}
		if sb.cursors.CompareAndSwap(old, next) {
			return nil
		}
	}
}

// reclaim prepares a drained buffer for reuse by the receiver. It fails
// with an OverrunError if any written bytes are still unsent.
func (sb *SendBuffer) reclaim() error {
	for {
		old := sb.cursors.Load()
		w, r := unpackCursors(old)
		if w != r {
			return &OverrunError{Index: sb.index, Write: int(w), Read: int(r)}
		}
		if old == 0 || sb.cursors.CompareAndSwap(old, 0) {
			return nil
		}
	}
}

// Reset clears the contents and both cursors. Only call it between acquisitions.
func (sb *SendBuffer) Reset() {
	clear(sb.data)
	sb.cursors.Store(0)
}

// BufferRing is the ordered set of SendBuffers, one per destination. The
// receiver fills the active buffer and then moves on to the next one.
type BufferRing struct {
	buffers []*SendBuffer
	active  atomic.Int32
}

// NewBufferRing allocates n buffers of capacity bytes each.
func NewBufferRing(n, capacity int) (*BufferRing, error) {
	if n < 1 {
		return nil, configErrorf("buffer ring needs at least one buffer")
	}
	br := &BufferRing{buffers: make([]*SendBuffer, n)}
	for i := range br.buffers {
		sb, err := NewSendBuffer(i, capacity)
		if err != nil {
			return nil, err
		}
		br.buffers[i] = sb
	}
	return br, nil
}

// Len returns the number of buffers in the ring.
func (br *BufferRing) Len() int {
	return len(br.buffers)
}

// Buffer returns buffer i.
func (br *BufferRing) Buffer(i int) *SendBuffer {
	return br.buffers[i]
}

// ActiveIndex returns the index of the buffer the receiver is filling.
func (br *BufferRing) ActiveIndex() int {
	return int(br.active.Load())
}

// Active returns the buffer the receiver is filling.
func (br *BufferRing) Active() *SendBuffer {
	return br.buffers[br.ActiveIndex()]
}

// Advance makes the next buffer in the ring active. The next buffer must have
// been fully drained, or an OverrunError naming it is returned and nothing changes.
func (br *BufferRing) Advance() error {
	next := (br.ActiveIndex() + 1) % len(br.buffers)
	if err := br.buffers[next].reclaim(); err != nil {
		return err
	}
	br.active.Store(int32(next))
	return nil
}

// Reset clears every buffer and makes buffer 0 active.
func (br *BufferRing) Reset() {
	for _, sb := range br.buffers {
		sb.Reset()
	}
	br.active.Store(0)
}

// Buffered returns the total number of unsent bytes in all buffers.
func (br *BufferRing) Buffered() int {
	total := 0
	for _, sb := range br.buffers {
		total += sb.Buffered()
	}
	return total
}

// Free returns the space left in the active buffer plus the unsent-free
// space of the buffer that follows it.
func (br *BufferRing) Free() int {
	cur := br.ActiveIndex()
	free := br.buffers[cur].Free()
	if len(br.buffers) > 1 {
		next := br.buffers[(cur+1)%len(br.buffers)]
		free += next.Capacity() - next.Buffered()
	}
	return free
}

// Capacity returns the total size of all buffers.
func (br *BufferRing) Capacity() int {
	return len(br.buffers) * br.buffers[0].Capacity()
}

// Drained reports whether every buffer has been fully transmitted.
func (br *BufferRing) Drained() bool {
	return br.Buffered() == 0
}
