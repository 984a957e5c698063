package seek_buffer_go

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// MemoryRingBuffer keeps every slot in a fixed array guarded by one mutex.
type MemoryRingBuffer struct {
	data []Chunk
	cur  cursors

	mu   sync.Mutex
	wake waker

	closed atomic.Bool

	opts    options
	metrics bufferMetrics
}

// NewMemoryRingBuffer creates a buffer of the given number of slots. The usable
// capacity is slots-1.
func NewMemoryRingBuffer(slots int, opts ...Option) (*MemoryRingBuffer, error) {
	if slots < 1 {
		return nil, fmt.Errorf("%w: memory buffer needs at least 1 slot, got %d", ErrInvalidConfig, slots)
	}

	data := make([]Chunk, slots)
	for i := range data {
		data[i] = EmptyChunk
	}

	return newMemoryRingBuffer(data, cursors{slots: slots}, opts), nil
}

func newMemoryRingBuffer(data []Chunk, cur cursors, opts []Option) *MemoryRingBuffer {
	o := newOptions("memory", opts)

	return &MemoryRingBuffer{
		data:    data,
		cur:     cur,
		wake:    newWaker(),
		opts:    o,
		metrics: newBufferMetrics(o.name),
	}
}

func (buffer *MemoryRingBuffer) Add(chunk Chunk) error {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	buffer.data[buffer.cur.nextAdd] = chunk

	if buffer.cur.advanceAdd() {
		buffer.metrics.evicted.Inc()
	}
	buffer.metrics.added.Inc()

	buffer.wake.broadcast()

	return nil
}

func (buffer *MemoryRingBuffer) Next(ctx context.Context) (Chunk, error) {
	for {
		if buffer.closed.Load() {
			return Chunk{}, ErrClosed
		}

		buffer.mu.Lock()
		if !buffer.cur.empty() {
			chunk := buffer.data[buffer.cur.nextGet]
			buffer.cur.advanceGet()
			buffer.mu.Unlock()

			buffer.metrics.read.Inc()
			return chunk, nil
		}
		wake := buffer.wake.channel()
		buffer.mu.Unlock()

		if err := waitForSignal(ctx, wake, buffer.opts.pollInterval); err != nil {
			return Chunk{}, err
		}
	}
}

// tryNext is Next without waiting.
func (buffer *MemoryRingBuffer) tryNext() (Chunk, bool) {
	if buffer.closed.Load() {
		return Chunk{}, false
	}

	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	if buffer.cur.empty() {
		return Chunk{}, false
	}

	chunk := buffer.data[buffer.cur.nextGet]
	buffer.cur.advanceGet()
	buffer.metrics.read.Inc()

	return chunk, true
}

// waitForAdd parks while the buffer is empty until the next Add or Close, at
// most one poll interval.
func (buffer *MemoryRingBuffer) waitForAdd(ctx context.Context) error {
	buffer.mu.Lock()
	if !buffer.cur.empty() {
		buffer.mu.Unlock()
		return nil
	}
	wake := buffer.wake.channel()
	buffer.mu.Unlock()

	return waitForSignal(ctx, wake, buffer.opts.pollInterval)
}

func (buffer *MemoryRingBuffer) Peek() (Chunk, bool) {
	if buffer.closed.Load() {
		return Chunk{}, false
	}

	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	if buffer.cur.empty() {
		return Chunk{}, false
	}

	return buffer.data[buffer.cur.nextGet], true
}

func (buffer *MemoryRingBuffer) Seek(n int) (int, error) {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return buffer.cur.seek(n), nil
}

func (buffer *MemoryRingBuffer) IsEmpty() bool {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return buffer.cur.empty()
}

func (buffer *MemoryRingBuffer) IsFull() bool {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return buffer.cur.full()
}

func (buffer *MemoryRingBuffer) Size() int {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return buffer.cur.size()
}

func (buffer *MemoryRingBuffer) Fill() int {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return buffer.cur.fill
}

func (buffer *MemoryRingBuffer) Capacity() int {
	return buffer.cur.capacity()
}

func (buffer *MemoryRingBuffer) BufferedForward() int {
	return buffer.Size()
}

func (buffer *MemoryRingBuffer) BufferedBackward() int {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return buffer.cur.backward()
}

func (buffer *MemoryRingBuffer) Reset() error {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	buffer.cur.reset()

	return nil
}

func (buffer *MemoryRingBuffer) Close() error {
	buffer.closed.Store(true)

	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	buffer.wake.broadcast()

	return nil
}

// state copies the slots and cursors for a snapshot.
func (buffer *MemoryRingBuffer) state() ([]Chunk, cursors) {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	data := make([]Chunk, len(buffer.data))
	copy(data, buffer.data)

	return data, buffer.cur
}
