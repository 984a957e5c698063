package seek_buffer_go

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// DiskRingBuffer exposes a slot address space larger than what is kept in
// memory. The space is cut into pages of pageSize slots, each backed by a file
// named after its base offset. Two windows stay in memory: the read window holds
// the page of nextGet and the write window the page of nextAdd. Only the write
// window is ever dirty and it is flushed when nextAdd leaves its page.
//
// Seek reconciles the read window only. The write window does not follow a
// seek because seeking never moves nextAdd.
type DiskRingBuffer struct {
	dir        string
	diskChunks int
	diskFiles  int
	pageSize   int

	cur cursors

	readWindow []Chunk
	readBase   int

	writeWindow []Chunk
	writeBase   int
	writeDirty  bool

	// failure is sticky: once a page could not be flushed or loaded the windows
	// no longer mirror the address space.
	failure error

	mu   sync.Mutex
	wake waker

	closed atomic.Bool

	opts        options
	metrics     bufferMetrics
	pageFlushes prometheus.Counter
	pageLoads   prometheus.Counter
}

// NewDiskRingBuffer creates an empty buffer of diskChunks slots split into
// diskFiles pages of diskChunks/diskFiles slots. Page files left in dir by an
// earlier buffer are removed.
func NewDiskRingBuffer(dir string, diskChunks int, diskFiles int, opts ...Option) (*DiskRingBuffer, error) {
	if err := validateDiskLayout(dir, diskChunks, diskFiles); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create page dir: %w", ErrInvalidConfig, err)
	}

	if err := removePages(dir); err != nil {
		return nil, fmt.Errorf("%w: clear page dir: %w", ErrInvalidConfig, err)
	}

	return openDiskRingBuffer(dir, diskChunks, diskFiles, cursors{slots: diskChunks}, opts)
}

func validateDiskLayout(dir string, diskChunks int, diskFiles int) error {
	if dir == "" {
		return fmt.Errorf("%w: disk buffer needs a page directory", ErrInvalidConfig)
	}

	if diskChunks < 1 {
		return fmt.Errorf("%w: disk buffer needs at least 1 slot, got %d", ErrInvalidConfig, diskChunks)
	}

	if diskFiles < 1 || diskFiles > diskChunks {
		return fmt.Errorf("%w: %d pages cannot split %d slots", ErrInvalidConfig, diskFiles, diskChunks)
	}

	return nil
}

// openDiskRingBuffer attaches to the pages already in dir at the given cursors.
func openDiskRingBuffer(dir string, diskChunks int, diskFiles int, cur cursors, opts []Option) (*DiskRingBuffer, error) {
	o := newOptions("disk", opts)

	buffer := &DiskRingBuffer{
		dir:         dir,
		diskChunks:  diskChunks,
		diskFiles:   diskFiles,
		pageSize:    diskChunks / diskFiles,
		cur:         cur,
		readBase:    -1,
		writeBase:   -1,
		wake:        newWaker(),
		opts:        o,
		metrics:     newBufferMetrics(o.name),
		pageFlushes: PageFlushes.WithLabelValues(o.name),
		pageLoads:   PageLoads.WithLabelValues(o.name),
	}

	if err := buffer.syncWriteWindow(); err != nil {
		return nil, err
	}

	if err := buffer.syncReadWindow(); err != nil {
		return nil, err
	}

	return buffer, nil
}

func (buffer *DiskRingBuffer) baseOf(position int) int {
	return position - position%buffer.pageSize
}

func (buffer *DiskRingBuffer) inWindow(base int, position int) bool {
	return base >= 0 && position >= base && position < base+buffer.pageSize
}

// syncReadWindow makes the read window hold the page of nextGet. The page of the
// write window is copied from memory since its disk file may be stale.
func (buffer *DiskRingBuffer) syncReadWindow() error {
	if buffer.inWindow(buffer.readBase, buffer.cur.nextGet) {
		return nil
	}

	base := buffer.baseOf(buffer.cur.nextGet)

	var page []Chunk
	if base == buffer.writeBase {
		page = make([]Chunk, len(buffer.writeWindow))
		copy(page, buffer.writeWindow)
	} else {
		loaded, err := readPage(buffer.dir, base, buffer.pageSize)
		if err != nil {
			return buffer.fail(fmt.Errorf("%w: load read window: %w", ErrPageIO, err))
		}
		page = loaded
	}

	buffer.readWindow = page
	buffer.readBase = base
	buffer.pageLoads.Inc()

	buffer.opts.logger.Debug("read window loaded", "base", base)

	return nil
}

// syncWriteWindow makes the write window hold the page of nextAdd, flushing the
// window it replaces when dirty.
func (buffer *DiskRingBuffer) syncWriteWindow() error {
	if buffer.inWindow(buffer.writeBase, buffer.cur.nextAdd) {
		return nil
	}

	if err := buffer.flushWriteWindow(); err != nil {
		return err
	}

	base := buffer.baseOf(buffer.cur.nextAdd)

	var page []Chunk
	if base == buffer.readBase {
		page = make([]Chunk, len(buffer.readWindow))
		copy(page, buffer.readWindow)
	} else {
		loaded, err := readPage(buffer.dir, base, buffer.pageSize)
		if err != nil {
			return buffer.fail(fmt.Errorf("%w: load write window: %w", ErrPageIO, err))
		}
		page = loaded
	}

	buffer.writeWindow = page
	buffer.writeBase = base
	buffer.pageLoads.Inc()

	buffer.opts.logger.Debug("write window loaded", "base", base)

	return nil
}

func (buffer *DiskRingBuffer) flushWriteWindow() error {
	if !buffer.writeDirty {
		return nil
	}

	if err := writePage(buffer.dir, buffer.writeBase, buffer.writeWindow); err != nil {
		return buffer.fail(fmt.Errorf("%w: flush write window: %w", ErrPageIO, err))
	}

	buffer.writeDirty = false
	buffer.pageFlushes.Inc()

	buffer.opts.logger.Debug("write window flushed", "base", buffer.writeBase)

	return nil
}

func (buffer *DiskRingBuffer) fail(err error) error {
	buffer.failure = err
	buffer.opts.logger.Error("disk buffer failed", "err", err)
	return err
}

func (buffer *DiskRingBuffer) Add(chunk Chunk) error {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	if buffer.failure != nil {
		return buffer.failure
	}

	buffer.writeWindow[buffer.cur.nextAdd-buffer.writeBase] = chunk
	buffer.writeDirty = true

	if buffer.inWindow(buffer.readBase, buffer.cur.nextAdd) {
		buffer.readWindow[buffer.cur.nextAdd-buffer.readBase] = chunk
	}

	evicted := buffer.cur.advanceAdd()
	buffer.metrics.added.Inc()

	if evicted {
		buffer.metrics.evicted.Inc()
		if err := buffer.syncReadWindow(); err != nil {
			return err
		}
	}

	if err := buffer.syncWriteWindow(); err != nil {
		return err
	}

	buffer.wake.broadcast()

	return nil
}

func (buffer *DiskRingBuffer) Next(ctx context.Context) (Chunk, error) {
	for {
		if buffer.closed.Load() {
			return Chunk{}, ErrClosed
		}

		buffer.mu.Lock()
		if buffer.failure != nil {
			err := buffer.failure
			buffer.mu.Unlock()
			return Chunk{}, err
		}

		if !buffer.cur.empty() {
			chunk := buffer.readWindow[buffer.cur.nextGet-buffer.readBase]
			buffer.cur.advanceGet()

			// The chunk is already out of the window; a failed load of the
			// next page is sticky and surfaces on the following call.
			_ = buffer.syncReadWindow()
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

func (buffer *DiskRingBuffer) Peek() (Chunk, bool) {
	if buffer.closed.Load() {
		return Chunk{}, false
	}

	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	if buffer.failure != nil || buffer.cur.empty() {
		return Chunk{}, false
	}

	return buffer.readWindow[buffer.cur.nextGet-buffer.readBase], true
}

func (buffer *DiskRingBuffer) Seek(n int) (int, error) {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	if buffer.failure != nil {
		return 0, buffer.failure
	}

	moved := buffer.cur.seek(n)

	if err := buffer.syncReadWindow(); err != nil {
		return moved, err
	}

	return moved, nil
}

func (buffer *DiskRingBuffer) IsEmpty() bool {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return buffer.cur.empty()
}

func (buffer *DiskRingBuffer) IsFull() bool {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return buffer.cur.full()
}

func (buffer *DiskRingBuffer) Size() int {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return buffer.cur.size()
}

func (buffer *DiskRingBuffer) Fill() int {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return buffer.cur.fill
}

func (buffer *DiskRingBuffer) Capacity() int {
	return buffer.cur.capacity()
}

func (buffer *DiskRingBuffer) BufferedForward() int {
	return buffer.Size()
}

func (buffer *DiskRingBuffer) BufferedBackward() int {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	return buffer.cur.backward()
}

func (buffer *DiskRingBuffer) Reset() error {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	if buffer.failure != nil {
		return buffer.failure
	}

	buffer.cur.reset()

	return buffer.syncWriteWindow()
}

// Flush writes the write window to its page file if it holds unflushed chunks.
func (buffer *DiskRingBuffer) Flush() error {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	if buffer.failure != nil {
		return buffer.failure
	}

	return buffer.flushWriteWindow()
}

func (buffer *DiskRingBuffer) Close() error {
	buffer.closed.Store(true)

	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	buffer.wake.broadcast()

	return nil
}

// Dir returns the page directory.
func (buffer *DiskRingBuffer) Dir() string {
	return buffer.dir
}

// flushedState flushes and returns the cursors in one critical section so the
// pages on disk match the cursors handed out.
func (buffer *DiskRingBuffer) flushedState() (cursors, error) {
	buffer.mu.Lock()
	defer buffer.mu.Unlock()

	if buffer.failure != nil {
		return cursors{}, buffer.failure
	}

	if err := buffer.flushWriteWindow(); err != nil {
		return cursors{}, err
	}

	return buffer.cur, nil
}
