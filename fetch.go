package seek_buffer_go

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// MetadataFunc labels a chunk from its position in the source, given as a
// fraction of the source length.
type MetadataFunc func(fraction float64) (label string, timestamp int64)

// FetchConfig sizes a RangeFetchBuffer. Zero values take the defaults below.
type FetchConfig struct {
	// BufferedChunks is how many unread chunks a fillup aims for. The inner
	// ring gets twice as many slots. Default 64.
	BufferedChunks int

	// ChunkSize is the byte size of every chunk but the last. Default 64KiB.
	ChunkSize int

	// MaxRetries bounds how often a failed source read is repeated. Zero means
	// a single attempt; a negative value selects the default of 10.
	MaxRetries int

	// RetryDelay is the pause between attempts. Default 5s.
	RetryDelay time.Duration

	// SyncFetchChunks caps the fillup a reader triggers on an empty buffer.
	// Default 10.
	SyncFetchChunks int

	// MinFetchChunks is the smallest fillup the background puller issues.
	// Default BufferedChunks/4.
	MinFetchChunks int

	// PullInterval paces the background puller. Default 500ms.
	PullInterval time.Duration

	// Live keeps the buffer open when a reader catches up with the end of the
	// source; readers wait for the source to grow instead.
	Live bool

	Metadata MetadataFunc
}

func (cfg FetchConfig) withDefaults() FetchConfig {
	if cfg.BufferedChunks == 0 {
		cfg.BufferedChunks = 64
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 64 * 1024
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 10
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.SyncFetchChunks == 0 {
		cfg.SyncFetchChunks = 10
	}
	if cfg.MinFetchChunks == 0 {
		cfg.MinFetchChunks = cfg.BufferedChunks / 4
	}
	if cfg.PullInterval == 0 {
		cfg.PullInterval = 500 * time.Millisecond
	}
	if cfg.Metadata == nil {
		cfg.Metadata = fractionLabel
	}
	return cfg
}

func fractionLabel(fraction float64) (string, int64) {
	return strconv.FormatFloat(fraction, 'f', 4, 64), time.Now().UnixMilli()
}

// RangeFetchBuffer chunks a ByteSource into an owned MemoryRingBuffer. Chunks
// arrive through FillupBuffer, called by readers that find the buffer empty and
// by the optional background puller. Callers cannot Add.
//
// fetchMu serializes fetch-and-append and every change of the download
// position. It is separate from the inner buffer's lock so a retry sleeping
// between attempts never stalls readers of already buffered chunks.
type RangeFetchBuffer struct {
	source ByteSource
	inner  *MemoryRingBuffer
	cfg    FetchConfig

	fetchMu         sync.Mutex
	nextDownloadPos atomic.Int64

	fills singleflight.Group

	// onChunk sees every chunk FillupBuffer produces. Guarded by fetchMu.
	onChunk func(Chunk)

	paused      atomic.Bool
	closed      atomic.Bool
	closeSource sync.Once

	errMu   sync.Mutex
	lastErr error

	opts         options
	fetchBytes   prometheus.Counter
	fetchRetries prometheus.Counter
}

func NewRangeFetchBuffer(source ByteSource, cfg FetchConfig, opts ...Option) (*RangeFetchBuffer, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: fetch buffer needs a source", ErrInvalidConfig)
	}

	cfg = cfg.withDefaults()

	if cfg.BufferedChunks < 1 || cfg.ChunkSize < 1 {
		return nil, fmt.Errorf("%w: buffered chunks %d, chunk size %d", ErrInvalidConfig, cfg.BufferedChunks, cfg.ChunkSize)
	}

	o := newOptions("fetch", opts)

	inner, err := NewMemoryRingBuffer(2*cfg.BufferedChunks, append(opts, WithName(o.name))...)
	if err != nil {
		return nil, err
	}

	return &RangeFetchBuffer{
		source:       source,
		inner:        inner,
		cfg:          cfg,
		opts:         o,
		fetchBytes:   FetchBytes.WithLabelValues(o.name),
		fetchRetries: FetchRetries.WithLabelValues(o.name),
	}, nil
}

func (buffer *RangeFetchBuffer) exhausted() bool {
	return buffer.nextDownloadPos.Load() >= buffer.source.Length()
}

// FillupBuffer tops the buffer up towards BufferedChunks unread chunks with one
// source read. maxChunks caps the read and a read smaller than minChunks is
// skipped; either may be -1. It returns the number of chunks added.
func (buffer *RangeFetchBuffer) FillupBuffer(ctx context.Context, minChunks int, maxChunks int) (int, error) {
	buffer.fetchMu.Lock()
	defer buffer.fetchMu.Unlock()

	if buffer.closed.Load() {
		return 0, ErrClosed
	}

	toDownload := buffer.cfg.BufferedChunks - buffer.inner.Size()
	if toDownload <= 0 {
		return 0, nil
	}

	position := buffer.nextDownloadPos.Load()
	length := buffer.source.Length()
	if position >= length {
		return 0, nil
	}

	if maxChunks > 0 && toDownload > maxChunks {
		toDownload = maxChunks
	}

	if minChunks > 0 && toDownload < minChunks {
		return 0, nil
	}

	data, err := buffer.readWithRetry(ctx, position, toDownload*buffer.cfg.ChunkSize)
	if err != nil {
		return 0, err
	}

	added := 0
	for offset := 0; offset < len(data); offset += buffer.cfg.ChunkSize {
		end := min(offset+buffer.cfg.ChunkSize, len(data))
		label, timestamp := buffer.cfg.Metadata(float64(position+int64(offset)) / float64(length))

		chunk := Chunk{
			Data:      data[offset:end:end],
			Metadata:  label,
			Timestamp: timestamp,
		}

		if err := buffer.inner.Add(chunk); err != nil {
			buffer.nextDownloadPos.Store(position + int64(offset))
			buffer.fetchBytes.Add(float64(offset))
			return added, err
		}
		added++

		if buffer.onChunk != nil {
			buffer.onChunk(chunk)
		}
	}

	buffer.nextDownloadPos.Store(position + int64(len(data)))
	buffer.fetchBytes.Add(float64(len(data)))

	return added, nil
}

func (buffer *RangeFetchBuffer) readWithRetry(ctx context.Context, position int64, size int) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= buffer.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			buffer.fetchRetries.Inc()
			buffer.opts.logger.Warn("source read failed, retrying",
				"attempt", attempt, "position", position, "size", size, "err", lastErr)

			if err := sleepContext(ctx, buffer.cfg.RetryDelay); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInterrupted, err)
			}
		}

		if buffer.closed.Load() {
			return nil, ErrClosed
		}

		data, err := buffer.source.ReadRange(ctx, position, size)
		if err == nil && len(data) == 0 {
			err = io.ErrUnexpectedEOF
		}
		if err == nil {
			return data, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		}

		lastErr = err
	}

	buffer.opts.logger.Error("source read gave up",
		"attempts", buffer.cfg.MaxRetries+1, "position", position, "err", lastErr)

	return nil, fmt.Errorf("%w after %d attempts at %d: %w", ErrFetchFailed, buffer.cfg.MaxRetries+1, position, lastErr)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// syncFill is the fillup a reader runs on an empty buffer. Concurrent readers
// share one fetch.
func (buffer *RangeFetchBuffer) syncFill(ctx context.Context) error {
	_, err, _ := buffer.fills.Do("fill", func() (any, error) {
		return buffer.FillupBuffer(ctx, -1, buffer.cfg.SyncFetchChunks)
	})
	return err
}

// OnChunk registers fn to see every chunk fetched from the source, in order.
// fn runs with the fetch lock held and must not call back into the buffer.
func (buffer *RangeFetchBuffer) OnChunk(fn func(Chunk)) {
	buffer.fetchMu.Lock()
	defer buffer.fetchMu.Unlock()

	buffer.onChunk = fn
}

// ensureReadable fills an empty buffer. Once the source is spent a download
// buffer closes itself; a live one stays open and may still be empty.
func (buffer *RangeFetchBuffer) ensureReadable(ctx context.Context) error {
	if !buffer.inner.IsEmpty() {
		return nil
	}

	if !buffer.exhausted() {
		if err := buffer.syncFill(ctx); err != nil {
			return err
		}
	}

	if buffer.inner.IsEmpty() && buffer.exhausted() && !buffer.cfg.Live {
		buffer.Close()
		return ErrClosed
	}

	return nil
}

func (buffer *RangeFetchBuffer) Add(chunk Chunk) error {
	return fmt.Errorf("%w: chunks enter a fetch buffer only from its source", ErrUnsupported)
}

// Next fills the buffer when it is empty and returns the next chunk. A seek or
// reset may empty the buffer between the fill and the read, so the fill is
// retried after every wait until a chunk arrives. A live buffer waits the same
// way for its source to grow.
func (buffer *RangeFetchBuffer) Next(ctx context.Context) (Chunk, error) {
	for {
		if buffer.closed.Load() {
			return Chunk{}, ErrClosed
		}

		if err := buffer.ensureReadable(ctx); err != nil {
			return Chunk{}, err
		}

		if chunk, ok := buffer.inner.tryNext(); ok {
			return chunk, nil
		}

		if err := buffer.inner.waitForAdd(ctx); err != nil {
			return Chunk{}, err
		}
	}
}

func (buffer *RangeFetchBuffer) Peek() (Chunk, bool) {
	chunk, ok, err := buffer.PeekContext(context.Background())
	if err != nil && !errors.Is(err, ErrClosed) {
		buffer.opts.logger.Warn("peek could not fill buffer", "err", err)
	}
	return chunk, ok
}

// PeekContext is Peek with the fill error and a context for the fetch.
func (buffer *RangeFetchBuffer) PeekContext(ctx context.Context) (Chunk, bool, error) {
	if buffer.closed.Load() {
		return Chunk{}, false, nil
	}

	if err := buffer.ensureReadable(ctx); err != nil {
		return Chunk{}, false, err
	}

	chunk, ok := buffer.inner.Peek()
	return chunk, ok, nil
}

// Seek moves n chunks. Landing inside the buffered chunks only moves the inner
// cursor; anything else drops the buffer and moves the download position,
// clamped to the ends of the source.
func (buffer *RangeFetchBuffer) Seek(n int) (int, error) {
	buffer.fetchMu.Lock()
	defer buffer.fetchMu.Unlock()

	if buffer.closed.Load() {
		return 0, ErrClosed
	}

	if n == 0 {
		return 0, nil
	}

	length := buffer.source.Length()
	chunkSize := int64(buffer.cfg.ChunkSize)
	totalChunks := int((length + chunkSize - 1) / chunkSize)
	current := buffer.readChunk()

	switch {
	case n > 0 && current+n > totalChunks:
		moved := totalChunks - current
		buffer.reposition(length)
		return moved, nil

	case n < 0 && current+n < 0:
		moved := -current
		buffer.reposition(0)
		return moved, nil

	case n > 0 && n <= buffer.inner.BufferedForward(),
		n < 0 && -n <= buffer.BufferedBackward():
		return buffer.inner.Seek(n)
	}

	buffer.reposition(int64(current+n) * chunkSize)

	return n, nil
}

// readChunk is the index of the chunk Next would return. Callers hold fetchMu.
func (buffer *RangeFetchBuffer) readChunk() int {
	chunkSize := int64(buffer.cfg.ChunkSize)
	downloaded := int((buffer.nextDownloadPos.Load() + chunkSize - 1) / chunkSize)

	return downloaded - buffer.inner.Size()
}

// reposition drops every buffered chunk and resumes downloading at position.
// Callers hold fetchMu.
func (buffer *RangeFetchBuffer) reposition(position int64) {
	buffer.opts.logger.Debug("download repositioned",
		"from", buffer.nextDownloadPos.Load(), "to", position)

	buffer.inner.Reset()
	buffer.nextDownloadPos.Store(position)
}

// readPosition is the byte offset of the chunk Next would return.
func (buffer *RangeFetchBuffer) readPosition() int64 {
	buffer.fetchMu.Lock()
	defer buffer.fetchMu.Unlock()

	return min(int64(buffer.readChunk())*int64(buffer.cfg.ChunkSize), buffer.source.Length())
}

func (buffer *RangeFetchBuffer) setDownloadPosition(position int64) {
	buffer.fetchMu.Lock()
	defer buffer.fetchMu.Unlock()

	position = max(0, min(position, buffer.source.Length()))
	position -= position % int64(buffer.cfg.ChunkSize)

	buffer.reposition(position)
}

// DownloadPosition is the byte offset the next source read starts at.
func (buffer *RangeFetchBuffer) DownloadPosition() int64 {
	return buffer.nextDownloadPos.Load()
}

// Size reads the inner buffer without fetchMu, so it may trail an in-flight
// fetch but never waits for one.
func (buffer *RangeFetchBuffer) Size() int {
	return buffer.inner.Size()
}

func (buffer *RangeFetchBuffer) IsEmpty() bool {
	return buffer.inner.IsEmpty()
}

func (buffer *RangeFetchBuffer) IsFull() bool {
	return buffer.inner.Size() >= buffer.cfg.BufferedChunks
}

// Fill is bounded by Capacity even after the inner ring has wrapped.
func (buffer *RangeFetchBuffer) Fill() int {
	return min(buffer.inner.Fill(), buffer.cfg.BufferedChunks)
}

// Capacity is the fillup target, not the size of the inner ring.
func (buffer *RangeFetchBuffer) Capacity() int {
	return buffer.cfg.BufferedChunks
}

func (buffer *RangeFetchBuffer) BufferedForward() int {
	return buffer.inner.BufferedForward()
}

// BufferedBackward keeps Fill() - Size() as its bound, like the slot buffers.
func (buffer *RangeFetchBuffer) BufferedBackward() int {
	return max(0, min(buffer.inner.BufferedBackward(), buffer.Fill()-buffer.Size()))
}

// Reset drops buffered chunks; downloading resumes at the current read position.
func (buffer *RangeFetchBuffer) Reset() error {
	buffer.fetchMu.Lock()
	defer buffer.fetchMu.Unlock()

	position := min(int64(buffer.readChunk())*int64(buffer.cfg.ChunkSize), buffer.source.Length())
	buffer.reposition(position)

	return nil
}

// Close closes the inner buffer and the source. An in-flight fetch fails on its
// next attempt.
func (buffer *RangeFetchBuffer) Close() error {
	buffer.closed.Store(true)

	if err := buffer.inner.Close(); err != nil {
		return err
	}

	var err error
	buffer.closeSource.Do(func() {
		err = buffer.source.Close()
	})

	return err
}

// SetPaused stops or resumes the background puller. Readers still fill an
// empty buffer while paused.
func (buffer *RangeFetchBuffer) SetPaused(paused bool) {
	buffer.paused.Store(paused)
}

func (buffer *RangeFetchBuffer) Paused() bool {
	return buffer.paused.Load()
}

// Err returns the error that stopped the background puller, if any.
func (buffer *RangeFetchBuffer) Err() error {
	buffer.errMu.Lock()
	defer buffer.errMu.Unlock()

	return buffer.lastErr
}

// Start runs the background puller until ctx ends, the buffer closes or a fetch
// exhausts its retries. The returned channel closes when it stops.
func (buffer *RangeFetchBuffer) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(buffer.cfg.PullInterval)
		defer ticker.Stop()

		for {
			if !buffer.paused.Load() {
				_, err := buffer.FillupBuffer(ctx, buffer.cfg.MinFetchChunks, -1)
				if err != nil {
					if !errors.Is(err, ErrClosed) && ctx.Err() == nil {
						buffer.errMu.Lock()
						buffer.lastErr = err
						buffer.errMu.Unlock()

						buffer.opts.logger.Error("background fetch stopped", "err", err)
					}
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			if buffer.closed.Load() {
				return
			}
		}
	}()

	return done
}
