package seek_buffer_go

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// RingBuffer defines the public API shared by every chunk buffer backend.
//
// The buffer is a circular address space of N slots of which N-1 are usable:
// one slot is sacrificed so that two cursors alone can tell "empty" from "full".
//
// Notes on semantics:
//   - Add never blocks and never rejects on a full buffer. When the write cursor
//     runs into the read cursor the oldest unread chunk is evicted.
//   - Next blocks while the buffer is empty, polling on a bounded interval so a
//     Close is observed promptly. It returns ErrClosed once the buffer is closed
//     and ErrInterrupted (wrapping ctx.Err()) when ctx ends first.
//   - Peek returns what the next call to Next would return without moving the
//     read cursor.
//   - Seek moves the read cursor one slot at a time and stops early at the empty
//     boundary (forward) or at the oldest retained chunk (backward). It returns
//     the signed number of slots actually moved.
//   - Fill counts slots that have held data since construction or Reset and
//     saturates at Capacity.
//   - Close only sets a flag; a blocked reader sees it within one poll interval.
//
// All methods are safe for concurrent use.
type RingBuffer interface {
	Add(chunk Chunk) error
	Next(ctx context.Context) (Chunk, error)
	Peek() (Chunk, bool)
	Seek(n int) (int, error)

	IsEmpty() bool
	IsFull() bool
	Size() int
	Fill() int
	Capacity() int

	BufferedForward() int
	BufferedBackward() int

	Reset() error
	Close() error
}

var _ RingBuffer = &MemoryRingBuffer{}
var _ RingBuffer = &DiskRingBuffer{}
var _ RingBuffer = &RangeFetchBuffer{}
var _ RingBuffer = &ThroughputTracker{}

// ByteSource is a random access provider of the bytes a RangeFetchBuffer chunks.
// ReadRange may return fewer than size bytes near the end of the source.
type ByteSource interface {
	Length() int64
	ReadRange(ctx context.Context, start int64, size int) ([]byte, error)
	io.Closer
}

// Chunk is one unit of buffered payload. Two chunks are equal when their data is
// equal; metadata and timestamp are informational. Chunks are treated as
// immutable once built.
type Chunk struct {
	Data      []byte
	Metadata  string
	Timestamp int64 // unix milliseconds
}

// NewChunk copies data so the caller may reuse its slice.
func NewChunk(data []byte, metadata string, timestamp int64) Chunk {
	return Chunk{
		Data:      bytes.Clone(data),
		Metadata:  metadata,
		Timestamp: timestamp,
	}
}

// EmptyChunk fills slots that never held data.
var EmptyChunk = Chunk{Data: []byte{}}

func (c Chunk) Equal(other Chunk) bool {
	return bytes.Equal(c.Data, other.Data)
}

func (c Chunk) Len() int {
	return len(c.Data)
}

var (
	// ErrClosed is returned by Next once the buffer has been closed.
	ErrClosed = errors.New("seekbuffer: buffer closed")

	// ErrInterrupted is returned when the context of a blocked Next ends.
	ErrInterrupted = errors.New("seekbuffer: wait interrupted")

	// ErrUnsupported is returned by operations a backend does not offer.
	ErrUnsupported = errors.New("seekbuffer: unsupported operation")

	// ErrInvalidConfig is returned by constructors given impossible sizes or paths.
	ErrInvalidConfig = errors.New("seekbuffer: invalid configuration")

	// ErrPageIO marks a failed page flush or load in the disk backend. The
	// buffer windows can no longer be trusted after it.
	ErrPageIO = errors.New("seekbuffer: page i/o failed")

	// ErrSnapshotFormat is returned when a snapshot lacks required fields.
	ErrSnapshotFormat = errors.New("seekbuffer: bad snapshot format")

	// ErrFetchFailed is returned once a source read has exhausted its retries.
	ErrFetchFailed = errors.New("seekbuffer: fetch failed")
)
