package seek_buffer_go

import (
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

const snapshotVersion = 1

// StreamKind tells a live stream from a finite download.
type StreamKind int

const (
	StreamDownload StreamKind = iota
	StreamLive
)

func (k StreamKind) String() string {
	switch k {
	case StreamLive:
		return "live"
	default:
		return "download"
	}
}

// StreamDescriptor names the stream a buffer was fed from. The buffer core does
// not interpret it; it only travels with the snapshot.
type StreamDescriptor struct {
	Locator        string
	CredentialsRef string
	Playing        bool
	PauseDownload  bool
	Kind           StreamKind
	Headers        map[string]string
}

type SnapshotKind int

const (
	SnapshotMemory SnapshotKind = iota + 1
	SnapshotDisk
	SnapshotFetch
)

// MemoryState carries the slots and cursors of a MemoryRingBuffer.
type MemoryState struct {
	Chunks  []Chunk
	NextGet int
	NextAdd int
	Fill    int
}

// DiskState carries the page layout and cursors of a DiskRingBuffer. The chunks
// themselves stay in the page files under Dir.
type DiskState struct {
	Dir        string
	DiskFiles  int
	DiskChunks int
	NextGet    int
	NextAdd    int
	Fill       int
}

// FetchState carries the download position of a RangeFetchBuffer.
type FetchState struct {
	NextDownloadPos int64
	BufferedChunks  int
	ChunkSize       int
}

// Snapshot is a point in time copy of a buffer's cursors. Exactly one of Memory,
// Disk and Fetch is set, matching Kind.
type Snapshot struct {
	Version   int
	ID        string
	CreatedAt time.Time
	Kind      SnapshotKind
	Stream    StreamDescriptor

	Memory *MemoryState
	Disk   *DiskState
	Fetch  *FetchState
}

// SourceOpener opens the byte source named by a descriptor when a fetch buffer
// is restored.
type SourceOpener func(desc StreamDescriptor) (ByteSource, error)

// ToSnapshot captures buffer. A ThroughputTracker is captured as the buffer it
// wraps. A DiskRingBuffer is flushed first.
func ToSnapshot(buffer RingBuffer, desc StreamDescriptor) (*Snapshot, error) {
	snapshot := &Snapshot{
		Version:   snapshotVersion,
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Stream:    desc,
	}

	switch b := buffer.(type) {
	case *ThroughputTracker:
		return ToSnapshot(b.RingBuffer, desc)

	case *MemoryRingBuffer:
		data, cur := b.state()
		snapshot.Kind = SnapshotMemory
		snapshot.Memory = &MemoryState{
			Chunks:  data,
			NextGet: cur.nextGet,
			NextAdd: cur.nextAdd,
			Fill:    cur.fill,
		}

	case *DiskRingBuffer:
		cur, err := b.flushedState()
		if err != nil {
			return nil, err
		}
		snapshot.Kind = SnapshotDisk
		snapshot.Disk = &DiskState{
			Dir:        b.dir,
			DiskFiles:  b.diskFiles,
			DiskChunks: b.diskChunks,
			NextGet:    cur.nextGet,
			NextAdd:    cur.nextAdd,
			Fill:       cur.fill,
		}

	case *RangeFetchBuffer:
		snapshot.Kind = SnapshotFetch
		snapshot.Fetch = &FetchState{
			NextDownloadPos: b.readPosition(),
			BufferedChunks:  b.cfg.BufferedChunks,
			ChunkSize:       b.cfg.ChunkSize,
		}

	default:
		return nil, fmt.Errorf("%w: cannot snapshot %T", ErrUnsupported, buffer)
	}

	return snapshot, nil
}

// FromSnapshot rebuilds a live buffer. opener is only used for fetch snapshots
// and may be nil otherwise.
func FromSnapshot(snapshot *Snapshot, opener SourceOpener, opts ...Option) (RingBuffer, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrSnapshotFormat)
	}

	switch snapshot.Kind {
	case SnapshotMemory:
		return restoreMemory(snapshot.Memory, opts)
	case SnapshotDisk:
		return restoreDisk(snapshot.Disk, opts)
	case SnapshotFetch:
		return restoreFetch(snapshot, opener, opts)
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrSnapshotFormat, snapshot.Kind)
	}
}

func restoreMemory(state *MemoryState, opts []Option) (*MemoryRingBuffer, error) {
	if state == nil || len(state.Chunks) == 0 {
		return nil, fmt.Errorf("%w: memory snapshot without chunks", ErrSnapshotFormat)
	}

	cur := cursors{
		slots:   len(state.Chunks),
		nextGet: state.NextGet,
		nextAdd: state.NextAdd,
		fill:    state.Fill,
	}
	if !cur.valid() {
		return nil, fmt.Errorf("%w: cursors %d/%d fill %d outside %d slots", ErrSnapshotFormat, cur.nextGet, cur.nextAdd, cur.fill, cur.slots)
	}

	data := make([]Chunk, len(state.Chunks))
	for i, chunk := range state.Chunks {
		if chunk.Data == nil {
			chunk.Data = []byte{}
		}
		data[i] = chunk
	}

	return newMemoryRingBuffer(data, cur, opts), nil
}

func restoreDisk(state *DiskState, opts []Option) (*DiskRingBuffer, error) {
	if state == nil || state.Dir == "" {
		return nil, fmt.Errorf("%w: disk snapshot without page directory", ErrSnapshotFormat)
	}

	if err := validateDiskLayout(state.Dir, state.DiskChunks, state.DiskFiles); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotFormat, err)
	}

	cur := cursors{
		slots:   state.DiskChunks,
		nextGet: state.NextGet,
		nextAdd: state.NextAdd,
		fill:    state.Fill,
	}
	if !cur.valid() {
		return nil, fmt.Errorf("%w: cursors %d/%d fill %d outside %d slots", ErrSnapshotFormat, cur.nextGet, cur.nextAdd, cur.fill, cur.slots)
	}

	return openDiskRingBuffer(state.Dir, state.DiskChunks, state.DiskFiles, cur, opts)
}

func restoreFetch(snapshot *Snapshot, opener SourceOpener, opts []Option) (*RangeFetchBuffer, error) {
	if snapshot.Fetch == nil {
		return nil, fmt.Errorf("%w: fetch snapshot without download position", ErrSnapshotFormat)
	}

	if opener == nil {
		return nil, fmt.Errorf("%w: fetch snapshot needs a source opener", ErrInvalidConfig)
	}

	source, err := opener(snapshot.Stream)
	if err != nil {
		return nil, err
	}

	buffer, err := RestoreFetchBuffer(snapshot, source, FetchConfig{MaxRetries: -1}, opts...)
	if err != nil {
		source.Close()
		return nil, err
	}

	return buffer, nil
}

// RestoreFetchBuffer rebuilds a fetch buffer over an already opened source.
// Chunk geometry and liveness come from the snapshot; the other fields of cfg
// are used as given.
func RestoreFetchBuffer(snapshot *Snapshot, source ByteSource, cfg FetchConfig, opts ...Option) (*RangeFetchBuffer, error) {
	if snapshot == nil || snapshot.Kind != SnapshotFetch || snapshot.Fetch == nil {
		return nil, fmt.Errorf("%w: not a fetch snapshot", ErrSnapshotFormat)
	}

	cfg.BufferedChunks = snapshot.Fetch.BufferedChunks
	cfg.ChunkSize = snapshot.Fetch.ChunkSize
	cfg.Live = snapshot.Stream.Kind == StreamLive

	buffer, err := NewRangeFetchBuffer(source, cfg, opts...)
	if err != nil {
		return nil, err
	}

	buffer.setDownloadPosition(snapshot.Fetch.NextDownloadPos)

	return buffer, nil
}

// WriteSnapshot encodes snapshot as a single gob object.
func WriteSnapshot(w io.Writer, snapshot *Snapshot) error {
	return gob.NewEncoder(w).Encode(snapshot)
}

func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var snapshot Snapshot
	if err := gob.NewDecoder(r).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotFormat, err)
	}

	if snapshot.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotFormat, snapshot.Version)
	}

	return &snapshot, nil
}

// SaveSnapshotFile writes snapshot compressed to a temp file and renames it over
// path once synced.
func SaveSnapshotFile(path string, snapshot *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())

	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}

	writer := snappy.NewBufferedWriter(file)

	if err := WriteSnapshot(writer, snapshot); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := writer.Close(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

// LoadSnapshotFile reads a file written by SaveSnapshotFile. A missing file is
// reported as os.ErrNotExist so callers can start fresh.
func LoadSnapshotFile(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ReadSnapshot(snappy.NewReader(file))
}
