package seek_buffer_go

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TrackerConfig tunes a ThroughputTracker. Zero values take the defaults.
type TrackerConfig struct {
	// Window is the number of samples kept per direction. Default 20.
	Window int

	// MaxGap drops gaps between samples at least this long, such as a paused
	// player or a sleeping machine. Default 5s.
	MaxGap time.Duration

	// MinRate and MaxRate bound a believable rate in chunks per second.
	// Defaults 0.5 and 5.
	MinRate float64
	MaxRate float64

	// DefaultRate is reported when neither direction is believable. Default 1.
	DefaultRate float64

	Now func() time.Time
}

func (cfg TrackerConfig) withDefaults() TrackerConfig {
	if cfg.Window < 2 {
		cfg.Window = 20
	}
	if cfg.MaxGap <= 0 {
		cfg.MaxGap = 5 * time.Second
	}
	if cfg.MinRate <= 0 {
		cfg.MinRate = 0.5
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = 5
	}
	if cfg.DefaultRate <= 0 {
		cfg.DefaultRate = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// sampleWindow keeps the last len(samples) millisecond stamps in arrival order.
type sampleWindow struct {
	samples []int64
	next    int
	count   int
}

func newSampleWindow(size int) sampleWindow {
	return sampleWindow{samples: make([]int64, size)}
}

func (w *sampleWindow) record(stamp int64) {
	w.samples[w.next] = stamp
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

// rate is the number of gaps per second, skipping gaps that are negative or at
// least maxGap long.
func (w *sampleWindow) rate(maxGap time.Duration) float64 {
	oldest := (w.next - w.count + len(w.samples)) % len(w.samples)
	limit := maxGap.Milliseconds()

	var total int64
	gaps := 0

	for i := 1; i < w.count; i++ {
		previous := w.samples[(oldest+i-1)%len(w.samples)]
		current := w.samples[(oldest+i)%len(w.samples)]

		gap := current - previous
		if gap < 0 || gap >= limit {
			continue
		}

		total += gap
		gaps++
	}

	if total == 0 {
		return 0
	}

	return float64(gaps) / (float64(total) / 1000)
}

// ThroughputTracker wraps a RingBuffer and keeps moving averages of how fast
// chunks are written, by their timestamps, and read, by the wall clock.
// Everything else is forwarded unchanged.
//
// A buffer that produces its own chunks, like RangeFetchBuffer, reports each
// one to the tracker, which samples it on the wall clock as a write.
type ThroughputTracker struct {
	RingBuffer

	cfg TrackerConfig

	mu     sync.Mutex
	writes sampleWindow
	reads  sampleWindow

	writeGauge prometheus.Gauge
	readGauge  prometheus.Gauge
}

// chunkProducer is a buffer that fills itself instead of taking Add calls.
type chunkProducer interface {
	OnChunk(fn func(Chunk))
}

var _ chunkProducer = &RangeFetchBuffer{}

func NewThroughputTracker(buffer RingBuffer, cfg TrackerConfig, name string) *ThroughputTracker {
	cfg = cfg.withDefaults()

	tracker := &ThroughputTracker{
		RingBuffer: buffer,
		cfg:        cfg,
		writes:     newSampleWindow(cfg.Window),
		reads:      newSampleWindow(cfg.Window),
		writeGauge: ThroughputRate.WithLabelValues(name, "write"),
		readGauge:  ThroughputRate.WithLabelValues(name, "read"),
	}

	if producer, ok := buffer.(chunkProducer); ok {
		producer.OnChunk(tracker.produced)
	}

	return tracker
}

func (tracker *ThroughputTracker) produced(Chunk) {
	tracker.mu.Lock()
	tracker.writes.record(tracker.cfg.Now().UnixMilli())
	tracker.mu.Unlock()
}

func (tracker *ThroughputTracker) Add(chunk Chunk) error {
	if err := tracker.RingBuffer.Add(chunk); err != nil {
		return err
	}

	tracker.mu.Lock()
	tracker.writes.record(chunk.Timestamp)
	tracker.mu.Unlock()

	return nil
}

// AddBulk adds without recording a sample, for back-fills that would skew the
// write rate.
func (tracker *ThroughputTracker) AddBulk(chunk Chunk) error {
	return tracker.RingBuffer.Add(chunk)
}

func (tracker *ThroughputTracker) Next(ctx context.Context) (Chunk, error) {
	chunk, err := tracker.RingBuffer.Next(ctx)
	if err != nil {
		return chunk, err
	}

	tracker.mu.Lock()
	tracker.reads.record(tracker.cfg.Now().UnixMilli())
	tracker.mu.Unlock()

	return chunk, nil
}

// Unwrap returns the tracked buffer.
func (tracker *ThroughputTracker) Unwrap() RingBuffer {
	return tracker.RingBuffer
}

func (tracker *ThroughputTracker) WriteRate() float64 {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	rate := tracker.writes.rate(tracker.cfg.MaxGap)
	tracker.writeGauge.Set(rate)

	return rate
}

func (tracker *ThroughputTracker) ReadRate() float64 {
	tracker.mu.Lock()
	defer tracker.mu.Unlock()

	rate := tracker.reads.rate(tracker.cfg.MaxGap)
	tracker.readGauge.Set(rate)

	return rate
}

// Rate is the slower of the two directions when both are believable, else the
// believable one, else DefaultRate.
func (tracker *ThroughputTracker) Rate() float64 {
	write := tracker.WriteRate()
	read := tracker.ReadRate()

	writeOK := tracker.believable(write)
	readOK := tracker.believable(read)

	switch {
	case writeOK && readOK:
		return min(write, read)
	case writeOK:
		return write
	case readOK:
		return read
	default:
		return tracker.cfg.DefaultRate
	}
}

func (tracker *ThroughputTracker) believable(rate float64) bool {
	return rate >= tracker.cfg.MinRate && rate <= tracker.cfg.MaxRate
}
