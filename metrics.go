package seek_buffer_go

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ChunksAdded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seekbuffer_chunks_added_total",
		Help: "Chunks added by buffer",
	}, []string{"buffer"})

	ChunksRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seekbuffer_chunks_read_total",
		Help: "Chunks returned by Next by buffer",
	}, []string{"buffer"})

	ChunksEvicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seekbuffer_chunks_evicted_total",
		Help: "Unread chunks overwritten by Add by buffer",
	}, []string{"buffer"})

	PageFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seekbuffer_page_flushes_total",
		Help: "Dirty write windows written to disk by buffer",
	}, []string{"buffer"})

	PageLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seekbuffer_page_loads_total",
		Help: "Windows loaded from disk or synthesized by buffer",
	}, []string{"buffer"})

	FetchBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seekbuffer_fetch_bytes_total",
		Help: "Bytes read from the byte source by buffer",
	}, []string{"buffer"})

	FetchRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seekbuffer_fetch_retries_total",
		Help: "Failed source reads that were retried by buffer",
	}, []string{"buffer"})

	ThroughputRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "seekbuffer_throughput_chunks_per_second",
		Help: "Moving average chunk rate by buffer and direction",
	}, []string{"buffer", "direction"})
)

func init() {
	prometheus.MustRegister(ChunksAdded)
	prometheus.MustRegister(ChunksRead)
	prometheus.MustRegister(ChunksEvicted)
	prometheus.MustRegister(PageFlushes)
	prometheus.MustRegister(PageLoads)
	prometheus.MustRegister(FetchBytes)
	prometheus.MustRegister(FetchRetries)
	prometheus.MustRegister(ThroughputRate)
}

// bufferMetrics holds the series of one named buffer.
type bufferMetrics struct {
	added   prometheus.Counter
	read    prometheus.Counter
	evicted prometheus.Counter
}

func newBufferMetrics(name string) bufferMetrics {
	return bufferMetrics{
		added:   ChunksAdded.WithLabelValues(name),
		read:    ChunksRead.WithLabelValues(name),
		evicted: ChunksEvicted.WithLabelValues(name),
	}
}
