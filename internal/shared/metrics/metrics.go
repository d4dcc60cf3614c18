package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

var (
	extractionSubmittedTotal atomic.Uint64
	extractionRejectedTotal  atomic.Uint64
	extractionCompletedTotal atomic.Uint64
	extractionFailedTotal    atomic.Uint64
	extractionSweptTotal     atomic.Uint64
	extractionStaleTotal     atomic.Uint64

	queueJobsReceivedTotal atomic.Uint64
	queueJobsDroppedTotal  atomic.Uint64

	extractionDuration = newHistogram([]float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000})
)

// IncExtractionSubmitted counts extraction requests admitted into processing.
func IncExtractionSubmitted() {
	extractionSubmittedTotal.Add(1)
}

// IncExtractionRejected counts extraction requests refused by the state machine.
func IncExtractionRejected() {
	extractionRejectedTotal.Add(1)
}

// IncExtractionCompleted increments the completed counter.
func IncExtractionCompleted() {
	extractionCompletedTotal.Add(1)
}

// IncExtractionFailed increments the failed counter.
func IncExtractionFailed() {
	extractionFailedTotal.Add(1)
}

// IncExtractionSwept counts processing records failed by the timeout sweep.
func IncExtractionSwept() {
	extractionSweptTotal.Add(1)
}

// IncExtractionStale counts worker results dropped because the record moved on.
func IncExtractionStale() {
	extractionStaleTotal.Add(1)
}

// IncQueueJobsReceived counts messages pulled from the job queue.
func IncQueueJobsReceived() {
	queueJobsReceivedTotal.Add(1)
}

// IncQueueJobsDropped counts queue messages discarded as unprocessable.
func IncQueueJobsDropped() {
	queueJobsDroppedTotal.Add(1)
}

// ObserveExtractionDurationMs records an extraction duration in milliseconds.
func ObserveExtractionDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	extractionDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "extraction_submitted_total", "Extractions admitted into processing", extractionSubmittedTotal.Load())
	writeCounter(&buf, "extraction_rejected_total", "Extraction requests rejected", extractionRejectedTotal.Load())
	writeCounter(&buf, "extraction_completed_total", "Extractions completed", extractionCompletedTotal.Load())
	writeCounter(&buf, "extraction_failed_total", "Extractions failed", extractionFailedTotal.Load())
	writeCounter(&buf, "extraction_swept_total", "Processing records failed by timeout sweep", extractionSweptTotal.Load())
	writeCounter(&buf, "extraction_stale_results_total", "Worker results dropped after a state change", extractionStaleTotal.Load())
	writeCounter(&buf, "extraction_queue_received_total", "Job messages received from the queue", queueJobsReceivedTotal.Load())
	writeCounter(&buf, "extraction_queue_dropped_total", "Unprocessable job messages dropped", queueJobsDroppedTotal.Load())
	writeHistogram(&buf, "extraction_duration_ms", "Extraction duration in milliseconds", extractionDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	// counts holds per-bucket hits; writeHistogram accumulates them.
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			break
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
	return out
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
