package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ Collector = (*Prometheus)(nil)

// Prometheus is a Collector backed by its own prometheus registry.
type Prometheus struct {
	registry *prometheus.Registry

	offeredObjects prometheus.Counter
	offeredBytes   prometheus.Counter
	polledObjects  prometheus.Counter
	polledBytes    prometheus.Counter
	pushedObjects  prometheus.Counter
	pushedBytes    prometheus.Counter
	segmentsMade   prometheus.Counter
	segmentsGone   prometheus.Counter
	queueDepth     prometheus.Gauge
}

// NewPrometheus returns a Collector registering its metrics under the
// "pbd" namespace in a private registry. The nonce label distinguishes
// multiple deques in one process.
func NewPrometheus(nonce string) *Prometheus {
	const namespace = "pbd"
	labels := prometheus.Labels{"nonce": nonce}

	p := &Prometheus{registry: prometheus.NewRegistry()}

	p.offeredObjects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "offered_objects_total",
		Help:        "Number of records appended at the tail.",
		ConstLabels: labels,
	})
	p.offeredBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "offered_bytes_total",
		Help:        "Uncompressed payload bytes appended at the tail.",
		ConstLabels: labels,
	})
	p.polledObjects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "polled_objects_total",
		Help:        "Number of records returned by poll.",
		ConstLabels: labels,
	})
	p.polledBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "polled_bytes_total",
		Help:        "Uncompressed payload bytes returned by poll.",
		ConstLabels: labels,
	})
	p.pushedObjects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "pushed_objects_total",
		Help:        "Number of records prepended at the head.",
		ConstLabels: labels,
	})
	p.pushedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "pushed_bytes_total",
		Help:        "Payload bytes prepended at the head.",
		ConstLabels: labels,
	})
	p.segmentsMade = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "segments_created_total",
		Help:        "Number of segment files created.",
		ConstLabels: labels,
	})
	p.segmentsGone = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "segments_deleted_total",
		Help:        "Number of segment files deleted.",
		ConstLabels: labels,
	})
	p.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_depth",
		Help:        "Current number of unread records.",
		ConstLabels: labels,
	})

	p.registry.MustRegister(
		p.offeredObjects, p.offeredBytes,
		p.polledObjects, p.polledBytes,
		p.pushedObjects, p.pushedBytes,
		p.segmentsMade, p.segmentsGone,
		p.queueDepth,
	)
	return p
}

// Handler returns an HTTP handler exposing the collector's registry, for
// mounting on whatever mux the process runs.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *Prometheus) OfferedObject(bytes int) {
	p.offeredObjects.Inc()
	p.offeredBytes.Add(float64(bytes))
}

func (p *Prometheus) PolledObject(bytes int) {
	p.polledObjects.Inc()
	p.polledBytes.Add(float64(bytes))
}

func (p *Prometheus) PushedObjects(count, bytes int) {
	p.pushedObjects.Add(float64(count))
	p.pushedBytes.Add(float64(bytes))
}

func (p *Prometheus) SegmentCreated() { p.segmentsMade.Inc() }
func (p *Prometheus) SegmentDeleted() { p.segmentsGone.Inc() }

func (p *Prometheus) SetQueueDepth(objects int) {
	p.queueDepth.Set(float64(objects))
}
