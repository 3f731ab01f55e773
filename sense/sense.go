package sense

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/vitalstream/datum"
	"github.com/c360/vitalstream/metric"
	"github.com/c360/vitalstream/pkg/queue"
	"github.com/c360/vitalstream/telemetry"
)

// telemetryPatient identifies listener telemetry in the data plane.
const telemetryPatient = "sense"

// readDeadline bounds every socket wait so shutdown is observed quickly.
const readDeadline = 100 * time.Millisecond

// Listener is the common surface of the UDP and TCP listeners.
type Listener interface {
	// Sense returns everything received since the last call, ordered by
	// timestamp, plus periodic telemetry. Never blocks.
	Sense() []string
	// Close stops the workers and releases the socket. Idempotent.
	Close() error
}

// senseMetrics holds Prometheus metrics for a listener.
type senseMetrics struct {
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	datumsWrapped   prometheus.Counter
	queueDepth      prometheus.Gauge
	socketErrors    prometheus.Counter
}

func newSenseMetrics(registry *metric.MetricsRegistry, proto string, port int) *senseMetrics {
	if registry == nil {
		return nil
	}

	m := &senseMetrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitalstream",
			Subsystem: "sense",
			Name:      proto + "_packets_received_total",
			Help:      "Total packets received",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitalstream",
			Subsystem: "sense",
			Name:      proto + "_bytes_received_total",
			Help:      "Total bytes received",
		}),
		datumsWrapped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitalstream",
			Subsystem: "sense",
			Name:      proto + "_datums_wrapped_total",
			Help:      "Records that failed validation and were wrapped",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vitalstream",
			Subsystem: "sense",
			Name:      proto + "_queue_depth",
			Help:      "Sensed records waiting to be drained",
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitalstream",
			Subsystem: "sense",
			Name:      proto + "_socket_errors_total",
			Help:      "Socket read errors encountered",
		}),
	}

	serviceName := fmt.Sprintf("sense_%s_%d", proto, port)
	registry.RegisterCounter(serviceName, "packets_received", m.packetsReceived)
	registry.RegisterCounter(serviceName, "bytes_received", m.bytesReceived)
	registry.RegisterCounter(serviceName, "datums_wrapped", m.datumsWrapped)
	registry.RegisterGauge(serviceName, "queue_depth", m.queueDepth)
	registry.RegisterCounter(serviceName, "socket_errors", m.socketErrors)

	return m
}

// identitySanitizer strips characters the wire format reserves from
// source-derived identities (IPv6 literals carry colons).
var identitySanitizer = strings.NewReplacer(":", "-", ";", "-")

// payloadSanitizer neutralizes reserved keywords in raw bytes being wrapped,
// so a wrapped record always encodes. A period is inert to the parser.
var payloadSanitizer = strings.NewReplacer(
	";", ",",
	"patient_id", "patient.id",
	"device_id", "device.id",
	"timestamp", "time.stamp",
	"sample", "sam.ple",
	"metric", "met.ric",
)

// core is the state shared by the UDP and TCP listeners.
type core struct {
	cfg           Config
	logger        *slog.Logger
	out           queue.Queue[string]
	reporter      *telemetry.Reporter
	metrics       *senseMetrics
	coreMetrics   *metric.Metrics
	proto         string
	listenerLabel string

	running atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup

	// trackLatency adds a per-datum receive latency to telemetry.
	trackLatency bool
}

func newCore(cfg Config, deps Deps, proto string) *core {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "sense-"+proto, "port", cfg.Port)
	}

	device := identitySanitizer.Replace(fmt.Sprintf("%s_%d", cfg.Host, cfg.Port))
	c := &core{
		cfg:           cfg,
		logger:        logger,
		out:           queue.NewBounded[string](cfg.QueueCapacity),
		reporter:      telemetry.NewReporter(cfg.SystemSamples, cfg.App, telemetryPatient, device),
		metrics:       newSenseMetrics(deps.MetricsRegistry, proto, cfg.Port),
		proto:         proto,
		listenerLabel: fmt.Sprintf("%s_%d", proto, cfg.Port),
	}
	if deps.MetricsRegistry != nil {
		c.coreMetrics = deps.MetricsRegistry.CoreMetrics()
	}
	c.running.Store(true)
	return c
}

// classify validates one received record, wrapping it into a synthetic
// sample identified by its source when it does not parse. The returned
// record always validates.
func (c *core) classify(data []byte, srcHost string, srcPort int) string {
	record := string(data)
	if datum.Validate(record) {
		return record
	}

	if c.metrics != nil {
		c.metrics.datumsWrapped.Inc()
	}
	if c.coreMetrics != nil {
		c.coreMetrics.DatumsWrapped.WithLabelValues(c.listenerLabel).Inc()
	}

	patient := identitySanitizer.Replace(srcHost)
	device := fmt.Sprintf("%d", srcPort)
	payload := payloadSanitizer.Replace(record)

	wrapped, err := datum.NewSample(c.cfg.SampleType, patient, device, payload)
	if err != nil {
		// Sanitization guarantees encodability; reaching here means the
		// record was empty or the source address was unusable.
		c.logger.Warn("discarding unwrappable record",
			"source", srcHost, "port", srcPort, "error", err)
		if c.coreMetrics != nil {
			c.coreMetrics.ErrorsTotal.WithLabelValues("sense", "invalid").Inc()
		}
		return ""
	}
	return wrapped
}

// emit pushes a record to the output queue, blocking when the queue is full
// until the caller drains or the listener closes.
func (c *core) emit(record string) {
	if record == "" {
		return
	}
	if err := c.out.Put(record); err != nil {
		// Queue closed, listener is shutting down.
		return
	}
}

// collect implements Sense: drain, order, count, report.
func (c *core) collect() []string {
	data := c.out.DrainAll()

	sort.SliceStable(data, func(i, j int) bool {
		ti, erri := datum.Timestamp(data[i])
		tj, errj := datum.Timestamp(data[j])
		if erri != nil || errj != nil {
			return false
		}
		return ti < tj
	})

	c.reporter.Add(len(data))
	if c.trackLatency && c.reporter.Enabled() {
		now := float64(time.Now().UnixNano()) / 1e9
		for _, record := range data {
			if ts, err := datum.Timestamp(record); err == nil {
				c.reporter.AddLatency(now - ts)
			}
		}
	}
	if c.metrics != nil {
		c.metrics.queueDepth.Set(float64(c.out.Size()))
	}
	if c.coreMetrics != nil && len(data) > 0 {
		c.coreMetrics.DatumsSensed.WithLabelValues(c.listenerLabel, c.proto).
			Add(float64(len(data)))
	}

	return append(data, c.reporter.Collect(nil)...)
}

// shutdown flips the running flag and unblocks queue writers. Returns false
// when already closed.
func (c *core) shutdown() bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	c.running.Store(false)
	return true
}
