// Package store bridges datums to a NATS JetStream broker.
//
// Each sample or metric type maps to one stream; the patient id becomes the
// publish subject token, so consumers can subscribe to one patient or a whole
// type. Store publishes asynchronously and Retrieve pulls in adaptively sized
// batches, halving the batch on an empty poll and doubling it when the broker
// saturates the request.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/vitalstream/datum"
	"github.com/c360/vitalstream/errors"
	"github.com/c360/vitalstream/metric"
	"github.com/c360/vitalstream/natsclient"
	"github.com/c360/vitalstream/pkg/control"
	"github.com/c360/vitalstream/telemetry"
)

const (
	// streamPrefix namespaces this pipeline's streams on a shared broker.
	streamPrefix = "VS_"

	// fetchWait bounds every pull so Retrieve never blocks past it.
	fetchWait = 100 * time.Millisecond

	initialFetchSize = 100
	maxFetchSize     = 1_000_000

	connectTimeout = 10 * time.Second
)

// Config holds configuration for the store adapter.
type Config struct {
	// URL is the NATS server URL.
	URL string
	// SystemSamples enables periodic throughput telemetry.
	SystemSamples bool
	// App suffixes the telemetry sample type.
	App string
}

// Deps holds runtime dependencies for the store adapter.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	// Client, when set, is used instead of dialing Config.URL. The store
	// owns it and closes it.
	Client *natsclient.Client
}

type storeMetrics struct {
	datumsStored    prometheus.Counter
	datumsRetrieved prometheus.Counter
	pendingAsync    prometheus.Gauge
	fetchSize       prometheus.Gauge
}

func newStoreMetrics(registry *metric.MetricsRegistry) *storeMetrics {
	if registry == nil {
		return nil
	}

	m := &storeMetrics{
		datumsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitalstream",
			Subsystem: "store",
			Name:      "datums_stored_total",
			Help:      "Datums published to the broker",
		}),
		datumsRetrieved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitalstream",
			Subsystem: "store",
			Name:      "datums_retrieved_total",
			Help:      "Datums pulled from the broker",
		}),
		pendingAsync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vitalstream",
			Subsystem: "store",
			Name:      "pending_async_publishes",
			Help:      "Async publishes awaiting broker acks",
		}),
		fetchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vitalstream",
			Subsystem: "store",
			Name:      "fetch_size",
			Help:      "Current adaptive pull batch size",
		}),
	}

	registry.RegisterCounter("store", "datums_stored", m.datumsStored)
	registry.RegisterCounter("store", "datums_retrieved", m.datumsRetrieved)
	registry.RegisterGauge("store", "pending_async", m.pendingAsync)
	registry.RegisterGauge("store", "fetch_size", m.fetchSize)

	return m
}

// Store is a single-threaded adapter between datum slices and JetStream.
type Store struct {
	cfg         Config
	logger      *slog.Logger
	client      *natsclient.Client
	metrics     *storeMetrics
	coreMetrics *metric.Metrics

	storeReporter    *telemetry.Reporter
	retrieveReporter *telemetry.Reporter

	streams     map[string]bool
	consumers   map[string]jetstream.Consumer
	durables    map[string]string
	fetchSize   *control.Controller
	storedTypes map[string]bool

	closed bool
}

// New connects to the broker and returns the adapter. An unreachable broker
// is a construction failure.
func New(cfg Config, deps Deps) (*Store, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "store")
	}

	var coreMetrics *metric.Metrics
	if deps.MetricsRegistry != nil {
		coreMetrics = deps.MetricsRegistry.CoreMetrics()
	}

	client := deps.Client
	if client == nil {
		opts := []natsclient.ClientOption{natsclient.WithName("vitalstream-store")}
		if deps.MetricsRegistry != nil {
			opts = append(opts, natsclient.WithConnectionMetrics(coreMetrics))
		}

		var err error
		client, err = natsclient.NewClient(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		if err := client.Connect(ctx); err != nil {
			return nil, errors.WrapFatal(
				fmt.Errorf("%w: %s: %v", errors.ErrNoConnection, cfg.URL, err),
				"Store", "New", "broker connection")
		}
	}

	return &Store{
		cfg:         cfg,
		logger:      logger,
		client:      client,
		metrics:     newStoreMetrics(deps.MetricsRegistry),
		coreMetrics: coreMetrics,
		storeReporter: telemetry.NewReporter(
			cfg.SystemSamples, cfg.App, "store_store", "none"),
		retrieveReporter: telemetry.NewReporter(
			cfg.SystemSamples, cfg.App, "store_retrieve", "none"),
		streams:     make(map[string]bool),
		consumers:   make(map[string]jetstream.Consumer),
		durables:    make(map[string]string),
		fetchSize:   control.New(initialFetchSize, 1, maxFetchSize),
		storedTypes: make(map[string]bool),
	}, nil
}

// sanitizeToken makes a type or patient id safe as a subject token and
// stream name fragment.
var sanitizeToken = strings.NewReplacer(
	".", "_", "*", "_", ">", "_", " ", "_", "\t", "_",
)

func streamName(typ string) string {
	return streamPrefix + strings.ToUpper(sanitizeToken.Replace(typ))
}

func subjectFor(typ, patientID string) string {
	return sanitizeToken.Replace(typ) + "." + sanitizeToken.Replace(patientID)
}

func subjectFilter(typ string) string {
	return sanitizeToken.Replace(typ) + ".>"
}

// ensureStream creates the type's stream once per adapter lifetime.
func (s *Store) ensureStream(ctx context.Context, typ string) error {
	if s.streams[typ] {
		return nil
	}

	_, err := s.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     streamName(typ),
		Subjects: []string{subjectFilter(typ)},
	})
	if err != nil {
		return err
	}

	s.streams[typ] = true
	return nil
}

// Store publishes datums to their type streams, keyed by patient id. An
// empty slice is allowed and still drives telemetry; a non-empty slice with
// no valid datum at all is an error.
func (s *Store) Store(data []string) ([]string, error) {
	if s.closed {
		return nil, errors.Wrap(errors.ErrAlreadyClosed, "Store", "Store", "state check")
	}

	anyValid := false
	for _, d := range data {
		if datum.Validate(d) {
			anyValid = true
			break
		}
	}
	if !anyValid && len(data) != 0 {
		if s.coreMetrics != nil {
			s.coreMetrics.ErrorsTotal.WithLabelValues("store", "invalid").Inc()
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d records", errors.ErrInvalidData, len(data)),
			"Store", "Store", "input validation")
	}

	ctx := context.Background()
	stored := 0
	for _, d := range data {
		typ, err := datum.TypeOf(d)
		if err != nil {
			continue
		}
		pid, err := datum.PatientID(d)
		if err != nil {
			continue
		}

		if err := s.ensureStream(ctx, typ); err != nil {
			return nil, errors.WrapTransient(err, "Store", "Store", "ensure stream")
		}
		s.storedTypes[typ] = true

		if _, err := s.client.PublishAsync(subjectFor(typ, pid), []byte(d)); err != nil {
			return nil, err
		}
		stored++
	}

	if s.metrics != nil {
		s.metrics.datumsStored.Add(float64(stored))
		s.metrics.pendingAsync.Set(float64(s.client.AsyncPending()))
	}
	if s.coreMetrics != nil {
		s.coreMetrics.DatumsStored.WithLabelValues("store").Add(float64(stored))
	}

	s.storeReporter.Add(stored)
	s.storeReporter.SetDevice(typeSet(s.storedTypes))
	out := s.storeReporter.Collect(datum.Counters{
		"queue_length": float64(s.client.AsyncPending()),
	})

	return out, nil
}

// Retrieve pulls one adaptively sized batch of datums for a type, oldest
// first. An optional patient id filters the result.
func (s *Store) Retrieve(typ string, patientID ...string) ([]string, error) {
	if s.closed {
		return nil, errors.Wrap(errors.ErrAlreadyClosed, "Store", "Retrieve", "state check")
	}

	ctx := context.Background()
	consumer, err := s.consumerFor(ctx, typ)
	if err != nil {
		return nil, err
	}

	requested := s.fetchSize.Value()
	var received []string

	// An idle stream is not an error: FetchMaxWait turns it into an empty
	// batch with a nil error. A non-nil error here is broker connectivity
	// and must surface rather than masquerade as an empty poll.
	batch, err := consumer.Fetch(requested, jetstream.FetchMaxWait(fetchWait))
	if err != nil {
		if s.coreMetrics != nil {
			s.coreMetrics.ErrorsTotal.WithLabelValues("store", "transient").Inc()
		}
		return nil, errors.WrapTransient(err, "Store", "Retrieve", "fetch batch")
	}
	for msg := range batch.Messages() {
		received = append(received, string(msg.Data()))
		_ = msg.Ack()
	}
	// Per-message errors are dropped silently; the poll itself succeeding
	// is what drives the controller.
	_ = batch.Error()

	// An empty poll means we over-asked, a saturated poll means the broker
	// has more.
	switch {
	case len(received) == 0:
		s.fetchSize.Halve()
	case len(received) >= requested:
		s.fetchSize.Double()
	}

	out := received
	if len(patientID) > 0 && patientID[0] != "" {
		out = out[:0]
		for _, d := range received {
			if pid, err := datum.PatientID(d); err == nil && pid == patientID[0] {
				out = append(out, d)
			}
		}
	}

	if s.metrics != nil {
		s.metrics.datumsRetrieved.Add(float64(len(out)))
		s.metrics.fetchSize.Set(float64(s.fetchSize.Value()))
	}
	if s.coreMetrics != nil {
		s.coreMetrics.DatumsStored.WithLabelValues("retrieve").Add(float64(len(out)))
	}

	s.retrieveReporter.Add(len(out))
	s.retrieveReporter.SetDevice(consumerTypes(s.consumers))
	out = append(out, s.retrieveReporter.Collect(datum.Counters{
		"num_messages": float64(s.fetchSize.Value()),
		"messages":     float64(len(received)),
		"timeout":      fetchWait.Seconds(),
	})...)

	return out, nil
}

// consumerFor lazily creates one durable pull consumer per type, reading
// from the beginning of the stream.
func (s *Store) consumerFor(ctx context.Context, typ string) (jetstream.Consumer, error) {
	if consumer, ok := s.consumers[typ]; ok {
		return consumer, nil
	}

	if err := s.ensureStream(ctx, typ); err != nil {
		return nil, errors.WrapTransient(err, "Store", "Retrieve", "ensure stream")
	}

	durable := "retrieve_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	consumer, err := s.client.PullConsumer(ctx, streamName(typ), jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subjectFilter(typ),
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, err
	}

	s.consumers[typ] = consumer
	s.durables[typ] = durable
	return consumer, nil
}

// Close flushes outstanding publishes, removes this adapter's durable
// consumers from the broker, and closes the connection. Safe to call more
// than once.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	s.client.FlushAsync(connectTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	// Durables outlive connections on the broker side, so each one this
	// adapter created must be deleted here or it accumulates forever.
	for typ, durable := range s.durables {
		if err := s.client.DeleteConsumer(ctx, streamName(typ), durable); err != nil {
			s.logger.Warn("could not delete consumer",
				"stream", streamName(typ), "durable", durable, "error", err)
		}
	}

	return s.client.Close(ctx)
}

// typeSet renders a type set as a stable identity token.
func typeSet(types map[string]bool) string {
	if len(types) == 0 {
		return "none"
	}
	names := make([]string, 0, len(types))
	for typ := range types {
		names = append(names, typ)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func consumerTypes(consumers map[string]jetstream.Consumer) string {
	if len(consumers) == 0 {
		return "none"
	}
	names := make([]string, 0, len(consumers))
	for typ := range consumers {
		names = append(names, typ)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
