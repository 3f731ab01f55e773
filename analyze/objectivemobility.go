package analyze

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/vitalstream/datum"
	"github.com/c360/vitalstream/errors"
	"github.com/c360/vitalstream/metric"
	"github.com/c360/vitalstream/pkg/control"
	"github.com/c360/vitalstream/telemetry"
)

// MetricType identifies every metric this engine produces.
const MetricType = "objective_mobility"

const (
	// sampleTypeFiltered is the only sample type the engine consumes.
	sampleTypeFiltered = "pressure_bandage"

	gridSize = 4

	// gradientPeriod is the number of angle metrics per identity needed
	// before a gradient batch is computed (consume and clear).
	gradientPeriod = 5

	// ratePeriod is the sliding window length, in gradient metrics, for
	// movements per minute (slide by one).
	ratePeriod = 600

	// movementThreshold is the gradient magnitude counted as a movement.
	movementThreshold = 2.0

	aggregationPeriod = 50 * time.Millisecond
	analyzeBudget     = 50 * time.Millisecond

	initialAggregationLimit = 100
	maxAggregationLimit     = 1_000_000
)

// Centroid cell subsets of the 4x4 grid, indexed [y][x]. The geometry comes
// from the bandage sensor layout: c0 covers the upper edge, c1 the lower
// left, c2 the lower right.
var (
	c0xLocs = []int{0, 1, 2, 3, 2, 3}
	c0yLocs = []int{0, 0, 0, 0, 1, 2}

	c1xLocs = []int{0, 0, 1, 0, 1}
	c1yLocs = []int{1, 2, 2, 3, 3}

	c2xLocs = []int{3, 2, 3, 2, 3, 2}
	c2yLocs = []int{1, 2, 2, 3, 3, 1}
)

// pressurePayload is the decoded sample payload.
type pressurePayload struct {
	PressureBandage [][]float64 `json:"pressure_bandage"`
}

// anglePayload is the x/y tilt metric payload.
type anglePayload struct {
	XAngle      float64 `json:"x_angle"`
	XAngleUnits string  `json:"x_angle_units"`
	YAngle      float64 `json:"y_angle"`
	YAngleUnits string  `json:"y_angle_units"`
}

// gradientPayload is the angle gradient metric payload.
type gradientPayload struct {
	XYGradient float64 `json:"xy_gradient"`
}

// ratePayload is the movements per minute metric payload.
type ratePayload struct {
	MovementsPerMin float64 `json:"movements_per_min"`
}

// identity keys the per-patient, per-device analysis windows.
type identity struct {
	patientID string
	deviceID  string
}

// Config holds configuration for the objective mobility engine.
type Config struct {
	// MaxPressure normalizes raw grid values. Zero selects the default of
	// 100, matching sensors reporting in kPa-scaled units.
	MaxPressure float64
	// SystemSamples enables periodic throughput telemetry.
	SystemSamples bool
	// App suffixes the telemetry sample type.
	App string
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.MaxPressure == 0 {
		c.MaxPressure = 100.0
	}
	if c.MaxPressure < 0 || math.IsNaN(c.MaxPressure) || math.IsInf(c.MaxPressure, 0) {
		return errors.WrapInvalid(
			fmt.Errorf("max pressure %v: %w", c.MaxPressure, errors.ErrInvalidConfig),
			"ObjectiveMobility", "Validate", "max pressure validation")
	}
	return nil
}

// Deps holds runtime dependencies for the engine.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

type engineMetrics struct {
	samplesIn        prometheus.Counter
	metricsOut       prometheus.Counter
	flushDuration    prometheus.Histogram
	aggregationLimit prometheus.Gauge
}

func newEngineMetrics(registry *metric.MetricsRegistry) *engineMetrics {
	if registry == nil {
		return nil
	}

	m := &engineMetrics{
		samplesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitalstream",
			Subsystem: "analyze",
			Name:      "samples_in_total",
			Help:      "Pressure bandage samples accepted for analysis",
		}),
		metricsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vitalstream",
			Subsystem: "analyze",
			Name:      "metrics_out_total",
			Help:      "Mobility metrics produced",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vitalstream",
			Subsystem: "analyze",
			Name:      "flush_duration_seconds",
			Help:      "Time to analyze one aggregation batch",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),
		aggregationLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vitalstream",
			Subsystem: "analyze",
			Name:      "aggregation_limit",
			Help:      "Current adaptive aggregation threshold",
		}),
	}

	registry.RegisterCounter("analyze", "samples_in", m.samplesIn)
	registry.RegisterCounter("analyze", "metrics_out", m.metricsOut)
	registry.RegisterHistogram("analyze", "flush_duration", m.flushDuration)
	registry.RegisterGauge("analyze", "aggregation_limit", m.aggregationLimit)

	return m
}

// ObjectiveMobility is a single-threaded analysis state machine. Callers
// feed batches through Analyze; the engine decides when enough samples have
// aggregated to be worth a flush.
type ObjectiveMobility struct {
	cfg         Config
	logger      *slog.Logger
	reporter    *telemetry.Reporter
	metrics     *engineMetrics
	coreMetrics *metric.Metrics

	buffer       []string
	limit        *control.Controller
	lastAnalyzed time.Time

	angleWindows    map[identity][]string
	gradientWindows map[identity][]string

	// Normalized centroid coordinates, fixed by the grid geometry.
	c0MeanX, c0MeanY float64
	c1MeanX, c1MeanY float64
	c2MeanX, c2MeanY float64

	now func() time.Time
}

// NewObjectiveMobility creates the engine.
func NewObjectiveMobility(cfg Config, deps Deps) (*ObjectiveMobility, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "analyze", "metric_type", MetricType)
	}

	o := &ObjectiveMobility{
		cfg:             cfg,
		logger:          logger,
		reporter:        telemetry.NewReporter(cfg.SystemSamples, cfg.App, "analyze", MetricType),
		metrics:         newEngineMetrics(deps.MetricsRegistry),
		limit:           control.New(initialAggregationLimit, 1, maxAggregationLimit),
		angleWindows:    make(map[identity][]string),
		gradientWindows: make(map[identity][]string),
		now:             time.Now,
	}
	if deps.MetricsRegistry != nil {
		o.coreMetrics = deps.MetricsRegistry.CoreMetrics()
	}
	o.lastAnalyzed = o.now()

	o.c0MeanX, o.c0MeanY = centroidMeans(c0xLocs, c0yLocs)
	o.c1MeanX, o.c1MeanY = centroidMeans(c1xLocs, c1yLocs)
	o.c2MeanX, o.c2MeanY = centroidMeans(c2xLocs, c2yLocs)

	return o, nil
}

// centroidMeans returns the mean x and y coordinates of a cell subset,
// normalized to the unit square.
func centroidMeans(xLocs, yLocs []int) (float64, float64) {
	xs := make([]float64, len(xLocs))
	ys := make([]float64, len(yLocs))
	for i := range xLocs {
		xs[i] = float64(xLocs[i]) / 3.0
		ys[i] = float64(yLocs[i]) / 3.0
	}
	meanX, _ := stats.Mean(xs)
	meanY, _ := stats.Mean(ys)
	return meanX, meanY
}

// Analyze feeds a batch of datums into the engine and returns any mobility
// metrics that became computable, plus periodic telemetry. An empty batch is
// allowed and still drives the aggregation timer and telemetry; a non-empty
// batch with no valid datum at all is an error.
func (o *ObjectiveMobility) Analyze(samples []string) ([]string, error) {
	anyValid := false
	for _, s := range samples {
		if datum.Validate(s) {
			anyValid = true
			break
		}
	}
	if !anyValid && len(samples) != 0 {
		if o.coreMetrics != nil {
			o.coreMetrics.ErrorsTotal.WithLabelValues("analyze", "invalid").Inc()
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d records", errors.ErrInvalidData, len(samples)),
			"ObjectiveMobility", "Analyze", "input validation")
	}

	accepted := 0
	for _, s := range samples {
		if typ, err := datum.TypeOf(s); err == nil && typ == sampleTypeFiltered {
			o.buffer = append(o.buffer, s)
			accepted++
		}
	}
	if o.metrics != nil && accepted > 0 {
		o.metrics.samplesIn.Add(float64(accepted))
	}

	var out []string
	now := o.now()
	if len(o.buffer) > 0 &&
		(len(o.buffer) > o.limit.Value() || now.Sub(o.lastAnalyzed) > aggregationPeriod) {
		o.lastAnalyzed = now
		out = o.flush()
	}

	o.reporter.AddNamed("throughput_in", accepted)
	o.reporter.AddNamed("throughput_out", len(out))
	if o.metrics != nil {
		o.metrics.metricsOut.Add(float64(len(out)))
		o.metrics.aggregationLimit.Set(float64(o.limit.Value()))
	}
	if o.coreMetrics != nil && len(out) > 0 {
		o.coreMetrics.MetricsDerived.WithLabelValues("objective_mobility", MetricType).
			Add(float64(len(out)))
	}

	out = append(out, o.reporter.Collect(datum.Counters{
		"aggregation_limit": float64(o.limit.Value()),
		"aggregation":       float64(len(o.buffer)),
	})...)

	return out, nil
}

// flush analyzes the aggregation buffer: angles for every sample, then
// gradient and rate windows per identity, then the adaptive limit update.
func (o *ObjectiveMobility) flush() []string {
	start := o.now()
	consumed := len(o.buffer)

	angleMetrics := o.computeAngles()
	gradientMetrics := o.computeGradients()
	rateMetrics := o.computeRates()

	out := make([]string, 0, len(angleMetrics)+len(gradientMetrics)+len(rateMetrics))
	out = append(out, angleMetrics...)
	out = append(out, gradientMetrics...)
	out = append(out, rateMetrics...)

	elapsed := o.now().Sub(start)
	if o.metrics != nil {
		o.metrics.flushDuration.Observe(elapsed.Seconds())
	}

	// Feedback: a flush that blew the time budget means the batch was too
	// big, halve the threshold. A batch that filled the threshold without
	// blowing the budget earns a proportional increase.
	if elapsed > analyzeBudget {
		o.limit.Halve()
	} else if consumed >= o.limit.Value() {
		o.limit.Grow(consumed)
	}

	o.buffer = o.buffer[:0]
	return out
}

// computeAngles fits the centroid plane for every buffered sample and emits
// one angle metric per sample, appending each to its identity's window.
func (o *ObjectiveMobility) computeAngles() []string {
	var out []string
	for _, sample := range o.buffer {
		payload, err := datum.Data(sample)
		if err != nil {
			continue
		}
		var grid pressurePayload
		if err := datum.UnmarshalPayload(payload, &grid); err != nil {
			o.logger.Warn("discarding sample with unreadable pressure grid", "error", err)
			continue
		}
		if len(grid.PressureBandage) != gridSize {
			o.logger.Warn("discarding sample with wrong grid shape",
				"rows", len(grid.PressureBandage))
			continue
		}

		xAngle, yAngle, err := o.planeAngles(grid.PressureBandage)
		if err != nil {
			o.logger.Warn("discarding degenerate pressure grid", "error", err)
			continue
		}

		encoded, err := o.newMetric(sample, anglePayload{
			XAngle:      xAngle,
			XAngleUnits: "degrees",
			YAngle:      yAngle,
			YAngleUnits: "degrees",
		})
		if err != nil {
			continue
		}

		pid, err1 := datum.PatientID(sample)
		did, err2 := datum.DeviceID(sample)
		if err1 == nil && err2 == nil {
			id := identity{patientID: pid, deviceID: did}
			o.angleWindows[id] = append(o.angleWindows[id], encoded)
		}
		out = append(out, encoded)
	}
	return out
}

// planeAngles reduces a normalized grid to three centroids, fits the plane
// through them, and returns the x and y tilt of that plane in degrees.
func (o *ObjectiveMobility) planeAngles(grid [][]float64) (float64, float64, error) {
	p0, err := o.centroidPressure(grid, c0xLocs, c0yLocs)
	if err != nil {
		return 0, 0, err
	}
	p1, err := o.centroidPressure(grid, c1xLocs, c1yLocs)
	if err != nil {
		return 0, 0, err
	}
	p2, err := o.centroidPressure(grid, c2xLocs, c2yLocs)
	if err != nil {
		return 0, 0, err
	}

	c0 := [3]float64{o.c0MeanX, o.c0MeanY, p0}
	c1 := [3]float64{o.c1MeanX, o.c1MeanY, p1}
	c2 := [3]float64{o.c2MeanX, o.c2MeanY, p2}

	var v0, v1 [3]float64
	for i := 0; i < 3; i++ {
		v0[i] = c1[i] - c0[i]
		v1[i] = c2[i] - c0[i]
	}

	// Plane normal n = v0 x v1 = (a, b, c).
	a := v0[1]*v1[2] - v0[2]*v1[1]
	b := v0[2]*v1[0] - v0[0]*v1[2]
	c := v0[0]*v1[1] - v0[1]*v1[0]
	if c == 0 {
		return 0, 0, fmt.Errorf("centroid plane is vertical")
	}

	xAngle := math.Atan(-a/c) * 180 / math.Pi
	yAngle := math.Atan(-b/c) * 180 / math.Pi
	return xAngle, yAngle, nil
}

// centroidPressure is the mean normalized pressure over a cell subset.
func (o *ObjectiveMobility) centroidPressure(grid [][]float64, xLocs, yLocs []int) (float64, error) {
	values := make([]float64, len(xLocs))
	for i := range xLocs {
		y, x := yLocs[i], xLocs[i]
		if y >= len(grid) || x >= len(grid[y]) {
			return 0, fmt.Errorf("grid cell [%d][%d] out of range", y, x)
		}
		values[i] = grid[y][x] / o.cfg.MaxPressure
	}
	return stats.Mean(values)
}

// computeGradients drains every identity window that reached gradientPeriod,
// emitting one gradient metric per angle metric in the window and feeding
// the rate windows.
func (o *ObjectiveMobility) computeGradients() []string {
	var out []string
	for id, window := range o.angleWindows {
		if len(window) < gradientPeriod {
			continue
		}

		xAngles := make([]float64, 0, len(window))
		yAngles := make([]float64, 0, len(window))
		sources := make([]string, 0, len(window))
		for _, encoded := range window {
			payload, err := datum.Data(encoded)
			if err != nil {
				continue
			}
			var angles anglePayload
			if err := datum.UnmarshalPayload(payload, &angles); err != nil {
				continue
			}
			xAngles = append(xAngles, angles.XAngle)
			yAngles = append(yAngles, angles.YAngle)
			sources = append(sources, encoded)
		}
		if len(sources) < 2 {
			o.angleWindows[id] = nil
			continue
		}

		xGrad := numericalGradient(xAngles)
		yGrad := numericalGradient(yAngles)

		for i, src := range sources {
			g := math.Max(math.Abs(xGrad[i]), math.Abs(yGrad[i]))
			encoded, err := o.newMetric(src, gradientPayload{XYGradient: g})
			if err != nil {
				continue
			}
			out = append(out, encoded)
			o.gradientWindows[id] = append(o.gradientWindows[id], encoded)
		}

		// Consumed whole: the next gradient batch starts fresh.
		o.angleWindows[id] = nil
	}
	return out
}

// computeRates slides a ratePeriod window over each identity's gradients,
// counting threshold crossings as movements.
func (o *ObjectiveMobility) computeRates() []string {
	var out []string
	for id, window := range o.gradientWindows {
		for len(window) >= ratePeriod {
			current := window[:ratePeriod]

			timestamps := make([]float64, 0, ratePeriod)
			movements := 0
			for _, encoded := range current {
				ts, err := datum.Timestamp(encoded)
				if err != nil {
					continue
				}
				timestamps = append(timestamps, ts)

				payload, err := datum.Data(encoded)
				if err != nil {
					continue
				}
				var grad gradientPayload
				if err := datum.UnmarshalPayload(payload, &grad); err != nil {
					continue
				}
				if grad.XYGradient > movementThreshold {
					movements++
				}
			}

			if len(timestamps) >= 2 {
				elapsed := timestamps[len(timestamps)-1] - timestamps[0]
				if elapsed > 0 {
					rate := 60.0 * float64(movements) / elapsed
					meanTS, _ := stats.Mean(timestamps)

					// A placeholder sample carries the identity and the
					// window's mean timestamp into the metric.
					carrier, err := datum.NewSampleAt(
						"temp", id.patientID, id.deviceID, "temp", meanTS)
					if err == nil {
						encoded, err := o.newMetric(carrier, ratePayload{MovementsPerMin: rate})
						if err == nil {
							out = append(out, encoded)
						}
					}
				}
			}

			// Slide by one.
			window = window[1:]
		}
		o.gradientWindows[id] = window
	}
	return out
}

// newMetric encodes a payload as a metric carrying the source's identity and
// timestamp.
func (o *ObjectiveMobility) newMetric(source string, payload any) (string, error) {
	encoded, err := datum.MarshalPayload(payload)
	if err != nil {
		return "", err
	}
	return datum.NewMetric(MetricType, source, encoded)
}

// numericalGradient is the second-order central difference over unit
// spacing, one-sided at the edges. Input length must be at least 2.
func numericalGradient(values []float64) []float64 {
	n := len(values)
	out := make([]float64, n)
	if n < 2 {
		return out
	}
	out[0] = values[1] - values[0]
	for i := 1; i < n-1; i++ {
		out[i] = (values[i+1] - values[i-1]) / 2.0
	}
	out[n-1] = values[n-1] - values[n-2]
	return out
}
