// Package telemetry emits periodic SystemSample datums reporting component
// throughput.
//
// Every pipeline component self-reports the same way: count the data it
// moved, and once per reporting period append one SystemSample carrying
// throughput (count/elapsed) plus component-specific counters to its output.
// Reporter owns that cadence so listeners, engines, and the store adapter
// share one implementation.
//
// A Reporter has a single owner and is not safe for concurrent use.
package telemetry

import (
	"time"

	"github.com/montanaflynn/stats"

	"github.com/c360/vitalstream/datum"
)

// DefaultPeriod is the default reporting period.
const DefaultPeriod = time.Second

// Reporter tracks counts between reporting periods and renders them as
// SystemSamples.
type Reporter struct {
	enabled   bool
	app       string
	patientID string
	deviceID  string
	period    time.Duration

	updated   time.Time
	counts    map[string]int64
	latencies []float64

	now func() time.Time
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithPeriod overrides the reporting period.
func WithPeriod(period time.Duration) Option {
	return func(r *Reporter) {
		if period > 0 {
			r.period = period
		}
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReporter creates a reporter identified by patientID/deviceID. A disabled
// reporter counts nothing and never emits.
func NewReporter(enabled bool, app, patientID, deviceID string, opts ...Option) *Reporter {
	r := &Reporter{
		enabled:   enabled,
		app:       app,
		patientID: patientID,
		deviceID:  deviceID,
		period:    DefaultPeriod,
		counts:    make(map[string]int64),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.updated = r.now()
	return r
}

// SetDevice updates the reporter's device identity. The store adapter uses
// this to report the set of types it has touched.
func (r *Reporter) SetDevice(deviceID string) {
	r.deviceID = deviceID
}

// Enabled reports whether telemetry emission is on.
func (r *Reporter) Enabled() bool {
	return r.enabled
}

// Add records n units of moved data under the default "throughput" rate.
func (r *Reporter) Add(n int) {
	r.AddNamed("throughput", n)
}

// AddNamed records n units under a named rate, emitted as name = count/elapsed.
func (r *Reporter) AddNamed(name string, n int) {
	if !r.enabled {
		return
	}
	r.counts[name] += int64(n)
}

// AddLatency records one end-to-end latency observation in seconds.
func (r *Reporter) AddLatency(seconds float64) {
	if !r.enabled {
		return
	}
	r.latencies = append(r.latencies, seconds)
}

// Collect returns at most one SystemSample: nil unless telemetry is enabled
// and the reporting period has elapsed. The emitted counters are each named
// rate divided by elapsed seconds, mean latency when observations were
// recorded, and any extra component-specific gauges. Counts reset after
// emission.
func (r *Reporter) Collect(extra datum.Counters) []string {
	if !r.enabled {
		return nil
	}

	now := r.now()
	elapsed := now.Sub(r.updated).Seconds()
	if elapsed <= r.period.Seconds() {
		return nil
	}

	counters := datum.Counters{}
	if len(r.counts) == 0 {
		counters["throughput"] = 0
	}
	for name, count := range r.counts {
		counters[name] = float64(count) / elapsed
	}
	if len(r.latencies) > 0 {
		if mean, err := stats.Mean(r.latencies); err == nil {
			counters["latency"] = mean
		}
	}
	for k, v := range extra {
		counters[k] = v
	}

	sample, err := datum.NewSystemSample(r.app, r.patientID, r.deviceID, counters)
	if err != nil {
		// Counter keys are chosen by callers; a failure here is a
		// programming error, not a runtime condition. Skip the period.
		return nil
	}

	r.updated = now
	r.counts = make(map[string]int64)
	r.latencies = nil

	return []string{sample}
}
