package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/vitalstream/datum"
)

// fakeClock advances only when told to, so reporting periods are deterministic.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestReporter(t *testing.T) (*Reporter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewReporter(true, "test", "sense", "localhost_31415", WithClock(clock.now))
	return r, clock
}

func collectOne(t *testing.T, r *Reporter, extra datum.Counters) datum.Counters {
	t.Helper()
	out := r.Collect(extra)
	require.Len(t, out, 1)
	require.True(t, datum.IsSystemSample(out[0]))
	counters, err := datum.SystemCounters(out[0])
	require.NoError(t, err)
	return counters
}

func TestCollectNothingBeforePeriod(t *testing.T) {
	r, clock := newTestReporter(t)
	r.Add(10)

	clock.advance(500 * time.Millisecond)
	assert.Nil(t, r.Collect(nil), "period not yet elapsed")
}

func TestCollectThroughputRate(t *testing.T) {
	r, clock := newTestReporter(t)
	r.Add(100)
	r.Add(100)

	clock.advance(2 * time.Second)
	counters := collectOne(t, r, nil)
	assert.InDelta(t, 100.0, counters["throughput"], 0.001)
}

func TestCollectEmitsZeroThroughputWhenIdle(t *testing.T) {
	r, clock := newTestReporter(t)

	clock.advance(2 * time.Second)
	counters := collectOne(t, r, nil)
	assert.Equal(t, 0.0, counters["throughput"], "idle periods still report")
}

func TestCollectResetsCounts(t *testing.T) {
	r, clock := newTestReporter(t)
	r.Add(50)

	clock.advance(2 * time.Second)
	collectOne(t, r, nil)

	clock.advance(2 * time.Second)
	counters := collectOne(t, r, nil)
	assert.Equal(t, 0.0, counters["throughput"])
}

func TestNamedCounts(t *testing.T) {
	r, clock := newTestReporter(t)
	r.AddNamed("throughput_in", 20)
	r.AddNamed("throughput_out", 4)

	clock.advance(2 * time.Second)
	counters := collectOne(t, r, nil)
	assert.InDelta(t, 10.0, counters["throughput_in"], 0.001)
	assert.InDelta(t, 2.0, counters["throughput_out"], 0.001)
	assert.NotContains(t, counters, "throughput")
}

func TestNamedZeroCountStillReported(t *testing.T) {
	r, clock := newTestReporter(t)
	r.AddNamed("throughput_out", 0)

	clock.advance(2 * time.Second)
	counters := collectOne(t, r, nil)
	assert.Contains(t, counters, "throughput_out")
	assert.Equal(t, 0.0, counters["throughput_out"])
}

func TestLatencyMean(t *testing.T) {
	r, clock := newTestReporter(t)
	r.Add(3)
	r.AddLatency(0.1)
	r.AddLatency(0.2)
	r.AddLatency(0.3)

	clock.advance(2 * time.Second)
	counters := collectOne(t, r, nil)
	assert.InDelta(t, 0.2, counters["latency"], 0.0001)

	// Latency observations reset with counts.
	r.Add(1)
	clock.advance(2 * time.Second)
	counters = collectOne(t, r, nil)
	assert.NotContains(t, counters, "latency")
}

func TestExtraCountersMerged(t *testing.T) {
	r, clock := newTestReporter(t)
	r.Add(2)

	clock.advance(2 * time.Second)
	counters := collectOne(t, r, datum.Counters{"queue_length": 7})
	assert.Equal(t, 7.0, counters["queue_length"])
	assert.InDelta(t, 1.0, counters["throughput"], 0.001)
}

func TestIdentityCarried(t *testing.T) {
	r, clock := newTestReporter(t)
	r.Add(1)

	clock.advance(2 * time.Second)
	out := r.Collect(nil)
	require.Len(t, out, 1)

	pid, err := datum.PatientID(out[0])
	require.NoError(t, err)
	assert.Equal(t, "sense", pid)

	did, err := datum.DeviceID(out[0])
	require.NoError(t, err)
	assert.Equal(t, "localhost_31415", did)

	typ, err := datum.TypeOf(out[0])
	require.NoError(t, err)
	assert.Equal(t, "system_samples_test", typ)
}

func TestSetDevice(t *testing.T) {
	r, clock := newTestReporter(t)
	r.SetDevice("pressure_bandage")
	r.Add(1)

	clock.advance(2 * time.Second)
	out := r.Collect(nil)
	require.Len(t, out, 1)

	did, err := datum.DeviceID(out[0])
	require.NoError(t, err)
	assert.Equal(t, "pressure_bandage", did)
}

func TestDisabledReporter(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewReporter(false, "test", "sense", "dev", WithClock(clock.now))
	assert.False(t, r.Enabled())

	r.Add(100)
	r.AddLatency(0.5)
	clock.advance(time.Hour)
	assert.Nil(t, r.Collect(nil))
}

func TestCustomPeriod(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewReporter(true, "test", "sense", "dev",
		WithClock(clock.now), WithPeriod(10*time.Second))
	r.Add(1)

	clock.advance(2 * time.Second)
	assert.Nil(t, r.Collect(nil))

	clock.advance(9 * time.Second)
	assert.Len(t, r.Collect(nil), 1)
}
