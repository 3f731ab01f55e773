package datum

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/vitalstream/errors"
)

func TestNewSampleRoundTrip(t *testing.T) {
	encoded, err := NewSampleAt("pressure_bandage", "patient1", "device1", "85.5", 1700000000.25)
	require.NoError(t, err)

	assert.True(t, Validate(encoded))
	assert.True(t, strings.HasSuffix(encoded, Terminator))

	d, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, KindSample, d.Kind)
	assert.Equal(t, "pressure_bandage", d.Type)
	assert.Equal(t, "patient1", d.PatientID)
	assert.Equal(t, "device1", d.DeviceID)
	assert.Equal(t, "85.5", d.Payload)
	assert.Equal(t, 1700000000.25, d.Timestamp)
}

func TestNewSampleStampsWallClock(t *testing.T) {
	encoded, err := NewSample("hr", "p1", "d1", "72")
	require.NoError(t, err)

	ts, err := Timestamp(encoded)
	require.NoError(t, err)
	assert.Greater(t, ts, 1.7e9)
}

func TestNewSampleRejectsReservedCharacters(t *testing.T) {
	cases := []struct {
		name                            string
		typ, patientID, deviceID, value string
	}{
		{"colon in type", "pressure:bandage", "p1", "d1", "1"},
		{"semicolon in type", "pressure;bandage", "p1", "d1", "1"},
		{"colon in patient", "hr", "p:1", "d1", "1"},
		{"semicolon in patient", "hr", "p;1", "d1", "1"},
		{"colon in device", "hr", "p1", "d:1", "1"},
		{"semicolon in device", "hr", "p1", "d;1", "1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSample(tc.typ, tc.patientID, tc.deviceID, tc.value)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrReservedCharacter))
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestNewSampleRejectsReservedKeywords(t *testing.T) {
	for _, keyword := range []string{"patient_id", "device_id", "sample", "timestamp", ";"} {
		t.Run(keyword, func(t *testing.T) {
			_, err := NewSample("hr", "p1", "d1", "x"+keyword+"y")
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, errors.ErrReservedKeyword))
		})
	}
}

func TestNewSampleRejectsEmptyFields(t *testing.T) {
	_, err := NewSample("", "p1", "d1", "1")
	assert.Error(t, err)
	_, err = NewSample("hr", "", "d1", "1")
	assert.Error(t, err)
	_, err = NewSample("hr", "p1", "", "1")
	assert.Error(t, err)
	_, err = NewSample("hr", "p1", "d1", "")
	assert.Error(t, err)
}

func TestEncodedSamplesAlwaysValidate(t *testing.T) {
	// Anything NewSample accepts must round-trip through Validate.
	inputs := []struct {
		typ, pid, did, payload string
	}{
		{"hr", "p1", "d1", "72"},
		{"pressure_bandage", "patient-42", "bed.3", `{"pressure_bandage":[[0,0],[1,1]]}`},
		{"spo2", "p", "d", "0.98"},
	}
	for _, in := range inputs {
		encoded, err := NewSample(in.typ, in.pid, in.did, in.payload)
		if err != nil {
			continue
		}
		assert.True(t, Validate(encoded), "encoded %q must validate", encoded)
	}
}

func TestNewMetricCarriesIdentityForward(t *testing.T) {
	source, err := NewSampleAt("pressure_bandage", "p7", "d2", "grid", 1700000123.456)
	require.NoError(t, err)

	encoded, err := NewMetric("objective_mobility", source, `{"x_angle":45.0}`)
	require.NoError(t, err)

	d, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, KindMetric, d.Kind)
	assert.Equal(t, "objective_mobility", d.Type)
	assert.Equal(t, "p7", d.PatientID)
	assert.Equal(t, "d2", d.DeviceID)
	assert.Equal(t, 1700000123.456, d.Timestamp)

	// The timestamp is carried forward as the exact wire string.
	assert.Contains(t, encoded, "timestamp:1700000123.456"+Terminator)
}

func TestNewMetricRejectsInvalidSource(t *testing.T) {
	_, err := NewMetric("objective_mobility", "not a datum", "1")
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidFormat))
}

func TestKeyToleranceHyphenSpelling(t *testing.T) {
	encoded := "sample-type:hr;patient-id:p1;device-id:d1;sample:72;timestamp:1700000000.5;;"

	require.True(t, Validate(encoded))

	typ, err := TypeOf(encoded)
	require.NoError(t, err)
	assert.Equal(t, "hr", typ)

	pid, err := PatientID(encoded)
	require.NoError(t, err)
	assert.Equal(t, "p1", pid)

	did, err := DeviceID(encoded)
	require.NoError(t, err)
	assert.Equal(t, "d1", did)
}

func TestValidateRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		encoded string
	}{
		{"empty", ""},
		{"garbage", "hello world"},
		{"missing timestamp", "sample_type:hr;patient_id:p1;device_id:d1;sample:72;;"},
		{"missing payload", "sample_type:hr;patient_id:p1;device_id:d1;timestamp:1.0;;"},
		{"missing patient", "sample_type:hr;device_id:d1;sample:72;timestamp:1.0;;"},
		{"bad timestamp", "sample_type:hr;patient_id:p1;device_id:d1;sample:72;timestamp:noon;;"},
		{"empty type", "sample_type:;patient_id:p1;device_id:d1;sample:72;timestamp:1.0;;"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, Validate(tc.encoded))
		})
	}
}

func TestValidateNeverPanics(t *testing.T) {
	inputs := []string{"", ";;", ":;:;", "sample_type:", "timestamp:;;", strings.Repeat(";", 100)}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Validate(in) })
	}
}

func TestClassificationIsIdempotent(t *testing.T) {
	encoded, err := NewSampleAt("hr", "p1", "d1", "72", 1700000000)
	require.NoError(t, err)

	// Extractors are pure: repeated application yields identical results.
	first, err := Decode(encoded)
	require.NoError(t, err)
	second, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for i := 0; i < 3; i++ {
		assert.True(t, Validate(encoded))
	}
}

func TestTypeOfProbesSampleBeforeMetric(t *testing.T) {
	sample, err := NewSampleAt("hr", "p1", "d1", "72", 1)
	require.NoError(t, err)
	metric, err := NewMetric("mobility", sample, "0.5")
	require.NoError(t, err)

	st, err := TypeOf(sample)
	require.NoError(t, err)
	assert.Equal(t, "hr", st)

	mt, err := TypeOf(metric)
	require.NoError(t, err)
	assert.Equal(t, "mobility", mt)

	sk, err := KindOf(sample)
	require.NoError(t, err)
	assert.Equal(t, KindSample, sk)

	mk, err := KindOf(metric)
	require.NoError(t, err)
	assert.Equal(t, KindMetric, mk)
}

func TestDataDoesNotMatchTypeKey(t *testing.T) {
	// The sample: pattern must not capture the sample_type field.
	sample, err := NewSampleAt("system_samples", "p1", "d1", "72", 1)
	require.NoError(t, err)

	payload, err := Data(sample)
	require.NoError(t, err)
	assert.Equal(t, "72", payload)
}

func TestIsSystemSample(t *testing.T) {
	plain, err := NewSampleAt("hr", "p1", "d1", "72", 1)
	require.NoError(t, err)
	assert.False(t, IsSystemSample(plain))

	system, err := NewSystemSample("", "sense", "localhost_31415", Counters{"throughput": 12.5})
	require.NoError(t, err)
	assert.True(t, IsSystemSample(system))

	suffixed, err := NewSystemSample("icu", "sense", "localhost_31415", Counters{"throughput": 0})
	require.NoError(t, err)
	assert.True(t, IsSystemSample(suffixed))

	typ, err := TypeOf(suffixed)
	require.NoError(t, err)
	assert.Equal(t, "system_samples_icu", typ)
}

func TestSystemCountersRoundTrip(t *testing.T) {
	in := Counters{"throughput": 42.5, "queue_length": 3}

	encoded, err := NewSystemSample("", "store_store", "pressure_bandage", in)
	require.NoError(t, err)
	require.True(t, Validate(encoded))

	out, err := SystemCounters(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestTimestampPrecision(t *testing.T) {
	// Encoded timestamps keep full float64 precision through a round trip.
	ts := 1700000000.123456
	encoded, err := NewSampleAt("hr", "p1", "d1", "72", ts)
	require.NoError(t, err)

	got, err := Timestamp(encoded)
	require.NoError(t, err)
	assert.Equal(t, ts, got)
}
