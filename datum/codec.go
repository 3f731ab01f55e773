package datum

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/c360/vitalstream/errors"
)

// Kind discriminates the two datum variants.
type Kind int

const (
	// KindSample is a raw observation produced by a sensing source.
	KindSample Kind = iota
	// KindMetric is a derived value produced by an analysis step.
	KindMetric
)

// String returns the wire spelling of the kind's data key.
func (k Kind) String() string {
	if k == KindMetric {
		return "metric"
	}
	return "sample"
}

// SystemSampleType is the sample_type carried by self-observability samples.
const SystemSampleType = "system_samples"

// Delimiter characters reserved by the wire format.
const (
	fieldSep = ";"
	kvSep    = ":"
	// terminator ends every encoded datum
	Terminator = ";;"
)

// reservedSampleKeywords may not appear in a sample payload; a payload
// containing one would corrupt the framing of the following fields.
// sample_type is covered because "sample" is a substring of it.
var reservedSampleKeywords = []string{"patient_id", "device_id", "sample", "timestamp", ";"}

// reservedMetricKeywords is the metric-shaped equivalent.
var reservedMetricKeywords = []string{"patient_id", "device_id", "metric", "timestamp", ";"}

// Field extraction patterns. Keys tolerate underscore or hyphen spelling;
// values are delimiter-bounded and non-empty.
var (
	reSampleType = regexp.MustCompile(`sample[-_]type:([^;]+);`)
	reMetricType = regexp.MustCompile(`metric[-_]type:([^;]+);`)
	rePatientID  = regexp.MustCompile(`patient[-_]id:([^;]+);`)
	reDeviceID   = regexp.MustCompile(`device[-_]id:([^;]+);`)
	reSample     = regexp.MustCompile(`sample:([^;]+);`)
	reMetric     = regexp.MustCompile(`metric:([^;]+);`)
	reTimestamp  = regexp.MustCompile(`timestamp:([^;]+);`)

	reSampleKey = regexp.MustCompile(`sample[-_]type:`)
	reMetricKey = regexp.MustCompile(`metric[-_]type:`)
)

// Datum is a decoded wire record.
type Datum struct {
	Kind      Kind
	Type      string
	PatientID string
	DeviceID  string
	Payload   string
	Timestamp float64
}

// checkIdentityField rejects values that would break key:value framing.
func checkIdentityField(name, value string) error {
	if value == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%s is empty", name), "datum", "encode", "field validation")
	}
	if strings.Contains(value, kvSep) || strings.Contains(value, fieldSep) {
		return errors.WrapInvalid(
			fmt.Errorf("%s %q: %w", name, value, errors.ErrReservedCharacter),
			"datum", "encode", "field validation")
	}
	return nil
}

// checkPayload rejects payloads containing reserved keywords.
func checkPayload(payload string, reserved []string) error {
	if payload == "" {
		return errors.WrapInvalid(
			fmt.Errorf("payload is empty"), "datum", "encode", "payload validation")
	}
	for _, keyword := range reserved {
		if strings.Contains(payload, keyword) {
			return errors.WrapInvalid(
				fmt.Errorf("payload contains %q: %w", keyword, errors.ErrReservedKeyword),
				"datum", "encode", "payload validation")
		}
	}
	return nil
}

// formatTimestamp renders an epoch-seconds float in decimal form.
func formatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

// nowTimestamp returns the current wall clock as epoch seconds.
func nowTimestamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// NewSample encodes a Sample datum stamped with the current wall-clock time.
func NewSample(sampleType, patientID, deviceID, payload string) (string, error) {
	return NewSampleAt(sampleType, patientID, deviceID, payload, nowTimestamp())
}

// NewSampleAt encodes a Sample datum with an explicit epoch-seconds timestamp.
func NewSampleAt(sampleType, patientID, deviceID, payload string, ts float64) (string, error) {
	if err := checkIdentityField("sample_type", sampleType); err != nil {
		return "", err
	}
	if err := checkIdentityField("patient_id", patientID); err != nil {
		return "", err
	}
	if err := checkIdentityField("device_id", deviceID); err != nil {
		return "", err
	}
	if err := checkPayload(payload, reservedSampleKeywords); err != nil {
		return "", err
	}

	return "sample_type:" + sampleType +
		";patient_id:" + patientID +
		";device_id:" + deviceID +
		";sample:" + payload +
		";timestamp:" + formatTimestamp(ts) + Terminator, nil
}

// NewMetric encodes a Metric datum derived from source, carrying forward the
// source's patient_id, device_id, and timestamp. Metrics never invent new
// identity.
func NewMetric(metricType, source, payload string) (string, error) {
	if err := checkIdentityField("metric_type", metricType); err != nil {
		return "", err
	}

	patientID, err := PatientID(source)
	if err != nil {
		return "", err
	}
	deviceID, err := DeviceID(source)
	if err != nil {
		return "", err
	}
	rawTS, err := rawTimestamp(source)
	if err != nil {
		return "", err
	}

	if err := checkPayload(payload, reservedMetricKeywords); err != nil {
		return "", err
	}

	return "metric_type:" + metricType +
		";patient_id:" + patientID +
		";device_id:" + deviceID +
		";metric:" + payload +
		";timestamp:" + rawTS + Terminator, nil
}

// extract runs a single field pattern against an encoded datum.
func extract(encoded string, re *regexp.Regexp, field string) (string, error) {
	match := re.FindStringSubmatch(encoded)
	if match == nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("missing %s: %w", field, errors.ErrInvalidFormat),
			"datum", "extract", field+" lookup")
	}
	return match[1], nil
}

// TypeOf returns the sample_type or metric_type of a datum, probing the
// sample-shaped key first.
func TypeOf(encoded string) (string, error) {
	if reSampleKey.MatchString(encoded) {
		return extract(encoded, reSampleType, "sample_type")
	}
	if reMetricKey.MatchString(encoded) {
		return extract(encoded, reMetricType, "metric_type")
	}
	return "", errors.WrapInvalid(
		fmt.Errorf("missing sample_type or metric_type: %w", errors.ErrInvalidFormat),
		"datum", "TypeOf", "type lookup")
}

// KindOf reports whether a datum is sample- or metric-shaped.
func KindOf(encoded string) (Kind, error) {
	if reSampleKey.MatchString(encoded) {
		return KindSample, nil
	}
	if reMetricKey.MatchString(encoded) {
		return KindMetric, nil
	}
	return KindSample, errors.WrapInvalid(
		fmt.Errorf("missing sample_type or metric_type: %w", errors.ErrInvalidFormat),
		"datum", "KindOf", "kind lookup")
}

// PatientID returns the patient_id of a datum.
func PatientID(encoded string) (string, error) {
	return extract(encoded, rePatientID, "patient_id")
}

// DeviceID returns the device_id of a datum.
func DeviceID(encoded string) (string, error) {
	return extract(encoded, reDeviceID, "device_id")
}

// Data returns the opaque payload of a datum, probing the sample-shaped key
// first. The sample pattern cannot match the sample_type field because that
// key is followed by an underscore, not a colon.
func Data(encoded string) (string, error) {
	if reSample.MatchString(encoded) {
		return extract(encoded, reSample, "sample")
	}
	if reMetric.MatchString(encoded) {
		return extract(encoded, reMetric, "metric")
	}
	return "", errors.WrapInvalid(
		fmt.Errorf("missing sample or metric: %w", errors.ErrInvalidFormat),
		"datum", "Data", "payload lookup")
}

// rawTimestamp returns the timestamp field as its exact wire string.
func rawTimestamp(encoded string) (string, error) {
	raw, err := extract(encoded, reTimestamp, "timestamp")
	if err != nil {
		return "", err
	}
	if _, err := strconv.ParseFloat(raw, 64); err != nil {
		return "", errors.WrapInvalid(
			fmt.Errorf("timestamp %q: %w", raw, errors.ErrBadTimestamp),
			"datum", "Timestamp", "timestamp parsing")
	}
	return raw, nil
}

// Timestamp returns the epoch-seconds timestamp of a datum.
func Timestamp(encoded string) (float64, error) {
	raw, err := rawTimestamp(encoded)
	if err != nil {
		return 0, err
	}
	ts, _ := strconv.ParseFloat(raw, 64)
	return ts, nil
}

// Validate reports whether all five logical fields extract from the encoded
// string. It never panics.
func Validate(encoded string) bool {
	if _, err := TypeOf(encoded); err != nil {
		return false
	}
	if _, err := PatientID(encoded); err != nil {
		return false
	}
	if _, err := DeviceID(encoded); err != nil {
		return false
	}
	if _, err := Data(encoded); err != nil {
		return false
	}
	if _, err := Timestamp(encoded); err != nil {
		return false
	}
	return true
}

// Decode parses an encoded datum into its tagged representation.
func Decode(encoded string) (Datum, error) {
	kind, err := KindOf(encoded)
	if err != nil {
		return Datum{}, err
	}
	typ, err := TypeOf(encoded)
	if err != nil {
		return Datum{}, err
	}
	patientID, err := PatientID(encoded)
	if err != nil {
		return Datum{}, err
	}
	deviceID, err := DeviceID(encoded)
	if err != nil {
		return Datum{}, err
	}
	payload, err := Data(encoded)
	if err != nil {
		return Datum{}, err
	}
	ts, err := Timestamp(encoded)
	if err != nil {
		return Datum{}, err
	}

	return Datum{
		Kind:      kind,
		Type:      typ,
		PatientID: patientID,
		DeviceID:  deviceID,
		Payload:   payload,
		Timestamp: ts,
	}, nil
}

// IsSystemSample reports whether a datum is a self-observability sample.
func IsSystemSample(encoded string) bool {
	typ, err := TypeOf(encoded)
	if err != nil {
		return false
	}
	return typ == SystemSampleType || strings.HasPrefix(typ, SystemSampleType+"_")
}
