package datum

import (
	json "github.com/goccy/go-json"

	"github.com/c360/vitalstream/errors"
)

// Payloads are opaque to the codec, but every producer in this pipeline
// agrees on JSON for structured payloads: pressure grids from devices,
// derived metric values, and SystemSample counter mappings.

// MarshalPayload renders a structured payload as JSON.
func MarshalPayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", errors.WrapInvalid(err, "datum", "MarshalPayload", "json encoding")
	}
	return string(b), nil
}

// UnmarshalPayload parses a JSON payload into v.
func UnmarshalPayload(payload string, v any) error {
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return errors.WrapInvalid(err, "datum", "UnmarshalPayload", "json decoding")
	}
	return nil
}

// Counters is the mapping payload carried by SystemSamples.
type Counters map[string]float64

// NewSystemSample encodes a self-observability sample. The app suffix, when
// non-empty, distinguishes multiple pipelines sharing a stream
// (sample_type "system_samples_<app>").
func NewSystemSample(app, patientID, deviceID string, counters Counters) (string, error) {
	sampleType := SystemSampleType
	if app != "" {
		sampleType += "_" + app
	}
	payload, err := MarshalPayload(counters)
	if err != nil {
		return "", err
	}
	return NewSample(sampleType, patientID, deviceID, payload)
}

// SystemCounters decodes the counter mapping of a SystemSample.
func SystemCounters(encoded string) (Counters, error) {
	payload, err := Data(encoded)
	if err != nil {
		return nil, err
	}
	var counters Counters
	if err := UnmarshalPayload(payload, &counters); err != nil {
		return nil, err
	}
	return counters, nil
}
