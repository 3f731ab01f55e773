// Package datum implements the shared wire format for telemetry records.
//
// Every component of the pipeline - listeners, analyzers, the store adapter -
// agrees only on this format and on topic names; none of them hold references
// to each other. A datum is a self-describing text record of five fields in
// fixed order, encoded as key:value pairs separated by ";" and terminated by
// ";;":
//
//	sample_type:pressure_bandage;patient_id:p1;device_id:d1;sample:{...};timestamp:1700000000.25;;
//
// There are two kinds of datum. A Sample is a raw observation produced by a
// sensing source. A Metric is a derived value produced by an analysis step
// from one prior datum; it always carries forward the patient_id, device_id,
// and timestamp of its source, never inventing new identity. Both are
// immutable once encoded - derived values always produce new datums.
//
// Field keys tolerate both underscore and hyphen spellings (sample_type and
// sample-type) for producers built against older firmware. Encoding always
// emits underscores.
//
// All functions are pure and safe for concurrent use.
package datum
