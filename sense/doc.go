// Package sense receives patient telemetry over UDP and TCP sockets.
//
// A listener binds a socket at construction and runs a pool of receive
// workers. Each received record is validated against the wire format; records
// that do not parse are wrapped into synthetic samples identified by their
// source address so that no network input is ever lost. Callers poll Sense(),
// which drains everything received since the last call in timestamp order and
// periodically appends a SystemSample reporting listener throughput.
//
// Listeners never block without a deadline: socket reads and accepts time out
// every 100ms so Close is observed in well under a second.
package sense
