// Package testutil provides helpers for pipeline tests: an embedded
// JetStream server and datum builders.
package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// StartJetStream runs an embedded NATS server with JetStream on a random
// port, storing state in the test's temp dir. The server is shut down when
// the test ends. Returns the client URL.
func StartJetStream(t *testing.T) string {
	t.Helper()

	opts := &server.Options{
		ServerName: "vitalstream-test",
		Host:       "127.0.0.1",
		Port:       -1, // random port
		JetStream:  true,
		StoreDir:   t.TempDir(),
		NoLog:      true,
		NoSigs:     true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create NATS server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		t.Fatal("NATS server not ready within timeout")
	}

	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	return ns.ClientURL()
}
