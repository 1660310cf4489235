// Package natstest runs an embedded JetStream-enabled NATS server for tests.
package natstest

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// RunServer starts an embedded server on a random port and returns its client
// URL. The server is shut down when the test ends.
func RunServer(t testing.TB) string {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      server.RANDOM_PORT,
		NoSigs:    true,
		NoLog:     true,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create embedded nats server: %v", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		ns.Shutdown()
		t.Fatal("embedded nats server not ready")
	}
	t.Cleanup(ns.Shutdown)

	return ns.ClientURL()
}
