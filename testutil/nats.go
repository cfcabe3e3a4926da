package testutil

import (
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// RunNATSServer starts an embedded NATS server on a random loopback port and
// shuts it down when the test ends. Use srv.ClientURL() to connect.
func RunNATSServer(t *testing.T) *server.Server {
	t.Helper()
	return runServer(t, &server.Options{})
}

// RunJetStreamServer is RunNATSServer with JetStream enabled and storage in a
// temporary directory.
func RunJetStreamServer(t *testing.T) *server.Server {
	t.Helper()
	return runServer(t, &server.Options{
		JetStream: true,
		StoreDir:  t.TempDir(),
	})
}

func runServer(t *testing.T, opts *server.Options) *server.Server {
	t.Helper()

	opts.Host = "127.0.0.1"
	opts.Port = -1
	opts.NoLog = true
	opts.NoSigs = true

	srv, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("create embedded NATS server: %v", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})
	return srv
}
