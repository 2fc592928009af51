package testutil

import (
	"context"
	"net"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const natsStartupTimeout = 60 * time.Second

// SetupTestNATS starts a JetStream-enabled NATS server for one test and returns a connection to it.
func SetupTestNATS(t *testing.T) *natsgo.Conn {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), natsStartupTimeout)
	defer cancel()

	cont, err := testcontainers.Run(
		ctx, "nats:2.10-alpine",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := testcontainers.TerminateContainer(cont); termErr != nil {
			t.Logf("failed to terminate NATS container: %v", termErr)
		}
	})

	host, err := cont.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get NATS host: %v", err)
	}
	port, err := cont.MappedPort(ctx, "4222")
	if err != nil {
		t.Fatalf("Failed to get NATS port: %v", err)
	}

	nc, err := natsgo.Connect("nats://"+net.JoinHostPort(host, port.Port()), natsgo.MaxReconnects(3))
	if err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	t.Cleanup(nc.Close)

	return nc
}
