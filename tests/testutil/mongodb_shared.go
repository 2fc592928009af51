package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MongoDB test configuration constants
const (
	mongoCtxTimeout                = 30 * time.Second
	mongoContainerStartupTimeout   = 90 * time.Second
	mongoContainerTerminateTimeout = 10 * time.Second
	mongoPingTimeout               = 2 * time.Second
	mongoPingRetryDelay            = 500 * time.Millisecond
	mongoReplicaSetAttempts        = 30
	maxTestNameLength              = 40
	mongoReplicaSet                = "rs0"
)

// sharedMongoContainer holds the singleton MongoDB container
var (
	sharedMongoContainer   *SharedMongoContainer
	sharedMongoContainerMu sync.Mutex
)

// SharedMongoContainer is a single-node replica set reused across tests.
// Transactions require a replica set, so a standalone mongod is not enough.
type SharedMongoContainer struct {
	Container testcontainers.Container
	URI       string
}

// GetSharedMongoContainer returns a singleton MongoDB container.
// The container is started once and reused across all tests.
func GetSharedMongoContainer(ctx context.Context) (*SharedMongoContainer, error) {
	sharedMongoContainerMu.Lock()
	defer sharedMongoContainerMu.Unlock()

	if sharedMongoContainer != nil {
		state, err := sharedMongoContainer.Container.State(ctx)
		if err == nil && state.Running {
			return sharedMongoContainer, nil
		}
		cleanupMongoContainer()
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), mongoContainerStartupTimeout)
	defer cancel()

	cont, err := startMongoContainer(startupCtx)
	if err != nil {
		return nil, err
	}
	sharedMongoContainer = cont

	return sharedMongoContainer, nil
}

func startMongoContainer(ctx context.Context) (*SharedMongoContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "mongo:8",
		ExposedPorts: []string{"27017/tcp"},
		Cmd:          []string{"--replSet", mongoReplicaSet, "--bind_ip_all"},
		WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(mongoContainerStartupTimeout),
	}

	cont, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start MongoDB container: %w", err)
	}

	if err = initiateReplicaSet(ctx, cont); err != nil {
		_ = cont.Terminate(context.Background())
		return nil, err
	}

	host, err := cont.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := cont.MappedPort(ctx, "27017")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	uri := fmt.Sprintf("mongodb://%s/?directConnection=true", net.JoinHostPort(host, port.Port()))

	return &SharedMongoContainer{Container: cont, URI: uri}, nil
}

// initiateReplicaSet turns the node into a primary and waits until it accepts writes.
func initiateReplicaSet(ctx context.Context, cont testcontainers.Container) error {
	initiate := fmt.Sprintf(
		"rs.initiate({_id: '%s', members: [{_id: 0, host: 'localhost:27017'}]})", mongoReplicaSet)
	if _, err := mongosh(ctx, cont, initiate); err != nil {
		return fmt.Errorf("failed to initiate replica set: %w", err)
	}

	for range mongoReplicaSetAttempts {
		out, err := mongosh(ctx, cont, "db.hello().isWritablePrimary")
		if err == nil && strings.Contains(out, "true") {
			return nil
		}
		time.Sleep(mongoPingRetryDelay)
	}

	return fmt.Errorf("replica set %s did not elect a primary", mongoReplicaSet)
}

func mongosh(ctx context.Context, cont testcontainers.Container, script string) (string, error) {
	code, reader, err := cont.Exec(ctx, []string{"mongosh", "--quiet", "--eval", script})
	if err != nil {
		return "", err
	}

	out, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return string(out), fmt.Errorf("mongosh exited with code %d: %s", code, out)
	}

	return string(out), nil
}

func cleanupMongoContainer() {
	if sharedMongoContainer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoContainerTerminateTimeout)
	defer cancel()
	_ = sharedMongoContainer.Container.Terminate(ctx)
	sharedMongoContainer = nil
}

// generateTestDBName creates a unique database name from test name
func generateTestDBName(testName string) string {
	testName = strings.NewReplacer("/", "_", " ", "_", ".", "_").Replace(testName)
	if len(testName) > maxTestNameLength {
		// MongoDB limits database names to 63 bytes
		hash := sha256.Sum256([]byte(testName))
		testName = testName[:20] + "_" + hex.EncodeToString(hash[:])[:12]
	}
	return "evstore_test_" + testName
}

// CleanupSharedContainer terminates the shared MongoDB container.
// This is typically called from TestMain.
func CleanupSharedContainer() {
	sharedMongoContainerMu.Lock()
	defer sharedMongoContainerMu.Unlock()

	cleanupMongoContainer()
}
