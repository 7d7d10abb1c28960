package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	natsContainerStartupTimeout   = 60 * time.Second
	natsContainerTerminateTimeout = 5 * time.Second
)

var (
	sharedNATS     *SharedNATSContainer
	sharedNATSOnce sync.Once
	errSharedNATS  error
)

// SharedNATSContainer represents a reusable NATS server for tests
type SharedNATSContainer struct {
	Container testcontainers.Container
	URL       string
}

// GetSharedNATSContainer returns a singleton NATS container.
func GetSharedNATSContainer(ctx context.Context) (*SharedNATSContainer, error) {
	sharedNATSOnce.Do(func() {
		sharedNATS, errSharedNATS = startNATSContainer(ctx)
	})
	return sharedNATS, errSharedNATS
}

func startNATSContainer(ctx context.Context) (*SharedNATSContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Server is ready").WithStartupTimeout(natsContainerStartupTimeout),
			wait.ForListeningPort("4222/tcp").WithStartupTimeout(natsContainerStartupTimeout),
		),
	}

	cont, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start NATS container: %w", err)
	}

	host, err := cont.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := cont.MappedPort(ctx, "4222")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &SharedNATSContainer{Container: cont, URL: fmt.Sprintf("nats://%s:%s", host, port.Port())}, nil
}

// SetupTestNATS returns a connection to the shared NATS server, closed on cleanup.
func SetupTestNATS(t *testing.T) *nats.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), natsContainerStartupTimeout)
	defer cancel()

	cont, err := GetSharedNATSContainer(ctx)
	if err != nil {
		t.Fatalf("Failed to get shared NATS container: %v", err)
	}

	nc, err := nats.Connect(cont.URL)
	if err != nil {
		t.Fatalf("Failed to connect to NATS: %v", err)
	}
	t.Cleanup(nc.Close)

	return nc
}

// CleanupSharedNATSContainer terminates the shared container.
func CleanupSharedNATSContainer() {
	if sharedNATS != nil && sharedNATS.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), natsContainerTerminateTimeout)
		defer cancel()
		_ = sharedNATS.Container.Terminate(ctx)
	}
}
