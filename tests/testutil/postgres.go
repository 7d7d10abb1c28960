package testutil

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgreSQL test configuration constants
const (
	postgresCtxTimeout              = 10 * time.Second
	postgresContainerStartupTimeout = 90 * time.Second
	postgresTerminateTimeout        = 10 * time.Second
	postgresUser                    = "eventflow"
	postgresPassword                = "eventflow"
	postgresAdminDB                 = "postgres"
)

var (
	sharedPostgres     *SharedPostgresContainer
	sharedPostgresOnce sync.Once
	errSharedPostgres  error
	postgresDBCounter  int
	postgresDBMu       sync.Mutex
)

// SharedPostgresContainer is a PostgreSQL server reused by all tests of a package.
type SharedPostgresContainer struct {
	Container testcontainers.Container
	Host      string
	Port      string
}

// GetSharedPostgresContainer returns a singleton PostgreSQL container.
func GetSharedPostgresContainer(ctx context.Context) (*SharedPostgresContainer, error) {
	sharedPostgresOnce.Do(func() {
		sharedPostgres, errSharedPostgres = startPostgresContainer(ctx)
	})
	return sharedPostgres, errSharedPostgres
}

func startPostgresContainer(ctx context.Context) (*SharedPostgresContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresAdminDB,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(postgresContainerStartupTimeout),
			wait.ForListeningPort("5432/tcp").WithStartupTimeout(postgresContainerStartupTimeout),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &SharedPostgresContainer{Container: container, Host: host, Port: port.Port()}, nil
}

func (c *SharedPostgresContainer) connString(database string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		postgresUser, postgresPassword, net.JoinHostPort(c.Host, c.Port), database)
}

// SetupTestPostgres creates a fresh database on the shared server and returns
// its connection string. The database is dropped when the test ends.
func SetupTestPostgres(t *testing.T) string {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), postgresContainerStartupTimeout)
	defer cancel()

	container, err := GetSharedPostgresContainer(ctx)
	if err != nil {
		t.Fatalf("Failed to get shared PostgreSQL container: %v", err)
	}

	postgresDBMu.Lock()
	postgresDBCounter++
	dbName := fmt.Sprintf("eventflow_test_%d", postgresDBCounter)
	postgresDBMu.Unlock()

	admin, err := pgx.Connect(ctx, container.connString(postgresAdminDB))
	if err != nil {
		t.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer func() { _ = admin.Close(context.Background()) }()

	if _, err = admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{dbName}.Sanitize()); err != nil {
		t.Fatalf("Failed to create database %s: %v", dbName, err)
	}

	t.Cleanup(func() {
		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), postgresCtxTimeout)
		defer cleanupCancel()
		conn, errConn := pgx.Connect(cleanupCtx, container.connString(postgresAdminDB))
		if errConn != nil {
			return
		}
		defer func() { _ = conn.Close(cleanupCtx) }()
		_, _ = conn.Exec(cleanupCtx, "DROP DATABASE IF EXISTS "+pgx.Identifier{dbName}.Sanitize()+" WITH (FORCE)")
	})

	return container.connString(dbName)
}

// CleanupSharedPostgresContainer terminates the shared container.
func CleanupSharedPostgresContainer() {
	if sharedPostgres != nil && sharedPostgres.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), postgresTerminateTimeout)
		defer cancel()
		_ = sharedPostgres.Container.Terminate(ctx)
	}
}
