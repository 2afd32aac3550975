// internal/testutil/db.go
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationEnv enables the container backed tests when set to 1.
const IntegrationEnv = "DOCFLOW_INTEGRATION"

// TestDB holds a running database container and its connection string
type TestDB struct {
	ConnStr   string
	container testcontainers.Container
}

// RequireIntegration skips t unless container tests are enabled.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file found or failed to load: %v. Proceeding with environment variables.", err)
	}
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run container backed tests", IntegrationEnv)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func start(t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	container, err := testcontainers.GenericContainer(context.Background(), testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start %s container: %v", req.Image, err)
	}
	return container
}

func endpoint(t *testing.T, c testcontainers.Container, port string) (string, string) {
	t.Helper()
	ctx := context.Background()
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatal(err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		_ = c.Terminate(ctx)
		t.Fatal(err)
	}
	return host, mapped.Port()
}

// SetupPostgres starts a PostgreSQL container and applies the migrations
// found at migrationsURL, for example "file://../../migrations".
func SetupPostgres(t *testing.T, migrationsURL string) *TestDB {
	RequireIntegration(t)
	user := envOr("DB_USERNAME", "docflow")
	password := envOr("DB_PASSWORD", "docflow")
	name := envOr("DB_NAME", "docflow")

	container := start(t, testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       name,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	})
	host, port := endpoint(t, container, "5432")
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	m, err := migrate.New(migrationsURL, connStr)
	if err != nil {
		_ = container.Terminate(context.Background())
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		_ = container.Terminate(context.Background())
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return &TestDB{ConnStr: connStr, container: container}
}

// SetupMongo starts a MongoDB container.
func SetupMongo(t *testing.T) *TestDB {
	RequireIntegration(t)
	container := start(t, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
	})
	host, port := endpoint(t, container, "27017")
	return &TestDB{ConnStr: fmt.Sprintf("mongodb://%s:%s/docflow_test", host, port), container: container}
}

// Teardown terminates the container
func (td *TestDB) Teardown(t *testing.T) {
	if err := td.container.Terminate(context.Background()); err != nil {
		t.Fatalf("Failed to terminate container: %v", err)
	}
}
