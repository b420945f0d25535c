// Package testutil provides testing utilities for the pharmacy service:
// a PostgreSQL testcontainer with schema-per-test isolation, sqlmock
// helpers, a recording event publisher and fixtures.
package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Environment overrides for the integration database.
const (
	// EnvDatabaseURL points the suite at an existing server instead of
	// starting a container.
	EnvDatabaseURL = "MEDFLOW_TEST_DATABASE_URL"
	// EnvPostgresImage replaces the container image.
	EnvPostgresImage = "MEDFLOW_TEST_POSTGRES_IMAGE"

	defaultPostgresImage = "postgres:16-alpine"
)

// PostgresServer is the server integration schemas are created on. Container
// is nil when the server came from EnvDatabaseURL.
type PostgresServer struct {
	Container *postgres.PostgresContainer
	URL       string
}

// StartPostgres returns the server named by EnvDatabaseURL or starts a
// throwaway container.
func StartPostgres(ctx context.Context) (*PostgresServer, error) {
	if url := os.Getenv(EnvDatabaseURL); url != "" {
		return &PostgresServer{URL: url}, nil
	}

	image := os.Getenv(EnvPostgresImage)
	if image == "" {
		image = defaultPostgresImage
	}

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage(image),
		postgres.WithDatabase("pharmacy_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	return &PostgresServer{Container: container, URL: url}, nil
}

// Admin opens the connection used to create and drop test schemas.
func (s *PostgresServer) Admin(ctx context.Context) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", s.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}
	return db, nil
}

// Terminate stops the container. Servers from EnvDatabaseURL are left alone.
func (s *PostgresServer) Terminate(ctx context.Context) error {
	if s.Container == nil {
		return nil
	}
	return s.Container.Terminate(ctx)
}
