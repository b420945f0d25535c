package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/medflow/pharmacy-ledger/internal/pharmacy/schema"
	"github.com/medflow/pharmacy-ledger/pkg/config"
	"github.com/medflow/pharmacy-ledger/pkg/database"
	"github.com/medflow/pharmacy-ledger/pkg/logger"
)

var (
	// Shared across all integration tests of a package.
	globalServer  *PostgresServer
	globalDB      *sqlx.DB
	containerOnce sync.Once
	containerErr  error
)

// IntegrationLockTimeout is the lock_timeout used by integration databases.
const IntegrationLockTimeout = 2 * time.Second

// IntegrationSuite provides a base for integration tests with real PostgreSQL
type IntegrationSuite struct {
	Server *PostgresServer
	Admin  *sqlx.DB
	Logger *logger.Logger
}

// NewIntegrationSuite starts (or reuses) the shared server.
//
// Usage:
//
//	func TestLedger_Integration(t *testing.T) {
//	    suite := testutil.RequireIntegration(t)
//	    db := suite.NewSchema(t)
//	    ...
//	}
func NewIntegrationSuite(ctx context.Context) (*IntegrationSuite, error) {
	containerOnce.Do(func() {
		globalServer, containerErr = StartPostgres(ctx)
		if containerErr != nil {
			return
		}
		globalDB, containerErr = globalServer.Admin(ctx)
	})
	if containerErr != nil {
		return nil, containerErr
	}

	return &IntegrationSuite{
		Server: globalServer,
		Admin:  globalDB,
		Logger: logger.Nop(),
	}, nil
}

// RequireIntegration skips under -short and otherwise returns the suite,
// failing the test when the container cannot start.
func RequireIntegration(t *testing.T) *IntegrationSuite {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	suite, err := NewIntegrationSuite(context.Background())
	if err != nil {
		t.Fatalf("failed to start integration suite: %v", err)
	}
	return suite
}

// NewSchema creates a fresh schema with all pharmacy tables and returns a
// database handle whose connections are confined to it. The schema is
// dropped when the test ends.
func (s *IntegrationSuite) NewSchema(t *testing.T) *database.DB {
	t.Helper()
	ctx := context.Background()

	name := "t_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	if _, err := s.Admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", name)); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	t.Cleanup(func() {
		if _, err := s.Admin.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", name)); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", name, err)
		}
	})

	parsed, err := config.ParseDatabaseURL(s.Server.URL)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}

	db, err := database.NewWithDSN(parsed.WithSearchPath(name).ToDSN(), IntegrationLockTimeout, s.Logger)
	if err != nil {
		t.Fatalf("failed to connect to schema %s: %v", name, err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := schema.Apply(ctx, db); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	return db
}

// TerminateContainer terminates the shared container.
// Only call this in TestMain after all tests have completed.
func TerminateContainer(ctx context.Context) {
	if globalServer != nil {
		_ = globalServer.Terminate(ctx)
	}
}
