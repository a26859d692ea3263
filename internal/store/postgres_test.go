package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testDSN       string
	testContainer testcontainers.Container
)

// TestMain starts a PostgreSQL container for the Postgres tests. Without a
// Docker daemon those tests are skipped and the in-memory ones still run.
func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	if dsn := os.Getenv("JOBFLOW_TEST_DATABASE_URL"); dsn != "" {
		testDSN = dsn
		os.Exit(m.Run())
	}

	var err error
	testContainer, err = startPostgres(ctx)
	if err != nil {
		log.Printf("postgres container unavailable, skipping postgres tests: %v", err)
		os.Exit(m.Run())
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := testContainer.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("container port: %v", err)
	}
	testDSN = fmt.Sprintf("postgres://jobflow:jobflow@%s:%s/jobflow?sslmode=disable", host, port.Port())

	code := m.Run()
	_ = testContainer.Terminate(ctx)
	os.Exit(code)
}

func startPostgres(ctx context.Context) (c testcontainers.Container, err error) {
	// GenericContainer panics when no Docker host can be found.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "jobflow",
				"POSTGRES_PASSWORD": "jobflow",
				"POSTGRES_DB":       "jobflow",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
}

func TestPostgres(t *testing.T) {
	if testDSN == "" {
		t.Skip("no postgres available")
	}
	ctx := context.Background()
	p, err := OpenPostgres(ctx, testDSN)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer p.Close()

	for _, table := range []string{"job_status", "builds", "checkup_logs", "approvals"} {
		if _, err := p.db.ExecContext(ctx, "TRUNCATE "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}

	exerciseStore(t, p)
}
