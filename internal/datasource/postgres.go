package datasource

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"jobflow/internal/model"
)

type postgresDriver struct{}

func (postgresDriver) Name() string { return "postgres" }

func (postgresDriver) Open(conn model.Connection) (Source, error) {
	if conn.DSN == "" {
		return nil, fmt.Errorf("postgres connection %s: dsn is required", conn.Name)
	}
	db, err := sql.Open("postgres", conn.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &postgresSource{name: conn.Name, db: db}, nil
}

type postgresSource struct {
	name string
	db   *sql.DB
}

// Query returns the first column of the first row.
func (s *postgresSource) Query(ctx context.Context, query string) (string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return "", s.classify(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", s.classify(err)
		}
		return "", fmt.Errorf("connection %s: query returned no rows", s.name)
	}
	cols, err := rows.Columns()
	if err != nil {
		return "", s.classify(err)
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("connection %s: query returned no columns", s.name)
	}
	dest := make([]any, len(cols))
	var first any
	dest[0] = &first
	for i := 1; i < len(dest); i++ {
		dest[i] = new(any)
	}
	if err := rows.Scan(dest...); err != nil {
		return "", s.classify(err)
	}
	return scalarString(first), nil
}

func (s *postgresSource) Close() error {
	return s.db.Close()
}

// classify marks connection and resource failures as transient; everything
// else (syntax errors, missing relations) is not retried.
func (s *postgresSource) classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "40":
			return transient(s.name, err)
		}
		return fmt.Errorf("connection %s: %s: %w", s.name, pqErr.Code.Name(), err)
	}
	if errors.Is(err, driver.ErrBadConn) || IsTransient(err) {
		return transient(s.name, err)
	}
	return fmt.Errorf("connection %s: %w", s.name, err)
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}

func init() {
	RegisterDriver(postgresDriver{})
}
