package datasource

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TransientExternalError is a connection, query or timeout failure that may
// succeed when retried.
type TransientExternalError struct {
	Connection string
	Err        error
}

func (e *TransientExternalError) Error() string {
	return fmt.Sprintf("connection %s: transient: %v", e.Connection, e.Err)
}

func (e *TransientExternalError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientExternalError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func transient(conn string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientExternalError
	if errors.As(err, &te) {
		return err
	}
	return &TransientExternalError{Connection: conn, Err: err}
}
