package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"station-availability/internal/models"
)

// QueryError wraps a failed backend query
type QueryError struct {
	Backend   models.Source
	QueryType string
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.QueryType, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether retrying the query may succeed
func (e *QueryError) IsTransient() bool {
	return isTransient(e.Err)
}

func wrapQueryError(backend models.Source, queryType string, err error) error {
	if err == nil {
		return nil
	}
	return &QueryError{Backend: backend, QueryType: queryType, Err: err}
}

// SQLSTATE classes and codes worth retrying: connection exceptions,
// operator intervention, insufficient resources and serialization failures.
var transientStates = []string{"08", "57P", "53", "40001", "40P01"}

func isTransient(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return transientState(string(pqErr.Code))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientState(pgErr.Code)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func transientState(code string) bool {
	for _, prefix := range transientStates {
		if strings.HasPrefix(code, prefix) {
			return true
		}
	}
	return false
}
