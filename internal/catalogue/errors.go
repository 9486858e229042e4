package catalogue

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var (
	ErrUnknownQuery     = errors.New("unknown query")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrDataSource       = errors.New("data source error")

	// ErrColumnMismatch is wrapped by a DataSourceError when the data
	// source returns columns that differ from the declared output schema.
	ErrColumnMismatch = errors.New("result columns do not match declared schema")
)

// UnknownQueryError reports a name that is not in the catalogue.
type UnknownQueryError struct {
	Name string
}

func (e *UnknownQueryError) Error() string {
	return fmt.Sprintf("unknown query %q", e.Name)
}

func (e *UnknownQueryError) Is(target error) bool { return target == ErrUnknownQuery }

// InvalidParameterError reports a caller-supplied parameter that failed
// validation. Param names the offending field.
type InvalidParameterError struct {
	Query  string
	Param  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("query %q: invalid parameter %q: %s", e.Query, e.Param, e.Reason)
}

func (e *InvalidParameterError) Is(target error) bool { return target == ErrInvalidParameter }

// DataSourceError wraps a failure returned by the external data source.
// The underlying error is kept unchanged and reachable through Unwrap.
type DataSourceError struct {
	Query string
	Err   error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("query %q: %v", e.Query, e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

func (e *DataSourceError) Is(target error) bool { return target == ErrDataSource }

// SQLState returns the SQLSTATE reported by a Postgres client (pgx or
// lib/pq), or "" when the failure did not come from the server.
func (e *DataSourceError) SQLState() string {
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(e.Err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func invalidParam(query, param, format string, args ...any) *InvalidParameterError {
	return &InvalidParameterError{Query: query, Param: param, Reason: fmt.Sprintf(format, args...)}
}
