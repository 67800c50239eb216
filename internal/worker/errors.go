package worker

import (
	"context"
	"fmt"
	"net"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// ErrSkipLimitExceeded fails a partition once its skip budget is spent.
var ErrSkipLimitExceeded = errors.New("skip limit exceeded")

// ParseError is a line that could not be tokenized or mapped. It is skippable.
type ParseError struct {
	Line int64
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError is a parsed record that fails validation. It is skippable and never retried.
type ValidationError struct {
	Line   int64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record at line %d: %s", e.Line, e.Reason)
}

// IsSkippable reports whether err may be skipped against the partition skip budget.
func IsSkippable(err error) bool {
	var pe *ParseError
	var ve *ValidationError
	return errors.As(err, &pe) || errors.As(err, &ve)
}

// IsTransient reports whether err is an infrastructure failure worth retrying: lost connections,
// timeouts, deadlocks and serialization failures. Validation and parse errors are never transient.
func IsTransient(err error) bool {
	if err == nil || IsSkippable(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgerrcode.IsConnectionException(pgErr.Code) ||
			pgerrcode.IsTransactionRollback(pgErr.Code) ||
			pgerrcode.IsInsufficientResources(pgErr.Code) ||
			pgErr.Code == pgerrcode.LockNotAvailable ||
			pgErr.Code == pgerrcode.AdminShutdown ||
			pgErr.Code == pgerrcode.CannotConnectNow
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRecordDataError reports whether a write failed because of the content of a single record,
// such as a numeric overflow or a violated check constraint.
func IsRecordDataError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgerrcode.IsDataException(pgErr.Code) {
		return true
	}
	switch pgErr.Code {
	case pgerrcode.NotNullViolation, pgerrcode.CheckViolation:
		return true
	}
	return false
}
