package ctsync

import (
	"context"
	"net"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/pkg/errors"
)

// Error kinds from the failure taxonomy. Everything is recoverable at the
// worker level; only startup configuration failures terminate the process.
var (
	// ErrCTHistoryLost means the stored version predates the oldest version
	// change tracking still holds. The only way forward is a full load.
	ErrCTHistoryLost = errors.New("change tracking history lost")

	// ErrNoPrimaryKey means the table cannot be tailed incrementally.
	ErrNoPrimaryKey = errors.New("table has no primary key")

	// ErrSchemaMismatch means a row could not be applied because the replica
	// column types are incompatible. Requires operator intervention.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// SQL Server error numbers that indicate a doomed conversion rather than a
// transient fault.
var schemaMismatchNumbers = map[int32]bool{
	206:  true, // operand type clash
	245:  true, // conversion failed
	257:  true, // implicit conversion not allowed
	8114: true, // error converting data type
	8115: true, // arithmetic overflow converting
}

// Deadlocks, connection drops and throttling; retry next tick with backoff.
var transientNumbers = map[int32]bool{
	233:   true, // transport-level error
	1205:  true, // deadlock victim
	4060:  true, // cannot open database
	10053: true, // connection aborted
	10054: true, // connection reset by peer
	10060: true, // connection timed out
	40197: true, // service error, retry
	40501: true, // service busy
	40613: true, // database unavailable
}

// IsSchemaMismatch classifies driver errors that mean the replica schema can
// no longer accept primary rows.
func IsSchemaMismatch(err error) bool {
	if errors.Is(err, ErrSchemaMismatch) {
		return true
	}
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		return schemaMismatchNumbers[sqlErr.Number]
	}
	return false
}

// IsTransient classifies errors worth retrying on the next tick.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		return transientNumbers[sqlErr.Number]
	}
	return false
}
