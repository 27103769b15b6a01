package store

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sentinel errors, matched with errors.Is against typed errors below
var (
	ErrUnavailable     = errors.New("storage engine unavailable")
	ErrBlocked         = errors.New("blocked by another connection")
	ErrVersionConflict = errors.New("schema version conflict")
	ErrClosed          = errors.New("connection closed")
)

// ConnKind classifies connection failures
type ConnKind string

// connection failure kinds
const (
	ConnUnavailable ConnKind = "unavailable"
	ConnBlocked     ConnKind = "blocked"
	ConnVersion     ConnKind = "version"
)

// ConnectionError reports failure to open or upgrade the engine
type ConnectionError struct {
	Kind ConnKind
	Path string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s (%s): %v", e.Kind, e.Path, e.Err)
}

// Unwrap returns both the kind sentinel and the underlying error
func (e *ConnectionError) Unwrap() []error {
	switch e.Kind {
	case ConnBlocked:
		return []error{ErrBlocked, e.Err}
	case ConnVersion:
		return []error{ErrVersionConflict, e.Err}
	default:
		return []error{ErrUnavailable, e.Err}
	}
}

// TransactionError reports a read or write transaction failed, aborted or was blocked.
// A failed write transaction is always rolled back.
type TransactionError struct {
	Op         string // begin, read, put, delete, clear, commit
	Partitions []Partition
	Blocked    bool
	Err        error
}

func (e *TransactionError) Error() string {
	parts := make([]string, 0, len(e.Partitions))
	for _, p := range e.Partitions {
		parts = append(parts, string(p))
	}
	return fmt.Sprintf("transaction %s on [%s]: %v", e.Op, strings.Join(parts, ","), e.Err)
}

// Unwrap returns ErrBlocked for busy transactions in addition to the cause
func (e *TransactionError) Unwrap() []error {
	if e.Blocked {
		return []error{ErrBlocked, e.Err}
	}
	return []error{e.Err}
}

// SerializationError reports a snapshot which can't be flattened. Raised before any engine call.
type SerializationError struct {
	BoardID string
	TaskID  string
	Reason  string
}

func (e *SerializationError) Error() string {
	switch {
	case e.TaskID != "":
		return fmt.Sprintf("can't serialize task %q of board %q: %s", e.TaskID, e.BoardID, e.Reason)
	case e.BoardID != "":
		return fmt.Sprintf("can't serialize board %q: %s", e.BoardID, e.Reason)
	default:
		return "can't serialize snapshot: " + e.Reason
	}
}

// isBusy detects sqlite busy/locked results
func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

// txError makes TransactionError, marking busy results as blocked
func txError(op string, parts []Partition, err error) *TransactionError {
	return &TransactionError{Op: op, Partitions: parts, Blocked: isBusy(err), Err: err}
}
