package storage

import (
	"errors"
	"fmt"
)

// ErrMissingRecord is returned when a state update is attempted without a
// record handle.
var ErrMissingRecord = errors.New("state record id is empty")

// QueryError reports a failed store read.
type QueryError struct {
	Op     string
	Status int // HTTP status for REST backends, 0 otherwise
	Body   string
	Err    error
}

func (e *QueryError) Error() string {
	return describe("store query", e.Op, e.Status, e.Body, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// WriteError reports a failed store write (post batches and cursor updates).
type WriteError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *WriteError) Error() string {
	return describe("store write", e.Op, e.Status, e.Body, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Detail returns the store-provided body, falling back to the wrapped error.
func (e *WriteError) Detail() string {
	if e.Body != "" {
		return e.Body
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// describe keeps the wrapped cause when a status is present, so a 2xx
// response that failed to decode still says why.
func describe(prefix, op string, status int, body string, err error) string {
	switch {
	case status == 0:
		return fmt.Sprintf("%s %s: %v", prefix, op, err)
	case err != nil && body != "":
		return fmt.Sprintf("%s %s: status %d: %s: %v", prefix, op, status, body, err)
	case err != nil:
		return fmt.Sprintf("%s %s: status %d: %v", prefix, op, status, err)
	default:
		return fmt.Sprintf("%s %s: status %d: %s", prefix, op, status, body)
	}
}
