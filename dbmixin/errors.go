package dbmixin

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by helpers used before Connect.
	ErrNotConnected = errors.New("dbmixin: not connected")
	// ErrInvalidOperator is returned for filter operators outside the supported set.
	ErrInvalidOperator = errors.New("dbmixin: unsupported filter operator")
)

// PersistenceError wraps any failure reported by the database driver.
type PersistenceError struct {
	Op    string
	Table string
	Err   error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("dbmixin: %s %s: %v", e.Op, e.Table, e.Err)
}

// Unwrap returns the driver error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// LifecycleHookError wraps an error returned by a user hook. The write that
// triggered the hook is already committed.
type LifecycleHookError struct {
	Event EntityEvent
	Err   error
}

// Error implements the error interface.
func (e *LifecycleHookError) Error() string {
	return fmt.Sprintf("dbmixin: entity %s hook: %v", e.Event, e.Err)
}

// Unwrap returns the hook error.
func (e *LifecycleHookError) Unwrap() error {
	return e.Err
}
