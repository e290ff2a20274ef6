package broker

import "fmt"

// ValidationError is returned when action params fail their rules. Err holds
// the per param validation.Errors.
type ValidationError struct {
	Action string
	Err    error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("broker: invalid params for %s: %v", e.Action, e.Err)
}

// Unwrap returns the underlying validation errors.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ActionNotFoundError is returned when calling an unknown action.
type ActionNotFoundError struct {
	Action string
}

// Error implements the error interface.
func (e *ActionNotFoundError) Error() string {
	return "broker: action not found: " + e.Action
}

// ServiceExistsError is returned when registering a duplicate service name.
type ServiceExistsError struct {
	Service string
}

// Error implements the error interface.
func (e *ServiceExistsError) Error() string {
	return "broker: service already registered: " + e.Service
}
