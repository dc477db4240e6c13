// Package types provides the error kinds surfaced by the analytics core.
package types

import (
	"fmt"
	"time"
)

// InvalidParameterError reports a request parameter that fails validation.
// Surfaced immediately, before any partial computation. Not retryable.
type InvalidParameterError struct {
	Param  string
	Reason string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Param, e.Reason)
}

// InsufficientDataError reports a series too short for the requested
// computation. Not retryable with the same inputs.
type InsufficientDataError struct {
	Need int
	Have int
	What string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient %s: need %d, have %d", e.What, e.Need, e.Have)
}

// ComputationTimeoutError reports a computation that exceeded its budget.
// No partial result is returned.
type ComputationTimeoutError struct {
	Budget time.Duration
}

func (e *ComputationTimeoutError) Error() string {
	if e.Budget > 0 {
		return fmt.Sprintf("computation exceeded budget of %s", e.Budget)
	}
	return "computation exceeded its time budget"
}
