package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/xkilldash9x/autoreg/internal/classifier"
)

// ErrorCode classifies why a task did not succeed.
type ErrorCode string

const (
	ErrCodeAllocation              ErrorCode = "ALLOCATION_ERROR"
	ErrCodeLoadTimeout             ErrorCode = "LOAD_TIMEOUT"
	ErrCodeAutomationTimeout       ErrorCode = "AUTOMATION_TIMEOUT"
	ErrCodeClassificationAmbiguous ErrorCode = "CLASSIFICATION_AMBIGUOUS"
	ErrCodeDriver                  ErrorCode = "DRIVER_ERROR"
)

// MsgNoSurface is the task message when no execution surface could be obtained.
const MsgNoSurface = "no execution surface available"

// ErrNoSurface is the sentinel wrapped by AllocationError when the surface is unavailable.
var ErrNoSurface = errors.New(MsgNoSurface)

// Error is the common shape of the task error taxonomy.
type Error interface {
	error
	Code() ErrorCode
}

// AllocationError means no page could be obtained. Fatal to the task only.
type AllocationError struct {
	Err error
}

func (e *AllocationError) Error() string {
	if e.Err == nil || errors.Is(e.Err, ErrNoSurface) {
		return MsgNoSurface
	}
	return fmt.Sprintf("%s: %v", MsgNoSurface, e.Err)
}
func (e *AllocationError) Unwrap() error   { return e.Err }
func (e *AllocationError) Code() ErrorCode { return ErrCodeAllocation }

// LoadTimeoutError means the page never reached its ready state.
type LoadTimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *LoadTimeoutError) Error() string {
	return fmt.Sprintf("page did not finish loading within %s", e.Timeout)
}
func (e *LoadTimeoutError) Unwrap() error   { return e.Err }
func (e *LoadTimeoutError) Code() ErrorCode { return ErrCodeLoadTimeout }

// AutomationTimeoutError means the attempt outlived its deadline.
type AutomationTimeoutError struct {
	Deadline      *Deadline
	ChallengeSeen bool
}

func (e *AutomationTimeoutError) Error() string {
	return classifier.TimeoutMessage(e.Deadline.Total(), e.ChallengeSeen)
}
func (e *AutomationTimeoutError) Code() ErrorCode { return ErrCodeAutomationTimeout }

// ClassificationAmbiguous means the driver result could not be trusted either way.
type ClassificationAmbiguous struct {
	Message string
}

func (e *ClassificationAmbiguous) Error() string   { return e.Message }
func (e *ClassificationAmbiguous) Code() ErrorCode { return ErrCodeClassificationAmbiguous }

// DriverError means the attempt itself returned an error.
type DriverError struct {
	Err error
}

func (e *DriverError) Error() string   { return fmt.Sprintf("automation driver error: %v", e.Err) }
func (e *DriverError) Unwrap() error   { return e.Err }
func (e *DriverError) Code() ErrorCode { return ErrCodeDriver }

// CodeOf extracts the ErrorCode of a taxonomy error, or "" for other errors.
func CodeOf(err error) ErrorCode {
	var te Error
	if errors.As(err, &te) {
		return te.Code()
	}
	return ""
}
