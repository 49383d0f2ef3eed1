package domain

import (
	"errors"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrNormalization      = errors.New("normalization error")
	ErrDetector           = errors.New("detector error")
	ErrNoSignalsComputed  = errors.New("no signals computed")
	ErrExplanationTimeout = errors.New("explanation timeout")
	ErrExplanationService = errors.New("explanation service error")
	ErrInvalidState       = errors.New("invalid case state")
	ErrCaseNotFound       = errors.New("case not found")
	ErrStaleRun           = errors.New("stale analysis run")
)

// NormalizationError carries a reason suitable for showing to the case owner.
type NormalizationError struct {
	Reason string
	Err    error
}

// NewNormalizationError builds a NormalizationError with the given reason.
func NewNormalizationError(reason string, err error) *NormalizationError {
	return &NormalizationError{Reason: reason, Err: err}
}

func (e *NormalizationError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *NormalizationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrNormalization, e.Err}
	}
	return []error{ErrNormalization}
}
