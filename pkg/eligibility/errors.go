package eligibility

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyBatch     = errors.New("no addresses provided")
	ErrInvalidAddress = errors.New("invalid address")
	ErrBatchTooLarge  = errors.New("too many addresses")
)

// InputError rejects a whole request before any upstream is contacted.
type InputError struct {
	Err    error
	Detail string
}

func (e *InputError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err, e.Detail)
}

func (e *InputError) Unwrap() error { return e.Err }

// Code is a stable machine-readable identifier for the rejection.
func (e *InputError) Code() string {
	switch {
	case errors.Is(e.Err, ErrEmptyBatch):
		return "empty_batch"
	case errors.Is(e.Err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(e.Err, ErrBatchTooLarge):
		return "batch_too_large"
	default:
		return "invalid_input"
	}
}
