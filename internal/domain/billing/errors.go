package billing

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("invalid request")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	// ErrUnmatchedCheckout means a provider event named a checkout id no
	// bill carries.
	ErrUnmatchedCheckout = errors.New("no bill matches checkout id")
	// ErrAlreadyPaid is returned with the bill when a payment failure
	// arrives for a bill that has since been paid.
	ErrAlreadyPaid = errors.New("bill already paid")
)

func validationErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func notFoundErr(what string) error {
	return fmt.Errorf("%s %w", what, ErrNotFound)
}
