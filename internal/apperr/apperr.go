// Package apperr carries the error taxonomy shared by the services:
// validation errors (bad or unknown target, never retried), conflict
// errors (user-visible denials like a reached key limit) and gateway
// errors (transient remote failures, retried by the recovery worker).
package apperr

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func Conflict(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// GatewayError wraps a failed call to the panel or the payment gateway.
// The entity involved transitions to FAILED and is retried only by the
// recovery scheduler.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *GatewayError) Unwrap() error { return e.Err }

func Gateway(op string, err error) error {
	return &GatewayError{Op: op, Err: err}
}

func IsGateway(err error) bool {
	var g *GatewayError
	return errors.As(err, &g)
}
