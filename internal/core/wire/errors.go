package wire

import (
	"errors"
	"fmt"
)

var (
	// Envelope errors

	ErrNilWrapper = errors.New("wrapper is nil")
	ErrEmptyGUID  = errors.New("wrapper has no guid")

	// Framing errors

	ErrEmptyFrame      = errors.New("empty frame")
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrTruncatedFrame  = errors.New("truncated frame")
	ErrLengthMismatch  = errors.New("frame length does not match datagram")
	ErrFramingFailed   = errors.New("framing failed")
	ErrSerialization   = errors.New("serialization failed")
	ErrDeserialization = errors.New("deserialization failed")

	// Type errors

	ErrNotStruct             = errors.New("value is not a struct")
	ErrTypeAlreadyRegistered = errors.New("component type already registered")
	ErrTypeNotRegistered     = errors.New("component type not registered")
	ErrNoTargets             = errors.New("no serialization targets registered")
	ErrTypeMatchAmbiguous    = errors.New("no confident component type match")
)

// FramingError reports a malformed or truncated length-prefixed frame.
type FramingError struct {
	Length uint64
	Limit  uint64
	Err    error
	Cause  error
}

func (e *FramingError) Error() string {
	msg := fmt.Sprintf("framing: %v (length=%d, limit=%d)", e.Err, e.Length, e.Limit)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FramingError) Unwrap() []error {
	errs := []error{ErrFramingFailed, e.Err}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// DeserializationError reports a payload that is not valid wire syntax.
type DeserializationError struct {
	Size int
	Err  error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialize %d bytes: %v", e.Size, e.Err)
}

func (e *DeserializationError) Unwrap() []error {
	return []error{ErrDeserialization, e.Err}
}

// TypeMatchError is returned by Resolve when the best candidate is not
// confident enough to instantiate.
type TypeMatchError struct {
	Best  string
	Score float64
	Min   float64
}

func (e *TypeMatchError) Error() string {
	return fmt.Sprintf("best match %q scored %.2f (min %.2f)", e.Best, e.Score, e.Min)
}

func (e *TypeMatchError) Unwrap() error {
	return ErrTypeMatchAmbiguous
}
