package iid

import "errors"

var (
	// ErrConfiguration is returned by New for an invalid option value.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInvalidState is returned when an operation is not allowed in the
	// detector's current lifecycle state.
	ErrInvalidState = errors.New("invalid detector state")

	// ErrInvalidInput is returned for a NaN or infinite observation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSerialization is returned when a checkpoint cannot be encoded or decoded.
	ErrSerialization = errors.New("invalid checkpoint")
)
