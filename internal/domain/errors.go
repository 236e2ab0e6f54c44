package domain

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed API or configuration input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransaction marks a transaction missing required fields.
	// Such transactions are never scored.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrHistoryUnavailable is returned when the history backend cannot be reached.
	ErrHistoryUnavailable = errors.New("history store unavailable")

	// ErrInvalidStatusTransition is returned for a disallowed alert status change.
	ErrInvalidStatusTransition = errors.New("invalid alert status transition")
)
