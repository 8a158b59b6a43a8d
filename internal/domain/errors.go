package domain

import "errors"

var (
	// ErrUnknownTask is returned when a task identifier is not part of the closed set.
	ErrUnknownTask = errors.New("unknown task")

	// ErrLockBusy is returned when a live incompatible lock prevents work from starting.
	ErrLockBusy = errors.New("lock held by another owner")

	// ErrLockLost is returned when a guard check finds the lock is no longer held.
	ErrLockLost = errors.New("lock ownership lost")

	// ErrStoreUnavailable is returned when the lock store cannot confirm lock state.
	ErrStoreUnavailable = errors.New("lock store unavailable")

	// ErrInvalidBatch is returned when a queued trade batch is malformed.
	ErrInvalidBatch = errors.New("invalid trade batch")

	// ErrShuttingDown is returned when work is triggered after shutdown began.
	ErrShuttingDown = errors.New("shutting down")

	// ErrBrokerRejected is returned when the broker refuses a trade.
	ErrBrokerRejected = errors.New("broker rejected trade")
)
