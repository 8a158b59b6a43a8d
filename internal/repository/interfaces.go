package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Harsh-BH/tradeguard/internal/domain"
)

// LockStore is the minimal key-value protocol the lock manager needs.
// Implementations must make every method atomic with respect to the others.
type LockStore interface {
	// AcquireExclusive stores owner under key with the given TTL unless key, or any of
	// conflicts, currently holds a live record. Returns true if the record was written.
	AcquireExclusive(ctx context.Context, key, owner string, ttl time.Duration, conflicts []string) (bool, error)

	// CompareAndExtend refreshes the TTL of key only if it is live and held by owner.
	CompareAndExtend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if it is live and held by owner.
	CompareAndDelete(ctx context.Context, key, owner string) (bool, error)

	// Delete removes key regardless of owner. Returns true if a live record was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining time-to-live of key. ok is false when no live record exists.
	// A live record without expiry is reported as ok with a negative duration.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
}

// RunRepository tracks scheduled job runs so that runs abandoned by a crashed holder
// can be recovered.
type RunRepository interface {
	// Start inserts a run in the running state.
	Start(ctx context.Context, run *domain.Run) error

	// Finish moves a run to a terminal state.
	Finish(ctx context.Context, id uuid.UUID, status domain.RunStatus, errMsg string) error

	// ResetRunning moves every running run of the task to retryable and returns how many changed.
	ResetRunning(ctx context.Context, task domain.Task) (int, error)
}

// TradeRequestRepository hands out trade requests produced by the recommendation engine.
type TradeRequestRepository interface {
	// ClaimPending marks up to limit pending requests of the task as dispatched and returns
	// them ordered by creation time.
	ClaimPending(ctx context.Context, task domain.Task, limit int) ([]domain.TradeRequest, error)
}

// ExecutionRepository persists executed trades.
type ExecutionRepository interface {
	// Record stores one executed request together with its result.
	Record(ctx context.Context, batchID uuid.UUID, rec domain.ExecutionRecord) error
}

// ExecutionLedger remembers executed trade requests so redelivered batches do not
// submit the same trade twice.
type ExecutionLedger interface {
	// Lookup returns the recorded result of a request, if any.
	Lookup(ctx context.Context, requestID uuid.UUID) (*domain.TradeResult, bool, error)

	// Remember records the result of an executed request.
	Remember(ctx context.Context, requestID uuid.UUID, result *domain.TradeResult) error
}
