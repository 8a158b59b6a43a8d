package domain

import "time"

// LockRecord describes exclusive ownership of a named resource. The resources it tolerates
// are not part of the record: the acquirer declares them per call and the store checks them
// as a conflict set at acquire time.
type LockRecord struct {
	Resource  string
	Owner     string
	ExpiresAt time.Time
}

// LockResult is returned by an acquire attempt. Owner is only set when Acquired is true.
type LockResult struct {
	Acquired  bool
	Owner     string
	ExpiresAt time.Time
}

// LockState is a read-only snapshot of a lock. TTL is nil when the resource is unlocked
// or the store reports no expiry.
type LockState struct {
	Resource  string
	Locked    bool
	TTL       *time.Duration
	CheckedAt time.Time
}

// LockReleaseOutcome is the result of an administrative forced release.
type LockReleaseOutcome struct {
	Resource              string
	Released              bool
	Locked                bool
	ReleasedAt            time.Time
	RecoveredRunningCount int
}
