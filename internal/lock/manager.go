// Package lock implements distributed mutual exclusion over named resources on top of a
// shared lock store. There is no coordinator beyond the store itself.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/executor"
	"github.com/Harsh-BH/tradeguard/internal/metrics"
	"github.com/Harsh-BH/tradeguard/internal/repository"
)

// KeyPrefix namespaces lock keys. The hash tag keeps every lock on one Redis Cluster slot
// so the multi-key acquire script stays valid.
const KeyPrefix = "{tradeguard}:lock:"

// ErrInvalidTTL is returned when a non-positive lock duration is requested.
var ErrInvalidTTL = errors.New("lock: ttl must be positive")

// Manager owns the acquire/extend/release/inspect protocol for named resources.
//
// The namespace is the set of resource names the manager coordinates. An acquire of R
// conflicts with every live lock in the namespace except R's declared compatible names.
// Compatibility is read from the acquiring call only; it is not assumed to be symmetric.
type Manager struct {
	store      repository.LockStore
	runs       repository.RunRepository
	namespace  []string
	instanceID string
	logger     *zap.Logger
	now        func() time.Time
}

// NewManager creates a lock manager. runs may be nil, in which case forced releases recover
// nothing.
func NewManager(
	store repository.LockStore,
	runs repository.RunRepository,
	namespace []string,
	instanceID string,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		store:      store,
		runs:       runs,
		namespace:  namespace,
		instanceID: instanceID,
		logger:     logger,
		now:        time.Now,
	}
}

func key(resource string) string {
	return KeyPrefix + resource
}

// conflicts returns the keys that must not be live for resource to be acquired.
func (m *Manager) conflicts(resource string, compatible []string) []string {
	allowed := make(map[string]struct{}, len(compatible)+1)
	allowed[resource] = struct{}{}
	for _, c := range compatible {
		allowed[c] = struct{}{}
	}

	keys := make([]string, 0, len(m.namespace))
	for _, name := range m.namespace {
		if _, ok := allowed[name]; ok {
			continue
		}
		keys = append(keys, key(name))
	}
	return keys
}

func (m *Manager) newOwner() string {
	return m.instanceID + ":" + uuid.NewString()
}

// Acquire tries to take the lock on resource for ttl. Contention is not an error: it is
// reported as Acquired=false. A store failure is returned as an error wrapping
// domain.ErrStoreUnavailable and must be treated as "not acquired".
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration, compatible []string) (domain.LockResult, error) {
	if ttl <= 0 {
		return domain.LockResult{}, ErrInvalidTTL
	}

	owner := m.newOwner()
	expiresAt := m.now().Add(ttl)

	ok, err := m.store.AcquireExclusive(ctx, key(resource), owner, ttl, m.conflicts(resource, compatible))
	if err != nil {
		metrics.LockOperations.WithLabelValues(resource, "acquire", "error").Inc()
		m.logger.Error("Failed to acquire lock", zap.String("resource", resource), zap.Error(err))
		return domain.LockResult{}, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	if !ok {
		metrics.LockOperations.WithLabelValues(resource, "acquire", "contended").Inc()
		m.logger.Debug("Lock contended", zap.String("resource", resource))
		return domain.LockResult{Acquired: false}, nil
	}

	metrics.LockOperations.WithLabelValues(resource, "acquire", "success").Inc()
	m.logger.Info("Lock acquired",
		zap.String("resource", resource),
		zap.String("owner", owner),
		zap.Duration("ttl", ttl),
	)
	return domain.LockResult{Acquired: true, Owner: owner, ExpiresAt: expiresAt}, nil
}

// Extend refreshes the TTL of a lock held by owner. It fails once the lock expired or when
// another owner holds it.
func (m *Manager) Extend(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}

	ok, err := m.store.CompareAndExtend(ctx, key(resource), owner, ttl)
	if err != nil {
		metrics.LockOperations.WithLabelValues(resource, "extend", "error").Inc()
		return false, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	if !ok {
		metrics.LockOperations.WithLabelValues(resource, "extend", "refused").Inc()
		m.logger.Warn("Lock extension refused", zap.String("resource", resource), zap.String("owner", owner))
		return false, nil
	}
	metrics.LockOperations.WithLabelValues(resource, "extend", "success").Inc()
	return true, nil
}

// Release deletes the lock only if owner holds it. Returns false, not an error, when the lock
// already expired or belongs to someone else.
func (m *Manager) Release(ctx context.Context, resource, owner string) (bool, error) {
	ok, err := m.store.CompareAndDelete(ctx, key(resource), owner)
	if err != nil {
		metrics.LockOperations.WithLabelValues(resource, "release", "error").Inc()
		return false, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	if !ok {
		metrics.LockOperations.WithLabelValues(resource, "release", "noop").Inc()
		m.logger.Info("Lock release was a no-op", zap.String("resource", resource), zap.String("owner", owner))
		return false, nil
	}
	metrics.LockOperations.WithLabelValues(resource, "release", "success").Inc()
	m.logger.Info("Lock released", zap.String("resource", resource), zap.String("owner", owner))
	return true, nil
}

// Inspect reads the current state of a lock. The snapshot is for display only and must
// never authorize an execution.
func (m *Manager) Inspect(ctx context.Context, resource string) (domain.LockState, error) {
	ttl, ok, err := m.store.TTL(ctx, key(resource))
	if err != nil {
		return domain.LockState{}, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	state := domain.LockState{Resource: resource, Locked: ok, CheckedAt: m.now()}
	if ok && ttl >= 0 {
		state.TTL = &ttl
	}
	return state, nil
}

// ForceReleaseAndRecover deletes the lock regardless of owner and resets runs of the task
// left in the running state back to retryable. Calling it when nothing is locked or stuck
// returns Released=false and a zero count.
func (m *Manager) ForceReleaseAndRecover(ctx context.Context, resource string) (domain.LockReleaseOutcome, error) {
	released, err := m.store.Delete(ctx, key(resource))
	if err != nil {
		metrics.LockOperations.WithLabelValues(resource, "force_release", "error").Inc()
		return domain.LockReleaseOutcome{}, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}

	outcome := domain.LockReleaseOutcome{
		Resource:   resource,
		Released:   released,
		ReleasedAt: m.now(),
	}

	if m.runs != nil {
		recovered, err := m.runs.ResetRunning(ctx, domain.Task(resource))
		if err != nil {
			return outcome, fmt.Errorf("lock: recover running runs: %w", err)
		}
		outcome.RecoveredRunningCount = recovered
	}

	// Someone may have acquired between the delete and now; report what the store says.
	state, err := m.Inspect(ctx, resource)
	if err != nil {
		return outcome, err
	}
	outcome.Locked = state.Locked

	metrics.LockOperations.WithLabelValues(resource, "force_release", fmt.Sprintf("%t", released)).Inc()
	m.logger.Warn("Lock force released",
		zap.String("resource", resource),
		zap.Bool("released", released),
		zap.Int("recovered_running", outcome.RecoveredRunningCount),
	)
	return outcome, nil
}

// Guard returns a guard check that extends the lock by ttl and faults with
// domain.ErrLockLost when the extension is refused.
func (m *Manager) Guard(resource, owner string, ttl time.Duration) executor.Guard {
	return func(ctx context.Context) error {
		ok, err := m.Extend(ctx, resource, owner, ttl)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrLockLost, resource)
		}
		return nil
	}
}

// KeepAlive extends the lock every ttl/3 until ctx is done. The returned channel receives
// the first failure (refused extension or store error) and is closed when KeepAlive stops.
func (m *Manager) KeepAlive(ctx context.Context, resource, owner string, ttl time.Duration) <-chan error {
	lost := make(chan error, 1)
	interval := ttl / 3
	if interval <= 0 {
		interval = ttl
	}

	go func() {
		defer close(lost)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		guard := m.Guard(resource, owner, ttl)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := guard(ctx); err != nil {
					if ctx.Err() != nil {
						return
					}
					lost <- err
					return
				}
			}
		}
	}()

	return lost
}
