package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Harsh-BH/tradeguard/internal/domain"
	"github.com/Harsh-BH/tradeguard/internal/repository"
)

var _ repository.LockStore = (*LockStore)(nil)

// LockStore keeps lock records in process memory. Expiry is evaluated lazily on access.
// It only coordinates goroutines of one process.
type LockStore struct {
	mu      sync.Mutex
	records map[string]domain.LockRecord
	now     func() time.Time
}

// NewLockStore creates an empty in-memory lock store.
func NewLockStore() *LockStore {
	return &LockStore{
		records: make(map[string]domain.LockRecord),
		now:     time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (s *LockStore) WithClock(now func() time.Time) *LockStore {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

// live returns the record for key if it has not expired. Callers must hold s.mu.
func (s *LockStore) live(key string) (domain.LockRecord, bool) {
	rec, ok := s.records[key]
	if !ok {
		return domain.LockRecord{}, false
	}
	if !rec.ExpiresAt.After(s.now()) {
		delete(s.records, key)
		return domain.LockRecord{}, false
	}
	return rec, true
}

func (s *LockStore) AcquireExclusive(_ context.Context, key, owner string, ttl time.Duration, conflicts []string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	for _, c := range conflicts {
		if _, ok := s.live(c); ok {
			return false, nil
		}
	}
	s.records[key] = domain.LockRecord{
		Resource:  key,
		Owner:     owner,
		ExpiresAt: s.now().Add(ttl),
	}
	return true, nil
}

func (s *LockStore) CompareAndExtend(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(key)
	if !ok || rec.Owner != owner {
		return false, nil
	}
	rec.ExpiresAt = s.now().Add(ttl)
	s.records[key] = rec
	return true, nil
}

func (s *LockStore) CompareAndDelete(_ context.Context, key, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(key)
	if !ok || rec.Owner != owner {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *LockStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.live(key)
	delete(s.records, key)
	return ok, nil
}

func (s *LockStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(key)
	if !ok {
		return 0, false, nil
	}
	return rec.ExpiresAt.Sub(s.now()), true, nil
}
