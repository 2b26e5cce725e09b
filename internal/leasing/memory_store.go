package leasing

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/txfees/internal/core/clock"
)

// MemoryStore is an in-memory LeaseStore with injectable time, used by
// tests and storage-less development runs. Expiry is evaluated lazily on
// access, mirroring how Redis key TTLs behave from a client's viewpoint.
type MemoryStore struct {
	mu     sync.Mutex
	clock  clock.Clock
	leases map[string]memoryLease
}

type memoryLease struct {
	workerID  string
	expiresAt time.Time
}

// NewMemoryStore creates an empty lease store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real{}
	}
	return &MemoryStore{
		clock:  clk,
		leases: make(map[string]memoryLease),
	}
}

func (s *MemoryStore) live(key string) (memoryLease, bool) {
	l, ok := s.leases[key]
	if !ok {
		return memoryLease{}, false
	}
	if !s.clock.Now().Before(l.expiresAt) {
		delete(s.leases, key)
		return memoryLease{}, false
	}
	return l, true
}

func (s *MemoryStore) AcquireLease(
	ctx context.Context,
	key, workerID string,
	ttl time.Duration,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.live(key); held {
		return false, nil
	}
	s.leases[key] = memoryLease{workerID: workerID, expiresAt: s.clock.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(
	ctx context.Context,
	key, workerID string,
	ttl time.Duration,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.live(key)
	if !held || l.workerID != workerID {
		return false, nil
	}
	s.leases[key] = memoryLease{workerID: workerID, expiresAt: s.clock.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, key, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, held := s.live(key)
	if !held || l.workerID != workerID {
		return false, nil
	}
	delete(s.leases, key)
	return true, nil
}
