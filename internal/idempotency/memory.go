package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/checkout-engine/internal/domain"
)

type memoryEntry struct {
	state     State
	result    *domain.CheckoutResult
	expiresAt time.Time
}

// MemoryStore хранилище ключей в памяти процесса (тесты, локальный запуск)
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	opts    Options
	now     func() time.Time
}

// NewMemoryStore создает хранилище в памяти
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

// WithClock подменяет часы (для тестов)
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// live возвращает действующую запись; вызывается под мьютексом
func (s *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) Reserve(_ context.Context, key string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.live(key); ok {
		return Reservation{State: e.state, Result: copyResult(e.result)}, nil
	}
	s.entries[key] = memoryEntry{state: StateInFlight, expiresAt: s.now().Add(s.opts.ReservationTTL)}
	return Reservation{State: StateNew}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, result domain.CheckoutResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result.Replayed = false
	s.entries[key] = memoryEntry{
		state:     StateCompleted,
		result:    &result,
		expiresAt: s.now().Add(s.opts.CompletedTTL),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.live(key); ok && e.state == StateInFlight {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, key string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.live(key); ok {
		return Reservation{State: e.state, Result: copyResult(e.result)}, nil
	}
	return Reservation{State: StateNew}, nil
}

func copyResult(r *domain.CheckoutResult) *domain.CheckoutResult {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
