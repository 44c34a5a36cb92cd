package quota

import (
	"context"
	"sync"
)

type memoryBalance struct {
	mu    sync.Mutex
	value int64
	set   bool
}

// MemoryStore keeps balances in process. Each share has its own lock.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]*memoryBalance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]*memoryBalance)}
}

func (s *MemoryStore) entry(shareID string) *memoryBalance {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[shareID]
	if !ok {
		b = &memoryBalance{}
		s.balances[shareID] = b
	}
	return b
}

func (s *MemoryStore) Reserve(ctx context.Context, shareID string, allowance, required int64) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	b := s.entry(shareID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.set {
		b.value, b.set = allowance, true
	}
	d, ok := decide(b.value, required)
	if ok {
		b.value = d.Balance
	}
	return d, nil
}

func (s *MemoryStore) Charge(ctx context.Context, shareID string, allowance, tokens int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	b := s.entry(shareID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.set {
		b.value, b.set = allowance, true
	}
	b.value -= tokens
	return b.value, nil
}

func (s *MemoryStore) Balance(ctx context.Context, shareID string) (int64, error) {
	s.mu.Lock()
	b, ok := s.balances[shareID]
	s.mu.Unlock()
	if !ok {
		return 0, ErrNoBalance
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.set {
		return 0, ErrNoBalance
	}
	return b.value, nil
}

func (s *MemoryStore) Reset(ctx context.Context, shareID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.balances, shareID)
	return nil
}
