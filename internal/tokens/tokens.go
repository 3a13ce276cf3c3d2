package tokens

import (
	"context"
	"sync"
)

// Set is the anti-replay token set. A token may be claimed at most once
// across the entire system; Claim must be atomic with respect to concurrent
// callers.
type Set interface {
	// Seen reports whether the token has already been claimed.
	Seen(ctx context.Context, token string) (bool, error)
	// Claim marks the token used. Returns false if it was already claimed.
	Claim(ctx context.Context, token string) (bool, error)
}

// MemorySet is a process-local token set.
type MemorySet struct {
	mu     sync.Mutex
	tokens map[string]struct{}
}

// NewMemorySet creates an empty in-memory token set.
func NewMemorySet() *MemorySet {
	return &MemorySet{tokens: make(map[string]struct{})}
}

func (s *MemorySet) Seen(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, seen := s.tokens[token]
	return seen, nil
}

func (s *MemorySet) Claim(ctx context.Context, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.tokens[token]; seen {
		return false, nil
	}
	s.tokens[token] = struct{}{}
	return true, nil
}

// Len returns the number of claimed tokens.
func (s *MemorySet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
