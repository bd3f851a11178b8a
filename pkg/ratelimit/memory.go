package ratelimit

import (
	"context"
	"sync"
	"time"
)

const DEFAULT_MAX_KEYS = 10000

type MemoryLimiter struct {
	mu       sync.Mutex
	config   Config
	now      func() time.Time
	maxKeys  int
	attempts map[string][]time.Time
}

func NewMemoryLimiter(config Config, now func() time.Time) *MemoryLimiter {
	if now == nil {
		now = time.Now
	}
	return &MemoryLimiter{
		config:   config.withDefaults(),
		now:      now,
		maxKeys:  DEFAULT_MAX_KEYS,
		attempts: make(map[string][]time.Time),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	window := m.prune(key, now)
	if window == nil && len(m.attempts) >= m.maxKeys {
		m.gc(now)
		if len(m.attempts) >= m.maxKeys {
			return Decision{}, ErrCapacityExceeded
		}
	}
	if len(window) >= m.config.Attempts {
		return m.decision(window, false), nil
	}
	window = append(window, now)
	m.attempts[key] = window
	return m.decision(window, true), nil
}

func (m *MemoryLimiter) Peek(_ context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	window := m.prune(key, m.now())
	return m.decision(window, len(window) < m.config.Attempts), nil
}

func (m *MemoryLimiter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, key)
	return nil
}

// Drops attempts that slid out of the window and returns the rest.
// Caller holds the lock.
func (m *MemoryLimiter) prune(key string, now time.Time) []time.Time {
	window, ok := m.attempts[key]
	if !ok {
		return nil
	}
	cutoff := now.Add(-m.config.Window)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	window = window[i:]
	if len(window) == 0 {
		delete(m.attempts, key)
		return nil
	}
	m.attempts[key] = window
	return window
}

func (m *MemoryLimiter) decision(window []time.Time, allowed bool) Decision {
	d := Decision{
		Allowed:   allowed,
		Limit:     m.config.Attempts,
		Remaining: m.config.Attempts - len(window),
		ResetAt:   m.now(),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if len(window) > 0 {
		d.ResetAt = window[0].Add(m.config.Window)
	}
	return d
}

func (m *MemoryLimiter) gc(now time.Time) {
	for key := range m.attempts {
		m.prune(key, now)
	}
}
