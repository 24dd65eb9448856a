package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process sliding window. It only bounds uploads handled
// by this process and forgets everything on restart; use Durable when more
// than one process ingests messages.
type Memory struct {
	config Config
	now    func() time.Time

	mu      sync.Mutex
	windows map[Key][]time.Time
}

// NewMemory creates an in-memory limiter.
func NewMemory(cfg Config) *Memory {
	return &Memory{
		config:  cfg.withDefaults(),
		now:     time.Now,
		windows: make(map[Key][]time.Time),
	}
}

// Check reports whether key may submit another upload now.
func (m *Memory) Check(_ context.Context, key Key) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	hits := m.prune(key, now)
	var oldest time.Time
	if len(hits) > 0 {
		oldest = hits[0]
	}
	return decide(m.config, len(hits), oldest, now), nil
}

// Record appends an upload at the given time unless the window is full.
func (m *Memory) Record(_ context.Context, key Key, _ int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hits := m.prune(key, at)
	if len(hits) >= m.config.Limit {
		return ErrLimitExceeded
	}
	i := len(hits)
	for i > 0 && hits[i-1].After(at) {
		i--
	}
	m.windows[key] = append(hits[:i:i], append([]time.Time{at}, hits[i:]...)...)
	return nil
}

// prune drops entries at or before now-window. Caller holds mu.
func (m *Memory) prune(key Key, now time.Time) []time.Time {
	cutoff := now.Add(-m.config.Window)
	hits := m.windows[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(m.windows, key)
		return nil
	}
	m.windows[key] = hits
	return hits
}
