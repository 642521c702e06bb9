package service

import (
	"sync"
	"time"
)

const (
	maxWindowEntries     = 10000
	windowCleanupEvery   = time.Minute
	windowEntryIdleLimit = 10 * time.Minute
)

type windowEntry struct {
	timestamps []time.Time
	lastAccess time.Time
}

// memoryWindow is a per-process sliding window used while Redis is unreachable
type memoryWindow struct {
	mu          sync.Mutex
	store       map[string]*windowEntry
	lastCleanup time.Time
}

func newMemoryWindow() *memoryWindow {
	return &memoryWindow{
		store:       make(map[string]*windowEntry),
		lastCleanup: time.Now(),
	}
}

func (m *memoryWindow) cleanup(now time.Time) {
	if now.Sub(m.lastCleanup) < windowCleanupEvery && len(m.store) <= maxWindowEntries {
		return
	}
	m.lastCleanup = now

	for key, entry := range m.store {
		if now.Sub(entry.lastAccess) > windowEntryIdleLimit {
			delete(m.store, key)
		}
	}

	if len(m.store) > maxWindowEntries {
		drop := len(m.store) / 5
		for key := range m.store {
			if drop == 0 {
				break
			}
			delete(m.store, key)
			drop--
		}
	}
}

func (m *memoryWindow) check(key string, limit int, window time.Duration, now time.Time) RateDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanup(now)

	entry, ok := m.store[key]
	if !ok {
		entry = &windowEntry{}
		m.store[key] = entry
	}
	entry.lastAccess = now

	windowStart := now.Add(-window)
	kept := entry.timestamps[:0]
	for _, ts := range entry.timestamps {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	entry.timestamps = kept

	resetAt := now.Add(window)
	if len(entry.timestamps) > 0 {
		resetAt = entry.timestamps[0].Add(window)
	}

	if len(entry.timestamps) >= limit {
		return RateDecision{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}

	entry.timestamps = append(entry.timestamps, now)
	return RateDecision{
		Allowed:   true,
		Remaining: limit - len(entry.timestamps),
		ResetAt:   resetAt,
	}
}
