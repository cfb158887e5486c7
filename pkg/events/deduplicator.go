// pkg/events/deduplicator.go
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Deduplicator suppresses repeats of the same condition within a time
// window. It backs the sampler's alert cooldown and duplicate auto-lock
// suppression in the file watcher.
type Deduplicator struct {
	seen          map[string]time.Time
	window        time.Duration
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewDeduplicator creates a deduplicator with the given suppression window.
func NewDeduplicator(window time.Duration) *Deduplicator {
	d := &Deduplicator{
		seen:        make(map[string]time.Time),
		window:      window,
		stopCleanup: make(chan struct{}),
	}

	d.cleanupTicker = time.NewTicker(window / 2)
	go d.cleanupLoop()

	return d
}

// IsDuplicate reports whether the condition identified by parts was already
// seen within the window. The first sighting records it and returns false.
func (d *Deduplicator) IsDuplicate(parts ...string) bool {
	key := hashKey(parts)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	lastSeen, exists := d.seen[key]
	if exists && now.Sub(lastSeen) < d.window {
		return true
	}
	d.seen[key] = now
	return false
}

// Forget clears a condition so the next sighting alerts again, used when the
// underlying condition is resolved before the window expires.
func (d *Deduplicator) Forget(parts ...string) {
	key := hashKey(parts)
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

func hashKey(parts []string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

func (d *Deduplicator) cleanupLoop() {
	for {
		select {
		case <-d.cleanupTicker.C:
			d.cleanup()
		case <-d.stopCleanup:
			d.cleanupTicker.Stop()
			return
		}
	}
}

func (d *Deduplicator) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := time.Now().Add(-d.window)
	for key, ts := range d.seen {
		if ts.Before(cutoff) {
			delete(d.seen, key)
		}
	}
}

// Stop stops the background cleanup.
func (d *Deduplicator) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCleanup)
	})
}
