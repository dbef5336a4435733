package commandqueue

import (
	"sync"
	"time"
)

// DefaultDedupTTL is used when NewDedupCache is given a non-positive TTL.
const DefaultDedupTTL = 5 * time.Minute

type dedupEntry struct {
	result    Result
	timestamp time.Time
}

// DedupCache remembers task results by request ID for a bounded time, so a
// redelivered request can be answered without running it again.
type DedupCache struct {
	entries  map[string]*dedupEntry
	ttl      time.Duration
	mu       sync.RWMutex
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewDedupCache creates a cache and starts its expiry sweeper. Call Stop to
// release it.
func NewDedupCache(ttl time.Duration) *DedupCache {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}

	cache := &DedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go cache.cleanup(sweepInterval(ttl))
	return cache
}

func sweepInterval(ttl time.Duration) time.Duration {
	if ttl < time.Minute {
		return ttl
	}
	return time.Minute
}

// Stop ends the sweeper. It is safe to call more than once.
func (dc *DedupCache) Stop() {
	dc.stopOnce.Do(func() { close(dc.stop) })
}

// Get retrieves a cached result if it exists and is not expired
func (dc *DedupCache) Get(requestID string) (Result, bool) {
	if requestID == "" {
		return Result{}, false
	}
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, exists := dc.entries[requestID]
	if !exists || time.Since(entry.timestamp) > dc.ttl {
		return Result{}, false
	}
	return entry.result, true
}

// Set stores a result in the cache. Empty IDs are ignored.
func (dc *DedupCache) Set(requestID string, result Result) {
	if requestID == "" {
		return
	}
	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.entries[requestID] = &dedupEntry{
		result:    result,
		timestamp: time.Now(),
	}
}

func (dc *DedupCache) cleanup(interval time.Duration) {
	defer close(dc.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-dc.stop:
			return
		case <-ticker.C:
			dc.sweep()
		}
	}
}

func (dc *DedupCache) sweep() {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := time.Now()
	for requestID, entry := range dc.entries {
		if now.Sub(entry.timestamp) > dc.ttl {
			delete(dc.entries, requestID)
		}
	}
}

// Size returns the number of entries in the cache
func (dc *DedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}

// Clear removes all entries from the cache
func (dc *DedupCache) Clear() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries = make(map[string]*dedupEntry)
}
