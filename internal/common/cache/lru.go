// Package cache provides a bounded LRU cache with per-entry TTL, used by the
// hub for request deduplication.
package cache

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relayd/relayd/internal/common/logger"
)

const (
	// DefaultMaxSize bounds the number of live entries.
	DefaultMaxSize = 500
	// DefaultTTL is how long an entry stays valid after being set.
	DefaultTTL = 60 * time.Second
	// DefaultSweepInterval is how often expired entries are purged.
	DefaultSweepInterval = 30 * time.Second
)

type entry struct {
	key       string
	value     interface{}
	expiresAt time.Time
}

// LRU is a bounded cache ordered by recency with TTL expiry. Get promotes an
// entry to most-recent; Set evicts the oldest entry on overflow. Expired
// entries are treated as absent and removed lazily, plus a periodic sweep.
type LRU struct {
	maxSize int
	ttl     time.Duration

	mu    sync.Mutex
	order *list.List // front = most recent
	items map[string]*list.Element

	stopSweep chan struct{}
	done      chan struct{}
	logger    *logger.Logger

	now func() time.Time // overridable for tests
}

// Option configures an LRU.
type Option func(*LRU)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *LRU) { l.now = now }
}

// NewLRU creates an LRU cache and starts its sweeper. Call Destroy to stop it.
func NewLRU(maxSize int, ttl, sweepInterval time.Duration, log *logger.Logger, opts ...Option) *LRU {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	l := &LRU{
		maxSize:   maxSize,
		ttl:       ttl,
		order:     list.New(),
		items:     make(map[string]*list.Element),
		stopSweep: make(chan struct{}),
		done:      make(chan struct{}),
		logger:    log.WithFields(zap.String("component", "lru-cache")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.sweepLoop(sweepInterval)
	return l
}

// Get returns the value for key if present and not expired, promoting it to
// most-recent.
func (l *LRU) Get(key string) (interface{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	el, ok := l.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if l.now().After(e.expiresAt) {
		l.removeLocked(el)
		return nil, false
	}
	l.order.MoveToFront(el)
	return e.value, true
}

// Set stores a value, promoting on update and evicting the oldest entry when
// the cache is full.
func (l *LRU) Set(key string, value interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiresAt := l.now().Add(l.ttl)
	if el, ok := l.items[key]; ok {
		e := el.Value.(*entry)
		e.value = value
		e.expiresAt = expiresAt
		l.order.MoveToFront(el)
		return
	}

	if l.order.Len() >= l.maxSize {
		if oldest := l.order.Back(); oldest != nil {
			l.removeLocked(oldest)
		}
	}
	l.items[key] = l.order.PushFront(&entry{key: key, value: value, expiresAt: expiresAt})
}

// Delete removes a key if present.
func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		l.removeLocked(el)
	}
}

// Len returns the number of entries, including any not yet swept.
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

// Sweep removes all expired entries and returns the count removed.
func (l *LRU) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for el := l.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			l.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Clear removes all entries.
func (l *LRU) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order.Init()
	l.items = make(map[string]*list.Element)
}

// Destroy stops the sweeper and clears the cache. Safe to call once.
func (l *LRU) Destroy() {
	close(l.stopSweep)
	<-l.done
	l.Clear()
}

func (l *LRU) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	l.order.Remove(el)
	delete(l.items, e.key)
}

// sweepLoop runs the periodic sweep. A panicking sweep is recovered so the
// timer chain survives.
func (l *LRU) sweepLoop(interval time.Duration) {
	defer close(l.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopSweep:
			return
		case <-ticker.C:
			l.safeSweep()
		}
	}
}

func (l *LRU) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("cache sweep panicked", zap.Any("panic", r))
		}
	}()
	if removed := l.Sweep(); removed > 0 {
		l.logger.Debug("swept expired cache entries", zap.Int("removed", removed))
	}
}
