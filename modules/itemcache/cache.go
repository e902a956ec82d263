// Package itemcache is the bounded, deduplicating store of backend records
// keyed by barcode.
//
// Guarantees:
//   - at most one fetch in flight per barcode (TryBeginFetch)
//   - first write wins, a cached record is never replaced
//   - bounded size, least-recently-inserted evicted first
//   - a barcode is never both cached and in flight
//
// A single mutex covers the ordering, the lookup and the in-flight set, so
// every compound operation is one critical section. Observers are notified
// after the mutex is released.
package itemcache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultCapacity is the cache size used when New gets capacity 0.
const DefaultCapacity = 10

var (
	// ErrNoData is returned by Put for an empty record.
	ErrNoData = errors.New("itemcache: record has no data")

	// ErrInvalidCapacity is returned by New for a negative capacity.
	ErrInvalidCapacity = errors.New("itemcache: capacity must not be negative")
)

// EventType distinguishes cache notifications.
type EventType int

const (
	// Inserted is emitted when Put caches a new item.
	Inserted EventType = iota + 1
	// Evicted is emitted when capacity pressure removes an item.
	Evicted
)

func (t EventType) String() string {
	switch t {
	case Inserted:
		return "inserted"
	case Evicted:
		return "evicted"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a single cache mutation.
type Event struct {
	Type EventType
	Item *Item
}

// Observer receives cache events on the goroutine that caused them.
// Observers must not block; post to a loop for UI work.
type Observer func(Event)

// Stats is a snapshot of cache counters.
type Stats struct {
	Capacity  int
	Len       int
	InFlight  int
	Inserted  uint64
	Evicted   uint64
	Duplicate uint64 // Put for an already cached barcode
	NoData    uint64
	Aborted   uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides time.Now for CachedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, *Item]
	inFlight map[string]struct{}
	capacity int
	evicted  []*Item // filled by the eviction callback, drained by Put

	inserted, evictions, duplicate, noData, aborted uint64

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObsID uint64

	logger *slog.Logger
	now    func() time.Time
}

// New creates a cache holding at most capacity items (0 means DefaultCapacity).
func New(capacity int, opts ...Option) (*Cache, error) {
	if capacity < 0 {
		return nil, ErrInvalidCapacity
	}
	if capacity == 0 {
		capacity = DefaultCapacity
	}

	c := &Cache{
		inFlight:  make(map[string]struct{}),
		capacity:  capacity,
		observers: make(map[uint64]Observer),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "itemcache")

	lru, err := simplelru.NewLRU[string, *Item](capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.lru = lru
	return c, nil
}

// onEvict runs inside lru.Add, with c.mu held.
func (c *Cache) onEvict(_ string, item *Item) {
	c.evicted = append(c.evicted, item)
	c.evictions++
}

// Get returns the cached item. It does not affect eviction order.
func (c *Cache) Get(barcode string) (*Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(barcode)
}

// Contains reports whether barcode is cached.
func (c *Cache) Contains(barcode string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(barcode)
}

// TryBeginFetch marks barcode in flight when it is neither cached nor
// already in flight. Returns false otherwise, leaving the cache untouched.
func (c *Cache) TryBeginFetch(barcode string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Contains(barcode) {
		return false
	}
	if _, busy := c.inFlight[barcode]; busy {
		return false
	}
	c.inFlight[barcode] = struct{}{}
	return true
}

// AbortFetch clears the in-flight mark. Safe to call for unknown barcodes.
func (c *Cache) AbortFetch(barcode string) {
	c.mu.Lock()
	if _, ok := c.inFlight[barcode]; ok {
		delete(c.inFlight, barcode)
		c.aborted++
	}
	c.mu.Unlock()
}

// AbortAllFetches clears every in-flight mark and returns how many were
// cleared. Used at teardown, when no completion will arrive.
func (c *Cache) AbortAllFetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.inFlight)
	clear(c.inFlight)
	c.aborted += uint64(n)
	return n
}

// InFlight reports whether a fetch for barcode is in progress.
func (c *Cache) InFlight(barcode string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[barcode]
	return ok
}

// Put caches rec under barcode.
//
// Returns:
//   - false, nil when barcode is already cached (first write wins)
//   - false, ErrNoData when rec is empty; nothing is cached
//   - true, nil after inserting; the in-flight mark is cleared and the
//     least recently inserted items are evicted down to capacity
//
// In the first two cases the in-flight mark is left for the caller to abort.
func (c *Cache) Put(barcode string, rec Record) (bool, error) {
	c.mu.Lock()

	if c.lru.Contains(barcode) {
		c.duplicate++
		c.mu.Unlock()
		return false, nil
	}
	if rec.Empty() {
		c.noData++
		c.mu.Unlock()
		return false, ErrNoData
	}

	item := newItem(barcode, rec, c.now())
	c.lru.Add(barcode, item)
	delete(c.inFlight, barcode)
	c.inserted++

	evicted := c.evicted
	c.evicted = nil
	c.mu.Unlock()

	c.notify(Event{Type: Inserted, Item: item})
	for _, ev := range evicted {
		c.logger.Debug("item evicted", "barcode", ev.Barcode)
		c.notify(Event{Type: Evicted, Item: ev})
	}
	return true, nil
}

// Items returns a snapshot of cached items, most recent first.
func (c *Cache) Items() []*Item {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := c.lru.Keys() // oldest first
	items := make([]*Item, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if item, ok := c.lru.Peek(keys[i]); ok {
			items = append(items, item)
		}
	}
	return items
}

// Len returns the number of cached items.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the configured capacity.
func (c *Cache) Capacity() int { return c.capacity }

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Capacity:  c.capacity,
		Len:       c.lru.Len(),
		InFlight:  len(c.inFlight),
		Inserted:  c.inserted,
		Evicted:   c.evictions,
		Duplicate: c.duplicate,
		NoData:    c.noData,
		Aborted:   c.aborted,
	}
}

// Subscribe registers obs for cache events. The returned function removes it.
func (c *Cache) Subscribe(obs Observer) (cancel func()) {
	if obs == nil {
		return func() {}
	}

	c.obsMu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = obs
	c.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.obsMu.Lock()
			delete(c.observers, id)
			c.obsMu.Unlock()
		})
	}
}

func (c *Cache) notify(ev Event) {
	c.obsMu.RLock()
	observers := make([]Observer, 0, len(c.observers))
	for _, obs := range c.observers {
		observers = append(observers, obs)
	}
	c.obsMu.RUnlock()

	for _, obs := range observers {
		obs(ev)
	}
}
