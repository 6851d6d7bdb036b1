package session

import (
	"sync"

	"github.com/NissanOhana/dev-agent-day2day/internal/event"
)

// DefaultCacheCapacity is the default number of recent events retained
// per session for subscriber backfill.
const DefaultCacheCapacity = 100

// Cache is a fixed-capacity circular store of the most recent events for
// one session. Once full, each push overwrites the logically oldest slot;
// losing the oldest entry is expected, the full history lives in the
// persistent log. The cache never holds more than its capacity in live
// event references, which keeps memory bounded for long-running sessions.
//
// All methods are safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	events   []event.Event
	capacity int
	// next is the slot the next push writes to (0 to capacity-1).
	next int
	// total counts every event ever pushed, so the oldest retained entry
	// sits at slot (total - stored) mod capacity.
	total uint64
}

func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		events:   make([]event.Event, capacity),
		capacity: capacity,
	}
}

func (c *Cache) Push(e event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events[c.next] = e
	c.next = (c.next + 1) % c.capacity
	c.total++
}

// Snapshot returns the retained events in original insertion order,
// oldest first. Length is min(pushed, capacity).
func (c *Cache) Snapshot() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := c.total
	if stored > uint64(c.capacity) {
		stored = uint64(c.capacity)
	}
	out := make([]event.Event, 0, stored)

	start := (c.next - int(stored)) % c.capacity
	if start < 0 {
		start += c.capacity
	}
	for i := 0; i < int(stored); i++ {
		out = append(out, c.events[(start+i)%c.capacity])
	}
	return out
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.total > uint64(c.capacity) {
		return c.capacity
	}
	return int(c.total)
}

// Clear resets the cache to empty and drops all retained references.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = make([]event.Event, c.capacity)
	c.next = 0
	c.total = 0
}
