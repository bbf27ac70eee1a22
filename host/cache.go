package host

import (
	"sync"

	coral "github.com/coralshell/coral"
	"github.com/google/uuid"
)

// CustomValueCache holds the plugin-owned values the shell is currently
// referencing. Occupancy pins the plugin process against garbage
// collection: the pin is raised before the first entry becomes visible
// and lowered only after the last entry is gone, so there is no window
// where a cached value points at a collectible process.
type CustomValueCache struct {
	mu     sync.Mutex
	values map[uuid.UUID]coral.CustomValue
	gc     *Gc
}

func NewCustomValueCache(gc *Gc) *CustomValueCache {
	return &CustomValueCache{
		values: make(map[uuid.UUID]coral.CustomValue),
		gc:     gc,
	}
}

// Insert records a custom value received from the plugin.
func (c *CustomValueCache) Insert(cv coral.CustomValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.values) == 0 && c.gc != nil {
		c.gc.SetCachePinned(true)
	}
	c.values[cv.ID] = cv
}

// Get looks up a cached custom value by id.
func (c *CustomValueCache) Get(id uuid.UUID) (coral.CustomValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv, ok := c.values[id]
	return cv, ok
}

// Remove releases one custom value, unpinning the plugin when the cache
// empties. Returns the removed value so the caller can send the drop
// notification if the plugin asked for one.
func (c *CustomValueCache) Remove(id uuid.UUID) (coral.CustomValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv, ok := c.values[id]
	if !ok {
		return coral.CustomValue{}, false
	}
	delete(c.values, id)
	if len(c.values) == 0 && c.gc != nil {
		c.gc.SetCachePinned(false)
	}
	return cv, true
}

// Len reports current occupancy.
func (c *CustomValueCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

// Clear empties the cache, e.g. when the connection dies and the values
// can no longer be resolved anyway.
func (c *CustomValueCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.values) > 0 && c.gc != nil {
		c.gc.SetCachePinned(false)
	}
	c.values = make(map[uuid.UUID]coral.CustomValue)
}
