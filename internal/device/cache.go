package device

import (
	"log/slog"
	"slices"
	"sync"
)

// StatusCache holds the last reported fields of each channel. A channel that
// is absent has never been polled; a present channel keeps its values until
// a later response for that same channel overwrites them.
type StatusCache struct {
	mu     sync.RWMutex
	status map[int]map[string]any
}

func newStatusCache() *StatusCache {
	return &StatusCache{status: make(map[int]map[string]any)}
}

// Replace overwrites every field of channel ch.
func (c *StatusCache) Replace(ch int, fields map[string]any) {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	c.mu.Lock()
	c.status[ch] = cp
	c.mu.Unlock()
}

// Set writes a single field, creating the channel entry if needed.
func (c *StatusCache) Set(ch int, field string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.status[ch]
	if !ok {
		st = make(map[string]any)
		c.status[ch] = st
	}
	st[field] = v
}

// Get returns a field value. ok is false when the channel was never polled,
// the field is missing, or the device reported null.
func (c *StatusCache) Get(ch int, field string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.status[ch]
	if !ok {
		return nil, false
	}
	v, ok := st[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Snapshot returns a deep copy of the cache.
func (c *StatusCache) Snapshot() map[int]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int]map[string]any, len(c.status))
	for ch, st := range c.status {
		cp := make(map[string]any, len(st))
		for k, v := range st {
			cp[k] = v
		}
		out[ch] = cp
	}
	return out
}

// fieldCheck logs, once per controller, which expected fields the first
// non-empty response lacks.
type fieldCheck struct {
	once     sync.Once
	source   string
	idKey    string
	expected []string
}

func (f *fieldCheck) observe(logger *slog.Logger, record map[string]any) {
	f.once.Do(func() {
		available := make([]string, 0, len(record))
		for k := range record {
			if k != f.idKey {
				available = append(available, k)
			}
		}
		slices.Sort(available)

		var missing []string
		for _, k := range f.expected {
			if _, ok := record[k]; !ok {
				missing = append(missing, k)
			}
		}
		if len(missing) > 0 {
			logger.Warn("device omits fields, those values will be unknown",
				"source", f.source, "missing", missing, "available", available)
			return
		}
		logger.Debug("device fields", "source", f.source, "available", available)
	})
}
