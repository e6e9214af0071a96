package service

import (
	"sync"

	"github.com/audiencelab/segmentz/internal/core"
)

// catalogState is the mutex-guarded in-memory segment catalog. Reads take a
// snapshot so evaluation never observes a half-applied mutation.
type catalogState struct {
	mu       sync.RWMutex
	segments map[string]core.Segment
}

func newCatalogState() *catalogState {
	return &catalogState{segments: make(map[string]core.Segment)}
}

func (c *catalogState) replace(next map[string]core.Segment) {
	c.mu.Lock()
	c.segments = next
	c.mu.Unlock()
}

func (c *catalogState) get(id string) (core.Segment, bool) {
	c.mu.RLock()
	segment, ok := c.segments[id]
	c.mu.RUnlock()
	return segment, ok
}

func (c *catalogState) set(segment core.Segment) {
	c.mu.Lock()
	c.segments[segment.ID] = segment
	c.mu.Unlock()
}

func (c *catalogState) delete(id string) {
	c.mu.Lock()
	delete(c.segments, id)
	c.mu.Unlock()
}

func (c *catalogState) list() []core.Segment {
	c.mu.RLock()
	segments := make([]core.Segment, 0, len(c.segments))
	for _, segment := range c.segments {
		segments = append(segments, segment)
	}
	c.mu.RUnlock()
	return segments
}
