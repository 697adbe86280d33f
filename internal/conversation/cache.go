package conversation

import (
	"slices"
	"sync"

	"github.com/MegaGrindStone/atlas-chat/internal/models"
)

// TimelineSnapshot is the step timeline of one assistant turn.
type TimelineSnapshot struct {
	// TurnIndex is the position of the assistant message among the thread's assistant messages.
	TurnIndex int
	Steps     []models.PipelineStep
}

// ThreadCache keeps the step timelines of the turns streamed by this process, per thread. Entries are
// only ever appended and live as long as the cache; nothing is persisted. The cache is written by the
// session that owns the live turn and read by history hydration.
type ThreadCache struct {
	mu      sync.RWMutex
	entries map[string][]TimelineSnapshot
}

// NewThreadCache creates an empty cache.
func NewThreadCache() *ThreadCache {
	return &ThreadCache{entries: map[string][]TimelineSnapshot{}}
}

// Append records the timeline of the assistant turn at turnIndex of threadID. Empty timelines and
// empty thread ids are ignored.
func (c *ThreadCache) Append(threadID string, turnIndex int, steps []models.PipelineStep) {
	if threadID == "" || len(steps) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[threadID] = append(c.entries[threadID], TimelineSnapshot{
		TurnIndex: turnIndex,
		Steps:     slices.Clone(steps),
	})
}

// Lookup returns the timeline recorded for the assistant turn at turnIndex of threadID. When a turn
// index was recorded more than once the latest entry wins.
func (c *ThreadCache) Lookup(threadID string, turnIndex int) ([]models.PipelineStep, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.entries[threadID]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].TurnIndex == turnIndex {
			return slices.Clone(entries[i].Steps), true
		}
	}
	return nil, false
}

// Snapshots returns a copy of every entry recorded for threadID, in append order.
func (c *ThreadCache) Snapshots(threadID string) []TimelineSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := c.entries[threadID]
	out := make([]TimelineSnapshot, len(entries))
	for i, e := range entries {
		out[i] = TimelineSnapshot{TurnIndex: e.TurnIndex, Steps: slices.Clone(e.Steps)}
	}
	return out
}

// Len returns the number of entries recorded for threadID.
func (c *ThreadCache) Len(threadID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[threadID])
}
