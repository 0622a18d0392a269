package coord

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a per-process view of recently seen tasks, kept current by
// lifecycle events. It may lag the store and is never used for decisions
// that affect the single-active-task invariant.
type Cache struct {
	lru *expirable.LRU[string, *Task]
}

// NewCache holds up to size tasks, each for at most ttl after its last event.
func NewCache(size int, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTaskTTL
	}
	return &Cache{lru: expirable.NewLRU[string, *Task](size, nil, ttl)}
}

// Apply folds one event into the cache. Pass it to Coordinator.Subscribe.
func (c *Cache) Apply(ev Event) {
	switch ev.Type {
	case EventCreate, EventUpdate:
		if ev.Task != nil {
			c.lru.Add(ev.TaskID, ev.Task)
		}
	case EventDelete:
		c.lru.Remove(ev.TaskID)
	}
}

// Get returns the cached task. The result is shared and must not be modified.
func (c *Cache) Get(taskID string) (*Task, bool) {
	return c.lru.Get(taskID)
}

func (c *Cache) Put(t *Task) { c.lru.Add(t.ID, t) }

func (c *Cache) Len() int { return c.lru.Len() }
