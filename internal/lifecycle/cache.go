package lifecycle

import (
	"sync"

	"civicsense/internal/domain"
)

// Cache is a session's ordered projection of issues, most recent first,
// keyed by issue id. Feed events always win over optimistic local writes.
type Cache struct {
	mu     sync.Mutex
	filter Filter
	items  []domain.Issue
	revs   map[string]uint64
	rev    uint64
}

func NewCache(f Filter) *Cache {
	return &Cache{filter: f, revs: map[string]uint64{}}
}

func (c *Cache) Filter() Filter {
	return c.filter
}

// Load replaces the content with rows from an initial query or a resync.
func (c *Cache) Load(rows []domain.Issue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = c.items[:0]
	for _, row := range rows {
		if !c.filter.Match(row) || c.index(row.ID) >= 0 {
			continue
		}
		c.items = append(c.items, row.Clone())
		c.touch(row.ID)
	}
}

// Apply reconciles one feed event and reports whether it touched an entry.
// Applying the same event again leaves the content as it is.
func (c *Cache) Apply(ch domain.Change) bool {
	if ch.Topic != "" && ch.Topic != domain.TopicIssues {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ch.Kind {
	case domain.ChangeInsert, domain.ChangeUpdate:
		if ch.Issue == nil {
			return false
		}
		return c.upsert(*ch.Issue)
	case domain.ChangeDelete:
		id := ch.IssueID()
		if id == "" {
			return false
		}
		return c.remove(id)
	}
	return false
}

// Optimistic writes next ahead of the store. The returned rollback restores
// the previous entry unless a later write already replaced it.
func (c *Cache) Optimistic(next domain.Issue) (rollback func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.index(next.ID)
	var prev domain.Issue
	if idx >= 0 {
		prev = c.items[idx].Clone()
	}
	c.upsert(next)
	mine := c.revs[next.ID]
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.revs[next.ID] != mine {
			return
		}
		cur := c.index(next.ID)
		if idx < 0 {
			if cur >= 0 {
				c.remove(next.ID)
			}
			return
		}
		if cur >= 0 {
			c.items[cur] = prev
		} else {
			pos := min(idx, len(c.items))
			c.items = append(c.items, domain.Issue{})
			copy(c.items[pos+1:], c.items[pos:])
			c.items[pos] = prev
		}
		c.touch(next.ID)
	}
}

// Items returns a copy of the ordered content.
func (c *Cache) Items() []domain.Issue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Issue, len(c.items))
	for i, is := range c.items {
		out[i] = is.Clone()
	}
	return out
}

func (c *Cache) Get(id string) (domain.Issue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := c.index(id); idx >= 0 {
		return c.items[idx].Clone(), true
	}
	return domain.Issue{}, false
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// upsert replaces row in place or prepends it. A row that no longer matches
// the filter leaves the cache.
func (c *Cache) upsert(row domain.Issue) bool {
	idx := c.index(row.ID)
	if !c.filter.Match(row) {
		if idx < 0 {
			return false
		}
		return c.remove(row.ID)
	}
	if idx >= 0 {
		c.items[idx] = row.Clone()
	} else {
		c.items = append([]domain.Issue{row.Clone()}, c.items...)
	}
	c.touch(row.ID)
	return true
}

func (c *Cache) remove(id string) bool {
	idx := c.index(id)
	if idx < 0 {
		return false
	}
	c.items = append(c.items[:idx], c.items[idx+1:]...)
	c.touch(id)
	return true
}

func (c *Cache) touch(id string) {
	c.rev++
	c.revs[id] = c.rev
}

func (c *Cache) index(id string) int {
	for i := range c.items {
		if c.items[i].ID == id {
			return i
		}
	}
	return -1
}
