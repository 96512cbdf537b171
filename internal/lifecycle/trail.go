package lifecycle

import (
	"sort"
	"sync"

	"civicsense/internal/domain"
)

// Trail is the update log of the focused issue, oldest first. Entries are
// unique by id so an optimistic append and its feed echo collapse into one.
type Trail struct {
	mu      sync.Mutex
	issueID string
	items   []domain.IssueUpdate
}

func NewTrail(issueID string) *Trail {
	return &Trail{issueID: issueID}
}

func (t *Trail) IssueID() string {
	return t.issueID
}

func (t *Trail) Load(rows []domain.IssueUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items = t.items[:0]
	for _, u := range rows {
		t.add(u)
	}
}

// Append adds u unless an entry with the same id exists.
func (t *Trail) Append(u domain.IssueUpdate) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.add(u)
}

// Apply takes insert events from the issue_updates topic.
func (t *Trail) Apply(ch domain.Change) bool {
	if ch.Topic != domain.TopicIssueUpdates || ch.Update == nil {
		return false
	}
	if ch.Kind != domain.ChangeInsert {
		return false
	}
	return t.Append(*ch.Update)
}

// Remove drops an optimistic entry whose write failed.
func (t *Trail) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.items {
		if t.items[i].ID == id {
			t.items = append(t.items[:i], t.items[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Trail) Items() []domain.IssueUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.IssueUpdate(nil), t.items...)
}

func (t *Trail) add(u domain.IssueUpdate) bool {
	if u.IssueID != t.issueID {
		return false
	}
	for _, have := range t.items {
		if have.ID == u.ID {
			return false
		}
	}
	pos := sort.Search(len(t.items), func(i int) bool {
		return t.items[i].CreatedAt > u.CreatedAt
	})
	t.items = append(t.items, domain.IssueUpdate{})
	copy(t.items[pos+1:], t.items[pos:])
	t.items[pos] = u
	return true
}
