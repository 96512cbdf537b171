package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicsense/internal/domain"
)

func ids(items []domain.Issue) []string {
	out := make([]string, len(items))
	for i, is := range items {
		out[i] = is.ID
	}
	return out
}

func insert(is domain.Issue) domain.Change {
	return domain.Change{Topic: domain.TopicIssues, Kind: domain.ChangeInsert, Issue: &is}
}

func update(is, old domain.Issue) domain.Change {
	return domain.Change{Topic: domain.TopicIssues, Kind: domain.ChangeUpdate, Issue: &is, Old: &old}
}

func TestCacheInsertPrependsAndIsGuarded(t *testing.T) {
	c := NewCache(Filter{ReporterID: citizen.ID})
	c.Load([]domain.Issue{newIssue("a"), newIssue("b")})

	ev := insert(newIssue("c"))
	require.True(t, c.Apply(ev))
	assert.Equal(t, []string{"c", "a", "b"}, ids(c.Items()))

	c.Apply(ev)
	assert.Equal(t, []string{"c", "a", "b"}, ids(c.Items()), "duplicate insert must not add an entry")

	dup := newIssue("a")
	dup.Title = "renamed"
	c.Apply(insert(dup))
	assert.Equal(t, []string{"c", "a", "b"}, ids(c.Items()))
	got, _ := c.Get("a")
	assert.Equal(t, "renamed", got.Title, "insert for a present id replaces in place")
}

func TestCacheUpdateIsIdempotent(t *testing.T) {
	c := NewCache(Filter{})
	c.Load([]domain.Issue{newIssue("a"), newIssue("b")})
	old := newIssue("b")
	next := old.Clone()
	next.Status = domain.StatusResolved
	ev := update(next, old)

	c.Apply(ev)
	once := c.Items()
	c.Apply(ev)
	assert.Equal(t, once, c.Items())
	assert.Equal(t, []string{"a", "b"}, ids(once))
	assert.Equal(t, domain.StatusResolved, once[1].Status)
}

func TestCacheUpdateForUnknownIDInserts(t *testing.T) {
	c := NewCache(Filter{})
	c.Load([]domain.Issue{newIssue("a")})
	c.Apply(update(newIssue("z"), newIssue("z")))
	assert.Equal(t, []string{"z", "a"}, ids(c.Items()))
}

func TestCacheUpdateLeavingFilterRemoves(t *testing.T) {
	mine := newIssue("a")
	mine.AssignedTo = strptr(worker.ID)
	c := NewCache(Filter{AssigneeID: worker.ID})
	c.Load([]domain.Issue{mine, newIssue("unassigned")})
	assert.Equal(t, []string{"a"}, ids(c.Items()), "load applies the same predicate")

	moved := mine.Clone()
	moved.AssignedTo = strptr(other.ID)
	require.True(t, c.Apply(update(moved, mine)))
	assert.Empty(t, c.Items())
}

func TestCacheDelete(t *testing.T) {
	c := NewCache(Filter{})
	c.Load([]domain.Issue{newIssue("a"), newIssue("b")})
	gone := newIssue("a")
	ev := domain.Change{Topic: domain.TopicIssues, Kind: domain.ChangeDelete, Old: &gone}
	assert.True(t, c.Apply(ev))
	assert.False(t, c.Apply(ev), "second delete is a no-op")
	assert.Equal(t, []string{"b"}, ids(c.Items()))
}

func TestCacheIgnoresOtherTopics(t *testing.T) {
	c := NewCache(Filter{})
	u := domain.IssueUpdate{ID: "u1", IssueID: "a"}
	assert.False(t, c.Apply(domain.Change{Topic: domain.TopicIssueUpdates, Kind: domain.ChangeInsert, Update: &u}))
}

func TestCacheOutOfOrderUpdatesAreLastApplied(t *testing.T) {
	c := NewCache(Filter{})
	base := newIssue("a")
	c.Load([]domain.Issue{base})
	later := base.Clone()
	later.Status = domain.StatusResolved
	earlier := base.Clone()
	earlier.Status = domain.StatusInProgress

	c.Apply(update(later, base))
	c.Apply(update(earlier, base))
	got, _ := c.Get("a")
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestCacheOptimisticRollback(t *testing.T) {
	c := NewCache(Filter{})
	c.Load([]domain.Issue{newIssue("a"), newIssue("b")})
	next, _ := c.Get("b")
	next.Status = domain.StatusResolved

	rollback := c.Optimistic(next)
	got, _ := c.Get("b")
	assert.Equal(t, domain.StatusResolved, got.Status)
	rollback()
	got, _ = c.Get("b")
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, []string{"a", "b"}, ids(c.Items()))
}

func TestCacheOptimisticRollbackYieldsToFeed(t *testing.T) {
	c := NewCache(Filter{})
	base := newIssue("a")
	c.Load([]domain.Issue{base})
	mine := base.Clone()
	mine.Status = domain.StatusResolved
	rollback := c.Optimistic(mine)

	theirs := base.Clone()
	theirs.Status = domain.StatusInProgress
	c.Apply(update(theirs, base))
	rollback()

	got, _ := c.Get("a")
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestTrailOrderAndDedupe(t *testing.T) {
	tr := NewTrail("i1")
	tr.Load([]domain.IssueUpdate{
		{ID: "u2", IssueID: "i1", CreatedAt: "2024-05-01T10:00:02.000000Z"},
		{ID: "u1", IssueID: "i1", CreatedAt: "2024-05-01T10:00:01.000000Z"},
	})
	u3 := domain.IssueUpdate{ID: "u3", IssueID: "i1", CreatedAt: "2024-05-01T10:00:03.000000Z"}
	assert.True(t, tr.Append(u3))
	assert.False(t, tr.Apply(domain.Change{Topic: domain.TopicIssueUpdates, Kind: domain.ChangeInsert, Update: &u3}))
	assert.False(t, tr.Append(domain.IssueUpdate{ID: "x", IssueID: "other"}))

	var got []string
	for _, u := range tr.Items() {
		got = append(got, u.ID)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, got)

	assert.True(t, tr.Remove("u3"))
	assert.Len(t, tr.Items(), 2)
}
