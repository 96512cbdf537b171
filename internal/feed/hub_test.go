package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicsense/internal/domain"
	"civicsense/internal/lifecycle"
)

type recorder struct {
	mu  sync.Mutex
	got []domain.Change
}

func (r *recorder) handle(ch domain.Change) {
	r.mu.Lock()
	r.got = append(r.got, ch)
	r.mu.Unlock()
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.got))
	for i, ch := range r.got {
		out[i] = ch.IssueID()
	}
	return out
}

func issueChange(id, reporter, assignee string, seq int64) domain.Change {
	is := domain.Issue{ID: id, ReportedBy: reporter, Status: domain.StatusPending}
	if assignee != "" {
		is.AssignedTo = &assignee
	}
	return domain.Change{Seq: seq, Topic: domain.TopicIssues, Kind: domain.ChangeInsert, Issue: &is}
}

func TestHubFiltersAndOrders(t *testing.T) {
	hub := NewHub(8, nil)
	ctx := context.Background()
	var mine, all recorder
	_, err := hub.Subscribe(ctx, domain.TopicIssues, lifecycle.Filter{ReporterID: "c1"}, mine.handle)
	require.NoError(t, err)
	_, err = hub.Subscribe(ctx, domain.TopicIssues, lifecycle.Filter{}, all.handle)
	require.NoError(t, err)

	hub.Publish(issueChange("a", "c1", "", 1))
	hub.Publish(issueChange("b", "c2", "", 2))
	hub.Publish(issueChange("c", "c1", "", 3))

	require.Eventually(t, func() bool { return len(all.ids()) == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(mine.ids()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, all.ids())
	assert.Equal(t, []string{"a", "c"}, mine.ids())
}

func TestHubDeliversRowsLeavingTheFilter(t *testing.T) {
	hub := NewHub(8, nil)
	var rec recorder
	_, err := hub.Subscribe(context.Background(), domain.TopicIssues, lifecycle.Filter{AssigneeID: "w1"}, rec.handle)
	require.NoError(t, err)

	w1, w2 := "w1", "w2"
	old := domain.Issue{ID: "a", AssignedTo: &w1}
	next := domain.Issue{ID: "a", AssignedTo: &w2}
	hub.Publish(domain.Change{Topic: domain.TopicIssues, Kind: domain.ChangeUpdate, Issue: &next, Old: &old})
	require.Eventually(t, func() bool { return len(rec.ids()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubDropsSlowConsumer(t *testing.T) {
	hub := NewHub(1, nil)
	release := make(chan struct{})
	sub, err := hub.Subscribe(context.Background(), domain.TopicIssues, lifecycle.Filter{}, func(domain.Change) {
		<-release
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		hub.Publish(issueChange("x", "c1", "", int64(i)))
	}
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	close(release)
	var fe *lifecycle.FeedError
	require.ErrorAs(t, sub.Err(), &fe)
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)
	assert.Equal(t, lifecycle.SurfaceRetrying, lifecycle.SurfaceOf(sub.Err()))
	assert.Equal(t, 0, hub.Len())
}

func TestSubscriptionCloseIsIdempotentAndSilent(t *testing.T) {
	hub := NewHub(4, nil)
	var rec recorder
	sub, err := hub.Subscribe(context.Background(), domain.TopicIssues, lifecycle.Filter{}, rec.handle)
	require.NoError(t, err)
	sub.Close()
	sub.Close()
	assert.NoError(t, sub.Err())
	assert.False(t, sub.Active())
	assert.Equal(t, 0, hub.Len())

	hub.Publish(issueChange("late", "c1", "", 1))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.ids())
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := NewHub(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := hub.Subscribe(ctx, domain.TopicIssueUpdates, lifecycle.UpdatesFilter("i1"), func(domain.Change) {})
	require.NoError(t, err)
	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription outlived its context")
	}
	assert.NoError(t, sub.Err())
}

func TestHubCloseDropsEveryone(t *testing.T) {
	hub := NewHub(4, nil)
	sub, err := hub.Subscribe(context.Background(), domain.TopicIssues, lifecycle.Filter{}, func(domain.Change) {})
	require.NoError(t, err)
	hub.Close()
	assert.ErrorIs(t, sub.Err(), ErrHubClosed)
	_, err = hub.Subscribe(context.Background(), domain.TopicIssues, lifecycle.Filter{}, func(domain.Change) {})
	var fe *lifecycle.FeedError
	require.ErrorAs(t, err, &fe)
}

func TestSubscribeRejectsUnknownTopic(t *testing.T) {
	hub := NewHub(4, nil)
	_, err := hub.Subscribe(context.Background(), "profiles", lifecycle.Filter{}, func(domain.Change) {})
	var ve *lifecycle.ValidationError
	require.ErrorAs(t, err, &ve)
}
