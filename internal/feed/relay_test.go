package feed_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicsense/internal/config"
	"civicsense/internal/db"
	"civicsense/internal/domain"
	"civicsense/internal/engine"
	"civicsense/internal/feed"
	"civicsense/internal/lifecycle"
	"civicsense/internal/migrate"
	"civicsense/internal/repo"
)

func setup(t *testing.T) (engine.Engine, *feed.Hub, *feed.Relay) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	eng := engine.New(conn, config.Default())
	for _, p := range []domain.Profile{
		{ID: "c1", FullName: "Citizen", Email: "c1@example.org", Role: domain.RoleCitizen},
		{ID: "w1", FullName: "Worker", Email: "w1@example.org", Role: domain.RoleWorker},
		{ID: "o1", FullName: "Officer", Email: "o1@example.org", Role: domain.RoleOfficer},
	} {
		p.CreatedAt = "2024-01-01T00:00:00.000000Z"
		require.NoError(t, eng.Repo.InsertProfile(ctx, nil, repo.Credentials{Profile: p, PasswordHash: "x"}))
	}
	hub := feed.NewHub(16, nil)
	relay := feed.NewRelay(eng.Repo, hub, feed.RelayConfig{Batch: 2})
	return eng, hub, relay
}

type changes struct {
	mu  sync.Mutex
	got []domain.Change
}

func (c *changes) add(ch domain.Change) {
	c.mu.Lock()
	c.got = append(c.got, ch)
	c.mu.Unlock()
}

func (c *changes) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func (c *changes) all() []domain.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Change(nil), c.got...)
}

func TestRelayPublishesCommittedChangesInOrder(t *testing.T) {
	eng, hub, relay := setup(t)
	ctx := context.Background()
	citizen := domain.Identity{ID: "c1", Role: domain.RoleCitizen}
	officer := domain.Identity{ID: "o1", Role: domain.RoleOfficer}
	worker := domain.Identity{ID: "w1", Role: domain.RoleWorker}

	var workerView changes
	_, err := hub.Subscribe(ctx, domain.TopicIssues, lifecycle.Filter{AssigneeID: "w1"}, workerView.add)
	require.NoError(t, err)
	var citizenView changes
	_, err = hub.Subscribe(ctx, domain.TopicIssues, lifecycle.Filter{ReporterID: "c1"}, citizenView.add)
	require.NoError(t, err)

	is, err := eng.SubmitIssue(ctx, citizen, lifecycle.Submission{Title: "Pothole", Description: "deep", Category: "roads", Priority: "high", Location: "Main St"})
	require.NoError(t, err)
	_, err = eng.AssignIssue(ctx, officer, is.ID, "w1")
	require.NoError(t, err)
	_, err = eng.TransitionIssue(ctx, worker, is.ID, "resolved")
	require.NoError(t, err)

	sent, err := relay.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	require.Eventually(t, func() bool { return citizenView.len() == 3 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return workerView.len() == 2 }, time.Second, 5*time.Millisecond)

	got := citizenView.all()
	assert.Equal(t, domain.ChangeInsert, got[0].Kind)
	assert.Equal(t, domain.StatusInProgress, got[1].Issue.Status)
	assert.Equal(t, domain.StatusResolved, got[2].Issue.Status)
	assert.Less(t, got[0].Seq, got[1].Seq)
	assert.Less(t, got[1].Seq, got[2].Seq)
	assert.Equal(t, got[2].Seq, relay.Cursor())

	sent, err = relay.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestRelaySkipToLatest(t *testing.T) {
	eng, hub, relay := setup(t)
	ctx := context.Background()
	citizen := domain.Identity{ID: "c1", Role: domain.RoleCitizen}
	_, err := eng.SubmitIssue(ctx, citizen, lifecycle.Submission{Title: "Old", Description: "d", Category: "roads", Location: "x"})
	require.NoError(t, err)
	require.NoError(t, relay.SkipToLatest(ctx))

	var rec changes
	_, err = hub.Subscribe(ctx, domain.TopicIssues, lifecycle.Filter{}, rec.add)
	require.NoError(t, err)
	sent, err := relay.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestRelayRunPicksUpKicks(t *testing.T) {
	eng, hub, relay := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	eng.OnCommit = relay.Kick
	go relay.Run(ctx)

	var rec changes
	_, err := hub.Subscribe(ctx, domain.TopicIssueUpdates, lifecycle.Filter{}, rec.add)
	require.NoError(t, err)

	citizen := domain.Identity{ID: "c1", Role: domain.RoleCitizen}
	is, err := eng.SubmitIssue(ctx, citizen, lifecycle.Submission{Title: "Graffiti", Description: "wall", Category: "vandalism", Location: "Park"})
	require.NoError(t, err)
	_, err = eng.AddUpdate(ctx, citizen, is.ID, "still there")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "still there", rec.all()[0].Update.Message)
}
