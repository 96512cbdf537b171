package dashboard_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicsense/internal/config"
	"civicsense/internal/dashboard"
	"civicsense/internal/db"
	"civicsense/internal/domain"
	"civicsense/internal/engine"
	"civicsense/internal/feed"
	"civicsense/internal/lifecycle"
	"civicsense/internal/migrate"
	"civicsense/internal/repo"
)

var (
	citizen = domain.Identity{ID: "c1", Role: domain.RoleCitizen}
	worker  = domain.Identity{ID: "w1", Role: domain.RoleWorker}
	officer = domain.Identity{ID: "o1", Role: domain.RoleOfficer}
)

type env struct {
	eng engine.Engine
	hub *feed.Hub
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
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
	hub := feed.NewHub(64, nil)
	relay := feed.NewRelay(eng.Repo, hub, feed.RelayConfig{Interval: 20 * time.Millisecond})
	eng.OnCommit = relay.Kick
	go relay.Run(ctx)
	return env{eng: eng, hub: hub}
}

func (e env) deps(l *listener) dashboard.Deps {
	d := dashboard.Deps{
		Store:       e.eng,
		Feed:        e.hub,
		Resubscribe: dashboard.Backoff{InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, MaxElapsed: 2 * time.Second},
	}
	if l != nil {
		d.Listener = l.add
	}
	return d
}

func (e env) submit(t *testing.T, title string) domain.Issue {
	t.Helper()
	is, err := e.eng.SubmitIssue(context.Background(), citizen, lifecycle.Submission{
		Title: title, Description: "details", Category: "roads", Priority: "high", Location: "Main St",
	})
	require.NoError(t, err)
	return is
}

type listener struct {
	mu      sync.Mutex
	notices []dashboard.Notice
}

func (l *listener) add(n dashboard.Notice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

func (l *listener) count(kind dashboard.NoticeKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, x := range l.notices {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

func ids(items []domain.Issue) []string {
	out := make([]string, len(items))
	for i, is := range items {
		out[i] = is.ID
	}
	return out
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond)
}

func TestOpenLoadsRoleScopedRows(t *testing.T) {
	e := newEnv(t)
	first := e.submit(t, "first")
	second := e.submit(t, "second")

	d, err := dashboard.Open(context.Background(), e.deps(nil), citizen, "")
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, lifecycle.ViewReports, d.View())
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids(d.Issues()))

	wd, err := dashboard.Open(context.Background(), e.deps(nil), worker, "")
	require.NoError(t, err)
	defer wd.Close()
	assert.Empty(t, wd.Issues())

	_, err = dashboard.Open(context.Background(), e.deps(nil), citizen, lifecycle.ViewAll)
	var ae *lifecycle.AuthorizationError
	require.ErrorAs(t, err, &ae)
}

func TestSubmitAppearsOnceDespiteEcho(t *testing.T) {
	e := newEnv(t)
	var l listener
	d, err := dashboard.Open(context.Background(), e.deps(&l), citizen, "")
	require.NoError(t, err)
	defer d.Close()

	is, err := d.Submit(context.Background(), lifecycle.Submission{Title: "Broken lamp", Description: "dark", Category: "lighting", Location: "Elm St"})
	require.NoError(t, err)
	require.Len(t, d.Issues(), 1)

	// Wait for the echo to pass through the feed.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []string{is.ID}, ids(d.Issues()))
	assert.Equal(t, domain.StatusPending, d.Issues()[0].Status)
}

func TestAssignmentReachesWorkerDashboard(t *testing.T) {
	e := newEnv(t)
	is := e.submit(t, "pothole")

	od, err := dashboard.Open(context.Background(), e.deps(nil), officer, lifecycle.ViewAll)
	require.NoError(t, err)
	defer od.Close()
	wd, err := dashboard.Open(context.Background(), e.deps(nil), worker, "")
	require.NoError(t, err)
	defer wd.Close()
	cd, err := dashboard.Open(context.Background(), e.deps(nil), citizen, "")
	require.NoError(t, err)
	defer cd.Close()

	_, err = od.Assign(context.Background(), is.ID, "w1")
	require.NoError(t, err)

	eventually(t, func() bool { return len(wd.Issues()) == 1 })
	got := wd.Issues()[0]
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, "w1", got.Assignee())
	eventually(t, func() bool {
		row, ok := cd.Get(is.ID)
		return ok && row.Status == domain.StatusInProgress
	})

	_, err = wd.Transition(context.Background(), is.ID, "resolved")
	require.NoError(t, err)
	eventually(t, func() bool {
		row, ok := od.Get(is.ID)
		return ok && row.Status == domain.StatusResolved
	})
	assert.Equal(t, 1, od.Stats().Resolved)
}

func TestReassignmentRemovesRowFromPreviousAssignee(t *testing.T) {
	e := newEnv(t)
	is := e.submit(t, "graffiti")
	_, err := e.eng.AssignIssue(context.Background(), officer, is.ID, "w1")
	require.NoError(t, err)

	wd, err := dashboard.Open(context.Background(), e.deps(nil), worker, "")
	require.NoError(t, err)
	defer wd.Close()
	require.Len(t, wd.Issues(), 1)

	_, err = e.eng.AssignIssue(context.Background(), officer, is.ID, "o1")
	require.NoError(t, err)
	eventually(t, func() bool { return len(wd.Issues()) == 0 })
}

type failingStore struct {
	dashboard.Store
}

func (failingStore) TransitionIssue(context.Context, domain.Identity, string, string) (domain.Issue, error) {
	return domain.Issue{}, &lifecycle.StoreError{Op: "update issue status", Err: errors.New("disk full")}
}

func TestTransitionRollsBackOnStoreFailure(t *testing.T) {
	e := newEnv(t)
	is := e.submit(t, "leak")
	var l listener
	deps := e.deps(&l)
	deps.Store = failingStore{Store: e.eng}
	d, err := dashboard.Open(context.Background(), deps, officer, lifecycle.ViewAll)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Transition(context.Background(), is.ID, "resolved")
	var se *lifecycle.StoreError
	require.ErrorAs(t, err, &se)
	row, ok := d.Get(is.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusPending, row.Status)
	assert.Equal(t, 1, l.count(dashboard.NoticeError))
}

func TestTransitionRejectedLocallyForCitizen(t *testing.T) {
	e := newEnv(t)
	is := e.submit(t, "noise")
	d, err := dashboard.Open(context.Background(), e.deps(nil), citizen, "")
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Transition(context.Background(), is.ID, "resolved")
	var ae *lifecycle.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, lifecycle.SurfaceBlocking, lifecycle.SurfaceOf(err))
	row, _ := d.Get(is.ID)
	assert.Equal(t, domain.StatusPending, row.Status)
}

func TestFocusedTrailDeduplicatesEcho(t *testing.T) {
	e := newEnv(t)
	is := e.submit(t, "flooding")
	_, err := e.eng.AssignIssue(context.Background(), officer, is.ID, "w1")
	require.NoError(t, err)

	wd, err := dashboard.Open(context.Background(), e.deps(nil), worker, "")
	require.NoError(t, err)
	defer wd.Close()
	cd, err := dashboard.Open(context.Background(), e.deps(nil), citizen, "")
	require.NoError(t, err)
	defer cd.Close()
	require.NoError(t, wd.Focus(context.Background(), is.ID))
	require.NoError(t, cd.Focus(context.Background(), is.ID))

	_, err = wd.AddUpdate(context.Background(), is.ID, "   ")
	var ve *lifecycle.ValidationError
	require.ErrorAs(t, err, &ve)

	u, err := wd.AddUpdate(context.Background(), is.ID, "crew on site")
	require.NoError(t, err)
	require.Len(t, wd.Updates(), 1)

	eventually(t, func() bool { return len(cd.Updates()) == 1 })
	time.Sleep(100 * time.Millisecond)
	require.Len(t, wd.Updates(), 1)
	assert.Equal(t, u.ID, wd.Updates()[0].ID)
	assert.Equal(t, "crew on site", cd.Updates()[0].Message)

	require.NoError(t, cd.Focus(context.Background(), ""))
	assert.Nil(t, cd.Updates())
}

func TestFocusRequiresVisibility(t *testing.T) {
	e := newEnv(t)
	is := e.submit(t, "private")
	wd, err := dashboard.Open(context.Background(), e.deps(nil), worker, "")
	require.NoError(t, err)
	defer wd.Close()
	err = wd.Focus(context.Background(), is.ID)
	var ae *lifecycle.AuthorizationError
	require.ErrorAs(t, err, &ae)
	assert.Nil(t, wd.Updates())
}

type recordingFeed struct {
	*feed.Hub
	mu   sync.Mutex
	subs []*feed.Subscription
}

func (f *recordingFeed) Subscribe(ctx context.Context, topic string, flt lifecycle.Filter, fn feed.Handler) (*feed.Subscription, error) {
	sub, err := f.Hub.Subscribe(ctx, topic, flt, fn)
	if err == nil {
		f.mu.Lock()
		f.subs = append(f.subs, sub)
		f.mu.Unlock()
	}
	return sub, err
}

func (f *recordingFeed) last() *feed.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

func TestDroppedFeedResubscribesAndRequeries(t *testing.T) {
	e := newEnv(t)
	rf := &recordingFeed{Hub: e.hub}
	var l listener
	deps := e.deps(&l)
	deps.Feed = rf
	d, err := dashboard.Open(context.Background(), deps, citizen, "")
	require.NoError(t, err)
	defer d.Close()

	first := rf.last()
	first.Fail(errors.New("connection reset"))
	missed := e.submit(t, "while disconnected")

	eventually(t, func() bool { return l.count(dashboard.NoticeResynced) == 1 })
	assert.GreaterOrEqual(t, l.count(dashboard.NoticeError), 1)
	assert.NotSame(t, first, rf.last())
	assert.True(t, rf.last().Active())
	eventually(t, func() bool {
		_, ok := d.Get(missed.ID)
		return ok
	})

	later := e.submit(t, "after resync")
	eventually(t, func() bool {
		_, ok := d.Get(later.ID)
		return ok
	})
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	e := newEnv(t)
	d, err := dashboard.Open(context.Background(), e.deps(nil), citizen, "")
	require.NoError(t, err)
	is := e.submit(t, "first")
	eventually(t, func() bool { return d.Len() == 1 })
	require.NoError(t, d.Focus(context.Background(), is.ID))
	assert.Equal(t, 2, e.hub.Len())

	d.Close()
	d.Close()
	assert.Equal(t, 0, e.hub.Len())

	e.submit(t, "second")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.Len())
	assert.Error(t, d.Focus(context.Background(), is.ID))
}

type slowListStore struct {
	dashboard.Store
	during func()
}

func (s slowListStore) ListIssues(ctx context.Context, actor domain.Identity, view lifecycle.View, p engine.Page) ([]domain.Issue, error) {
	rows, err := s.Store.ListIssues(ctx, actor, view, p)
	s.during()
	return rows, err
}

func TestEventsDuringInitialQueryAreNotLost(t *testing.T) {
	e := newEnv(t)
	var raced domain.Issue
	deps := e.deps(nil)
	deps.Store = slowListStore{Store: e.eng, during: func() {
		raced = e.submit(t, "raced")
		time.Sleep(100 * time.Millisecond)
	}}
	d, err := dashboard.Open(context.Background(), deps, citizen, "")
	require.NoError(t, err)
	defer d.Close()
	eventually(t, func() bool {
		_, ok := d.Get(raced.ID)
		return ok
	})
	assert.Equal(t, 1, d.Len())
}

// heldFeed parks subscriptions for one filter until release is called.
type heldFeed struct {
	*recordingFeed
	mu      sync.Mutex
	hold    string
	gate    chan struct{}
	waiting chan struct{}
}

func (f *heldFeed) holdFilter(flt lifecycle.Filter) {
	f.mu.Lock()
	f.hold = flt.String()
	f.gate = make(chan struct{})
	f.waiting = make(chan struct{}, 1)
	f.mu.Unlock()
}

func (f *heldFeed) release() {
	f.mu.Lock()
	close(f.gate)
	f.hold = ""
	f.mu.Unlock()
}

func (f *heldFeed) Subscribe(ctx context.Context, topic string, flt lifecycle.Filter, fn feed.Handler) (*feed.Subscription, error) {
	f.mu.Lock()
	gate, waiting := f.gate, f.waiting
	held := f.hold != "" && f.hold == flt.String()
	f.mu.Unlock()
	if held {
		select {
		case waiting <- struct{}{}:
		default:
		}
		<-gate
	}
	return f.recordingFeed.Subscribe(ctx, topic, flt, fn)
}

func TestStaleResubscribeDoesNotReplaceNewFocus(t *testing.T) {
	e := newEnv(t)
	a := e.submit(t, "first report")
	b := e.submit(t, "second report")
	hf := &heldFeed{recordingFeed: &recordingFeed{Hub: e.hub}}
	var l listener
	deps := e.deps(&l)
	deps.Feed = hf
	d, err := dashboard.Open(context.Background(), deps, citizen, "")
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Focus(context.Background(), a.ID))
	focusA := hf.last()
	hf.holdFilter(lifecycle.UpdatesFilter(a.ID))
	focusA.Fail(errors.New("connection reset"))
	select {
	case <-hf.waiting:
	case <-time.After(3 * time.Second):
		t.Fatal("resubscribe for the dropped focus never started")
	}

	require.NoError(t, d.Focus(context.Background(), b.ID))
	hf.release()

	eventually(t, func() bool { return e.hub.Len() == 2 })
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, e.hub.Len())
	assert.Zero(t, l.count(dashboard.NoticeResynced))

	_, err = e.eng.AddUpdate(context.Background(), citizen, b.ID, "note on second")
	require.NoError(t, err)
	eventually(t, func() bool { return len(d.Updates()) == 1 })
	assert.Equal(t, "note on second", d.Updates()[0].Message)
}
