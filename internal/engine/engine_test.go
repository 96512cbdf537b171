package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"civicsense/internal/config"
	"civicsense/internal/db"
	"civicsense/internal/domain"
	"civicsense/internal/engine"
	"civicsense/internal/lifecycle"
	"civicsense/internal/migrate"
	"civicsense/internal/repo"
)

var (
	citizen = domain.Identity{ID: "c1", Role: domain.RoleCitizen}
	other   = domain.Identity{ID: "c2", Role: domain.RoleCitizen}
	worker  = domain.Identity{ID: "w1", Role: domain.RoleWorker}
	officer = domain.Identity{ID: "o1", Role: domain.RoleOfficer}
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	for _, p := range []domain.Profile{
		{ID: "c1", FullName: "Ada", Email: "c1@example.org", Role: domain.RoleCitizen},
		{ID: "c2", FullName: "Bea", Email: "c2@example.org", Role: domain.RoleCitizen},
		{ID: "w1", FullName: "Wes", Email: "w1@example.org", Role: domain.RoleWorker},
		{ID: "o1", FullName: "Olu", Email: "o1@example.org", Role: domain.RoleOfficer},
	} {
		p.CreatedAt = domain.FormatTime(clock)
		if err := eng.Repo.InsertProfile(ctx, nil, repo.Credentials{Profile: p, PasswordHash: "x"}); err != nil {
			t.Fatalf("seed profile: %v", err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: &clock}
}

func (env testEnv) submit(t *testing.T, priority string) domain.Issue {
	t.Helper()
	is, err := env.Engine.SubmitIssue(env.Ctx, citizen, lifecycle.Submission{
		Title:       "Pothole",
		Description: "Deep",
		Category:    "roads",
		Priority:    priority,
		Location:    "Main St",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return is
}

func (env testEnv) events(t *testing.T, topic string) []domain.Event {
	t.Helper()
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Topic: topic, Limit: 100})
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return evs
}

func TestSubmitStartsPendingWithDeadline(t *testing.T) {
	env := newTestEnv(t)
	is := env.submit(t, "high")
	if is.Status != domain.StatusPending || is.ReportedBy != citizen.ID || is.AssignedTo != nil {
		t.Fatalf("unexpected issue: %+v", is)
	}
	want := domain.FormatTime(env.Clock.Add(72 * time.Hour))
	if is.SLADeadline == nil || *is.SLADeadline != want {
		t.Fatalf("deadline: got %v want %s", is.SLADeadline, want)
	}
	evs := env.events(t, domain.TopicIssues)
	if len(evs) != 1 || evs[0].Kind != string(domain.ChangeInsert) || evs[0].EntityID != is.ID {
		t.Fatalf("expected one insert event, got %+v", evs)
	}

	if _, err := env.Engine.SubmitIssue(env.Ctx, worker, lifecycle.Submission{Title: "t", Description: "d", Category: "roads", Location: "l"}); err == nil {
		t.Fatalf("expected workers to be unable to submit")
	}
	_, err := env.Engine.SubmitIssue(env.Ctx, citizen, lifecycle.Submission{Title: "t", Description: "d", Category: "roads", Location: "l", Priority: "urgent"})
	var ve *lifecycle.ValidationError
	if !errors.As(err, &ve) || ve.Field != "priority" {
		t.Fatalf("expected priority validation error, got %v", err)
	}
}

func TestAssignStartsWorkAndTransitions(t *testing.T) {
	env := newTestEnv(t)
	is := env.submit(t, "medium")

	if _, err := env.Engine.AssignIssue(env.Ctx, worker, is.ID, worker.ID); err == nil {
		t.Fatalf("expected workers to be unable to assign")
	}
	_, err := env.Engine.AssignIssue(env.Ctx, officer, is.ID, citizen.ID)
	var ve *lifecycle.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error assigning a citizen, got %v", err)
	}

	assigned, err := env.Engine.AssignIssue(env.Ctx, officer, is.ID, worker.ID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.Status != domain.StatusInProgress || assigned.Assignee() != worker.ID {
		t.Fatalf("assign did not start work: %+v", assigned)
	}
	if assigned.SLADeadline == nil || *assigned.SLADeadline != *is.SLADeadline {
		t.Fatalf("assignment must not move the deadline")
	}

	resolved, err := env.Engine.TransitionIssue(env.Ctx, worker, is.ID, "resolved")
	if err != nil || resolved.Status != domain.StatusResolved {
		t.Fatalf("worker resolve: %v %+v", err, resolved)
	}
	reopened, err := env.Engine.TransitionIssue(env.Ctx, officer, is.ID, "pending")
	if err != nil || reopened.Status != domain.StatusPending {
		t.Fatalf("officer reopen: %v %+v", err, reopened)
	}
	if got := len(env.events(t, domain.TopicIssues)); got != 4 {
		t.Fatalf("expected insert, assign and two transitions, got %d events", got)
	}

	// Same status succeeds and writes nothing.
	if _, err := env.Engine.TransitionIssue(env.Ctx, officer, is.ID, "pending"); err != nil {
		t.Fatalf("same status: %v", err)
	}
	if got := len(env.events(t, domain.TopicIssues)); got != 4 {
		t.Fatalf("same status transition logged an event")
	}
}

func TestCitizenTransitionDeniedWithoutEvent(t *testing.T) {
	env := newTestEnv(t)
	is := env.submit(t, "low")
	_, err := env.Engine.TransitionIssue(env.Ctx, citizen, is.ID, "resolved")
	var ae *lifecycle.AuthorizationError
	if !errors.As(err, &ae) || ae.Role != domain.RoleCitizen {
		t.Fatalf("expected authorization error, got %v", err)
	}
	got, err := env.Engine.Repo.GetIssue(env.Ctx, is.ID)
	if err != nil || got.Status != domain.StatusPending {
		t.Fatalf("stored status changed: %v %+v", err, got)
	}
	if n := len(env.events(t, domain.TopicIssues)); n != 1 {
		t.Fatalf("denied transition logged an event")
	}

	// A worker who is not the assignee is refused too.
	if _, err := env.Engine.TransitionIssue(env.Ctx, worker, is.ID, "in_progress"); !errors.As(err, &ae) {
		t.Fatalf("expected authorization error for unassigned worker, got %v", err)
	}
	_, err = env.Engine.TransitionIssue(env.Ctx, officer, is.ID, "closed")
	var ve *lifecycle.ValidationError
	if !errors.As(err, &ve) || ve.Field != "status" {
		t.Fatalf("expected status validation error, got %v", err)
	}
}

func TestBlankNoteRejectedWithoutWrite(t *testing.T) {
	env := newTestEnv(t)
	is := env.submit(t, "low")
	_, err := env.Engine.AddUpdate(env.Ctx, officer, is.ID, " \t\n ")
	var ve *lifecycle.ValidationError
	if !errors.As(err, &ve) || ve.Field != "message" {
		t.Fatalf("expected message validation error, got %v", err)
	}
	if n, _ := env.Engine.Repo.CountUpdates(env.Ctx, is.ID); n != 0 {
		t.Fatalf("blank note stored")
	}
	if evs := env.events(t, domain.TopicIssueUpdates); len(evs) != 0 {
		t.Fatalf("blank note logged an event")
	}

	u, err := env.Engine.AddUpdate(env.Ctx, citizen, is.ID, "  still there  ")
	if err != nil {
		t.Fatalf("reporter note: %v", err)
	}
	if u.Message != "still there" || u.UserID != citizen.ID {
		t.Fatalf("unexpected note: %+v", u)
	}
	if _, err := env.Engine.AddUpdate(env.Ctx, other, is.ID, "me too"); err == nil {
		t.Fatalf("expected another citizen to be refused")
	}
	if _, err := env.Engine.ListUpdates(env.Ctx, other, is.ID); err == nil {
		t.Fatalf("expected another citizen to be unable to read the trail")
	}
}

func TestTrailIsAscending(t *testing.T) {
	env := newTestEnv(t)
	is := env.submit(t, "low")
	for i, msg := range []string{"first", "second", "third"} {
		*env.Clock = env.Clock.Add(time.Duration(i+1) * time.Minute)
		if _, err := env.Engine.AddUpdate(env.Ctx, officer, is.ID, msg); err != nil {
			t.Fatalf("add note: %v", err)
		}
	}
	notes, err := env.Engine.ListUpdates(env.Ctx, citizen, is.ID)
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if len(notes) != 3 || notes[0].Message != "first" || notes[2].Message != "third" {
		t.Fatalf("unexpected order: %+v", notes)
	}
}

func TestStatsAndOverdue(t *testing.T) {
	env := newTestEnv(t)
	critical := env.submit(t, "critical")
	env.submit(t, "low")
	if _, err := env.Engine.AssignIssue(env.Ctx, officer, critical.ID, worker.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	st, err := env.Engine.Stats(env.Ctx, officer, lifecycle.ViewAll)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 2 || st.Pending != 1 || st.InProgress != 1 || st.Overdue != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	*env.Clock = env.Clock.Add(48 * time.Hour)
	st, err = env.Engine.Stats(env.Ctx, officer, lifecycle.ViewAll)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Overdue != 1 {
		t.Fatalf("expected the critical issue to be overdue: %+v", st)
	}
	mine, err := env.Engine.Stats(env.Ctx, worker, lifecycle.ViewAssignments)
	if err != nil || mine.Total != 1 {
		t.Fatalf("worker stats: %v %+v", err, mine)
	}
	if _, err := env.Engine.Stats(env.Ctx, worker, lifecycle.ViewAll); err == nil {
		t.Fatalf("expected the all view to be officer only")
	}
}

func TestDeleteEmitsEvent(t *testing.T) {
	env := newTestEnv(t)
	is := env.submit(t, "low")
	if err := env.Engine.DeleteIssue(env.Ctx, citizen, is.ID); err == nil {
		t.Fatalf("expected citizens to be unable to delete")
	}
	if err := env.Engine.DeleteIssue(env.Ctx, officer, is.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetIssue(env.Ctx, officer, is.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	evs := env.events(t, domain.TopicIssues)
	if len(evs) != 2 || evs[0].Kind != string(domain.ChangeDelete) {
		t.Fatalf("expected a delete event first, got %+v", evs)
	}
	if err := env.Engine.DeleteIssue(env.Ctx, officer, is.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete: expected not found, got %v", err)
	}
}

func TestStoreFailureIsTyped(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.DB.Close()
	_, err := env.Engine.SubmitIssue(env.Ctx, citizen, lifecycle.Submission{Title: "t", Description: "d", Category: "roads", Location: "l"})
	var se *lifecycle.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected store error, got %v", err)
	}
}
