package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"civicsense/internal/config"
	"civicsense/internal/domain"
	"civicsense/internal/events"
	"civicsense/internal/lifecycle"
	"civicsense/internal/repo"
	"civicsense/internal/telemetry"
)

// Engine is the command path: lifecycle rules, then the store, then the
// change log, all in one transaction.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	NewID  func() string
	// OnCommit runs after every committed change. The feed relay uses it to
	// pick up new events without waiting for its poll interval.
	OnCommit func()
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) eventLog() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// inTx runs fn in a transaction and commits. Store failures come back as
// StoreError; lifecycle errors pass through untouched.
func (e Engine) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return lifecycle.WrapStore(op, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return lifecycle.WrapStore(op, err)
	}
	if err := tx.Commit(); err != nil {
		return lifecycle.WrapStore(op, err)
	}
	if e.OnCommit != nil {
		e.OnCommit()
	}
	return nil
}

// SubmitIssue files a citizen report. The status is always pending, the
// assignee empty and the deadline derived from the priority's SLA hours.
func (e Engine) SubmitIssue(ctx context.Context, actor domain.Identity, sub lifecycle.Submission) (domain.Issue, error) {
	if actor.Role != domain.RoleCitizen || actor.ID == "" {
		return domain.Issue{}, &lifecycle.AuthorizationError{Role: actor.Role, Action: "report issues"}
	}
	cfg := e.config()
	sub, priority, err := sub.Normalize(cfg.CategoryValues())
	if err != nil {
		return domain.Issue{}, err
	}
	now := e.now()
	ts := domain.FormatTime(now)
	is := domain.Issue{
		ID:          e.newID(),
		Title:       sub.Title,
		Description: sub.Description,
		Category:    sub.Category,
		Priority:    priority,
		Location:    sub.Location,
		Coordinates: sub.Coordinates,
		Images:      sub.Images,
		Status:      domain.StatusPending,
		ReportedBy:  actor.ID,
		ReportedAt:  ts,
		SLADeadline: cfg.Deadline(priority, now),
		UpdatedAt:   ts,
	}
	err = e.inTx(ctx, "submit issue", func(tx *sql.Tx) error {
		if err := e.Repo.InsertIssue(ctx, tx, is); err != nil {
			return err
		}
		_, err := e.eventLog().Append(ctx, tx, domain.TopicIssues, domain.ChangeInsert, is.ID, actor.ID, is, nil)
		return err
	})
	if err != nil {
		return domain.Issue{}, err
	}
	telemetry.RecordSubmission(ctx, is.Category)
	return is, nil
}

// TransitionIssue moves an issue to status. Moving to the current status
// succeeds without writing anything.
func (e Engine) TransitionIssue(ctx context.Context, actor domain.Identity, id, status string) (domain.Issue, error) {
	var out domain.Issue
	var from domain.Status
	changed := false
	err := e.inTx(ctx, "update issue status", func(tx *sql.Tx) error {
		cur, err := e.Repo.GetIssueTx(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := lifecycle.Transition(cur, status, actor)
		if err != nil {
			return err
		}
		from, out = cur.Status, next
		if next.Status == cur.Status {
			return nil
		}
		next.UpdatedAt = domain.FormatTime(e.now())
		if err := e.Repo.UpdateIssue(ctx, tx, next); err != nil {
			return err
		}
		if _, err := e.eventLog().Append(ctx, tx, domain.TopicIssues, domain.ChangeUpdate, next.ID, actor.ID, next, cur); err != nil {
			return err
		}
		out, changed = next, true
		return nil
	})
	if err != nil {
		return domain.Issue{}, err
	}
	if changed {
		telemetry.RecordTransition(ctx, string(from), string(out.Status), string(actor.Role))
	}
	return out, nil
}

// AssignIssue hands an issue to a worker or officer. Concurrent assignments
// are last-write-wins.
func (e Engine) AssignIssue(ctx context.Context, actor domain.Identity, id, assigneeID string) (domain.Issue, error) {
	if actor.Role != domain.RoleOfficer {
		return domain.Issue{}, &lifecycle.AuthorizationError{Role: actor.Role, Action: "assign issues"}
	}
	var out domain.Issue
	err := e.inTx(ctx, "assign issue", func(tx *sql.Tx) error {
		cur, err := e.Repo.GetIssueTx(ctx, tx, id)
		if err != nil {
			return err
		}
		assignee, err := e.Repo.GetProfileTx(ctx, tx, assigneeID)
		if errors.Is(err, repo.ErrNotFound) {
			return &lifecycle.ValidationError{Field: "assignee", Reason: "no such user " + assigneeID}
		}
		if err != nil {
			return err
		}
		next, err := lifecycle.Assign(cur, assignee, actor)
		if err != nil {
			return err
		}
		next.UpdatedAt = domain.FormatTime(e.now())
		if err := e.Repo.UpdateIssue(ctx, tx, next); err != nil {
			return err
		}
		if _, err := e.eventLog().Append(ctx, tx, domain.TopicIssues, domain.ChangeUpdate, next.ID, actor.ID, next, cur); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.Issue{}, err
	}
	telemetry.RecordAssignment(ctx)
	return out, nil
}

// DeleteIssue removes a spam report along with its trail.
func (e Engine) DeleteIssue(ctx context.Context, actor domain.Identity, id string) error {
	if err := lifecycle.CanDelete(actor); err != nil {
		return err
	}
	return e.inTx(ctx, "delete issue", func(tx *sql.Tx) error {
		cur, err := e.Repo.GetIssueTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteIssue(ctx, tx, id); err != nil {
			return err
		}
		_, err = e.eventLog().Append(ctx, tx, domain.TopicIssues, domain.ChangeDelete, id, actor.ID, nil, cur)
		return err
	})
}

// AddUpdate appends a progress note. Blank messages are rejected before the
// store is touched.
func (e Engine) AddUpdate(ctx context.Context, actor domain.Identity, issueID, message string) (domain.IssueUpdate, error) {
	msg, err := lifecycle.ValidateMessage(message)
	if err != nil {
		return domain.IssueUpdate{}, err
	}
	var u domain.IssueUpdate
	err = e.inTx(ctx, "add update", func(tx *sql.Tx) error {
		is, err := e.Repo.GetIssueTx(ctx, tx, issueID)
		if err != nil {
			return err
		}
		if err := lifecycle.CanAddUpdate(is, actor); err != nil {
			return err
		}
		u = domain.IssueUpdate{
			ID:        e.newID(),
			IssueID:   is.ID,
			UserID:    actor.ID,
			Message:   msg,
			CreatedAt: domain.FormatTime(e.now()),
		}
		if err := e.Repo.InsertUpdate(ctx, tx, u); err != nil {
			return err
		}
		_, err = e.eventLog().Append(ctx, tx, domain.TopicIssueUpdates, domain.ChangeInsert, u.ID, actor.ID, u, nil)
		return err
	})
	if err != nil {
		return domain.IssueUpdate{}, err
	}
	telemetry.RecordUpdate(ctx, string(actor.Role))
	return u, nil
}
