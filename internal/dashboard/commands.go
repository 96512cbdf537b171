package dashboard

import (
	"context"

	"civicsense/internal/domain"
	"civicsense/internal/lifecycle"
)

// Submit files a report. The new row shows up right away; the feed echo
// is absorbed by the guarded insert.
func (d *Dashboard) Submit(ctx context.Context, sub lifecycle.Submission) (domain.Issue, error) {
	is, err := d.deps.Store.SubmitIssue(ctx, d.actor, sub)
	if err != nil {
		d.fail(err)
		return domain.Issue{}, err
	}
	d.mu.Lock()
	if !d.closed {
		if _, seen := d.cache.Get(is.ID); !seen {
			d.cache.Apply(domain.Change{Topic: domain.TopicIssues, Kind: domain.ChangeInsert, Issue: &is})
		}
	}
	d.mu.Unlock()
	return is, nil
}

// Transition moves an issue ahead of the store and rolls back to the
// last-known-good row if the store refuses.
func (d *Dashboard) Transition(ctx context.Context, id, status string) (domain.Issue, error) {
	rollback := func() {}
	if cur, ok := d.cache.Get(id); ok {
		next, err := lifecycle.Transition(cur, status, d.actor)
		if err != nil {
			d.fail(err)
			return domain.Issue{}, err
		}
		rollback = d.cache.Optimistic(next)
	}
	out, err := d.deps.Store.TransitionIssue(ctx, d.actor, id, status)
	if err != nil {
		rollback()
		d.fail(err)
		return domain.Issue{}, err
	}
	return out, nil
}

// Assign hands an issue to assigneeID with the same optimistic discipline as
// Transition.
func (d *Dashboard) Assign(ctx context.Context, id, assigneeID string) (domain.Issue, error) {
	rollback := func() {}
	if d.actor.Role != domain.RoleOfficer {
		err := &lifecycle.AuthorizationError{Role: d.actor.Role, Action: "assign issues"}
		d.fail(err)
		return domain.Issue{}, err
	}
	if cur, ok := d.cache.Get(id); ok && assigneeID != "" {
		next := cur.Clone()
		next.AssignedTo = &assigneeID
		if next.Status == domain.StatusPending {
			next.Status = domain.StatusInProgress
		}
		rollback = d.cache.Optimistic(next)
	}
	out, err := d.deps.Store.AssignIssue(ctx, d.actor, id, assigneeID)
	if err != nil {
		rollback()
		d.fail(err)
		return domain.Issue{}, err
	}
	return out, nil
}

// AddUpdate posts a note. Blank notes never reach the store. The stored note
// joins the focused trail on acknowledgement and its echo is deduplicated by
// id.
func (d *Dashboard) AddUpdate(ctx context.Context, issueID, message string) (domain.IssueUpdate, error) {
	if _, err := lifecycle.ValidateMessage(message); err != nil {
		d.fail(err)
		return domain.IssueUpdate{}, err
	}
	u, err := d.deps.Store.AddUpdate(ctx, d.actor, issueID, message)
	if err != nil {
		d.fail(err)
		return domain.IssueUpdate{}, err
	}
	d.mu.Lock()
	if t := d.trail; t != nil && !d.closed {
		t.Append(u)
	}
	d.mu.Unlock()
	return u, nil
}

func (d *Dashboard) fail(err error) {
	d.logger.Debug("dashboard command failed", "err", err, "surface", lifecycle.SurfaceOf(err))
	d.emit(Notice{Kind: NoticeError, Err: err})
}
