package engine

import (
	"context"

	"civicsense/internal/domain"
	"civicsense/internal/lifecycle"
	"civicsense/internal/repo"
)

// Page is cursor pagination over (reported_at, id), most recent first.
type Page struct {
	Limit            int
	CursorReportedAt string
	CursorID         string
	OrderBySLA       bool
	Status           string
	Category         string
}

// IssueFilters derives the store query from a role filter, so the fetch path
// and the feed path use the same predicate.
func IssueFilters(f lifecycle.Filter, p Page) repo.IssueFilters {
	return repo.IssueFilters{
		ReporterID:       f.ReporterID,
		AssigneeID:       f.AssigneeID,
		IssueID:          f.IssueID,
		Status:           p.Status,
		Category:         p.Category,
		OrderBySLA:       p.OrderBySLA,
		Limit:            p.Limit,
		CursorReportedAt: p.CursorReportedAt,
		CursorID:         p.CursorID,
	}
}

func (e Engine) GetIssue(ctx context.Context, actor domain.Identity, id string) (domain.Issue, error) {
	is, err := e.Repo.GetIssue(ctx, id)
	if err != nil {
		return domain.Issue{}, lifecycle.WrapStore("get issue", err)
	}
	if err := lifecycle.CanView(is, actor); err != nil {
		return domain.Issue{}, err
	}
	return is, nil
}

// ListIssues returns the rows of actor's view.
func (e Engine) ListIssues(ctx context.Context, actor domain.Identity, view lifecycle.View, p Page) ([]domain.Issue, error) {
	f, err := lifecycle.FilterFor(actor, view)
	if err != nil {
		return nil, err
	}
	return e.QueryIssues(ctx, f, p)
}

// QueryIssues runs an already authorized filter.
func (e Engine) QueryIssues(ctx context.Context, f lifecycle.Filter, p Page) ([]domain.Issue, error) {
	rows, err := e.Repo.ListIssues(ctx, IssueFilters(f, p))
	if err != nil {
		return nil, lifecycle.WrapStore("list issues", err)
	}
	return rows, nil
}

func (e Engine) ListUpdates(ctx context.Context, actor domain.Identity, issueID string) ([]domain.IssueUpdate, error) {
	if _, err := e.GetIssue(ctx, actor, issueID); err != nil {
		return nil, err
	}
	rows, err := e.Repo.ListUpdates(ctx, issueID)
	if err != nil {
		return nil, lifecycle.WrapStore("list updates", err)
	}
	return rows, nil
}

// Stats counts the issues of actor's view by status plus overdue ones.
func (e Engine) Stats(ctx context.Context, actor domain.Identity, view lifecycle.View) (domain.Stats, error) {
	f, err := lifecycle.FilterFor(actor, view)
	if err != nil {
		return domain.Stats{}, err
	}
	rf := IssueFilters(f, Page{})
	counts, err := e.Repo.CountIssuesByStatus(ctx, rf)
	if err != nil {
		return domain.Stats{}, lifecycle.WrapStore("count issues", err)
	}
	overdue, err := e.Repo.CountOverdue(ctx, rf, domain.FormatTime(e.now()))
	if err != nil {
		return domain.Stats{}, lifecycle.WrapStore("count overdue", err)
	}
	st := domain.Stats{
		Pending:    counts[string(domain.StatusPending)],
		InProgress: counts[string(domain.StatusInProgress)],
		Resolved:   counts[string(domain.StatusResolved)],
		Overdue:    overdue,
	}
	st.Total = st.Pending + st.InProgress + st.Resolved
	return st, nil
}

// Assignees lists the profiles an officer can assign work to.
func (e Engine) Assignees(ctx context.Context, actor domain.Identity) ([]domain.Profile, error) {
	if actor.Role != domain.RoleOfficer {
		return nil, &lifecycle.AuthorizationError{Role: actor.Role, Action: "list assignees"}
	}
	var out []domain.Profile
	for _, role := range []domain.Role{domain.RoleWorker, domain.RoleOfficer} {
		rows, err := e.Repo.ListProfiles(ctx, role)
		if err != nil {
			return nil, lifecycle.WrapStore("list profiles", err)
		}
		out = append(out, rows...)
	}
	return out, nil
}
