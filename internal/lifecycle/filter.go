package lifecycle

import (
	"fmt"
	"strings"

	"civicsense/internal/domain"
)

// View names a dashboard projection.
type View string

const (
	ViewReports     View = "reports"
	ViewAssignments View = "assignments"
	ViewAll         View = "all"
)

func ParseView(v string) (View, bool) {
	switch View(v) {
	case ViewReports, ViewAssignments, ViewAll:
		return View(v), true
	}
	return "", false
}

// ViewFor is the default dashboard for a role.
func ViewFor(role domain.Role) View {
	if role == domain.RoleCitizen {
		return ViewReports
	}
	return ViewAssignments
}

// Filter is the row predicate shared by the initial query and the live feed.
// Zero fields match anything.
type Filter struct {
	ReporterID string `json:"reporter_id,omitempty"`
	AssigneeID string `json:"assignee_id,omitempty"`
	IssueID    string `json:"issue_id,omitempty"`
}

// FilterFor derives the predicate for actor's view. Only officers get the
// unfiltered administrative view.
func FilterFor(actor domain.Identity, view View) (Filter, error) {
	if actor.ID == "" {
		return Filter{}, forbidden(actor, "open a dashboard without signing in")
	}
	if view == "" {
		view = ViewFor(actor.Role)
	}
	switch view {
	case ViewReports:
		return Filter{ReporterID: actor.ID}, nil
	case ViewAssignments:
		if !actor.Role.CanBeAssigned() {
			return Filter{}, forbidden(actor, "open the assignments view")
		}
		return Filter{AssigneeID: actor.ID}, nil
	case ViewAll:
		if actor.Role != domain.RoleOfficer {
			return Filter{}, forbidden(actor, "open the all issues view")
		}
		return Filter{}, nil
	}
	return Filter{}, invalid("view", "%q is not one of reports, assignments, all", view)
}

// UpdatesFilter scopes the update trail topic to one issue.
func UpdatesFilter(issueID string) Filter {
	return Filter{IssueID: issueID}
}

func (f Filter) IsZero() bool {
	return f == Filter{}
}

// Match is the live-path predicate for issue rows.
func (f Filter) Match(is domain.Issue) bool {
	if f.ReporterID != "" && is.ReportedBy != f.ReporterID {
		return false
	}
	if f.AssigneeID != "" && is.Assignee() != f.AssigneeID {
		return false
	}
	if f.IssueID != "" && is.ID != f.IssueID {
		return false
	}
	return true
}

// MatchUpdate is the live-path predicate for update trail rows.
func (f Filter) MatchUpdate(u domain.IssueUpdate) bool {
	return f.IssueID == "" || u.IssueID == f.IssueID
}

// MatchChange reports whether c concerns a row inside the filter before or
// after the change, so rows leaving a view are still delivered.
func (f Filter) MatchChange(c domain.Change) bool {
	switch c.Topic {
	case domain.TopicIssueUpdates:
		return c.Update != nil && f.MatchUpdate(*c.Update)
	default:
		if c.Issue != nil && f.Match(*c.Issue) {
			return true
		}
		return c.Old != nil && f.Match(*c.Old)
	}
}

// String renders f as column=eq.value clauses.
func (f Filter) String() string {
	var parts []string
	if f.ReporterID != "" {
		parts = append(parts, fmt.Sprintf("reported_by=eq.%s", f.ReporterID))
	}
	if f.AssigneeID != "" {
		parts = append(parts, fmt.Sprintf("assigned_to=eq.%s", f.AssigneeID))
	}
	if f.IssueID != "" {
		parts = append(parts, fmt.Sprintf("issue_id=eq.%s", f.IssueID))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, "&")
}
