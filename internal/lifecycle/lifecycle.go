// Package lifecycle holds the rules for moving civic issues through their
// states, who may see and change them, and how a locally held projection
// converges with the change feed.
package lifecycle

import (
	"slices"
	"strings"

	"civicsense/internal/domain"
)

// Transition moves is to target on behalf of actor. Citizens never transition.
// Workers must be the assignee; officers act with administrative scope. Any
// movement among the three statuses is allowed.
func Transition(is domain.Issue, target string, actor domain.Identity) (domain.Issue, error) {
	if err := CanTransition(is, actor); err != nil {
		return is, err
	}
	status, ok := domain.ParseStatus(target)
	if !ok {
		return is, invalid("status", "%q is not one of pending, in_progress, resolved", target)
	}
	next := is.Clone()
	next.Status = status
	return next, nil
}

func CanTransition(is domain.Issue, actor domain.Identity) error {
	switch actor.Role {
	case domain.RoleOfficer:
		return nil
	case domain.RoleWorker:
		if actor.ID != "" && is.Assignee() == actor.ID {
			return nil
		}
		return &AuthorizationError{Role: actor.Role, Action: "change the status of an issue not assigned to them"}
	default:
		return forbidden(actor, "change issue status")
	}
}

// Assign sets the assignee and starts work on pending issues. Re-assignment
// overwrites the previous assignee.
func Assign(is domain.Issue, assignee domain.Profile, actor domain.Identity) (domain.Issue, error) {
	if actor.Role != domain.RoleOfficer {
		return is, forbidden(actor, "assign issues")
	}
	if assignee.ID == "" {
		return is, invalid("assignee", "is required")
	}
	if !assignee.Role.CanBeAssigned() {
		return is, invalid("assignee", "%s has role %s; only workers and officers take assignments", assignee.ID, assignee.Role)
	}
	next := is.Clone()
	id := assignee.ID
	next.AssignedTo = &id
	if next.Status == domain.StatusPending {
		next.Status = domain.StatusInProgress
	}
	return next, nil
}

// CanDelete guards spam removal, the only path that deletes an issue.
func CanDelete(actor domain.Identity) error {
	if actor.Role != domain.RoleOfficer {
		return forbidden(actor, "delete issues")
	}
	return nil
}

// CanView reports whether actor may read is and its update trail.
func CanView(is domain.Issue, actor domain.Identity) error {
	switch actor.Role {
	case domain.RoleOfficer:
		return nil
	case domain.RoleWorker:
		if is.Assignee() == actor.ID {
			return nil
		}
	case domain.RoleCitizen:
		if is.ReportedBy == actor.ID {
			return nil
		}
	}
	return forbidden(actor, "view this issue")
}

// CanAddUpdate applies the note rules: reporters on their own reports,
// workers on their assignments, officers anywhere.
func CanAddUpdate(is domain.Issue, actor domain.Identity) error {
	if err := CanView(is, actor); err != nil {
		return forbidden(actor, "post updates on this issue")
	}
	return nil
}

// ValidateMessage trims msg and rejects blank notes.
func ValidateMessage(msg string) (string, error) {
	trimmed := strings.TrimSpace(msg)
	if trimmed == "" {
		return "", invalid("message", "must not be empty")
	}
	return trimmed, nil
}

// Submission is a citizen's new report before it is stored.
type Submission struct {
	Title       string
	Description string
	Category    string
	Priority    string
	Location    string
	Coordinates *domain.Coordinates
	Images      []string
}

// Normalize validates s against the category catalog and fills defaults.
// An empty catalog accepts any non-empty category.
func (s Submission) Normalize(categories []string) (Submission, domain.Priority, error) {
	s.Title = strings.TrimSpace(s.Title)
	s.Description = strings.TrimSpace(s.Description)
	s.Category = strings.TrimSpace(s.Category)
	s.Location = strings.TrimSpace(s.Location)
	switch {
	case s.Title == "":
		return s, "", invalid("title", "is required")
	case s.Description == "":
		return s, "", invalid("description", "is required")
	case s.Category == "":
		return s, "", invalid("category", "is required")
	case s.Location == "":
		return s, "", invalid("location", "is required")
	}
	if len(categories) > 0 && !slices.Contains(categories, s.Category) {
		return s, "", invalid("category", "%q is not a known category", s.Category)
	}
	p, ok := domain.ParsePriority(s.Priority)
	if !ok {
		return s, "", invalid("priority", "%q is not one of low, medium, high, critical", s.Priority)
	}
	if len(s.Images) > domain.MaxImages {
		return s, "", invalid("images", "at most %d images per report", domain.MaxImages)
	}
	if c := s.Coordinates; c != nil {
		if c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
			return s, "", invalid("coordinates", "out of range")
		}
	}
	return s, p, nil
}
