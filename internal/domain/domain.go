package domain

import "time"

// TimeFormat is the fixed-width UTC layout used for every persisted timestamp,
// so lexical order in SQLite matches chronological order.
const TimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime accepts TimeFormat and plain RFC3339 values.
func ParseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Issue struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Category    string       `json:"category"`
	Priority    Priority     `json:"priority" enum:"low,medium,high,critical"`
	Location    string       `json:"location"`
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	Images      []string     `json:"images,omitempty"`
	Status      Status       `json:"status" enum:"pending,in_progress,resolved"`
	ReportedBy  string       `json:"reported_by"`
	AssignedTo  *string      `json:"assigned_to,omitempty"`
	ReportedAt  string       `json:"reported_at" format:"date-time"`
	SLADeadline *string      `json:"sla_deadline,omitempty" format:"date-time"`
	UpdatedAt   string       `json:"updated_at" format:"date-time"`
}

// Assignee returns the assignee id or "" when unassigned.
func (i Issue) Assignee() string {
	if i.AssignedTo == nil {
		return ""
	}
	return *i.AssignedTo
}

// Clone returns a copy that shares no slices or pointers with i.
func (i Issue) Clone() Issue {
	c := i
	if i.Images != nil {
		c.Images = append([]string(nil), i.Images...)
	}
	if i.Coordinates != nil {
		coords := *i.Coordinates
		c.Coordinates = &coords
	}
	if i.AssignedTo != nil {
		a := *i.AssignedTo
		c.AssignedTo = &a
	}
	if i.SLADeadline != nil {
		d := *i.SLADeadline
		c.SLADeadline = &d
	}
	return c
}

type IssueUpdate struct {
	ID        string `json:"id"`
	IssueID   string `json:"issue_id"`
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Profile struct {
	ID        string `json:"id"`
	FullName  string `json:"full_name"`
	Email     string `json:"email"`
	Role      Role   `json:"role" enum:"citizen,worker,officer"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Identity is the resolved acting user.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// Event is a persisted row of the change log.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Topic    string `json:"topic"`
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

const (
	TopicIssues       = "issues"
	TopicIssueUpdates = "issue_updates"
)

type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is a decoded feed event. Issue carries the new row for inserts and
// updates; Old carries the previous row for updates and deletes.
type Change struct {
	Seq     int64        `json:"seq"`
	TS      string       `json:"ts" format:"date-time"`
	Topic   string       `json:"topic"`
	Kind    ChangeKind   `json:"kind" enum:"insert,update,delete"`
	ActorID string       `json:"actor_id,omitempty"`
	Issue   *Issue       `json:"issue,omitempty"`
	Old     *Issue       `json:"old,omitempty"`
	Update  *IssueUpdate `json:"update,omitempty"`
}

// IssueID returns the id of the issue the change concerns.
func (c Change) IssueID() string {
	switch {
	case c.Issue != nil:
		return c.Issue.ID
	case c.Old != nil:
		return c.Old.ID
	case c.Update != nil:
		return c.Update.IssueID
	}
	return ""
}

// Stats mirrors the officer dashboard counters.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Resolved   int `json:"resolved"`
	Overdue    int `json:"overdue"`
}
