package domain

import (
	"strings"
	"time"
)

type Role string

const (
	RoleCitizen Role = "citizen"
	RoleWorker  Role = "worker"
	RoleOfficer Role = "officer"
)

var Roles = []Role{RoleCitizen, RoleWorker, RoleOfficer}

// ParseRole accepts the role names plus "user", the signup form's name for citizens.
func ParseRole(v string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "citizen", "user":
		return RoleCitizen, true
	case "worker":
		return RoleWorker, true
	case "officer":
		return RoleOfficer, true
	}
	return "", false
}

// CanBeAssigned reports whether issues may be assigned to holders of r.
func (r Role) CanBeAssigned() bool {
	return r == RoleWorker || r == RoleOfficer
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
)

var Statuses = []Status{StatusPending, StatusInProgress, StatusResolved}

func ParseStatus(v string) (Status, bool) {
	for _, s := range Statuses {
		if string(s) == v {
			return s, true
		}
	}
	return "", false
}

type StatusStyle struct {
	Label string `json:"label"`
	Icon  string `json:"icon"`
	Color string `json:"color"`
}

var statusStyles = map[Status]StatusStyle{
	StatusPending:    {Label: "Pending", Icon: "alert-circle", Color: "red"},
	StatusInProgress: {Label: "In Progress", Icon: "clock", Color: "yellow"},
	StatusResolved:   {Label: "Resolved", Icon: "check-circle", Color: "green"},
}

// Style returns the presentation for s. Unknown values get a neutral style.
func (s Status) Style() StatusStyle {
	if st, ok := statusStyles[s]; ok {
		return st
	}
	return StatusStyle{Label: string(s), Icon: "circle", Color: "gray"}
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// ParsePriority maps "" to medium, the form default.
func ParsePriority(v string) (Priority, bool) {
	if v == "" {
		return PriorityMedium, true
	}
	for _, p := range Priorities {
		if string(p) == v {
			return p, true
		}
	}
	return "", false
}

type PriorityStyle struct {
	Label string `json:"label"`
	Color string `json:"color"`
}

var priorityStyles = map[Priority]PriorityStyle{
	PriorityLow:      {Label: "Low", Color: "green"},
	PriorityMedium:   {Label: "Medium", Color: "yellow"},
	PriorityHigh:     {Label: "High", Color: "orange"},
	PriorityCritical: {Label: "Critical", Color: "red"},
}

func (p Priority) Style() PriorityStyle {
	if st, ok := priorityStyles[p]; ok {
		return st
	}
	return PriorityStyle{Label: string(p), Color: "gray"}
}

// MaxImages caps the attachments on a single report.
const MaxImages = 3

type SLAState string

const (
	SLANone    SLAState = "No SLA"
	SLAOverdue SLAState = "Overdue"
	SLADueSoon SLAState = "Due Soon"
	SLAOnTime  SLAState = "On Time"
)

// DueSoonWindow is how close a deadline must be to count as due soon.
const DueSoonWindow = 24 * time.Hour

// SLA classifies the issue deadline relative to now.
func (i Issue) SLA(now time.Time) SLAState {
	if i.SLADeadline == nil || *i.SLADeadline == "" {
		return SLANone
	}
	deadline, err := ParseTime(*i.SLADeadline)
	if err != nil {
		return SLANone
	}
	left := deadline.Sub(now)
	switch {
	case left < 0:
		return SLAOverdue
	case left < DueSoonWindow:
		return SLADueSoon
	default:
		return SLAOnTime
	}
}

// Overdue reports whether the deadline has passed, whatever the status.
func (i Issue) Overdue(now time.Time) bool {
	return i.SLA(now) == SLAOverdue
}
