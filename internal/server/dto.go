package server

import (
	"time"

	"civicsense/internal/config"
	"civicsense/internal/domain"
	"civicsense/internal/lifecycle"
)

// Request payloads

type SignupRequest struct {
	FullName        string `json:"full_name"`
	Email           string `json:"email" format:"email"`
	Password        string `json:"password" minLength:"8"`
	ConfirmPassword string `json:"confirm_password,omitempty"`
	Role            string `json:"role" enum:"citizen,user,worker,officer"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type SubmitIssueRequest struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Category    string              `json:"category"`
	Priority    string              `json:"priority,omitempty" enum:"low,medium,high,critical"`
	Location    string              `json:"location"`
	Coordinates *domain.Coordinates `json:"coordinates,omitempty"`
	Images      []string            `json:"images,omitempty" maxItems:"3"`
}

func (r SubmitIssueRequest) submission() lifecycle.Submission {
	return lifecycle.Submission{
		Title:       r.Title,
		Description: r.Description,
		Category:    r.Category,
		Priority:    r.Priority,
		Location:    r.Location,
		Coordinates: r.Coordinates,
		Images:      r.Images,
	}
}

type TransitionRequest struct {
	Status string `json:"status"`
}

type AssignRequest struct {
	AssigneeID string `json:"assignee_id"`
}

type AddUpdateRequest struct {
	Message string `json:"message"`
}

// Response payloads

type LoginResponse struct {
	Token    string         `json:"token"`
	Profile  domain.Profile `json:"profile"`
	Redirect string         `json:"redirect"`
}

type MeResponse struct {
	domain.Identity
	View     lifecycle.View `json:"view"`
	Redirect string         `json:"redirect"`
}

// IssueResponse is an issue plus the labels the dashboards render.
type IssueResponse struct {
	domain.Issue
	StatusLabel string          `json:"status_label"`
	SLAStatus   domain.SLAState `json:"sla_status"`
}

func issueResponse(is domain.Issue, now time.Time) IssueResponse {
	return IssueResponse{Issue: is, StatusLabel: is.Status.Style().Label, SLAStatus: is.SLA(now)}
}

func mapIssues(items []domain.Issue, now time.Time) []IssueResponse {
	out := make([]IssueResponse, 0, len(items))
	for _, is := range items {
		out = append(out, issueResponse(is, now))
	}
	return out
}

type paginatedIssues struct {
	Items      []IssueResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type CategoryResponse struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

func mapCategories(cats []config.Category) []CategoryResponse {
	out := make([]CategoryResponse, 0, len(cats))
	for _, c := range cats {
		out = append(out, CategoryResponse(c))
	}
	return out
}

type UploadFailure struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

type UploadResponse struct {
	URLs   []string        `json:"urls"`
	Failed []UploadFailure `json:"failed,omitempty"`
}

// FeedReady is the first event of a feed stream. Changes committed after it
// are delivered.
type FeedReady struct {
	Topic  string `json:"topic"`
	Filter string `json:"filter"`
}
