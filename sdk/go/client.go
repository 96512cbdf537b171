// Package civicsdk is a client for the civicsense HTTP API. Client satisfies
// the dashboard store and Feed the dashboard change feed, so a dashboard can
// run against a remote server exactly as it does against a local engine.
package civicsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"civicsense/internal/domain"
	"civicsense/internal/engine"
	"civicsense/internal/identity"
	"civicsense/internal/lifecycle"
	"civicsense/internal/repo"
)

// Client is a civicsense HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// Session follows who the token belongs to. Login and Me sign in, Logout
	// and any 401 on an authenticated request sign out.
	Session *identity.Session
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
		Session:     identity.NewSession(),
	}
}

// Issue is the API issue model with its display fields.
type Issue struct {
	domain.Issue
	StatusLabel string `json:"status_label"`
	SLAStatus   string `json:"sla_status"`
}

// Me is the signed-in user with the dashboard they land on.
type Me struct {
	domain.Identity
	View     string `json:"view"`
	Redirect string `json:"redirect"`
}

// Category is one entry of the category catalog.
type Category struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Uploaded lists stored image urls and the files that were refused.
type Uploaded struct {
	URLs   []string `json:"urls"`
	Failed []struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"failed,omitempty"`
}

// PaginatedIssues wraps issue listings with cursors.
type PaginatedIssues struct {
	Items      []Issue `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// APIError wraps non-2xx responses. It unwraps to the typed error the
// server reported, so errors.As works across the wire.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	detail := func(k string) string {
		v, _ := e.Details[k].(string)
		return v
	}
	switch {
	case e.Code == "validation_failed" || e.StatusCode == http.StatusBadRequest:
		if f := detail("field"); f != "" {
			return &lifecycle.ValidationError{Field: f, Reason: detail("reason")}
		}
		return &lifecycle.ValidationError{Field: "request", Reason: e.Message}
	case e.StatusCode == http.StatusForbidden:
		return &lifecycle.AuthorizationError{Role: domain.Role(detail("role")), Action: detail("action")}
	case e.StatusCode == http.StatusNotFound:
		return repo.ErrNotFound
	case e.StatusCode >= 500:
		return &lifecycle.StoreError{Op: e.Code, Err: fmt.Errorf("status %d: %s", e.StatusCode, e.Message)}
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	out := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		out.Code = env.Error.Code
		out.Message = env.Error.Message
		out.Details = env.Error.Details
	}
	return out
}

// Signup creates an account.
func (c *Client) Signup(ctx context.Context, fullName, email, password, role string) (domain.Profile, error) {
	body := map[string]any{
		"full_name": fullName,
		"email":     email,
		"password":  password,
		"role":      role,
	}
	var resp domain.Profile
	err := c.do(ctx, http.MethodPost, "auth/signup", body, &resp)
	return resp, err
}

// Login exchanges credentials for a token and keeps it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (string, domain.Profile, error) {
	var resp struct {
		Token    string         `json:"token"`
		Profile  domain.Profile `json:"profile"`
		Redirect string         `json:"redirect"`
	}
	body := map[string]any{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return "", domain.Profile{}, err
	}
	c.BearerToken = resp.Token
	c.session().SignIn(resp.Token, identity.IdentityOf(resp.Profile))
	return resp.Token, resp.Profile, nil
}

// Me resolves the current token.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	if err := c.do(ctx, http.MethodGet, "me", nil, &resp); err != nil {
		return Me{}, err
	}
	c.session().SignIn(c.BearerToken, resp.Identity)
	return resp, nil
}

// Logout drops the token. Tokens are stateless, so the server is not called.
func (c *Client) Logout() {
	c.BearerToken = ""
	c.session().SignOut()
}

func (c *Client) session() *identity.Session {
	if c.Session == nil {
		c.Session = identity.NewSession()
	}
	return c.Session
}

// checkAuth signs the session out when the server no longer accepts the
// token req carried.
func (c *Client) checkAuth(req *http.Request, status int) {
	if status == http.StatusUnauthorized && req.Header.Get("Authorization") != "" {
		c.session().SignOut()
	}
}

// Categories returns the category catalog.
func (c *Client) Categories(ctx context.Context) ([]Category, error) {
	var resp []Category
	err := c.do(ctx, http.MethodGet, "categories", nil, &resp)
	return resp, err
}

// IssuesPage lists one page of a dashboard view.
func (c *Client) IssuesPage(ctx context.Context, view lifecycle.View, p engine.Page, cursor string) (PaginatedIssues, error) {
	q := url.Values{}
	if view != "" {
		q.Set("view", string(view))
	}
	if p.Status != "" {
		q.Set("status", p.Status)
	}
	if p.Category != "" {
		q.Set("category", p.Category)
	}
	if p.OrderBySLA {
		q.Set("order", "sla")
	}
	if p.Limit > 0 {
		q.Set("limit", fmt.Sprint(p.Limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedIssues
	err := c.do(ctx, http.MethodGet, withQuery("issues", q), nil, &resp)
	return resp, err
}

// ListIssues returns the issues of view. The acting user is the token's
// owner; actor is accepted so Client can stand in for the engine.
func (c *Client) ListIssues(ctx context.Context, _ domain.Identity, view lifecycle.View, p engine.Page) ([]domain.Issue, error) {
	cursor := ""
	if p.CursorReportedAt != "" && p.CursorID != "" {
		cursor = p.CursorReportedAt + "|" + p.CursorID
	}
	page, err := c.IssuesPage(ctx, view, p, cursor)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Issue, 0, len(page.Items))
	for _, is := range page.Items {
		out = append(out, is.Issue)
	}
	return out, nil
}

// Issue fetches one issue.
func (c *Client) Issue(ctx context.Context, id string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, "issues/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) SubmitIssue(ctx context.Context, _ domain.Identity, sub lifecycle.Submission) (domain.Issue, error) {
	body := map[string]any{
		"title":       sub.Title,
		"description": sub.Description,
		"category":    sub.Category,
		"location":    sub.Location,
	}
	if sub.Priority != "" {
		body["priority"] = sub.Priority
	}
	if sub.Coordinates != nil {
		body["coordinates"] = sub.Coordinates
	}
	if len(sub.Images) > 0 {
		body["images"] = sub.Images
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues", body, &resp)
	return resp.Issue, err
}

func (c *Client) TransitionIssue(ctx context.Context, _ domain.Identity, id, status string) (domain.Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues/"+url.PathEscape(id)+"/status", map[string]any{"status": status}, &resp)
	return resp.Issue, err
}

func (c *Client) AssignIssue(ctx context.Context, _ domain.Identity, id, assigneeID string) (domain.Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodPost, "issues/"+url.PathEscape(id)+"/assign", map[string]any{"assignee_id": assigneeID}, &resp)
	return resp.Issue, err
}

// DeleteIssue removes an issue and its trail.
func (c *Client) DeleteIssue(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "issues/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListUpdates(ctx context.Context, _ domain.Identity, issueID string) ([]domain.IssueUpdate, error) {
	var resp []domain.IssueUpdate
	err := c.do(ctx, http.MethodGet, "issues/"+url.PathEscape(issueID)+"/updates", nil, &resp)
	return resp, err
}

func (c *Client) AddUpdate(ctx context.Context, _ domain.Identity, issueID, message string) (domain.IssueUpdate, error) {
	var resp domain.IssueUpdate
	err := c.do(ctx, http.MethodPost, "issues/"+url.PathEscape(issueID)+"/updates", map[string]any{"message": message}, &resp)
	return resp, err
}

// Stats returns the counters of view.
func (c *Client) Stats(ctx context.Context, view lifecycle.View) (domain.Stats, error) {
	q := url.Values{}
	if view != "" {
		q.Set("view", string(view))
	}
	var resp domain.Stats
	err := c.do(ctx, http.MethodGet, withQuery("stats", q), nil, &resp)
	return resp, err
}

// Profiles lists assignable profiles, optionally of one role.
func (c *Client) Profiles(ctx context.Context, role domain.Role) ([]domain.Profile, error) {
	q := url.Values{}
	if role != "" {
		q.Set("role", string(role))
	}
	var resp []domain.Profile
	err := c.do(ctx, http.MethodGet, withQuery("profiles", q), nil, &resp)
	return resp, err
}

// Events returns recent change log entries.
func (c *Client) Events(ctx context.Context, topic string, limit int) ([]domain.Event, error) {
	page, err := c.EventsPage(ctx, topic, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, topic string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if topic != "" {
		q.Set("topic", topic)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

// Upload stores images and returns their urls. Refused files are listed in
// Failed and do not fail the call.
func (c *Client) Upload(ctx context.Context, files map[string]io.Reader) (Uploaded, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, r := range files {
		part, err := mw.CreateFormFile("images", name)
		if err != nil {
			return Uploaded{}, err
		}
		if _, err := io.Copy(part, r); err != nil {
			return Uploaded{}, err
		}
	}
	if err := mw.Close(); err != nil {
		return Uploaded{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "uploads", &buf)
	if err != nil {
		return Uploaded{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var resp Uploaded
	err = c.send(req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := c.newRequest(ctx, method, endpoint, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL(endpoint), body)
	if err != nil {
		return nil, err
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return &lifecycle.StoreError{Op: req.Method + " " + req.URL.Path, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.checkAuth(req, resp.StatusCode)
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) apiURL(p string) string {
	return c.base() + "/v1/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}
