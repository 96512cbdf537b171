package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"civicsense/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type scanner interface {
	Scan(dest ...any) error
}

const issueColumns = `id,title,description,category,priority,location,lat,lng,images_json,status,reported_by,assigned_to,reported_at,sla_deadline,updated_at`

func scanIssue(row scanner) (domain.Issue, error) {
	var is domain.Issue
	var lat, lng sql.NullFloat64
	var images, assignedTo, deadline sql.NullString
	var priority, status string
	err := row.Scan(&is.ID, &is.Title, &is.Description, &is.Category, &priority, &is.Location, &lat, &lng, &images,
		&status, &is.ReportedBy, &assignedTo, &is.ReportedAt, &deadline, &is.UpdatedAt)
	if err == sql.ErrNoRows {
		return is, ErrNotFound
	}
	if err != nil {
		return is, err
	}
	is.Priority = domain.Priority(priority)
	is.Status = domain.Status(status)
	if lat.Valid && lng.Valid {
		is.Coordinates = &domain.Coordinates{Lat: lat.Float64, Lng: lng.Float64}
	}
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &is.Images); err != nil {
			return is, fmt.Errorf("decode images of issue %s: %w", is.ID, err)
		}
	}
	if assignedTo.Valid {
		is.AssignedTo = &assignedTo.String
	}
	if deadline.Valid {
		is.SLADeadline = &deadline.String
	}
	return is, nil
}

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	var lat, lng any
	if is.Coordinates != nil {
		lat, lng = is.Coordinates.Lat, is.Coordinates.Lng
	}
	images, err := marshalStringSlice(is.Images)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		is.ID, is.Title, is.Description, is.Category, string(is.Priority), is.Location, lat, lng, images,
		string(is.Status), is.ReportedBy, nullableStringPtr(is.AssignedTo), is.ReportedAt, nullableStringPtr(is.SLADeadline), is.UpdatedAt)
	return err
}

// UpdateIssue writes the mutable columns: status, assignee and updated_at.
// The reporter, report time and deadline are never rewritten.
func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status=?, assigned_to=?, updated_at=? WHERE id=?`,
		string(is.Status), nullableStringPtr(is.AssignedTo), is.UpdatedAt, is.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteIssue(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	return scanIssue(tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
}

// IssueFilters selects issues. Reporter and assignee are the role predicates.
type IssueFilters struct {
	ReporterID       string
	AssigneeID       string
	IssueID          string
	Status           string
	Category         string
	OrderBySLA       bool
	Limit            int
	CursorReportedAt string
	CursorID         string
}

func (f IssueFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if f.ReporterID != "" {
		clauses = append(clauses, "reported_by=?")
		args = append(args, f.ReporterID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssigneeID)
	}
	if f.IssueID != "" {
		clauses = append(clauses, "id=?")
		args = append(args, f.IssueID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.CursorReportedAt != "" && f.CursorID != "" && !f.OrderBySLA {
		clauses = append(clauses, "(reported_at < ? OR (reported_at = ? AND id < ?))")
		args = append(args, f.CursorReportedAt, f.CursorReportedAt, f.CursorID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// ListIssues returns issues most recent first, or by SLA deadline with
// deadline-less issues last when OrderBySLA is set.
func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	where, args := f.where()
	order := ` ORDER BY reported_at DESC, id DESC`
	if f.OrderBySLA {
		order = ` ORDER BY sla_deadline IS NULL, sla_deadline ASC, reported_at DESC, id DESC`
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

func (r Repo) CountIssuesByStatus(ctx context.Context, f IssueFilters) (map[string]int, error) {
	f.CursorReportedAt, f.CursorID = "", ""
	where, args := f.where()
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM issues `+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// CountOverdue counts issues whose deadline is before now.
func (r Repo) CountOverdue(ctx context.Context, f IssueFilters, now string) (int, error) {
	f.CursorReportedAt, f.CursorID = "", ""
	where, args := f.where()
	if where == "" {
		where = "WHERE sla_deadline IS NOT NULL AND sla_deadline < ?"
	} else {
		where += " AND sla_deadline IS NOT NULL AND sla_deadline < ?"
	}
	args = append(args, now)
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM issues `+where, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func marshalStringSlice(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
