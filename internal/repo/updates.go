package repo

import (
	"context"
	"database/sql"
	"errors"

	"civicsense/internal/domain"
)

// InsertUpdate appends to an issue's trail. There is no edit or delete.
func (r Repo) InsertUpdate(ctx context.Context, tx *sql.Tx, u domain.IssueUpdate) error {
	if u.ID == "" || u.IssueID == "" || u.UserID == "" {
		return errors.New("id, issue_id and user_id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO issue_updates(id,issue_id,user_id,message,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.IssueID, u.UserID, u.Message, u.CreatedAt)
	return err
}

// ListUpdates returns the trail oldest first.
func (r Repo) ListUpdates(ctx context.Context, issueID string) ([]domain.IssueUpdate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,issue_id,user_id,message,created_at FROM issue_updates WHERE issue_id=? ORDER BY created_at ASC, id ASC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IssueUpdate
	for rows.Next() {
		var u domain.IssueUpdate
		if err := rows.Scan(&u.ID, &u.IssueID, &u.UserID, &u.Message, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) CountUpdates(ctx context.Context, issueID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM issue_updates WHERE issue_id=?`, issueID).Scan(&n)
	return n, err
}
