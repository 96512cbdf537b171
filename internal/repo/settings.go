package repo

import (
	"context"
	"database/sql"
	"time"

	"civicsense/internal/config"
	"civicsense/internal/domain"
)

const configKey = "config"

// UpsertConfig stores the validated config so the server and CLI sharing a
// workspace agree on categories and SLA hours.
func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	doc, err := cfg.YAML()
	if err != nil {
		return err
	}
	now := domain.FormatTime(time.Now())
	_, err = r.DB.ExecContext(ctx, `INSERT INTO settings(key,value,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`, configKey, doc, now)
	return err
}

func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var doc string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, configKey).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(doc))
}
