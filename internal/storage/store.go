package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"taskgate/internal/config"
	"taskgate/internal/model"
)

var (
	ErrNotFound = errors.New("task not found")
	ErrDisabled = errors.New("storage disabled")
)

// TaskUpdate carries optional fields; nil leaves the stored value unchanged.
type TaskUpdate struct {
	Title *string
	Done  *bool
}

type TaskStore interface {
	Init(ctx context.Context) error
	Close() error
	List(ctx context.Context) ([]model.Task, error)
	Create(ctx context.Context, title string) (model.Task, error)
	Get(ctx context.Context, id int64) (model.Task, error)
	Update(ctx context.Context, id int64, upd TaskUpdate) (model.Task, error)
	Delete(ctx context.Context, id int64) error
}

func NewStore(cfg config.StorageConfig) (TaskStore, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

// baseStore holds the CRUD shared by both drivers. Queries are written with
// '?' placeholders and rebound for drivers that need '$n'.
type baseStore struct {
	db     *sql.DB
	rebind func(string) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) q(query string) string {
	if b.rebind == nil {
		return query
	}
	return b.rebind(query)
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (b *baseStore) List(ctx context.Context) ([]model.Task, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, title, done FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Task, 0)
	for rows.Next() {
		var t model.Task
		var done int
		if err := rows.Scan(&t.ID, &t.Title, &done); err != nil {
			return nil, err
		}
		t.Done = done != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (b *baseStore) Get(ctx context.Context, id int64) (model.Task, error) {
	var t model.Task
	var done int
	err := b.db.QueryRowContext(ctx, b.q(`SELECT id, title, done FROM tasks WHERE id = ?`), id).
		Scan(&t.ID, &t.Title, &done)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	if err != nil {
		return model.Task{}, err
	}
	t.Done = done != 0
	return t, nil
}

func (b *baseStore) Update(ctx context.Context, id int64, upd TaskUpdate) (model.Task, error) {
	current, err := b.Get(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if upd.Title != nil {
		current.Title = *upd.Title
	}
	if upd.Done != nil {
		current.Done = *upd.Done
	}
	res, err := b.db.ExecContext(ctx, b.q(`UPDATE tasks SET title = ?, done = ? WHERE id = ?`),
		current.Title, boolToInt(current.Done), id)
	if err != nil {
		return model.Task{}, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.Task{}, ErrNotFound
	}
	return current, nil
}

func (b *baseStore) Delete(ctx context.Context, id int64) error {
	res, err := b.db.ExecContext(ctx, b.q(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
