package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"taskgate/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (TaskStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:taskgate.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer avoids SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			done INTEGER DEFAULT 0
		)`,
	})
}

func (s *sqliteStore) Create(ctx context.Context, title string) (model.Task, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO tasks (title, done) VALUES (?, ?)`, title, 0)
	if err != nil {
		return model.Task{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Task{}, err
	}
	return model.Task{ID: id, Title: title, Done: false}, nil
}
