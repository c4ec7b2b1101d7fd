package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"taskgate/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (TaskStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/taskgate?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, rebind: dollarPlaceholders}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			done INTEGER NOT NULL DEFAULT 0
		)`,
	})
}

func (s *postgresStore) Create(ctx context.Context, title string) (model.Task, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `INSERT INTO tasks (title, done) VALUES ($1, $2) RETURNING id`, title, 0).Scan(&id)
	if err != nil {
		return model.Task{}, err
	}
	return model.Task{ID: id, Title: title, Done: false}, nil
}

// dollarPlaceholders rewrites '?' to $1, $2, ... The queries it sees never
// contain literal question marks.
func dollarPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
