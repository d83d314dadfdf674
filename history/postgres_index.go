package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// PostgresIndex implements Index on the history_visits table
type PostgresIndex struct {
	db *sql.DB
}

// NewPostgresIndex creates a PostgreSQL-backed Index
func NewPostgresIndex(db *sql.DB) *PostgresIndex {
	return &PostgresIndex{db: db}
}

// Insert stores a visit
func (p *PostgresIndex) Insert(ctx context.Context, v Visit) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO history_visits (id, url, original_url, domain, visited_at)
		VALUES ($1, $2, $3, $4, $5)
	`, v.ID, v.URL, v.OriginalURL, v.Domain, v.VisitedAt)
	if err != nil {
		return fmt.Errorf("failed to insert visit: %w", err)
	}
	return nil
}

// Search runs q against history_visits, newest first.
// q is expected to be normalized.
func (p *PostgresIndex) Search(ctx context.Context, q Query) ([]Visit, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Keyword != "" {
		where = append(where, "strpos(lower(url), lower("+arg(q.Keyword)+")) > 0")
	}
	if q.Domain != "" {
		where = append(where, "domain = "+arg(q.Domain))
	}
	if q.StartTime != nil {
		where = append(where, "visited_at >= "+arg(*q.StartTime))
	}
	if q.EndTime != nil {
		where = append(where, "visited_at <= "+arg(*q.EndTime))
	}

	query := `SELECT id, url, original_url, domain, visited_at FROM history_visits`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY visited_at DESC, id ASC LIMIT " + arg(q.PageSize) + " OFFSET " + arg(q.Offset())

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search visits: %w", err)
	}
	defer rows.Close()

	visits := []Visit{}
	for rows.Next() {
		var v Visit
		if err := rows.Scan(&v.ID, &v.URL, &v.OriginalURL, &v.Domain, &v.VisitedAt); err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		visits = append(visits, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating visits: %w", err)
	}

	return visits, nil
}

// Ping checks the database connection
func (p *PostgresIndex) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

var _ Index = (*PostgresIndex)(nil)
