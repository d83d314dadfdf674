package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

const ruleColumns = `id, pattern, replacement, enabled, order_index, created_at, updated_at`

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (Rule, error) {
	var r Rule
	err := row.Scan(&r.ID, &r.Pattern, &r.Replacement, &r.Enabled,
		&r.OrderIndex, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *PostgresRuleStore) list(ctx context.Context, query string) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w: %w", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var rulesList []Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w: %w", ErrStoreUnavailable, err)
	}

	return rulesList, nil
}

// ListEnabledOrdered returns enabled rules in evaluation order
func (s *PostgresRuleStore) ListEnabledOrdered(ctx context.Context) ([]Rule, error) {
	return s.list(ctx, `
		SELECT `+ruleColumns+`
		FROM normalization_rules
		WHERE enabled = true
		ORDER BY order_index ASC, id ASC
	`)
}

// ListAll returns every rule, including disabled ones
func (s *PostgresRuleStore) ListAll(ctx context.Context) ([]Rule, error) {
	return s.list(ctx, `
		SELECT `+ruleColumns+`
		FROM normalization_rules
		ORDER BY order_index ASC, id ASC
	`)
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id int64) (Rule, error) {
	rule, err := scanRule(s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM normalization_rules
		WHERE id = $1
	`, id))

	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return Rule{}, fmt.Errorf("failed to get rule: %w: %w", ErrStoreUnavailable, err)
	}

	return rule, nil
}

// Create inserts a new rule. A missing order index places the rule last.
func (s *PostgresRuleStore) Create(ctx context.Context, req CreateRuleRequest) (Rule, error) {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	var orderIndex sql.NullInt64
	if req.OrderIndex != nil {
		orderIndex = sql.NullInt64{Int64: int64(*req.OrderIndex), Valid: true}
	}

	rule, err := scanRule(s.db.QueryRowContext(ctx, `
		INSERT INTO normalization_rules (pattern, replacement, enabled, order_index)
		VALUES ($1, $2, $3, COALESCE($4::integer, (SELECT COALESCE(MAX(order_index), 0) + 1 FROM normalization_rules)))
		RETURNING `+ruleColumns,
		req.Pattern, req.Replacement, enabled, orderIndex))
	if err != nil {
		return Rule{}, fmt.Errorf("failed to insert rule: %w: %w", ErrStoreUnavailable, err)
	}

	return rule, nil
}

// Update applies a partial update in one statement. Nil fields keep the
// stored value, so concurrent updates of different fields both land.
func (s *PostgresRuleStore) Update(ctx context.Context, id int64, req UpdateRuleRequest) (Rule, error) {
	var (
		pattern     sql.NullString
		replacement sql.NullString
		enabled     sql.NullBool
		orderIndex  sql.NullInt64
	)
	if req.Pattern != nil {
		pattern = sql.NullString{String: *req.Pattern, Valid: true}
	}
	if req.Replacement != nil {
		replacement = sql.NullString{String: *req.Replacement, Valid: true}
	}
	if req.Enabled != nil {
		enabled = sql.NullBool{Bool: *req.Enabled, Valid: true}
	}
	if req.OrderIndex != nil {
		orderIndex = sql.NullInt64{Int64: int64(*req.OrderIndex), Valid: true}
	}

	rule, err := scanRule(s.db.QueryRowContext(ctx, `
		UPDATE normalization_rules
		SET pattern = COALESCE($1::text, pattern),
		    replacement = COALESCE($2::text, replacement),
		    enabled = COALESCE($3::boolean, enabled),
		    order_index = COALESCE($4::integer, order_index),
		    updated_at = NOW()
		WHERE id = $5
		RETURNING `+ruleColumns,
		pattern, replacement, enabled, orderIndex, id))

	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return Rule{}, fmt.Errorf("failed to update rule: %w: %w", ErrStoreUnavailable, err)
	}

	return rule, nil
}

// Delete removes a rule from the database
func (s *PostgresRuleStore) Delete(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM normalization_rules
		WHERE id = $1
	`, id)

	if err != nil {
		return fmt.Errorf("failed to delete rule: %w: %w", ErrStoreUnavailable, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %d: %w", id, ErrRuleNotFound)
	}

	return nil
}

// Count returns the total number of rules
func (s *PostgresRuleStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM normalization_rules`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rules: %w: %w", ErrStoreUnavailable, err)
	}
	return count, nil
}

// Ping checks the database connection
func (s *PostgresRuleStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

var _ RuleStore = (*PostgresRuleStore)(nil)
