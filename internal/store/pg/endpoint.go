package pg

import (
	"context"
	"database/sql"
	"errors"

	"krepost.org/internal/endpoint"
)

var _ endpoint.Store = (*Store)(nil)

const ruleColumns = `id, service_name, method, pattern, resource, action, priority, active, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*endpoint.Rule, error) {
	var rule endpoint.Rule
	err := row.Scan(&rule.ID, &rule.ServiceName, &rule.Method, &rule.Pattern,
		&rule.Resource, &rule.Action, &rule.Priority, &rule.Active,
		&rule.CreatedAt, &rule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, endpoint.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *Store) CreateRule(ctx context.Context, rule *endpoint.Rule) error {
	_, err := s.db.ExecContext(ctx, `
		insert into endpoint_rules (id, service_name, method, pattern, resource, action, priority, active, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rule.ID, rule.ServiceName, rule.Method, rule.Pattern, rule.Resource,
		rule.Action, rule.Priority, rule.Active, rule.CreatedAt, rule.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return endpoint.ErrDuplicateRule
	}
	return err
}

func (s *Store) GetRule(ctx context.Context, id string) (*endpoint.Rule, error) {
	return scanRule(s.db.QueryRowContext(ctx, `select `+ruleColumns+` from endpoint_rules where id = $1`, id))
}

func (s *Store) ListRules(ctx context.Context) ([]*endpoint.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+ruleColumns+` from endpoint_rules
		order by service_name, method, priority desc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*endpoint.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (s *Store) UpdateRule(ctx context.Context, rule *endpoint.Rule) error {
	res, err := s.db.ExecContext(ctx, `
		update endpoint_rules
		set resource = $2, action = $3, priority = $4, active = $5, updated_at = $6
		where id = $1
	`, rule.ID, rule.Resource, rule.Action, rule.Priority, rule.Active, rule.UpdatedAt)
	if err != nil {
		return err
	}
	return requireRow(res, endpoint.ErrNotFound)
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from endpoint_rules where id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, endpoint.ErrNotFound)
}
