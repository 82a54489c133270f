package endpoint

import "context"

// Store persists endpoint rules. CreateRule enforces uniqueness of the
// (service, method, pattern) triple and returns ErrDuplicateRule on
// violation.
type Store interface {
	CreateRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListRules(ctx context.Context) ([]*Rule, error)
	UpdateRule(ctx context.Context, rule *Rule) error
	DeleteRule(ctx context.Context, id string) error
}
