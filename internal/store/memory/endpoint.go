package memory

import (
	"context"

	"krepost.org/internal/endpoint"
)

type ruleRow struct{ rule endpoint.Rule }

var _ endpoint.Store = (*Store)(nil)

func (s *Store) CreateRule(_ context.Context, rule *endpoint.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rules {
		if row.rule.ServiceName == rule.ServiceName &&
			row.rule.Method == rule.Method &&
			row.rule.Pattern == rule.Pattern {
			return endpoint.ErrDuplicateRule
		}
	}
	s.rules[rule.ID] = ruleRow{rule: *rule}
	return nil
}

func (s *Store) GetRule(_ context.Context, id string) (*endpoint.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rules[id]
	if !ok {
		return nil, endpoint.ErrNotFound
	}
	rule := row.rule
	return &rule, nil
}

func (s *Store) ListRules(_ context.Context) ([]*endpoint.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*endpoint.Rule, 0, len(s.rules))
	for _, id := range sortedKeys(s.rules) {
		rule := s.rules[id].rule
		out = append(out, &rule)
	}
	return out, nil
}

func (s *Store) UpdateRule(_ context.Context, rule *endpoint.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[rule.ID]; !ok {
		return endpoint.ErrNotFound
	}
	s.rules[rule.ID] = ruleRow{rule: *rule}
	return nil
}

func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return endpoint.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}
