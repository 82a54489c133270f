package endpoint

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"krepost.org/internal/ids"
)

// Registry answers "which permission does this request require". Rules
// are persisted through Store and mirrored into an in-memory index keyed
// by method so the lookup path never touches the database. Mutations
// rebuild the index; lookups are read-locked only.
type Registry struct {
	store Store
	now   func() time.Time

	mu    sync.RWMutex
	index map[indexKey][]compiledRule
}

type indexKey struct {
	service string
	method  string
}

type compiledRule struct {
	rule    Rule
	pattern *Pattern
}

// Option configures Registry behavior.
type Option func(*Registry)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRegistry constructs a Registry and loads the current rule set.
func NewRegistry(ctx context.Context, store Store, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	r := &Registry{
		store: store,
		now:   time.Now,
		index: make(map[indexKey][]compiledRule),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rebuilds the in-memory index from the store. Rules whose
// pattern no longer compiles are skipped; a bad row must not take the
// whole registry down.
func (r *Registry) Reload(ctx context.Context) error {
	rules, err := r.store.ListRules(ctx)
	if err != nil {
		return err
	}
	index := make(map[indexKey][]compiledRule)
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		pattern, err := Compile(rule.Pattern)
		if err != nil {
			continue
		}
		key := indexKey{service: rule.ServiceName, method: rule.Method}
		index[key] = append(index[key], compiledRule{rule: *rule, pattern: pattern})
	}
	for key := range index {
		list := index[key]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].rule.Priority > list[j].rule.Priority
		})
		index[key] = list
	}
	r.mu.Lock()
	r.index = index
	r.mu.Unlock()
	return nil
}

// RequiredPermission resolves the permission a request must hold.
// Candidates are rules with an exact method match whose service matches
// exactly or is "*"; the highest-priority rule whose pattern matches the
// path wins. Returns ErrNoRule when nothing matches.
func (r *Registry) RequiredPermission(service, method, path string) (Rule, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *compiledRule
	for _, key := range []indexKey{
		{service: service, method: method},
		{service: AnyService, method: method},
	} {
		for i := range r.index[key] {
			cand := &r.index[key][i]
			if best != nil && cand.rule.Priority <= best.rule.Priority {
				break // lists are priority-sorted
			}
			if cand.pattern.Match(path) {
				best = cand
				break
			}
		}
	}
	if best == nil {
		return Rule{}, ErrNoRule
	}
	return best.rule, nil
}

// CreateRule validates, persists and indexes a new rule.
func (r *Registry) CreateRule(ctx context.Context, rule Rule) (*Rule, error) {
	rule.ServiceName = strings.TrimSpace(rule.ServiceName)
	rule.Method = strings.ToUpper(strings.TrimSpace(rule.Method))
	rule.Pattern = strings.TrimSpace(rule.Pattern)
	rule.Resource = strings.TrimSpace(rule.Resource)
	rule.Action = strings.TrimSpace(rule.Action)
	if rule.ServiceName == "" || rule.Pattern == "" || rule.Resource == "" || rule.Action == "" {
		return nil, fmt.Errorf("%w: service, pattern and required permission are required", ErrInvalidInput)
	}
	if !validMethod(rule.Method) {
		return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidInput, rule.Method)
	}
	if _, err := Compile(rule.Pattern); err != nil {
		return nil, err
	}
	now := r.now().UTC()
	rule.ID = ids.New()
	rule.Active = true
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := r.store.CreateRule(ctx, &rule); err != nil {
		return nil, err
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return &rule, nil
}

// UpdateRule applies a partial update and reindexes.
func (r *Registry) UpdateRule(ctx context.Context, id string, upd RuleUpdate) (*Rule, error) {
	rule, err := r.store.GetRule(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if upd.Priority != nil {
		rule.Priority = *upd.Priority
	}
	if upd.Active != nil {
		rule.Active = *upd.Active
	}
	if upd.Resource != nil {
		res := strings.TrimSpace(*upd.Resource)
		if res == "" {
			return nil, fmt.Errorf("%w: resource is required", ErrInvalidInput)
		}
		rule.Resource = res
	}
	if upd.Action != nil {
		act := strings.TrimSpace(*upd.Action)
		if act == "" {
			return nil, fmt.Errorf("%w: action is required", ErrInvalidInput)
		}
		rule.Action = act
	}
	rule.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateRule(ctx, rule); err != nil {
		return nil, err
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return rule, nil
}

// DeleteRule removes a rule and reindexes.
func (r *Registry) DeleteRule(ctx context.Context, id string) error {
	if err := r.store.DeleteRule(ctx, strings.TrimSpace(id)); err != nil {
		return err
	}
	return r.Reload(ctx)
}

// ListRules returns all persisted rules, active or not.
func (r *Registry) ListRules(ctx context.Context) ([]*Rule, error) {
	return r.store.ListRules(ctx)
}

// RuleUpdate carries optional rule mutations. Service, method and
// pattern form the rule identity and cannot change; delete and recreate
// instead.
type RuleUpdate struct {
	Resource *string
	Action   *string
	Priority *int
	Active   *bool
}

func validMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
