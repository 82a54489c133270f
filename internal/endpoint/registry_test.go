package endpoint_test

import (
	"context"
	"errors"
	"testing"

	"krepost.org/internal/endpoint"
	"krepost.org/internal/store/memory"
)

func newTestRegistry(t *testing.T) *endpoint.Registry {
	t.Helper()
	reg, err := endpoint.NewRegistry(context.Background(), memory.New())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func mustCreate(t *testing.T, reg *endpoint.Registry, rule endpoint.Rule) *endpoint.Rule {
	t.Helper()
	created, err := reg.CreateRule(context.Background(), rule)
	if err != nil {
		t.Fatalf("CreateRule(%+v): %v", rule, err)
	}
	return created
}

func TestRequiredPermissionPriorityWins(t *testing.T) {
	reg := newTestRegistry(t)
	mustCreate(t, reg, endpoint.Rule{
		ServiceName: "ledger", Method: "GET", Pattern: "/api/v1/**",
		Resource: "ledger", Action: "read", Priority: 0,
	})
	mustCreate(t, reg, endpoint.Rule{
		ServiceName: "ledger", Method: "GET", Pattern: "/api/v1/admin/**",
		Resource: "ledger", Action: "admin", Priority: 10,
	})

	rule, err := reg.RequiredPermission("ledger", "GET", "/api/v1/admin/reports")
	if err != nil {
		t.Fatalf("RequiredPermission: %v", err)
	}
	if rule.Action != "admin" {
		t.Fatalf("expected the higher-priority rule, got %s:%s", rule.Resource, rule.Action)
	}

	rule, err = reg.RequiredPermission("ledger", "GET", "/api/v1/accounts")
	if err != nil {
		t.Fatalf("RequiredPermission: %v", err)
	}
	if rule.Action != "read" {
		t.Fatalf("expected the catch-all rule, got %s:%s", rule.Resource, rule.Action)
	}
}

func TestRequiredPermissionAnyServiceFallback(t *testing.T) {
	reg := newTestRegistry(t)
	mustCreate(t, reg, endpoint.Rule{
		ServiceName: endpoint.AnyService, Method: "GET", Pattern: "/api/**",
		Resource: "generic", Action: "read", Priority: 0,
	})
	mustCreate(t, reg, endpoint.Rule{
		ServiceName: "billing", Method: "GET", Pattern: "/api/**",
		Resource: "billing", Action: "read", Priority: 0,
	})

	rule, err := reg.RequiredPermission("billing", "GET", "/api/invoices")
	if err != nil {
		t.Fatalf("RequiredPermission: %v", err)
	}
	if rule.Resource != "billing" {
		t.Fatalf("exact service must win over wildcard, got %s", rule.Resource)
	}

	rule, err = reg.RequiredPermission("reports", "GET", "/api/summary")
	if err != nil {
		t.Fatalf("RequiredPermission: %v", err)
	}
	if rule.Resource != "generic" {
		t.Fatalf("expected the wildcard-service rule, got %s", rule.Resource)
	}
}

func TestRequiredPermissionNoRule(t *testing.T) {
	reg := newTestRegistry(t)
	mustCreate(t, reg, endpoint.Rule{
		ServiceName: "ledger", Method: "GET", Pattern: "/api/**",
		Resource: "ledger", Action: "read",
	})

	if _, err := reg.RequiredPermission("ledger", "POST", "/api/accounts"); !errors.Is(err, endpoint.ErrNoRule) {
		t.Fatalf("expected ErrNoRule for unmatched method, got %v", err)
	}
	if _, err := reg.RequiredPermission("ledger", "GET", "/other"); !errors.Is(err, endpoint.ErrNoRule) {
		t.Fatalf("expected ErrNoRule for unmatched path, got %v", err)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	reg := newTestRegistry(t)

	if _, err := reg.CreateRule(context.Background(), endpoint.Rule{
		ServiceName: "ledger", Method: "FETCH", Pattern: "/api/**",
		Resource: "ledger", Action: "read",
	}); !errors.Is(err, endpoint.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for bad method, got %v", err)
	}

	if _, err := reg.CreateRule(context.Background(), endpoint.Rule{
		ServiceName: "ledger", Method: "GET", Pattern: "/a/**/b/**",
		Resource: "ledger", Action: "read",
	}); !errors.Is(err, endpoint.ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}

	rule := endpoint.Rule{
		ServiceName: "ledger", Method: "GET", Pattern: "/api/**",
		Resource: "ledger", Action: "read",
	}
	mustCreate(t, reg, rule)
	if _, err := reg.CreateRule(context.Background(), rule); !errors.Is(err, endpoint.ErrDuplicateRule) {
		t.Fatalf("expected ErrDuplicateRule, got %v", err)
	}
}

func TestUpdateRuleDeactivates(t *testing.T) {
	reg := newTestRegistry(t)
	created := mustCreate(t, reg, endpoint.Rule{
		ServiceName: "ledger", Method: "GET", Pattern: "/api/**",
		Resource: "ledger", Action: "read",
	})

	inactive := false
	if _, err := reg.UpdateRule(context.Background(), created.ID, endpoint.RuleUpdate{Active: &inactive}); err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if _, err := reg.RequiredPermission("ledger", "GET", "/api/accounts"); !errors.Is(err, endpoint.ErrNoRule) {
		t.Fatalf("deactivated rule must not match, got %v", err)
	}

	active := true
	action := "audit"
	updated, err := reg.UpdateRule(context.Background(), created.ID, endpoint.RuleUpdate{Active: &active, Action: &action})
	if err != nil {
		t.Fatalf("UpdateRule: %v", err)
	}
	if updated.Action != "audit" {
		t.Fatalf("action not updated: %s", updated.Action)
	}
	rule, err := reg.RequiredPermission("ledger", "GET", "/api/accounts")
	if err != nil {
		t.Fatalf("RequiredPermission: %v", err)
	}
	if rule.Action != "audit" {
		t.Fatalf("index not rebuilt after update, got %s", rule.Action)
	}
}

func TestDeleteRuleRemovesFromIndex(t *testing.T) {
	reg := newTestRegistry(t)
	created := mustCreate(t, reg, endpoint.Rule{
		ServiceName: "ledger", Method: "DELETE", Pattern: "/api/v1/accounts/*",
		Resource: "account", Action: "delete",
	})

	if err := reg.DeleteRule(context.Background(), created.ID); err != nil {
		t.Fatalf("DeleteRule: %v", err)
	}
	if _, err := reg.RequiredPermission("ledger", "DELETE", "/api/v1/accounts/42"); !errors.Is(err, endpoint.ErrNoRule) {
		t.Fatalf("deleted rule must not match, got %v", err)
	}
	if err := reg.DeleteRule(context.Background(), created.ID); !errors.Is(err, endpoint.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
