package authz

import "time"

// Wildcard matches any value in the resource or action position.
const Wildcard = "*"

// Permission is a fine-grained capability expressed as resource:action.
type Permission struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Active    bool      `json:"active"`
	System    bool      `json:"system"`
	CreatedAt time.Time `json:"created_at"`
}

// Role groups permissions. System roles reject all mutation.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	System      bool      `json:"system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Assignment grants a role to a user, optionally until ExpiresAt.
type Assignment struct {
	UserID    string     `json:"user_id"`
	RoleID    string     `json:"role_id"`
	GrantedBy string     `json:"granted_by,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
}

// Valid reports whether the assignment currently confers its role.
func (a Assignment) Valid(now time.Time) bool {
	if !a.Active {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Authority renders the permission in the resource:action wire form
// embedded into access tokens and the X-User-Roles header.
func (p Permission) Authority() string {
	return p.Resource + ":" + p.Action
}
