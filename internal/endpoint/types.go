package endpoint

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("endpoint: not found")
	ErrInvalidInput = errors.New("endpoint: invalid input")

	// ErrDuplicateRule is returned when a rule with the same
	// (service, method, pattern) triple already exists.
	ErrDuplicateRule = errors.New("endpoint: duplicate rule")

	// ErrNoRule is returned when no registered rule matches a request.
	// The edge treats this as a deny.
	ErrNoRule = errors.New("endpoint: no matching rule")

	// ErrInvalidPattern is returned for glob patterns that do not compile.
	ErrInvalidPattern = errors.New("endpoint: invalid path pattern")
)

// AnyService in the service position matches requests for every service.
const AnyService = "*"

// Rule maps (service, HTTP method, path pattern) to the permission a
// caller must hold. Higher priority wins when several patterns match.
type Rule struct {
	ID          string    `json:"id"`
	ServiceName string    `json:"service_name"`
	Method      string    `json:"http_method"`
	Pattern     string    `json:"endpoint_pattern"`
	Resource    string    `json:"required_resource"`
	Action      string    `json:"required_action"`
	Priority    int       `json:"priority"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
