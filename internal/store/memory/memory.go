// Package memory provides a mutex-guarded in-memory implementation of
// every store interface. It backs the test suites and single-node dev
// runs; production deployments use the pg store so restarts do not drop
// sessions or grants.
package memory

import (
	"sort"
	"strings"
	"sync"
)

// Store implements authz.Store, authn.UserStore, session.Store and
// endpoint.Store. A single mutex guards all maps, which also makes the
// session count-evict-insert sequence atomic per subject.
type Store struct {
	mu sync.Mutex

	users map[string]userRow

	roles     map[string]roleRow
	perms     map[string]permRow
	rolePerms map[string]map[string]struct{} // roleID -> permID set
	grants    map[string]assignmentRow       // userID|roleID

	sessions map[string]sessionRow

	rules map[string]ruleRow
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:     make(map[string]userRow),
		roles:     make(map[string]roleRow),
		perms:     make(map[string]permRow),
		rolePerms: make(map[string]map[string]struct{}),
		grants:    make(map[string]assignmentRow),
		sessions:  make(map[string]sessionRow),
		rules:     make(map[string]ruleRow),
	}
}

func grantKey(userID, roleID string) string {
	return userID + "|" + roleID
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
