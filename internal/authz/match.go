package authz

import "strings"

// Matches reports whether the held permission satisfies the required one.
// A held resource or action equal to Wildcard satisfies any value in that
// position, so *:* satisfies everything. Pure; never errors.
func Matches(required, held Permission) bool {
	if held.Resource != Wildcard && held.Resource != required.Resource {
		return false
	}
	if held.Action != Wildcard && held.Action != required.Action {
		return false
	}
	return true
}

// ParseAuthority splits a resource:action string. The action part may
// itself contain colons; only the first separator is significant.
func ParseAuthority(authority string) (resource, action string, ok bool) {
	i := strings.IndexByte(authority, ':')
	if i <= 0 || i == len(authority)-1 {
		return "", "", false
	}
	return authority[:i], authority[i+1:], true
}

// AuthoritiesSatisfy reports whether any of the held resource:action
// strings satisfies the requirement, applying wildcard semantics.
// Malformed entries are skipped rather than matched.
func AuthoritiesSatisfy(authorities []string, resource, action string) bool {
	required := Permission{Resource: resource, Action: action}
	for _, a := range authorities {
		res, act, ok := ParseAuthority(a)
		if !ok {
			continue
		}
		if Matches(required, Permission{Resource: res, Action: act}) {
			return true
		}
	}
	return false
}
