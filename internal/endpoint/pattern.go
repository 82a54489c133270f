package endpoint

import (
	"fmt"
	"path"
	"strings"
)

// Pattern is a compiled path glob. Matching semantics:
//
//   - "*" matches exactly one segment's content, never crossing "/"
//   - "?" matches a single character within a segment
//   - "**" matches any sequence of segments, including none
//
// So "/api/v1/users/*" matches "/api/v1/users/42" but not
// "/api/v1/users/42/roles", while "/api/v1/users/**" matches both.
// A lone "**" matches every path.
type Pattern struct {
	raw string

	// decomposition around the first "/**" occurrence; glob holds the
	// whole pattern when no "**" is present.
	universal bool
	glob      string
	prefix    string
	suffix    string
	hasDeep   bool
}

// Compile validates and pre-splits a glob pattern. Patterns with more
// than one "**" are rejected; a malformed pattern must never be able to
// grant or deny by accident.
func Compile(raw string) (*Pattern, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	if strings.Count(trimmed, "**") > 1 {
		return nil, fmt.Errorf("%w: at most one ** is supported", ErrInvalidPattern)
	}

	p := &Pattern{raw: raw}
	switch {
	case trimmed == "**":
		p.universal = true
	case !strings.Contains(trimmed, "**"):
		p.glob = trimmed
	case strings.HasSuffix(trimmed, "/**"):
		p.hasDeep = true
		p.prefix = strings.TrimSuffix(trimmed, "/**")
	case strings.HasPrefix(trimmed, "**/"):
		p.hasDeep = true
		p.suffix = strings.TrimPrefix(trimmed, "**/")
	default:
		i := strings.Index(trimmed, "/**/")
		if i < 0 {
			return nil, fmt.Errorf("%w: ** must occupy a whole segment", ErrInvalidPattern)
		}
		p.hasDeep = true
		p.prefix = trimmed[:i]
		p.suffix = trimmed[i+len("/**/"):]
	}

	for _, piece := range []string{p.glob, p.prefix, p.suffix} {
		if piece == "" {
			continue
		}
		if _, err := path.Match(piece, "probe"); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPattern, raw)
		}
	}
	return p, nil
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Match reports whether the request path satisfies the pattern.
func (p *Pattern) Match(reqPath string) bool {
	target := strings.TrimPrefix(reqPath, "/")
	if p.universal {
		return true
	}
	if !p.hasDeep {
		return globMatch(p.glob, target)
	}

	segments := strings.Split(target, "/")
	prefixDepth := 0
	if p.prefix != "" {
		prefixDepth = strings.Count(p.prefix, "/") + 1
		if len(segments) < prefixDepth {
			return false
		}
		if !globMatch(p.prefix, strings.Join(segments[:prefixDepth], "/")) {
			return false
		}
	}
	suffixDepth := 0
	if p.suffix != "" {
		suffixDepth = strings.Count(p.suffix, "/") + 1
		if len(segments) < prefixDepth+suffixDepth {
			return false
		}
		if !globMatch(p.suffix, strings.Join(segments[len(segments)-suffixDepth:], "/")) {
			return false
		}
	}
	// ** consumes whatever lies between; empty segments would mean a
	// path with consecutive slashes, which never matches.
	for _, seg := range segments[prefixDepth : len(segments)-suffixDepth] {
		if seg == "" {
			return false
		}
	}
	return true
}

// globMatch applies path.Match semantics ("*" and "?" stay within one
// segment) and treats malformed patterns as non-matching.
func globMatch(pattern, s string) bool {
	matched, err := path.Match(pattern, s)
	return err == nil && matched
}
