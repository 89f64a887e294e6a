// ABOUTME: Keyword include/exclude predicate for inbound message text.
// ABOUTME: Pure functions, safe to call from any number of goroutines.

package filter

import "strings"

// Policy holds a user's keyword filter. Both lists may be empty, in
// which case every text passes. Matching is case-insensitive substring.
type Policy struct {
	Include []string
	Exclude []string
}

// ParseKeywords splits a comma-delimited keyword string into terms.
// Terms are trimmed; terms that are empty after trimming are dropped.
func ParseKeywords(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	terms := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			terms = append(terms, t)
		}
	}
	return terms
}

// Passes reports whether text satisfies the policy.
// If Include is non-empty, at least one include term must match.
// Any matching Exclude term rejects the text, even if an include matched.
func (p Policy) Passes(text string) bool {
	t := strings.ToLower(text)

	if len(p.Include) > 0 {
		matched := false
		for _, term := range p.Include {
			if strings.Contains(t, strings.ToLower(term)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, term := range p.Exclude {
		if strings.Contains(t, strings.ToLower(term)) {
			return false
		}
	}

	return true
}
