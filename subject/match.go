// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package subject

import "strings"

const (
	// Separator splits a subject into tokens.
	Separator = "."
	// Wildcard matches exactly one token.
	Wildcard = "*"
	// FullWildcard matches one or more trailing tokens and must be last.
	FullWildcard = ">"
)

// Match reports whether subj matches the filter.
// Rules:
// - filter tokens may be '*' (single token) or '>' (one or more trailing tokens).
// - subj is a concrete subject without wildcards.
// - empty filter or subject never match.
func Match(filter, subj string) bool {
	if filter == "" || subj == "" {
		return false
	}
	if filter == subj {
		return true
	}

	filterTokens := strings.Split(filter, Separator)
	subjTokens := strings.Split(subj, Separator)

	for i, ft := range filterTokens {
		if i >= len(subjTokens) {
			return false
		}
		switch ft {
		case FullWildcard:
			// '>' needs at least one token left, which the bound check above guarantees.
			return i == len(filterTokens)-1
		case Wildcard:
			continue
		}
		if ft != subjTokens[i] {
			return false
		}
	}

	return len(filterTokens) == len(subjTokens)
}

// HasWildcards reports whether the filter contains '*' or '>' tokens.
func HasWildcards(filter string) bool {
	for _, t := range strings.Split(filter, Separator) {
		if t == Wildcard || t == FullWildcard {
			return true
		}
	}
	return false
}
