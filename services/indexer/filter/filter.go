// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filter matches namespaces against user supplied patterns.
//
// Patterns use .NET regular expression syntax (lookarounds, named groups,
// inline options) and match case-insensitively anywhere in the name, so
// that pattern files written for the .NET tooling keep working.
package filter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// DefaultMatchTimeout bounds a single pattern evaluation.
const DefaultMatchTimeout = 250 * time.Millisecond

// ErrInvalidPattern is returned for patterns that do not compile.
var ErrInvalidPattern = errors.New("invalid namespace pattern")

// NamespaceFilter holds a compiled set of namespace patterns.
//
// Thread Safety: Safe for concurrent use after construction.
type NamespaceFilter struct {
	patterns []*regexp2.Regexp
	sources  []string
}

// New compiles patterns. Blank patterns are ignored.
//
// Outputs:
//
//	*NamespaceFilter - The filter. Empty when no pattern is given.
//	error - ErrInvalidPattern wrapping the first compile failure.
func New(patterns []string) (*NamespaceFilter, error) {
	f := &NamespaceFilter{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp2.Compile(p, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, p, err)
		}
		re.MatchTimeout = DefaultMatchTimeout
		f.patterns = append(f.patterns, re)
		f.sources = append(f.sources, p)
	}
	return f, nil
}

// MustNew is New for patterns known at compile time.
func MustNew(patterns ...string) *NamespaceFilter {
	f, err := New(patterns)
	if err != nil {
		panic(err)
	}
	return f
}

// Empty reports whether the filter has no patterns.
func (f *NamespaceFilter) Empty() bool { return f == nil || len(f.patterns) == 0 }

// Patterns returns the pattern sources.
func (f *NamespaceFilter) Patterns() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.sources...)
}

// Matches reports whether any pattern matches name. A pattern that times
// out counts as not matching.
func (f *NamespaceFilter) Matches(name string) bool {
	if f == nil {
		return false
	}
	for _, re := range f.patterns {
		if ok, err := re.MatchString(name); err == nil && ok {
			return true
		}
	}
	return false
}

// Allows is the negation of Matches: true if no pattern matches name.
func (f *NamespaceFilter) Allows(name string) bool { return !f.Matches(name) }
