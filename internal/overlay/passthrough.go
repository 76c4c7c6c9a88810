// Copyright 2025 BranchFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package overlay

import (
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"branchfs/internal/common"
)

// PassthroughFilter decides which paths bypass the upper layer.
// Matched paths read and write the lower layer directly: no whiteouts,
// no copy-up, no identity interning.
//
// Rules use glob syntax where `*` matches a single path component and
// `**` matches any depth. A rule `dir/**` also matches `dir` itself,
// and ancestors of a rule prefix match so that traversal into the
// passthrough subtree works.
type PassthroughFilter struct {
	rules    []string
	matcher  *gitignore.GitIgnore
	prefixes []string // "dir" for each "dir/**" rule
}

// NewPassthroughFilter compiles the given rules. An empty rule set
// matches nothing.
func NewPassthroughFilter(rules []string) *PassthroughFilter {
	f := &PassthroughFilter{rules: rules}
	if len(rules) == 0 {
		return f
	}
	f.matcher = gitignore.CompileIgnoreLines(rules...)
	for _, rule := range rules {
		if prefix, ok := strings.CutSuffix(rule, "/**"); ok {
			f.prefixes = append(f.prefixes, common.NormalizePath(prefix))
		}
	}
	return f
}

// Rules returns the rules the filter was built from.
func (f *PassthroughFilter) Rules() []string {
	return f.rules
}

// Match reports whether the path is passthrough. The membership query
// is synchronous and safe for concurrent use.
func (f *PassthroughFilter) Match(rel string) bool {
	if f.matcher == nil {
		return false
	}
	rel = common.NormalizePath(rel)
	if rel == "" {
		return false
	}
	if f.matcher.MatchesPath(rel) {
		return true
	}
	// A rule "dir/**" covers "dir" itself, and every ancestor of the
	// rule prefix must stay reachable for lookups to descend into it.
	for _, prefix := range f.prefixes {
		if rel == prefix || common.IsAncestor(rel, prefix) {
			return true
		}
	}
	return false
}
