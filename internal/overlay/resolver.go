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
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
)

// Resolver classifies relative paths against the two layers.
// Every call stats both layers fresh; layer state is never cached, so
// external changes to either layer are visible on the next resolution.
type Resolver struct {
	upper     string
	lower     string
	whiteouts *WhiteoutManager
	filter    *PassthroughFilter
}

// NewResolver returns a resolver over the given layer roots.
func NewResolver(upper, lower string, whiteouts *WhiteoutManager, filter *PassthroughFilter) *Resolver {
	return &Resolver{
		upper:     upper,
		lower:     lower,
		whiteouts: whiteouts,
		filter:    filter,
	}
}

// UpperPath returns the absolute upper-layer path for a relative path.
func (r *Resolver) UpperPath(rel string) string {
	return filepath.Join(r.upper, filepath.FromSlash(common.NormalizePath(rel)))
}

// LowerPath returns the absolute lower-layer path for a relative path.
func (r *Resolver) LowerPath(rel string) string {
	return filepath.Join(r.lower, filepath.FromSlash(common.NormalizePath(rel)))
}

// Resolve determines the layer state of a relative path.
//
// Passthrough paths resolve against the lower layer only and skip the
// whiteout check. For everything else the whiteout marker is consulted
// before layer existence, and a hidden lower entry is suppressed.
func (r *Resolver) Resolve(rel string) (Resolution, error) {
	rel = common.NormalizePath(rel)

	if r.filter.Match(rel) {
		lowerPath := r.LowerPath(rel)
		info, err := os.Lstat(lowerPath)
		switch {
		case err == nil:
			return Resolution{State: StateLowerOnly, RealPath: lowerPath, Info: info, Passthrough: true}, nil
		case os.IsNotExist(err):
			return Resolution{State: StateAbsent, Passthrough: true}, nil
		default:
			return Resolution{}, fmt.Errorf("lstat %s: %w", lowerPath, err)
		}
	}

	upperPath := r.UpperPath(rel)
	upperInfo, upperErr := os.Lstat(upperPath)
	if upperErr != nil && !os.IsNotExist(upperErr) {
		return Resolution{}, fmt.Errorf("lstat %s: %w", upperPath, upperErr)
	}
	upperExists := upperErr == nil

	hidden := rel != "" && r.whiteouts.IsHiddenOrAncestor(rel)

	lowerPath := r.LowerPath(rel)
	lowerInfo, lowerErr := os.Lstat(lowerPath)
	if lowerErr != nil && !os.IsNotExist(lowerErr) {
		return Resolution{}, fmt.Errorf("lstat %s: %w", lowerPath, lowerErr)
	}
	lowerExists := lowerErr == nil

	if log.IsLevelEnabled(log.TraceLevel) {
		log.Tracef("[overlay] resolve %q: upper=%v lower=%v hidden=%v", rel, upperExists, lowerExists, hidden)
	}

	switch {
	case upperExists && lowerExists && !hidden:
		return Resolution{State: StateBoth, RealPath: upperPath, Info: upperInfo}, nil
	case upperExists:
		// A stale marker under an existing upper entry loses to the entry.
		return Resolution{State: StateUpperOnly, RealPath: upperPath, Info: upperInfo}, nil
	case hidden && lowerExists:
		return Resolution{State: StateWhiteout}, nil
	case lowerExists:
		return Resolution{State: StateLowerOnly, RealPath: lowerPath, Info: lowerInfo}, nil
	case hidden:
		// Marker with nothing beneath it; indistinguishable from absent
		// for callers, but kept distinct so unlink can report ENOENT.
		return Resolution{State: StateWhiteout}, nil
	default:
		return Resolution{State: StateAbsent}, nil
	}
}
