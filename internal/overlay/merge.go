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
	"sort"

	"branchfs/internal/common"
)

// readDirMerged lists a directory as the union of both layers.
// Upper entries win on name collision, whiteout markers are never
// surfaced, and names they hide are suppressed from the lower listing.
// Passthrough directories list the lower layer only.
func (fs *OverlayFS) readDirMerged(rel string) ([]os.FileInfo, error) {
	rel = common.NormalizePath(rel)

	if fs.filter.Match(rel) {
		return readDirInfos(fs.resolver.LowerPath(rel))
	}

	res, err := fs.resolver.Resolve(rel)
	if err != nil {
		return nil, err
	}
	if !res.State.Exists() {
		return nil, fmt.Errorf("readdir %q: %w", rel, common.ErrNotFound)
	}
	if !res.Info.IsDir() {
		return nil, fmt.Errorf("readdir %q: %w", rel, common.ErrNotDir)
	}

	var (
		merged []os.FileInfo
		seen   = make(map[string]bool)
		hidden = make(map[string]bool)
	)

	if res.State == StateUpperOnly || res.State == StateBoth {
		upperEntries, err := os.ReadDir(fs.resolver.UpperPath(rel))
		if err != nil {
			return nil, fmt.Errorf("readdir upper %q: %w", rel, err)
		}
		for _, e := range upperEntries {
			name := e.Name()
			if IsWhiteoutName(name) {
				hidden[name[len(WhiteoutPrefix):]] = true
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue // entry vanished between listing and stat
			}
			merged = append(merged, info)
			seen[name] = true
		}
	}

	if res.State == StateLowerOnly || res.State == StateBoth {
		lowerEntries, err := os.ReadDir(fs.resolver.LowerPath(rel))
		if err != nil {
			return nil, fmt.Errorf("readdir lower %q: %w", rel, err)
		}
		for _, e := range lowerEntries {
			name := e.Name()
			if seen[name] || hidden[name] {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			merged = append(merged, info)
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Name() < merged[j].Name() })
	return merged, nil
}

// readDirInfos lists a single on-disk directory as FileInfos.
func readDirInfos(dir string) ([]os.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("readdir %s: %w", dir, common.ErrNotFound)
		}
		return nil, err
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

// hasVisibleEntries reports whether the merged view of a directory is
// non-empty. Used by Rmdir.
func (fs *OverlayFS) hasVisibleEntries(rel string) (bool, error) {
	entries, err := fs.readDirMerged(rel)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}
