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
	"strings"

	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
)

// WhiteoutPrefix is the AUFS marker prefix. A deletion of dir/name is
// recorded as an empty regular file dir/.wh.name in the upper layer.
// The on-disk format is a compatibility contract: upper layers written
// by one version must stay readable by the next.
const WhiteoutPrefix = ".wh."

// IsWhiteoutName reports whether a base name is a whiteout marker.
// Marker names are reserved; user paths may not use the prefix.
func IsWhiteoutName(name string) bool {
	return strings.HasPrefix(name, WhiteoutPrefix)
}

// WhiteoutName returns the marker base name for an entry name.
func WhiteoutName(name string) string {
	return WhiteoutPrefix + name
}

// WhiteoutManager creates, removes, and checks whiteout markers in the
// upper layer.
type WhiteoutManager struct {
	upper string
}

// NewWhiteoutManager returns a manager rooted at the upper layer directory.
func NewWhiteoutManager(upper string) *WhiteoutManager {
	return &WhiteoutManager{upper: upper}
}

// MarkerPath returns the absolute marker path for a relative entry path.
func (w *WhiteoutManager) MarkerPath(rel string) string {
	rel = common.NormalizePath(rel)
	dir := common.ParentPath(rel)
	name := common.BaseName(rel)
	return filepath.Join(w.upper, filepath.FromSlash(dir), WhiteoutName(name))
}

// IsHidden reports whether a marker exists for the path itself.
func (w *WhiteoutManager) IsHidden(rel string) bool {
	if common.NormalizePath(rel) == "" {
		return false
	}
	_, err := os.Lstat(w.MarkerPath(rel))
	return err == nil
}

// IsHiddenOrAncestor reports whether the path or any of its ancestors
// carries a marker. Hiding a directory hides everything beneath it.
func (w *WhiteoutManager) IsHiddenOrAncestor(rel string) bool {
	rel = common.NormalizePath(rel)
	for rel != "" {
		if w.IsHidden(rel) {
			return true
		}
		rel = common.ParentPath(rel)
	}
	return false
}

// Hide records a whiteout for the path, creating upper-layer parent
// directories as needed. Hiding an already hidden path is a no-op.
func (w *WhiteoutManager) Hide(rel string) error {
	rel = common.NormalizePath(rel)
	if rel == "" {
		return fmt.Errorf("hide root: %w", common.ErrInvalidName)
	}

	marker := w.MarkerPath(rel)
	if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return fmt.Errorf("create marker parent: %w", err)
	}

	f, err := os.OpenFile(marker, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create whiteout marker: %w", err)
	}
	log.Debugf("[overlay] hide %q → %s", rel, marker)
	return f.Close()
}

// Unhide removes the whiteout for the path. A missing marker is a no-op.
func (w *WhiteoutManager) Unhide(rel string) error {
	rel = common.NormalizePath(rel)
	if rel == "" {
		return nil
	}
	err := os.Remove(w.MarkerPath(rel))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove whiteout marker: %w", err)
	}
	if err == nil {
		log.Debugf("[overlay] unhide %q", rel)
	}
	return nil
}
