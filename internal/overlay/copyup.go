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
	"io"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
)

// EnsureWritable guarantees the path exists in the upper layer and is
// safe to mutate. It is idempotent: a path already in the upper layer
// returns immediately with no I/O beyond the resolution stats.
// Concurrent calls for the same file identity copy the bytes exactly
// once; calls for different identities never block each other.
//
// Passthrough paths are writable in place and return nil without
// touching the upper layer.
func (fs *OverlayFS) EnsureWritable(rel string) error {
	rel = common.NormalizePath(rel)

	if fs.filter.Match(rel) {
		return nil
	}

	res, err := fs.resolver.Resolve(rel)
	if err != nil {
		return err
	}

	switch res.State {
	case StateUpperOnly, StateBoth:
		return nil
	case StateWhiteout, StateAbsent:
		return fmt.Errorf("ensure writable %q: %w", rel, common.ErrNotFound)
	case StateLowerOnly:
		return fs.copyUp(rel, res)
	default:
		panic(fmt.Sprintf("overlay: unhandled layer state %v", res.State))
	}
}

// copyUp copies a lower-only entry into the upper layer. The caller
// has already resolved rel to StateLowerOnly.
func (fs *OverlayFS) copyUp(rel string, res Resolution) error {
	rec, err := fs.idents.Intern(rel, res.RealPath, false)
	if err != nil {
		return err
	}

	rec.cowMu.Lock()
	defer rec.cowMu.Unlock()

	// Another holder of this identity may have finished while we waited.
	// The record alone cannot answer that: a hard-linked sibling's
	// copy-up marks the shared record upper-resident while this name
	// still has no upper entry. Trust rel's own layer state.
	aliasDiverged := rec.InUpper()
	if aliasDiverged {
		cur, err := fs.resolver.Resolve(rel)
		if err != nil {
			return err
		}
		if cur.State != StateLowerOnly {
			return nil
		}
		// rel is a lower hard-link alias of an identity that already
		// diverged into the upper layer. Copy it up as its own file;
		// the two names stop sharing an identity from here.
	} else {
		// Revalidate: the lower file must still be the one we interned.
		// A swap between resolution and copy means our identity is stale.
		key, err := fileIdentity(res.RealPath)
		if err != nil {
			fs.idents.Invalidate(rec)
			return fmt.Errorf("copy up %q: %w", rel, common.ErrStaleHandle)
		}
		if key != rec.currentKey() {
			fs.idents.Invalidate(rec)
			return fmt.Errorf("copy up %q: identity changed: %w", rel, common.ErrStaleHandle)
		}
	}

	start := time.Now()
	upperPath := fs.resolver.UpperPath(rel)

	if err := fs.ensureUpperParents(rel); err != nil {
		return fmt.Errorf("copy up %q: %w", rel, err)
	}

	mode := res.Info.Mode()
	switch {
	case mode.IsDir():
		if err := os.Mkdir(upperPath, mode.Perm()); err != nil && !os.IsExist(err) {
			return fmt.Errorf("copy up dir %q: %w", rel, err)
		}
	case mode&os.ModeSymlink != 0:
		if err := copyUpSymlink(res.RealPath, upperPath); err != nil {
			return fmt.Errorf("copy up symlink %q: %w", rel, err)
		}
	case mode.IsRegular():
		if err := copyUpFile(res.RealPath, upperPath, res.Info); err != nil {
			return fmt.Errorf("copy up %q: %w", rel, err)
		}
	default:
		return fmt.Errorf("copy up %q: special file: %w", rel, common.ErrNotSupported)
	}

	if aliasDiverged {
		// The upper copy is a new file identity owned by this name
		// alone; the shared record keeps tracking the sibling.
		if _, err := fs.idents.Intern(rel, upperPath, true); err != nil {
			return fmt.Errorf("copy up %q: %w", rel, err)
		}
	} else if err := fs.idents.rekeyToUpper(rec, upperPath); err != nil {
		return fmt.Errorf("copy up %q: %w", rel, err)
	}

	log.Debugf("[overlay] copied up %q (%d bytes, %v)", rel, res.Info.Size(), time.Since(start))
	fs.notifier.Emit(rel, ChangeCopiedUp)
	return nil
}

// copyUpFile copies src into place at dst byte for byte: write to a
// temp file in the destination directory, apply mode and mtime, then
// rename into place. A crash mid-copy leaves only the temp file.
func copyUpFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".cow-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chtimes(tmpName, time.Now(), info.ModTime()); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// copyUpSymlink re-creates the link at a temp name, then renames it
// into place so the visible entry appears atomically.
func copyUpSymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	tmpName := filepath.Join(filepath.Dir(dst), fmt.Sprintf(".cow-ln-%d", time.Now().UnixNano()))
	if err := os.Symlink(target, tmpName); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ensureUpperParents creates the upper-layer ancestors of rel,
// mirroring the mode of each lower-layer directory when one exists.
func (fs *OverlayFS) ensureUpperParents(rel string) error {
	parent := common.ParentPath(rel)
	if parent == "" {
		return nil
	}

	var missing []string
	for p := parent; p != ""; p = common.ParentPath(p) {
		if _, err := os.Lstat(fs.resolver.UpperPath(p)); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return err
		}
		missing = append(missing, p)
	}

	// Create outermost first.
	for i := len(missing) - 1; i >= 0; i-- {
		p := missing[i]
		perm := os.FileMode(0755)
		if info, err := os.Lstat(fs.resolver.LowerPath(p)); err == nil && info.IsDir() {
			perm = info.Mode().Perm()
		}
		if err := os.Mkdir(fs.resolver.UpperPath(p), perm); err != nil && !os.IsExist(err) {
			return err
		}
	}
	return nil
}

// copyUpTree copies a lower-only directory subtree into the upper
// layer. Used by rename of lower-only directories, which cannot be
// moved in place.
func (fs *OverlayFS) copyUpTree(rel string) error {
	root := fs.resolver.LowerPath(rel)
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		sub, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		entry := common.JoinPath(rel, sub)
		if fs.whiteouts.IsHiddenOrAncestor(entry) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fs.EnsureWritable(entry)
	})
}
