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
	"sync"

	"golang.org/x/sys/unix"

	"branchfs/internal/common"
)

// IdentityID is a synthetic, table-scoped identifier for a file
// identity. IDs are stable for the lifetime of a record: copy-up moves
// the record to the upper layer's dev+ino without changing the ID.
type IdentityID uint64

// identityKey is the real file identity: device plus inode number.
// Hard links share a key and therefore collapse to one record.
type identityKey struct {
	Dev uint64
	Ino uint64
}

// fileIdentity lstats a real path and returns its identity key.
func fileIdentity(path string) (identityKey, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return identityKey{}, fmt.Errorf("lstat %s: %w", path, err)
	}
	return identityKey{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}

// IdentityRecord tracks one interned file identity. The embedded mutex
// serializes copy-up per identity; it is never held across identities,
// so unrelated files copy up concurrently.
type IdentityRecord struct {
	id IdentityID

	// cowMu is the per-identity copy-up lock.
	cowMu sync.Mutex

	// mu guards the mutable fields below.
	mu      sync.Mutex
	key     identityKey
	rel     string
	inUpper bool
	invalid bool
}

// ID returns the stable identifier.
func (r *IdentityRecord) ID() IdentityID { return r.id }

// RelPath returns the relative path the record currently tracks.
func (r *IdentityRecord) RelPath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rel
}

// InUpper reports whether the identity already lives in the upper layer.
func (r *IdentityRecord) InUpper() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inUpper
}

// Invalid reports whether the record has been invalidated.
func (r *IdentityRecord) Invalid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.invalid
}

func (r *IdentityRecord) setRel(rel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rel = rel
}

// currentKey returns the dev+ino the record was last keyed to.
func (r *IdentityRecord) currentKey() identityKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

// IdentityTable interns file identities keyed by dev+ino.
//
// Interning happens on open, link, and copy-up paths only; stat and
// readdir traffic never populates the table. Locking is per record:
// the table lock covers only map access.
type IdentityTable struct {
	mu    sync.RWMutex
	byKey map[identityKey]*IdentityRecord
	byID  map[IdentityID]*IdentityRecord
	next  IdentityID
}

// NewIdentityTable returns an empty table.
func NewIdentityTable() *IdentityTable {
	return &IdentityTable{
		byKey: make(map[identityKey]*IdentityRecord),
		byID:  make(map[IdentityID]*IdentityRecord),
		next:  1,
	}
}

// Intern returns the record for the file at realPath, creating it on
// first sight. Two names of the same hard-linked file intern to the
// same record.
func (t *IdentityTable) Intern(rel, realPath string, inUpper bool) (*IdentityRecord, error) {
	key, err := fileIdentity(realPath)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.byKey[key]; ok {
		return rec, nil
	}

	rec := &IdentityRecord{
		id:      t.next,
		key:     key,
		rel:     common.NormalizePath(rel),
		inUpper: inUpper,
	}
	t.next++
	t.byKey[key] = rec
	t.byID[rec.id] = rec
	return rec, nil
}

// Lookup returns the record for an ID. Invalidated records report
// ErrStaleHandle; unknown IDs report ErrInvalidHandle.
func (t *IdentityTable) Lookup(id IdentityID) (*IdentityRecord, error) {
	t.mu.RLock()
	rec, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok {
		return nil, common.ErrInvalidHandle
	}
	if rec.Invalid() {
		return nil, common.ErrStaleHandle
	}
	return rec, nil
}

// peekByKey returns the live record for a dev+ino pair, if any.
func (t *IdentityTable) peekByKey(key identityKey) (*IdentityRecord, bool) {
	t.mu.RLock()
	rec, ok := t.byKey[key]
	t.mu.RUnlock()
	if !ok || rec.Invalid() {
		return nil, false
	}
	return rec, true
}

// rekeyToUpper repoints the record at the upper copy after copy-up.
// The ID is unchanged. The lower key stays mapped so handles opened
// against the lower file before copy-up still converge on this record.
func (t *IdentityTable) rekeyToUpper(rec *IdentityRecord, upperPath string) error {
	newKey, err := fileIdentity(upperPath)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.byKey[newKey] = rec
	t.mu.Unlock()

	rec.mu.Lock()
	rec.key = newKey
	rec.inUpper = true
	rec.mu.Unlock()
	return nil
}

// Invalidate marks the record stale and unmaps its key. The record
// stays known by ID so open handles report ErrStaleHandle rather than
// ErrInvalidHandle.
func (t *IdentityTable) Invalidate(rec *IdentityRecord) {
	rec.mu.Lock()
	rec.invalid = true
	key := rec.key
	rec.mu.Unlock()

	t.mu.Lock()
	if cur, ok := t.byKey[key]; ok && cur == rec {
		delete(t.byKey, key)
	}
	t.mu.Unlock()
}

// InvalidateKey invalidates the record keyed to the given real path,
// if one exists. Used when an entry is unlinked.
func (t *IdentityTable) InvalidateKey(realPath string) {
	key, err := fileIdentity(realPath)
	if err != nil {
		return
	}
	if rec, ok := t.peekByKey(key); ok {
		t.Invalidate(rec)
	}
}

// Len returns the number of live records.
func (t *IdentityTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	live := 0
	for _, rec := range t.byID {
		if !rec.Invalid() {
			live++
		}
	}
	return live
}
