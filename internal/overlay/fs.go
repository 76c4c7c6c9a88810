package overlay

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
)

// Options configures an OverlayFS.
type Options struct {
	// UpperRoot is the writable layer. Created if missing.
	UpperRoot string
	// LowerRoot is the read-only layer. Must exist.
	LowerRoot string
	// Passthrough rules; see PassthroughFilter.
	Passthrough []string
	// NotifyBuffer is the change stream depth (DefaultNotifyBuffer if zero).
	NotifyBuffer int
}

// OverlayFS is the operation dispatcher over the two layers. All
// transports (NFS adapter, tests, tooling) consume this path-based API.
//
// There is no global operation lock: concurrency control lives in the
// per-identity copy-up locks and the kernel's own path atomicity. The
// only shared mutable state here is the unmounting flag.
type OverlayFS struct {
	upper string
	lower string

	filter    *PassthroughFilter
	whiteouts *WhiteoutManager
	resolver  *Resolver
	idents    *IdentityTable
	handles   *HandleManager
	notifier  *Notifier

	mu         sync.RWMutex
	unmounting bool
}

// New creates an OverlayFS over the given layer roots.
func New(opts Options) (*OverlayFS, error) {
	info, err := os.Stat(opts.LowerRoot)
	if err != nil {
		return nil, fmt.Errorf("lower root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("lower root %s: %w", opts.LowerRoot, common.ErrNotDir)
	}
	if err := os.MkdirAll(opts.UpperRoot, 0755); err != nil {
		return nil, fmt.Errorf("upper root: %w", err)
	}

	filter := NewPassthroughFilter(opts.Passthrough)
	whiteouts := NewWhiteoutManager(opts.UpperRoot)

	return &OverlayFS{
		upper:     opts.UpperRoot,
		lower:     opts.LowerRoot,
		filter:    filter,
		whiteouts: whiteouts,
		resolver:  NewResolver(opts.UpperRoot, opts.LowerRoot, whiteouts, filter),
		idents:    NewIdentityTable(),
		handles:   NewHandleManager(),
		notifier:  NewNotifier(opts.NotifyBuffer),
	}, nil
}

// UpperRoot returns the writable layer root.
func (fs *OverlayFS) UpperRoot() string { return fs.upper }

// LowerRoot returns the read-only layer root.
func (fs *OverlayFS) LowerRoot() string { return fs.lower }

// Notifier returns the change stream for upper-layer mutations.
func (fs *OverlayFS) Notifier() *Notifier { return fs.notifier }

// PassthroughMatch reports whether a path bypasses the upper layer.
func (fs *OverlayFS) PassthroughMatch(rel string) bool { return fs.filter.Match(rel) }

// IdentityCount returns the number of live interned identities.
func (fs *OverlayFS) IdentityCount() int { return fs.idents.Len() }

// SetUnmounting puts the filesystem into drain mode: all subsequent
// mutating operations fail with ErrUnmounting while reads continue.
func (fs *OverlayFS) SetUnmounting() {
	fs.mu.Lock()
	fs.unmounting = true
	fs.mu.Unlock()
	log.Debugf("[overlay] unmounting: mutations rejected from now on")
}

func (fs *OverlayFS) checkMutable() error {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.unmounting {
		return common.ErrUnmounting
	}
	return nil
}

// recoverOverlayPanic converts a panic on a transport entry point into
// an EIO error instead of taking down the server.
func recoverOverlayPanic(operation string, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[overlay] PANIC RECOVERED in %s: %v\nStack:\n%s", operation, r, debug.Stack())
		if err != nil {
			*err = EIO
		}
	}
}

// checkName rejects reserved path components. Whiteout marker names
// belong to the on-disk format and may never be addressed directly.
func checkName(rel string) error {
	for _, part := range common.SplitPath(rel) {
		if IsWhiteoutName(part) {
			return fmt.Errorf("reserved name %q: %w", part, common.ErrInvalidName)
		}
	}
	return nil
}

// Resolve classifies a path without touching either layer's content.
func (fs *OverlayFS) Resolve(rel string) (Resolution, error) {
	if err := checkName(rel); err != nil {
		return Resolution{}, err
	}
	return fs.resolver.Resolve(rel)
}

// Stat returns fresh attributes of the visible entry for the path.
func (fs *OverlayFS) Stat(rel string) (info os.FileInfo, err error) {
	defer recoverOverlayPanic("Stat", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[overlay] Stat %q → %v (%v)", rel, err, time.Since(start)) }()
	}

	res, err := fs.Resolve(rel)
	if err != nil {
		return nil, err
	}
	if !res.State.Exists() {
		return nil, fmt.Errorf("stat %q: %w", rel, common.ErrNotFound)
	}
	return res.Info, nil
}

// FileID returns a fileid stable across copy-up for NFS and friends.
// Interned identities keep their synthetic ID; everything else uses
// the real inode number.
func (fs *OverlayFS) FileID(info os.FileInfo) uint64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	key := identityKey{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}
	if rec, ok := fs.idents.peekByKey(key); ok {
		return uint64(rec.ID()) | 1<<63
	}
	return uint64(st.Ino)
}

// ReadDir lists the merged view of a directory.
func (fs *OverlayFS) ReadDir(rel string) (entries []os.FileInfo, err error) {
	defer recoverOverlayPanic("ReadDir", &err)
	if err := checkName(rel); err != nil {
		return nil, err
	}
	return fs.readDirMerged(rel)
}

// Open opens or creates a file and returns a handle. Write access to a
// lower-only file triggers copy-up before the handle is returned, so
// every byte written lands in the upper layer. Passthrough files open
// against the lower layer for both reading and writing.
func (fs *OverlayFS) Open(rel string, flags int, perm os.FileMode) (h HandleID, err error) {
	defer recoverOverlayPanic("Open", &err)
	rel = common.NormalizePath(rel)
	if err := checkName(rel); err != nil {
		return 0, err
	}

	wantsWrite := flags&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_TRUNC|os.O_CREATE) != 0
	if wantsWrite {
		if err := fs.checkMutable(); err != nil {
			return 0, err
		}
	}

	res, err := fs.resolver.Resolve(rel)
	if err != nil {
		return 0, err
	}
	log.Debugf("[overlay] Open %q flags=%#x state=%s passthrough=%v", rel, flags, res.State, res.Passthrough)

	if res.Passthrough {
		return fs.openPassthrough(rel, res, flags, perm)
	}

	switch res.State {
	case StateWhiteout, StateAbsent:
		if flags&os.O_CREATE == 0 {
			return 0, fmt.Errorf("open %q: %w", rel, common.ErrNotFound)
		}
		return fs.createUpper(rel, res.State == StateWhiteout, flags, perm)

	case StateUpperOnly, StateLowerOnly, StateBoth:
		if res.Info.IsDir() {
			return 0, fmt.Errorf("open %q: %w", rel, common.ErrIsDir)
		}
		if flags&os.O_CREATE != 0 && flags&os.O_EXCL != 0 {
			return 0, fmt.Errorf("open %q: %w", rel, common.ErrExists)
		}

		if wantsWrite {
			if err := fs.EnsureWritable(rel); err != nil {
				return 0, err
			}
			res, err = fs.resolver.Resolve(rel)
			if err != nil {
				return 0, err
			}
			if flags&os.O_TRUNC != 0 {
				if err := os.Truncate(res.RealPath, 0); err != nil {
					return 0, fmt.Errorf("truncate %q: %w", rel, err)
				}
			}
		}

		rec, err := fs.idents.Intern(rel, res.RealPath, res.State != StateLowerOnly)
		if err != nil {
			return 0, err
		}
		return fs.handles.Allocate(rel, rec.ID(), false, flags, false), nil

	default:
		panic(fmt.Sprintf("overlay: unhandled layer state %v", res.State))
	}
}

// openPassthrough opens directly against the lower layer. Identities
// are never interned for passthrough traffic.
func (fs *OverlayFS) openPassthrough(rel string, res Resolution, flags int, perm os.FileMode) (HandleID, error) {
	lowerPath := fs.resolver.LowerPath(rel)
	if res.State == StateAbsent {
		if flags&os.O_CREATE == 0 {
			return 0, fmt.Errorf("open %q: %w", rel, common.ErrNotFound)
		}
		if err := os.MkdirAll(fs.resolver.LowerPath(common.ParentPath(rel)), 0755); err != nil {
			return 0, err
		}
	}
	f, err := os.OpenFile(lowerPath, flags, perm)
	if err != nil {
		return 0, fmt.Errorf("open passthrough %q: %w", rel, err)
	}
	f.Close()
	return fs.handles.Allocate(rel, 0, false, flags, true), nil
}

// createUpper creates a brand-new file in the upper layer, clearing
// any whiteout that hid a former lower entry of the same name.
func (fs *OverlayFS) createUpper(rel string, whiteout bool, flags int, perm os.FileMode) (HandleID, error) {
	if whiteout {
		if err := fs.whiteouts.Unhide(rel); err != nil {
			return 0, err
		}
	}
	if err := fs.ensureUpperParents(rel); err != nil {
		return 0, err
	}

	upperPath := fs.resolver.UpperPath(rel)
	f, err := os.OpenFile(upperPath, flags|os.O_CREATE, perm)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", rel, err)
	}
	f.Close()

	rec, err := fs.idents.Intern(rel, upperPath, true)
	if err != nil {
		return 0, err
	}
	fs.notifier.Emit(rel, ChangeCreated)
	return fs.handles.Allocate(rel, rec.ID(), false, flags, false), nil
}

// OpenDir opens a directory handle on the merged view.
func (fs *OverlayFS) OpenDir(rel string) (h HandleID, err error) {
	defer recoverOverlayPanic("OpenDir", &err)
	rel = common.NormalizePath(rel)
	if err := checkName(rel); err != nil {
		return 0, err
	}
	res, err := fs.resolver.Resolve(rel)
	if err != nil {
		return 0, err
	}
	if !res.State.Exists() {
		return 0, fmt.Errorf("opendir %q: %w", rel, common.ErrNotFound)
	}
	if !res.Info.IsDir() {
		return 0, fmt.Errorf("opendir %q: %w", rel, common.ErrNotDir)
	}
	return fs.handles.Allocate(rel, 0, true, os.O_RDONLY, res.Passthrough), nil
}

// handlePath re-resolves the real path behind a handle. Copy-up may
// have moved the backing file since the last operation, so handles
// never cache an on-disk path.
func (fs *OverlayFS) handlePath(h HandleID) (*openHandle, string, error) {
	info, ok := fs.handles.Get(h)
	if !ok {
		return nil, "", common.ErrInvalidHandle
	}
	if info.identity != 0 {
		if _, err := fs.idents.Lookup(info.identity); err != nil {
			return nil, "", err
		}
	}
	res, err := fs.resolver.Resolve(info.rel)
	if err != nil {
		return nil, "", err
	}
	if !res.State.Exists() {
		return nil, "", fmt.Errorf("handle path %q: %w", info.rel, common.ErrStaleHandle)
	}
	return info, res.RealPath, nil
}

// Read reads up to len(p) bytes at the given offset.
func (fs *OverlayFS) Read(h HandleID, p []byte, off int64) (n int, err error) {
	defer recoverOverlayPanic("Read", &err)
	info, realPath, err := fs.handlePath(h)
	if err != nil {
		return 0, err
	}
	if info.isDir {
		return 0, fmt.Errorf("read %q: %w", info.rel, common.ErrIsDir)
	}

	f, err := os.Open(realPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err = f.ReadAt(p, off)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Write writes p at the given offset, copying the file up first when
// it still lives in the lower layer.
func (fs *OverlayFS) Write(h HandleID, p []byte, off int64) (n int, err error) {
	defer recoverOverlayPanic("Write", &err)
	if err := fs.checkMutable(); err != nil {
		return 0, err
	}

	info, ok := fs.handles.Get(h)
	if !ok {
		return 0, common.ErrInvalidHandle
	}
	if info.isDir {
		return 0, fmt.Errorf("write %q: %w", info.rel, common.ErrIsDir)
	}

	if !info.passthrough {
		if err := fs.EnsureWritable(info.rel); err != nil {
			return 0, err
		}
	}
	_, realPath, err := fs.handlePath(h)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(realPath, os.O_WRONLY, 0)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err = f.WriteAt(p, off)
	if err == nil && !info.passthrough {
		fs.handles.MarkDirty(h)
	}
	return n, err
}

// Truncate changes the file size, copying up first when needed.
func (fs *OverlayFS) Truncate(h HandleID, size int64) (err error) {
	defer recoverOverlayPanic("Truncate", &err)
	if err := fs.checkMutable(); err != nil {
		return err
	}

	info, ok := fs.handles.Get(h)
	if !ok {
		return common.ErrInvalidHandle
	}
	if !info.passthrough {
		if err := fs.EnsureWritable(info.rel); err != nil {
			return err
		}
	}
	_, realPath, err := fs.handlePath(h)
	if err != nil {
		return err
	}
	if err := os.Truncate(realPath, size); err != nil {
		return err
	}
	if !info.passthrough {
		fs.handles.MarkDirty(h)
	}
	return nil
}

// Flush emits a Modified change if the handle has pending writes.
func (fs *OverlayFS) Flush(h HandleID) error {
	info, ok := fs.handles.Get(h)
	if !ok {
		return common.ErrInvalidHandle
	}
	if fs.handles.TakeDirty(h) && !info.passthrough {
		fs.notifier.Emit(info.rel, ChangeModified)
	}
	return nil
}

// Close flushes and releases the handle.
func (fs *OverlayFS) Close(h HandleID) error {
	if _, ok := fs.handles.Get(h); !ok {
		return common.ErrInvalidHandle
	}
	if err := fs.Flush(h); err != nil {
		return err
	}
	fs.handles.Release(h)
	return nil
}

// Mkdir creates a directory in the upper layer (or the lower layer for
// passthrough paths), clearing any whiteout of the same name.
func (fs *OverlayFS) Mkdir(rel string, perm os.FileMode) (err error) {
	defer recoverOverlayPanic("Mkdir", &err)
	rel = common.NormalizePath(rel)
	if err := checkName(rel); err != nil {
		return err
	}
	if err := fs.checkMutable(); err != nil {
		return err
	}

	res, err := fs.resolver.Resolve(rel)
	if err != nil {
		return err
	}
	if res.State.Exists() {
		return fmt.Errorf("mkdir %q: %w", rel, common.ErrExists)
	}

	if res.Passthrough {
		return os.Mkdir(fs.resolver.LowerPath(rel), perm)
	}

	if res.State == StateWhiteout {
		if err := fs.whiteouts.Unhide(rel); err != nil {
			return err
		}
	}
	if err := fs.ensureUpperParents(rel); err != nil {
		return err
	}
	if err := os.Mkdir(fs.resolver.UpperPath(rel), perm); err != nil {
		return err
	}
	fs.notifier.Emit(rel, ChangeCreated)
	return nil
}

// Unlink removes a file from the merged view. The whiteout policy by
// state: upper-only entries are removed in place, entries present in
// both layers are removed and hidden, lower-only entries are hidden
// only. The lower layer is never modified.
func (fs *OverlayFS) Unlink(rel string) (err error) {
	defer recoverOverlayPanic("Unlink", &err)
	rel = common.NormalizePath(rel)
	if err := checkName(rel); err != nil {
		return err
	}
	if err := fs.checkMutable(); err != nil {
		return err
	}

	res, err := fs.resolver.Resolve(rel)
	if err != nil {
		return err
	}
	if res.State.Exists() && res.Info.IsDir() {
		return fmt.Errorf("unlink %q: %w", rel, common.ErrIsDir)
	}

	if res.Passthrough {
		if res.State == StateAbsent {
			return fmt.Errorf("unlink %q: %w", rel, common.ErrNotFound)
		}
		return os.Remove(fs.resolver.LowerPath(rel))
	}

	switch res.State {
	case StateWhiteout, StateAbsent:
		return fmt.Errorf("unlink %q: %w", rel, common.ErrNotFound)

	case StateUpperOnly:
		fs.idents.InvalidateKey(res.RealPath)
		if err := os.Remove(res.RealPath); err != nil {
			return err
		}

	case StateBoth:
		fs.idents.InvalidateKey(res.RealPath)
		if err := os.Remove(res.RealPath); err != nil {
			return err
		}
		if err := fs.whiteouts.Hide(rel); err != nil {
			return err
		}

	case StateLowerOnly:
		fs.idents.InvalidateKey(res.RealPath)
		if err := fs.whiteouts.Hide(rel); err != nil {
			return err
		}

	default:
		panic(fmt.Sprintf("overlay: unhandled layer state %v", res.State))
	}

	fs.notifier.Emit(rel, ChangeDeleted)
	return nil
}

// Rmdir removes a directory whose merged view is empty.
func (fs *OverlayFS) Rmdir(rel string) (err error) {
	defer recoverOverlayPanic("Rmdir", &err)
	rel = common.NormalizePath(rel)
	if err := checkName(rel); err != nil {
		return err
	}
	if err := fs.checkMutable(); err != nil {
		return err
	}

	res, err := fs.resolver.Resolve(rel)
	if err != nil {
		return err
	}
	if !res.State.Exists() {
		return fmt.Errorf("rmdir %q: %w", rel, common.ErrNotFound)
	}
	if !res.Info.IsDir() {
		return fmt.Errorf("rmdir %q: %w", rel, common.ErrNotDir)
	}

	nonEmpty, err := fs.hasVisibleEntries(rel)
	if err != nil {
		return err
	}
	if nonEmpty {
		return fmt.Errorf("rmdir %q: %w", rel, common.ErrNotEmpty)
	}

	if res.Passthrough {
		return os.Remove(fs.resolver.LowerPath(rel))
	}

	if res.State == StateUpperOnly || res.State == StateBoth {
		// The merged view is empty, so the upper dir holds at most
		// whiteout markers.
		if err := os.RemoveAll(fs.resolver.UpperPath(rel)); err != nil {
			return err
		}
	}
	if res.State == StateBoth || res.State == StateLowerOnly {
		if err := fs.whiteouts.Hide(rel); err != nil {
			return err
		}
	}

	fs.notifier.Emit(rel, ChangeDeleted)
	return nil
}

// Remove dispatches to Unlink or Rmdir based on the entry type.
func (fs *OverlayFS) Remove(rel string) error {
	res, err := fs.Resolve(rel)
	if err != nil {
		return err
	}
	if !res.State.Exists() {
		return fmt.Errorf("remove %q: %w", rel, common.ErrNotFound)
	}
	if res.Info.IsDir() {
		return fs.Rmdir(rel)
	}
	return fs.Unlink(rel)
}

// Rename moves an entry. A lower-only source is copied up first, then
// renamed within the upper layer, and the old name is hidden. Renames
// across the passthrough boundary are rejected.
func (fs *OverlayFS) Rename(oldRel, newRel string) (err error) {
	defer recoverOverlayPanic("Rename", &err)
	oldRel = common.NormalizePath(oldRel)
	newRel = common.NormalizePath(newRel)
	if err := checkName(oldRel); err != nil {
		return err
	}
	if err := checkName(newRel); err != nil {
		return err
	}
	if err := fs.checkMutable(); err != nil {
		return err
	}

	pOld, pNew := fs.filter.Match(oldRel), fs.filter.Match(newRel)
	if pOld != pNew {
		return fmt.Errorf("rename %q → %q: %w", oldRel, newRel, common.ErrCrossBoundary)
	}
	if pOld {
		return os.Rename(fs.resolver.LowerPath(oldRel), fs.resolver.LowerPath(newRel))
	}

	resOld, err := fs.resolver.Resolve(oldRel)
	if err != nil {
		return err
	}
	if !resOld.State.Exists() {
		return fmt.Errorf("rename %q: %w", oldRel, common.ErrNotFound)
	}

	if resOld.State == StateLowerOnly {
		if resOld.Info.IsDir() {
			if err := fs.copyUpTree(oldRel); err != nil {
				return err
			}
		} else if err := fs.EnsureWritable(oldRel); err != nil {
			return err
		}
	}

	resNew, err := fs.resolver.Resolve(newRel)
	if err != nil {
		return err
	}
	if resNew.State.Exists() {
		if err := fs.Remove(newRel); err != nil {
			return err
		}
	}
	if err := fs.whiteouts.Unhide(newRel); err != nil {
		return err
	}
	if err := fs.ensureUpperParents(newRel); err != nil {
		return err
	}

	upperOld := fs.resolver.UpperPath(oldRel)
	upperNew := fs.resolver.UpperPath(newRel)
	if err := os.Rename(upperOld, upperNew); err != nil {
		return err
	}

	// The old name must stay hidden if the lower layer still has it.
	if resOld.State == StateBoth || resOld.State == StateLowerOnly {
		if err := fs.whiteouts.Hide(oldRel); err != nil {
			return err
		}
	}

	if key, err := fileIdentity(upperNew); err == nil {
		if rec, ok := fs.idents.peekByKey(key); ok {
			rec.setRel(newRel)
		}
	}

	fs.notifier.Emit(oldRel, ChangeRenamed)
	fs.notifier.Emit(newRel, ChangeRenamed)
	return nil
}

// Symlink creates a symbolic link in the upper layer.
func (fs *OverlayFS) Symlink(target, linkRel string) (err error) {
	defer recoverOverlayPanic("Symlink", &err)
	linkRel = common.NormalizePath(linkRel)
	if err := checkName(linkRel); err != nil {
		return err
	}
	if err := fs.checkMutable(); err != nil {
		return err
	}

	res, err := fs.resolver.Resolve(linkRel)
	if err != nil {
		return err
	}
	if res.State.Exists() {
		return fmt.Errorf("symlink %q: %w", linkRel, common.ErrExists)
	}

	if res.Passthrough {
		return os.Symlink(target, fs.resolver.LowerPath(linkRel))
	}

	if res.State == StateWhiteout {
		if err := fs.whiteouts.Unhide(linkRel); err != nil {
			return err
		}
	}
	if err := fs.ensureUpperParents(linkRel); err != nil {
		return err
	}
	if err := os.Symlink(target, fs.resolver.UpperPath(linkRel)); err != nil {
		return err
	}
	fs.notifier.Emit(linkRel, ChangeCreated)
	return nil
}

// Readlink returns a symlink's target.
func (fs *OverlayFS) Readlink(rel string) (target string, err error) {
	defer recoverOverlayPanic("Readlink", &err)
	res, err := fs.Resolve(rel)
	if err != nil {
		return "", err
	}
	if !res.State.Exists() {
		return "", fmt.Errorf("readlink %q: %w", rel, common.ErrNotFound)
	}
	return os.Readlink(res.RealPath)
}

// Link creates a hard link within the upper layer, copying the source
// up first. Both names then intern to the same identity.
func (fs *OverlayFS) Link(oldRel, newRel string) (err error) {
	defer recoverOverlayPanic("Link", &err)
	oldRel = common.NormalizePath(oldRel)
	newRel = common.NormalizePath(newRel)
	if err := checkName(oldRel); err != nil {
		return err
	}
	if err := checkName(newRel); err != nil {
		return err
	}
	if err := fs.checkMutable(); err != nil {
		return err
	}

	pOld, pNew := fs.filter.Match(oldRel), fs.filter.Match(newRel)
	if pOld != pNew {
		return fmt.Errorf("link %q → %q: %w", oldRel, newRel, common.ErrCrossBoundary)
	}
	if pOld {
		return os.Link(fs.resolver.LowerPath(oldRel), fs.resolver.LowerPath(newRel))
	}

	resOld, err := fs.resolver.Resolve(oldRel)
	if err != nil {
		return err
	}
	if !resOld.State.Exists() {
		return fmt.Errorf("link %q: %w", oldRel, common.ErrNotFound)
	}
	if resOld.Info.IsDir() {
		return fmt.Errorf("link %q: %w", oldRel, common.ErrPermission)
	}

	resNew, err := fs.resolver.Resolve(newRel)
	if err != nil {
		return err
	}
	if resNew.State.Exists() {
		return fmt.Errorf("link %q: %w", newRel, common.ErrExists)
	}

	if err := fs.EnsureWritable(oldRel); err != nil {
		return err
	}
	if resNew.State == StateWhiteout {
		if err := fs.whiteouts.Unhide(newRel); err != nil {
			return err
		}
	}
	if err := fs.ensureUpperParents(newRel); err != nil {
		return err
	}

	upperOld := fs.resolver.UpperPath(oldRel)
	upperNew := fs.resolver.UpperPath(newRel)
	if err := os.Link(upperOld, upperNew); err != nil {
		return err
	}
	// Hard links share dev+ino, so this converges on the existing record.
	if _, err := fs.idents.Intern(newRel, upperNew, true); err != nil {
		return err
	}
	fs.notifier.Emit(newRel, ChangeCreated)
	return nil
}

// Chmod changes permissions, copying up first when needed.
func (fs *OverlayFS) Chmod(rel string, mode os.FileMode) (err error) {
	defer recoverOverlayPanic("Chmod", &err)
	return fs.mutateMetadata("chmod", rel, func(realPath string) error {
		return os.Chmod(realPath, mode)
	})
}

// Chtimes changes access and modification times, copying up first
// when needed.
func (fs *OverlayFS) Chtimes(rel string, atime, mtime time.Time) (err error) {
	defer recoverOverlayPanic("Chtimes", &err)
	return fs.mutateMetadata("chtimes", rel, func(realPath string) error {
		return os.Chtimes(realPath, atime, mtime)
	})
}

// mutateMetadata runs a metadata mutation against the writable copy of
// the entry: the lower file directly for passthrough paths, the upper
// copy (after copy-up) for everything else.
func (fs *OverlayFS) mutateMetadata(op, rel string, mutate func(realPath string) error) error {
	rel = common.NormalizePath(rel)
	if err := checkName(rel); err != nil {
		return err
	}
	if err := fs.checkMutable(); err != nil {
		return err
	}

	res, err := fs.resolver.Resolve(rel)
	if err != nil {
		return err
	}
	if !res.State.Exists() {
		return fmt.Errorf("%s %q: %w", op, rel, common.ErrNotFound)
	}

	if res.Passthrough {
		return mutate(res.RealPath)
	}

	if err := fs.EnsureWritable(rel); err != nil {
		return err
	}
	if err := mutate(fs.resolver.UpperPath(rel)); err != nil {
		return err
	}
	fs.notifier.Emit(rel, ChangeModified)
	return nil
}
