package overlay

import "sync"

// HandleID identifies an open file or directory
type HandleID uint64

// openHandle represents an open file or directory
type openHandle struct {
	rel         string
	identity    IdentityID // 0 for directories and passthrough files
	isDir       bool
	flags       int
	passthrough bool
	dirty       bool // a write happened; Flush emits a Modified change
}

// HandleManager allocates and tracks overlay handles
type HandleManager struct {
	mu         sync.RWMutex
	handles    map[HandleID]*openHandle
	nextHandle HandleID
}

// NewHandleManager creates a new handle manager
func NewHandleManager() *HandleManager {
	return &HandleManager{
		handles:    make(map[HandleID]*openHandle),
		nextHandle: 1,
	}
}

// Allocate creates a new handle
func (hm *HandleManager) Allocate(rel string, identity IdentityID, isDir bool, flags int, passthrough bool) HandleID {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	h := hm.nextHandle
	hm.nextHandle++

	hm.handles[h] = &openHandle{
		rel:         rel,
		identity:    identity,
		isDir:       isDir,
		flags:       flags,
		passthrough: passthrough,
	}
	return h
}

// Get retrieves a handle's info
func (hm *HandleManager) Get(h HandleID) (*openHandle, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	info, ok := hm.handles[h]
	return info, ok
}

// MarkDirty flags the handle as having pending writes
func (hm *HandleManager) MarkDirty(h HandleID) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if info, ok := hm.handles[h]; ok {
		info.dirty = true
	}
}

// TakeDirty returns and clears the dirty flag
func (hm *HandleManager) TakeDirty(h HandleID) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	info, ok := hm.handles[h]
	if !ok || !info.dirty {
		return false
	}
	info.dirty = false
	return true
}

// Release frees a handle
func (hm *HandleManager) Release(h HandleID) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	delete(hm.handles, h)
}

// Len returns the number of open handles
func (hm *HandleManager) Len() int {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return len(hm.handles)
}

// Clear removes all handles, returning the count cleared
func (hm *HandleManager) Clear() int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	count := len(hm.handles)
	hm.handles = make(map[HandleID]*openHandle)
	// Don't reset nextHandle to avoid handle ID reuse issues
	return count
}
