package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	billy "github.com/go-git/go-billy/v5"
	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfsfile "github.com/willscott/go-nfs/file"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"branchfs/internal/common"
	"branchfs/internal/overlay"
)

func init() {
	netFSTypeName = "nfs"
}

// NFSServer wraps the go-nfs server
type NFSServer struct {
	listener net.Listener
	server   *nfs.Server
	handler  nfs.Handler
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewNFSServer creates a new NFS server for the given overlay
func NewNFSServer(fs *overlay.OverlayFS) *NFSServer {
	// Match go-nfs log level to our own
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	billyFS := NewBillyAdapter(fs)
	handler := nfshelper.NewNullAuthHandler(billyFS)
	cacheHelper := nfshelper.NewCachingHandler(handler, 65536)

	ctx, cancel := context.WithCancel(context.Background())
	server := &nfs.Server{
		Handler: cacheHelper,
		Context: ctx,
	}

	return &NFSServer{
		server:  server,
		handler: cacheHelper,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Serve starts the NFS server
func (s *NFSServer) Serve(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	return s.server.Serve(listener)
}

// Addr returns the listener address, or nil before Serve.
func (s *NFSServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the NFS server gracefully
func (s *NFSServer) Shutdown() {
	// Close the listener first to stop accepting new connections
	if s.listener != nil {
		s.listener.Close()
	}

	// Settle time for in-flight NFS operations to complete after listener
	// close. The mount point is unmounted BEFORE this shutdown call, so the
	// kernel NFS client has already disconnected. 100ms is sufficient for
	// residual in-flight requests given the soft mount options.
	time.Sleep(100 * time.Millisecond)

	// Cancel context to signal handlers to stop
	if s.cancel != nil {
		s.cancel()
	}

	close(s.done)
}

// BillyAdapter adapts the overlay to the Billy filesystem interface
// go-nfs consumes.
type BillyAdapter struct {
	fs  *overlay.OverlayFS
	uid uint32 // cached os.Getuid(), read per BillyFileInfo.Sys()
	gid uint32 // cached os.Getgid(), read per BillyFileInfo.Sys()
}

// NewBillyAdapter creates a Billy adapter for an overlay
func NewBillyAdapter(fs *overlay.OverlayFS) *BillyAdapter {
	return &BillyAdapter{
		fs:  fs,
		uid: uint32(os.Getuid()),
		gid: uint32(os.Getgid()),
	}
}

// norm converts a billy path ("/a/b" or "a/b") to an overlay path.
func norm(filename string) string {
	return common.NormalizePath(filename)
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	handle, err := b.fs.Open(norm(filename), flag, perm)
	if err != nil {
		return nil, err
	}
	return &BillyFile{
		adapter: b,
		handle:  handle,
		name:    filename,
		flags:   flag,
	}, nil
}

func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	info, err := b.fs.Stat(norm(filename))
	if err != nil {
		return nil, err
	}
	return b.wrapInfo(path.Base(filename), info), nil
}

// Lstat and Stat are identical: the overlay resolves with lstat and
// never follows symlinks itself.
func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	return b.Stat(filename)
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return b.fs.Rename(norm(oldpath), norm(newpath))
}

func (b *BillyAdapter) Remove(filename string) error {
	return b.fs.Remove(norm(filename))
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	infos, err := b.fs.ReadDir(norm(dirname))
	if err != nil {
		return nil, err
	}
	result := make([]os.FileInfo, 0, len(infos))
	for _, info := range infos {
		result = append(result, b.wrapInfo(info.Name(), info))
	}
	return result, nil
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	var cur string
	for _, part := range common.SplitPath(norm(filename)) {
		cur = common.JoinPath(cur, part)
		if err := b.fs.Mkdir(cur, perm); err != nil && !errors.Is(err, common.ErrExists) {
			return err
		}
	}
	return nil
}

func (b *BillyAdapter) Symlink(target, link string) error {
	return b.fs.Symlink(target, norm(link))
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	return b.fs.Readlink(norm(link))
}

func (b *BillyAdapter) Chroot(path string) (billy.Filesystem, error) {
	return nil, os.ErrInvalid
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	return b.fs.Chmod(norm(name), mode)
}

func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error {
	return b.fs.Chtimes(norm(name), atime, mtime)
}

func (b *BillyAdapter) Lchown(name string, uid, gid int) error { return nil }
func (b *BillyAdapter) Chown(name string, uid, gid int) error  { return nil }

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability |
		billy.ReadAndWriteCapability | billy.SeekCapability | billy.TruncateCapability
}

func (b *BillyAdapter) wrapInfo(name string, info os.FileInfo) *BillyFileInfo {
	return &BillyFileInfo{
		name:   name,
		info:   info,
		fileid: b.fs.FileID(info),
		uid:    b.uid,
		gid:    b.gid,
	}
}

// BillyFile is an open overlay handle exposed through billy.
type BillyFile struct {
	adapter *BillyAdapter
	handle  overlay.HandleID
	name    string
	flags   int
	offset  int64
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (n int, err error) {
	n, err = f.adapter.fs.Write(f.handle, p, f.offset)
	if err == nil {
		f.offset += int64(n)
	}
	return
}

func (f *BillyFile) Read(p []byte) (n int, err error) {
	n, err = f.adapter.fs.Read(f.handle, p, f.offset)
	if n > 0 {
		f.offset += int64(n)
	}
	return
}

func (f *BillyFile) ReadAt(p []byte, off int64) (n int, err error) {
	return f.adapter.fs.Read(f.handle, p, off)
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		info, err := f.adapter.fs.Stat(norm(f.name))
		if err != nil {
			return 0, err
		}
		f.offset = info.Size() + offset
	}
	return f.offset, nil
}

func (f *BillyFile) Close() error {
	return f.adapter.fs.Close(f.handle)
}

func (f *BillyFile) Lock() error {
	return nil
}

func (f *BillyFile) Unlock() error {
	return nil
}

func (f *BillyFile) Truncate(size int64) error {
	return f.adapter.fs.Truncate(f.handle, size)
}

// BillyFileInfo wraps an overlay FileInfo with the identity-stable
// fileid go-nfs needs.
type BillyFileInfo struct {
	name   string
	info   os.FileInfo
	fileid uint64
	uid    uint32
	gid    uint32
}

func (fi *BillyFileInfo) Name() string       { return fi.name }
func (fi *BillyFileInfo) Size() int64        { return fi.info.Size() }
func (fi *BillyFileInfo) Mode() os.FileMode  { return fi.info.Mode() }
func (fi *BillyFileInfo) ModTime() time.Time { return fi.info.ModTime() }
func (fi *BillyFileInfo) IsDir() bool        { return fi.info.IsDir() }

func (fi *BillyFileInfo) Sys() interface{} {
	// Return file.FileInfo from go-nfs/file package - this is critical for NFS to work!
	// go-nfs's GetInfo() only recognizes file.FileInfo or *file.FileInfo types
	return &nfsfile.FileInfo{
		Nlink:  1,
		UID:    fi.uid,
		GID:    fi.gid,
		Fileid: fi.fileid,
	}
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
	_ os.FileInfo      = (*BillyFileInfo)(nil)
)
