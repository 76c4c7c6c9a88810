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

// Package session runs one branch workspace from mount to unmount: it
// builds the overlay, serves it over loopback NFS, mounts it, registers
// the workspace, and tears everything down in the right order on Close.
package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"branchfs/internal/common"
	"branchfs/internal/daemon"
	"branchfs/internal/overlay"
	"branchfs/internal/storage"
	"branchfs/internal/util"
)

// Options configures a mount session.
type Options struct {
	// Repo is the repository root; it becomes the read-only lower layer.
	Repo string
	// Branch names the workspace. Slashes are allowed.
	Branch string
	// MountPoint overrides the default mount point. Config file takes
	// precedence over the default but not over this.
	MountPoint string
	// UpperRoot overrides the default upper-layer directory.
	UpperRoot string
	// Config, when non-nil, is used instead of loading {Repo}/.branchfs.yaml.
	Config *daemon.WorkspaceConfig
}

// Session is a live mounted workspace.
type Session struct {
	ID         string
	Repo       string
	Branch     string
	MountPoint string
	UpperRoot  string
	Port       int

	fs       *overlay.OverlayFS
	server   *daemon.NFSServer
	registry *storage.Registry
	lock     *flock.Flock

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// workspaceName is the registry-facing name for a repo/branch pair.
func workspaceName(repo, branch string) string {
	return fmt.Sprintf("%s@%s", repo, branch)
}

// Start brings up a workspace: acquires the per-workspace lock, builds the
// overlay over the repo, serves it over NFS on an ephemeral loopback port,
// mounts it, and registers the workspace. On any failure everything already
// started is torn down before returning.
func Start(ctx context.Context, opts Options) (*Session, error) {
	info, err := os.Stat(opts.Repo)
	if err != nil {
		return nil, fmt.Errorf("repo: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repo %s is not a directory", opts.Repo)
	}
	if opts.Branch == "" {
		return nil, fmt.Errorf("branch is required")
	}

	if err := daemon.EnsureConfigDir(); err != nil {
		return nil, err
	}

	cfg := opts.Config
	if cfg == nil {
		cfg, err = daemon.LoadWorkspaceConfig(opts.Repo)
		if err != nil {
			return nil, err
		}
	}

	ws := workspaceName(opts.Repo, opts.Branch)
	mountPoint := opts.MountPoint
	if mountPoint == "" {
		mountPoint = cfg.MountPoint
	}
	if mountPoint == "" {
		mountPoint = daemon.MountPath(ws)
	}
	upperRoot := opts.UpperRoot
	if upperRoot == "" {
		upperRoot = daemon.UpperRootPath(ws)
	}

	// One session per workspace. A second mount of the same branch must
	// fail fast rather than race the first on the upper layer.
	lock := flock.New(daemon.LockPath(ws))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire workspace lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("workspace %s is already mounted: %w", ws, common.ErrExists)
	}

	s := &Session{
		Repo:       opts.Repo,
		Branch:     opts.Branch,
		MountPoint: mountPoint,
		UpperRoot:  upperRoot,
		lock:       lock,
	}

	fs, err := overlay.New(overlay.Options{
		UpperRoot:    upperRoot,
		LowerRoot:    opts.Repo,
		Passthrough:  cfg.Passthrough,
		NotifyBuffer: cfg.NotifyBuffer,
	})
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	s.fs = fs

	registry, err := storage.OpenRegistry(daemon.RegistryPath())
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	s.registry = registry

	// Sweep rows left behind by crashed sessions before adding ours.
	if pruned, err := registry.Prune(ctx); err == nil && len(pruned) > 0 {
		log.Debugf("[session] pruned %d dead workspace(s)", len(pruned))
	}

	if err := s.startServer(ctx); err != nil {
		registry.Close()
		lock.Unlock()
		return nil, err
	}

	if err := s.mountWithRecovery(ctx); err != nil {
		s.server.Shutdown()
		registry.Close()
		lock.Unlock()
		return nil, err
	}

	record := &storage.Workspace{
		Repo:       opts.Repo,
		Branch:     opts.Branch,
		LowerRoot:  opts.Repo,
		UpperRoot:  upperRoot,
		MountPoint: mountPoint,
		PID:        os.Getpid(),
	}
	if err := registry.Register(ctx, record); err != nil {
		daemon.Unmount(mountPoint)
		s.server.Shutdown()
		registry.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to register workspace: %w", err)
	}
	s.ID = record.ID

	log.Debugf("[session] %s mounted at %s (port %d, pid %d)", ws, mountPoint, s.Port, record.PID)
	return s, nil
}

// startServer picks an ephemeral port, serves NFS on it in the background,
// and waits until the port accepts connections.
func (s *Session) startServer(ctx context.Context) error {
	port, err := findAvailablePort()
	if err != nil {
		return fmt.Errorf("failed to find available port: %w", err)
	}
	s.Port = port

	s.server = daemon.NewNFSServer(s.fs)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(addr); err != nil {
			log.Debugf("[session] %s server stopped: %v", daemon.NetFSType(), err)
		}
	}()

	if err := waitForPort("127.0.0.1", port, 3*time.Second); err != nil {
		s.server.Shutdown()
		return fmt.Errorf("%s server failed to start: %w", daemon.NetFSType(), err)
	}
	return nil
}

// mountWithRecovery mounts the share, and on failure sweeps stale mounts
// and retries exactly once. The usual cause of a first-attempt failure is
// the kernel's NFS mount ceiling, exhausted by mounts crashed sessions
// left behind.
func (s *Session) mountWithRecovery(ctx context.Context) error {
	swept := 0
	err := retry.Do(func() error {
		return daemon.NFSMount("127.0.0.1", s.Port, s.MountPoint)
	},
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			log.Debugf("[session] mount failed, sweeping stale mounts: %v", err)
			result, cerr := daemon.CleanupStaleMounts(func(mountPoint string) bool {
				ws, rerr := s.registry.GetByMountPoint(ctx, mountPoint)
				if rerr != nil {
					return false
				}
				return util.IsProcessRunning(ws.PID)
			})
			if cerr == nil {
				swept = len(result.StaleMounts)
				log.Debugf("[session] recovered %d stale mount(s), retrying", swept)
			}
		}),
	)
	if err == nil {
		return nil
	}
	if swept > 0 {
		// Stale mounts were reclaimed and mounting still fails: the
		// host's mount table is out of slots.
		return fmt.Errorf("%w: %v", common.ErrMountExhausted, err)
	}
	return fmt.Errorf("mount failed: %w", err)
}

// Changes exposes the overlay's change stream.
func (s *Session) Changes() <-chan overlay.Change {
	return s.fs.Notifier().Changes()
}

// FS returns the underlying overlay.
func (s *Session) FS() *overlay.OverlayFS {
	return s.fs
}

// Wait blocks until the context is cancelled or the process receives
// SIGINT or SIGTERM, then closes the session.
func (s *Session) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Debugf("[session] received %v, shutting down", sig)
	case <-ctx.Done():
		log.Debugf("[session] context cancelled, shutting down")
	}
	return s.Close()
}

// Close tears the session down. Order matters: the overlay drains first so
// no mutation lands mid-teardown, then the share is unmounted while the NFS
// server is still alive (the kernel client blocks for seconds if the server
// dies first), then the server stops and the registration is removed.
// Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.fs.SetUnmounting()

		if err := daemon.Unmount(s.MountPoint); err != nil {
			log.Debugf("[session] unmount failed: %v", err)
			s.closeErr = err
		}

		s.server.Shutdown()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(500 * time.Millisecond):
			log.Debugf("[session] timeout waiting for server goroutine")
		}

		s.fs.Notifier().Close()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if s.ID != "" {
			if _, err := s.registry.Remove(ctx, s.ID); err != nil {
				log.Debugf("[session] failed to remove registry row: %v", err)
				if s.closeErr == nil {
					s.closeErr = err
				}
			}
		}
		s.registry.Close()

		// The mount directory is ours; remove it if empty.
		if entries, err := os.ReadDir(s.MountPoint); err == nil && len(entries) == 0 {
			os.Remove(s.MountPoint)
		}

		s.lock.Unlock()
		log.Debugf("[session] %s closed", workspaceName(s.Repo, s.Branch))
	})
	return s.closeErr
}

// findAvailablePort finds an available TCP port on loopback.
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// waitForPort waits until a port is accepting connections on the given IP.
func waitForPort(ip string, port int, timeout time.Duration) error {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))
	if util.WaitWithDeadline(time.Now().Add(timeout), 50*time.Millisecond, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		return false
	}) {
		return nil
	}
	return fmt.Errorf("timeout waiting for port %d", port)
}
