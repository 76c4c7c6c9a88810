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

//go:build darwin

package daemon

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// NFSMount mounts the workspace NFS share at the given path.
func NFSMount(ip string, port int, mountPath string) error {
	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	// Note: noac disables attribute caching so copy-up results are
	//   immediately visible through the kernel client.
	// Note: soft,timeo=50 (5 seconds per attempt), retrans=3 gives ~20s before
	//   the kernel marks the mount VQ_DEAD. This prevents zombie kernel mounts
	//   that can only be cleared by reboot, while allowing enough time for the
	//   NFS server to respond under CPU contention. A graceful shutdown
	//   unmounts first, so the soft timeout is never hit in normal operation.
	// Note: nobrowse hides the mount from Finder/Desktop and prevents
	//   Spotlight indexing, which otherwise adds 50%+ extra traffic on
	//   operations like cp -r.
	// rsize/wsize=65536 (64KB) is the maximum supported by the macOS NFS client.
	cmd := exec.Command("mount_nfs",
		"-o", fmt.Sprintf("port=%d,mountport=%d,tcp,nolocks,vers=3,rsize=65536,wsize=65536,noac,soft,timeo=50,retrans=3,nobrowse", port, port),
		fmt.Sprintf("%s:/", ip),
		mountPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount_nfs failed: %w: %s", err, string(output))
	}
	return nil
}

// unmountTimeout is the maximum time to wait for each unmount attempt.
// After the NFS server is shut down, the kernel NFS client may block
// unmount commands while it waits for the server to respond (up to the
// soft timeout). 3s is enough for normal unmounts; force unmount always
// succeeds quickly.
const unmountTimeout = 3 * time.Second

// Unmount unmounts a filesystem
func Unmount(mountPoint string) error {
	log.Debugf("[mount] unmounting %s", mountPoint)

	if !IsMounted(mountPoint) {
		log.Debugf("[mount] %s is not mounted, nothing to do", mountPoint)
		return nil
	}

	// Try diskutil unmount first (macOS preferred method)
	ctx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
	cmd := exec.CommandContext(ctx, "diskutil", "unmount", mountPoint)
	output, err := cmd.CombinedOutput()
	cancel()
	if err == nil {
		return nil
	}
	log.Debugf("[mount] diskutil unmount failed: %v, output: %s", err, string(output))

	// Fall back to umount
	ctx, cancel = context.WithTimeout(context.Background(), unmountTimeout)
	cmd = exec.CommandContext(ctx, "umount", mountPoint)
	output, err = cmd.CombinedOutput()
	cancel()
	if err == nil {
		return nil
	}
	log.Debugf("[mount] umount failed: %v, output: %s", err, string(output))

	// Force unmount as last resort
	ctx, cancel = context.WithTimeout(context.Background(), unmountTimeout)
	cmd = exec.CommandContext(ctx, "umount", "-f", mountPoint)
	output, err = cmd.CombinedOutput()
	cancel()
	if err != nil {
		log.Debugf("[mount] force unmount failed: %v, output: %s", err, string(output))
		return fmt.Errorf("all unmount attempts failed for %s: %w", mountPoint, err)
	}
	return nil
}

// IsMounted checks if a path is a mount point by checking the mount table
func IsMounted(mountPoint string) bool {
	cmd := exec.Command("mount")
	output, err := cmd.Output()
	if err != nil {
		return false
	}

	// Resolve symlinks in the mount point path.
	// On macOS, /tmp -> /private/tmp and /var -> /private/var, so paths like
	// /tmp/foo appear as /private/tmp/foo in the mount table.
	realPath, err := filepath.EvalSymlinks(mountPoint)
	if err != nil {
		realPath = mountPoint
	}

	return len(output) > 0 && containsMount(string(output), realPath)
}

// containsMount checks if a mount point is in the mount output
func containsMount(mountOutput, mountPoint string) bool {
	// Format is typically: "something on /mount/point (type options)"
	for _, line := range bytes.Split([]byte(mountOutput), []byte("\n")) {
		if bytes.Contains(line, []byte(" on "+mountPoint+" ")) ||
			bytes.Contains(line, []byte(" on "+mountPoint+"\n")) {
			return true
		}
	}
	return false
}
