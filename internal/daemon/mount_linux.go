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

//go:build linux

package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// NFSMount mounts the workspace NFS share at the given path.
func NFSMount(ip string, port int, mountPath string) error {
	if err := os.MkdirAll(mountPath, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	// noac keeps copy-up results immediately visible through the kernel
	// client; soft,timeo=50,retrans=3 bounds how long a dead server can
	// wedge the mount.
	cmd := exec.Command("mount",
		"-t", "nfs",
		"-o", fmt.Sprintf("port=%d,mountport=%d,tcp,nolock,vers=3,rsize=65536,wsize=65536,noac,soft,timeo=50,retrans=3", port, port),
		fmt.Sprintf("%s:/", ip),
		mountPath,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nfs mount failed: %w: %s", err, string(output))
	}
	return nil
}

// unmountTimeout is the maximum time to wait for each unmount attempt.
const unmountTimeout = 3 * time.Second

// Unmount unmounts a filesystem
func Unmount(mountPoint string) error {
	log.Debugf("[mount] unmounting %s", mountPoint)

	if !IsMounted(mountPoint) {
		log.Debugf("[mount] %s is not mounted, nothing to do", mountPoint)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
	cmd := exec.CommandContext(ctx, "umount", mountPoint)
	output, err := cmd.CombinedOutput()
	cancel()
	if err == nil {
		return nil
	}
	log.Debugf("[mount] umount failed: %v, output: %s", err, string(output))

	ctx, cancel = context.WithTimeout(context.Background(), unmountTimeout)
	cmd = exec.CommandContext(ctx, "umount", "-f", mountPoint)
	output, err = cmd.CombinedOutput()
	cancel()
	if err == nil {
		return nil
	}
	log.Debugf("[mount] force unmount failed: %v, output: %s", err, string(output))

	// Lazy unmount detaches the mount even with open file handles.
	ctx, cancel = context.WithTimeout(context.Background(), unmountTimeout)
	cmd = exec.CommandContext(ctx, "umount", "-l", mountPoint)
	output, err = cmd.CombinedOutput()
	cancel()
	if err != nil {
		log.Debugf("[mount] lazy unmount failed: %v, output: %s", err, string(output))
		return fmt.Errorf("all unmount attempts failed for %s: %w", mountPoint, err)
	}
	return nil
}

// IsMounted checks if a path is a mount point via /proc/mounts
func IsMounted(mountPoint string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == mountPoint {
			return true
		}
	}
	return false
}
