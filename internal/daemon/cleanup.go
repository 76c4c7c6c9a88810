package daemon

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CleanupResult contains the result of a cleanup operation
type CleanupResult struct {
	StaleMounts []string // Mount points that were unmounted
	CleanedDirs int      // Empty mount directories removed
	Errors      []error  // Any errors encountered
}

// CleanupStaleMounts finds and unmounts stale branchfs NFS mounts.
// A stale mount is a localhost NFS mount under the config directory whose
// owning session has exited; the kernel client keeps it in the mount table
// until something unmounts it, and enough of them exhausts the kernel's
// NFS mount ceiling.
//
// Setting BRANCHFS_NO_CLEANUP disables the sweep (useful when several
// sessions share a machine and the caller manages mounts itself).
func CleanupStaleMounts(isLive func(mountPoint string) bool) (*CleanupResult, error) {
	result := &CleanupResult{}

	if os.Getenv("BRANCHFS_NO_CLEANUP") != "" {
		return result, nil
	}

	staleMounts, err := findStaleNFSMounts()
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("failed to find stale NFS mounts: %w", err))
		return result, nil
	}

	for _, mountPoint := range staleMounts {
		if isLive != nil && isLive(mountPoint) {
			continue
		}
		if err := Unmount(mountPoint); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("failed to unmount %s: %w", mountPoint, err))
		} else {
			result.StaleMounts = append(result.StaleMounts, mountPoint)
		}
	}

	cleaned, err := CleanupStaleMountDirectories()
	if err != nil {
		result.Errors = append(result.Errors, err)
	}
	result.CleanedDirs = cleaned

	return result, nil
}

// findStaleNFSMounts finds localhost NFS mounts under the config directory.
// Pattern: localhost:/ on /path/to/mount (nfs, ...)
func findStaleNFSMounts() ([]string, error) {
	cmd := exec.Command("mount", "-t", "nfs")
	output, err := cmd.Output()
	if err != nil {
		// No nfs mounts, or the mount command is unhappy. Either way
		// there is nothing to sweep.
		return nil, nil
	}

	var staleMounts []string
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "localhost:/") && !strings.Contains(line, "127.0.0.1:/") {
			continue
		}
		// Extract the mount point: after " on ", before the options.
		parts := strings.Split(line, " on ")
		if len(parts) < 2 {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) == 0 {
			continue
		}
		mountPoint := fields[0]
		// Only touch our own mounts.
		if strings.Contains(mountPoint, "/.branchfs/") || strings.HasPrefix(mountPoint, getConfigDir()) {
			staleMounts = append(staleMounts, mountPoint)
		}
	}

	return staleMounts, scanner.Err()
}

// CleanupStaleMountDirectories removes empty, unmounted mnt_* directories
// in the config dir. These are left behind by crashed sessions.
func CleanupStaleMountDirectories() (int, error) {
	entries, err := os.ReadDir(getConfigDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cleaned := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "mnt_") {
			continue
		}

		dirPath := filepath.Join(getConfigDir(), entry.Name())
		if IsMounted(dirPath) {
			continue
		}

		dirEntries, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}
		// Only remove if empty (to avoid accidental data loss)
		if len(dirEntries) == 0 {
			if err := os.Remove(dirPath); err == nil {
				cleaned++
			}
		}
	}

	return cleaned, nil
}

// FormatCleanupResult formats a cleanup result for display
func FormatCleanupResult(result *CleanupResult) string {
	var parts []string

	if len(result.StaleMounts) > 0 {
		parts = append(parts, fmt.Sprintf("Unmounted %d stale mount(s):", len(result.StaleMounts)))
		for _, m := range result.StaleMounts {
			parts = append(parts, fmt.Sprintf("  - %s", m))
		}
	}

	if result.CleanedDirs > 0 {
		parts = append(parts, fmt.Sprintf("Removed %d empty mount director(ies)", result.CleanedDirs))
	}

	if len(result.Errors) > 0 {
		parts = append(parts, fmt.Sprintf("Encountered %d error(s):", len(result.Errors)))
		for _, e := range result.Errors {
			parts = append(parts, fmt.Sprintf("  - %s", e.Error()))
		}
	}

	if len(parts) == 0 {
		return "No cleanup needed"
	}

	return strings.Join(parts, "\n")
}
