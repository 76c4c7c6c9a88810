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

package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"branchfs/internal/common"
	"branchfs/internal/daemon"
	"branchfs/internal/storage"
	"branchfs/internal/util"
)

var unmountCmd = &cobra.Command{
	Use:     "unmount <path>",
	Aliases: []string{"umount"},
	Short:   "Unmount a branch workspace",
	Long: `Unmounts a workspace by its mount point or by its repository path.

The owning session is asked to shut down gracefully. If the session has
already died, the mount is cleaned up directly.

Examples:
  branchfs unmount ~/.branchfs/mnt_api-main
  branchfs unmount ~/src/api -b feature/login
  branchfs unmount --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUnmount,
}

var (
	unmountBranch string
	unmountAll    bool
)

func init() {
	rootCmd.AddCommand(unmountCmd)
	unmountCmd.Flags().StringVarP(&unmountBranch, "branch", "b", "", "Branch name (default: current git branch)")
	unmountCmd.Flags().BoolVar(&unmountAll, "all", false, "Unmount every registered workspace")
}

func runUnmount(cmd *cobra.Command, args []string) error {
	registry, err := storage.OpenRegistry(daemon.RegistryPath())
	if err != nil {
		return err
	}
	defer registry.Close()

	ctx := cmd.Context()

	if unmountAll {
		workspaces, err := registry.List(ctx)
		if err != nil {
			return err
		}
		if len(workspaces) == 0 {
			fmt.Println("No mounted workspaces")
			return nil
		}
		var failed int
		for _, ws := range workspaces {
			if err := unmountWorkspace(ctx, registry, &ws); err != nil {
				fmt.Printf("Failed to unmount %s@%s: %v\n", ws.Repo, ws.Branch, err)
				failed++
			} else {
				fmt.Printf("Unmounted %s@%s\n", ws.Repo, ws.Branch)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d workspace(s) failed to unmount", failed)
		}
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("a path is required unless --all is given")
	}
	target, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	ws, err := findWorkspace(ctx, registry, target)
	if err != nil {
		return err
	}
	if err := unmountWorkspace(ctx, registry, ws); err != nil {
		return err
	}
	fmt.Printf("Unmounted %s@%s\n", ws.Repo, ws.Branch)
	return nil
}

// findWorkspace resolves a path to a registry row, trying it first as a
// mount point and then as a repository root.
func findWorkspace(ctx context.Context, registry *storage.Registry, target string) (*storage.Workspace, error) {
	ws, err := registry.GetByMountPoint(ctx, target)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	branch := unmountBranch
	if branch == "" {
		branch, err = currentGitBranch(target)
		if err != nil {
			return nil, fmt.Errorf("not mounted: %s", target)
		}
	}
	ws, err = registry.Get(ctx, target, branch)
	if errors.Is(err, common.ErrNotFound) {
		return nil, fmt.Errorf("not mounted: %s@%s", target, branch)
	}
	return ws, err
}

// unmountWorkspace shuts down a workspace. A live owning session is asked
// to exit via SIGTERM, escalating to SIGKILL if it does not remove its
// registration in time; whatever the owner leaves behind is swept here.
func unmountWorkspace(ctx context.Context, registry *storage.Registry, ws *storage.Workspace) error {
	if util.IsProcessRunning(ws.PID) {
		requestStop := func() error {
			return syscall.Kill(ws.PID, syscall.SIGTERM)
		}
		sessionAlive := func() bool {
			if !util.IsProcessRunning(ws.PID) {
				return false
			}
			_, err := registry.Get(ctx, ws.Repo, ws.Branch)
			return err == nil
		}
		if err := util.StopProcess(ctx, ws.PID, util.ProcessConfig{}, requestStop, sessionAlive); err != nil {
			return fmt.Errorf("session (PID %d) did not shut down: %w", ws.PID, err)
		}
	}

	// A session that exited cleanly removed its own mount and row, so
	// both calls below no-op. A crashed or force-killed one leaves both
	// behind.
	if err := daemon.Unmount(ws.MountPoint); err != nil {
		return err
	}
	_, err := registry.Remove(ctx, ws.ID)
	return err
}
