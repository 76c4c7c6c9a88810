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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"branchfs/internal/common"
	"branchfs/internal/daemon"
	"branchfs/internal/session"
	"branchfs/internal/storage"
	"branchfs/internal/util"
)

var mountCmd = &cobra.Command{
	Use:   "mount <repo>",
	Short: "Mount a branch workspace over a repository",
	Long: `Mounts an ephemeral copy-on-write workspace over the repository.

The repository is the read-only lower layer; all writes go to a private
upper layer scoped to the branch. The branch defaults to the repository's
current git branch.

The command runs in the foreground and unmounts on Ctrl-C. Use --detach
to run the session in the background instead.

Examples:
  branchfs mount .
  branchfs mount ~/src/api -b feature/login
  branchfs mount ~/src/api --detach`,
	Args: cobra.ExactArgs(1),
	RunE: runMount,
}

var (
	mountBranch    string
	mountPoint     string
	mountUpperRoot string
	mountDetach    bool
)

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.Flags().StringVarP(&mountBranch, "branch", "b", "", "Branch name (default: current git branch)")
	mountCmd.Flags().StringVarP(&mountPoint, "mount-point", "m", "", "Mount point (default: under the config dir)")
	mountCmd.Flags().StringVar(&mountUpperRoot, "upper", "", "Upper layer directory (default: under the config dir)")
	mountCmd.Flags().BoolVar(&mountDetach, "detach", false, "Run the mount session in the background")
}

func runMount(cmd *cobra.Command, args []string) error {
	repo, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve repo path: %w", err)
	}

	branch := mountBranch
	if branch == "" {
		branch, err = currentGitBranch(repo)
		if err != nil {
			return fmt.Errorf("could not determine branch (use -b): %w", err)
		}
	}

	if mountDetach {
		return startDetached(cmd.Context(), repo, branch)
	}

	s, err := session.Start(cmd.Context(), session.Options{
		Repo:       repo,
		Branch:     branch,
		MountPoint: mountPoint,
		UpperRoot:  mountUpperRoot,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Mounted %s@%s at %s\n", repo, branch, s.MountPoint)
	fmt.Println("Press Ctrl-C to unmount")
	return s.Wait(cmd.Context())
}

// startDetached re-executes this binary as a background mount session and
// waits for it to register the workspace.
func startDetached(ctx context.Context, repo, branch string) error {
	exe, err := util.GetExecutablePath()
	if err != nil {
		return err
	}

	childArgs := []string{"mount", repo, "-b", branch}
	if mountPoint != "" {
		childArgs = append(childArgs, "-m", mountPoint)
	}
	if mountUpperRoot != "" {
		childArgs = append(childArgs, "--upper", mountUpperRoot)
	}
	if logLevelFlag != "" {
		childArgs = append(childArgs, "--log-level", logLevelFlag)
	}

	proc, err := util.StartBackgroundProcess(exe, childArgs, nil)
	if err != nil {
		return fmt.Errorf("failed to start background session: %w", err)
	}

	registry, err := storage.OpenRegistry(daemon.RegistryPath())
	if err != nil {
		return err
	}
	defer registry.Close()

	var ws *storage.Workspace
	err = util.PollUntil(ctx, util.FastPollConfig(), func() bool {
		ws, err = registry.Get(ctx, repo, branch)
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("background session (PID %d) did not come up in time", proc.Pid)
	}

	fmt.Printf("Mounted %s@%s at %s (PID %d)\n", repo, branch, ws.MountPoint, ws.PID)
	return nil
}

// currentGitBranch reads the checked-out branch from .git/HEAD without
// shelling out to git.
func currentGitBranch(repo string) (string, error) {
	data, err := os.ReadFile(filepath.Join(repo, ".git", "HEAD"))
	if err != nil {
		return "", err
	}
	head := strings.TrimSpace(string(data))
	const prefix = "ref: refs/heads/"
	if !strings.HasPrefix(head, prefix) {
		// Detached HEAD has no branch name.
		return "", fmt.Errorf("detached HEAD: %w", common.ErrNotFound)
	}
	return strings.TrimPrefix(head, prefix), nil
}
