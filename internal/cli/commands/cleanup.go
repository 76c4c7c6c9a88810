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
	"fmt"

	"github.com/spf13/cobra"

	"branchfs/internal/daemon"
	"branchfs/internal/storage"
	"branchfs/internal/util"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Sweep stale mounts and dead registrations",
	Long: `Unmounts NFS mounts left behind by crashed sessions, removes their
empty mount directories, and prunes their registry rows. Mounts owned by
live sessions are untouched.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	registry, err := storage.OpenRegistry(daemon.RegistryPath())
	if err != nil {
		return err
	}
	defer registry.Close()

	ctx := cmd.Context()
	pruned, err := registry.Prune(ctx)
	if err != nil {
		return err
	}

	result, err := daemon.CleanupStaleMounts(func(mountPoint string) bool {
		ws, err := registry.GetByMountPoint(ctx, mountPoint)
		if err != nil {
			return false
		}
		return util.IsProcessRunning(ws.PID)
	})
	if err != nil {
		return err
	}

	if len(pruned) > 0 {
		fmt.Printf("Pruned %d dead registration(s)\n", len(pruned))
	}
	fmt.Println(daemon.FormatCleanupResult(result))
	return nil
}
