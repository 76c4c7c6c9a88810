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
	"time"

	"github.com/spf13/cobra"

	"branchfs/internal/daemon"
	"branchfs/internal/storage"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List mounted workspaces",
	Long:    `Lists all registered branch workspaces. Rows whose owning session has died are pruned first.`,
	Args:    cobra.NoArgs,
	RunE:    runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	registry, err := storage.OpenRegistry(daemon.RegistryPath())
	if err != nil {
		return err
	}
	defer registry.Close()

	ctx := cmd.Context()
	if _, err := registry.Prune(ctx); err != nil {
		return err
	}

	workspaces, err := registry.List(ctx)
	if err != nil {
		return err
	}
	if len(workspaces) == 0 {
		fmt.Println("No mounted workspaces")
		return nil
	}

	fmt.Printf("Mounted workspaces (%d):\n", len(workspaces))
	for _, ws := range workspaces {
		fmt.Printf("  %s@%s -> %s\n", ws.Repo, ws.Branch, ws.MountPoint)
		fmt.Printf("    pid: %d, since: %s\n", ws.PID, time.Unix(ws.CreatedAt, 0).Format("2006-01-02 15:04:05"))
	}
	return nil
}
