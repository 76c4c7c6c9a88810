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

// Package storage persists the workspace registry: one row per mounted
// branch workspace, keyed by repository and branch. The registry backs
// `branchfs list` and stale-workspace pruning.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"branchfs/internal/common"
	"branchfs/internal/util"
)

// Workspace is one registered branch workspace.
type Workspace struct {
	bun.BaseModel `bun:"table:workspaces"`

	ID         string `bun:"id,pk"`
	Repo       string `bun:"repo,notnull"`
	Branch     string `bun:"branch,notnull"`
	LowerRoot  string `bun:"lower_root,notnull"`
	UpperRoot  string `bun:"upper_root,notnull"`
	MountPoint string `bun:"mount_point,notnull"`
	PID        int    `bun:"pid,notnull"`
	CreatedAt  int64  `bun:"created_at,notnull"`
}

// Registry is the SQLite-backed workspace registry.
type Registry struct {
	path string
	db   *sql.DB
	bun  *bun.DB
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout first: subsequent PRAGMAs (especially journal_mode=WAL,
	// which needs exclusive access) wait for locks instead of failing
	// immediately with "database is locked".
	if err := execPragma(db, "PRAGMA busy_timeout = 5000"); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	return nil
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id          TEXT PRIMARY KEY,
	repo        TEXT NOT NULL,
	branch      TEXT NOT NULL,
	lower_root  TEXT NOT NULL,
	upper_root  TEXT NOT NULL,
	mount_point TEXT NOT NULL,
	pid         INTEGER NOT NULL,
	created_at  INTEGER NOT NULL,
	UNIQUE (repo, branch)
);
CREATE INDEX IF NOT EXISTS idx_workspaces_mount ON workspaces (mount_point);
`

// OpenRegistry opens (or creates) the registry database at path.
func OpenRegistry(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry dir: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(registrySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create registry schema: %w", err)
	}

	log.Debugf("[registry] opened %s", path)
	return &Registry{
		path: path,
		db:   db,
		bun:  bun.NewDB(db, sqlitedialect.New()),
	}, nil
}

// Path returns the on-disk location of the registry database.
func (r *Registry) Path() string {
	return r.path
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Register inserts a workspace row, replacing any previous registration
// for the same repo and branch. A remount of the same branch takes over
// the old row rather than conflicting with it.
// Uses retry logic to handle transient "database is locked" errors when
// several mount sessions share the registry (WAL checkpoint contention).
func (r *Registry) Register(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		ws.ID = uuid.New().String()
	}
	if ws.CreatedAt == 0 {
		ws.CreatedAt = time.Now().Unix()
	}
	return util.Retry(ctx, func() error {
		_, err := r.bun.NewInsert().
			Model(ws).
			On("CONFLICT (repo, branch) DO UPDATE").
			Set("id = EXCLUDED.id").
			Set("lower_root = EXCLUDED.lower_root").
			Set("upper_root = EXCLUDED.upper_root").
			Set("mount_point = EXCLUDED.mount_point").
			Set("pid = EXCLUDED.pid").
			Set("created_at = EXCLUDED.created_at").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

// Get returns the workspace registered for repo and branch.
func (r *Registry) Get(ctx context.Context, repo, branch string) (*Workspace, error) {
	var ws Workspace
	err := r.bun.NewSelect().
		Model(&ws).
		Where("repo = ?", repo).
		Where("branch = ?", branch).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// GetByMountPoint returns the workspace mounted at the given path.
func (r *Registry) GetByMountPoint(ctx context.Context, mountPoint string) (*Workspace, error) {
	var ws Workspace
	err := r.bun.NewSelect().
		Model(&ws).
		Where("mount_point = ?", mountPoint).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// List returns all registered workspaces, newest first.
func (r *Registry) List(ctx context.Context) ([]Workspace, error) {
	var workspaces []Workspace
	err := r.bun.NewSelect().
		Model(&workspaces).
		Order("created_at DESC").
		Scan(ctx)
	return workspaces, err
}

// Remove deletes a workspace row by ID. Returns the number of rows removed.
func (r *Registry) Remove(ctx context.Context, id string) (int64, error) {
	return util.RetryWithResult(ctx, func() (int64, error) {
		result, err := r.bun.NewDelete().
			Model((*Workspace)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return 0, err
		}
		return result.RowsAffected()
	}, util.DatabaseRetryOptions(ctx)...)
}

// Prune removes rows whose owning process is gone and returns them.
// A crashed mount session leaves its row behind; the next CLI run sweeps
// it here.
func (r *Registry) Prune(ctx context.Context) ([]Workspace, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var pruned []Workspace
	for _, ws := range all {
		if util.IsProcessRunning(ws.PID) {
			continue
		}
		if _, err := r.Remove(ctx, ws.ID); err != nil {
			return pruned, err
		}
		log.Debugf("[registry] pruned dead workspace %s (%s@%s, pid %d)", ws.ID, ws.Repo, ws.Branch, ws.PID)
		pruned = append(pruned, ws)
	}
	return pruned, nil
}
