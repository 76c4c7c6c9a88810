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

// Package integration exercises the full request pipeline the NFS server
// sees: billy interface -> BillyAdapter -> overlay -> layer directories.
// Nothing here needs a kernel mount, so these tests run unprivileged.
package integration

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"branchfs/internal/daemon"
	"branchfs/internal/overlay"
)

// adapterEnv is one overlay with its billy adapter and layer roots.
type adapterEnv struct {
	Adapter *daemon.BillyAdapter
	FS      *overlay.OverlayFS
	Lower   string
	Upper   string
}

// newAdapterEnv builds an overlay over a seeded lower layer.
func newAdapterEnv(t *testing.T, passthrough ...string) *adapterEnv {
	t.Helper()

	lower := t.TempDir()
	upper := filepath.Join(t.TempDir(), "upper")

	fs, err := overlay.New(overlay.Options{
		UpperRoot:   upper,
		LowerRoot:   lower,
		Passthrough: passthrough,
	})
	require.NoError(t, err)

	return &adapterEnv{
		Adapter: daemon.NewBillyAdapter(fs),
		FS:      fs,
		Lower:   lower,
		Upper:   upper,
	}
}

// seedLower writes a file into the lower layer, creating parents.
func (env *adapterEnv) seedLower(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(env.Lower, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0644))
}

// writeFile writes through the adapter the way an NFS client would.
func (env *adapterEnv) writeFile(t *testing.T, name, content string) {
	t.Helper()
	f, err := env.Adapter.Create(name)
	require.NoError(t, err)
	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// readFile reads through the adapter.
func (env *adapterEnv) readFile(t *testing.T, name string) string {
	t.Helper()
	f, err := env.Adapter.Open(name)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return string(data)
}
