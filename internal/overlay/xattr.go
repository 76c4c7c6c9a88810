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

package overlay

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"branchfs/internal/common"
)

// Getxattr reads an extended attribute from the visible entry.
func (fs *OverlayFS) Getxattr(rel, name string) (value []byte, err error) {
	defer recoverOverlayPanic("Getxattr", &err)
	res, err := fs.Resolve(rel)
	if err != nil {
		return nil, err
	}
	if !res.State.Exists() {
		return nil, fmt.Errorf("getxattr %q: %w", rel, common.ErrNotFound)
	}

	size, err := unix.Getxattr(res.RealPath, name, nil)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(res.RealPath, name, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Listxattr lists extended attribute names on the visible entry.
func (fs *OverlayFS) Listxattr(rel string) (names []string, err error) {
	defer recoverOverlayPanic("Listxattr", &err)
	res, err := fs.Resolve(rel)
	if err != nil {
		return nil, err
	}
	if !res.State.Exists() {
		return nil, fmt.Errorf("listxattr %q: %w", rel, common.ErrNotFound)
	}

	size, err := unix.Listxattr(res.RealPath, nil)
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Listxattr(res.RealPath, buf)
	if err != nil {
		return nil, err
	}
	for _, name := range strings.Split(string(buf[:n]), "\x00") {
		if name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// Setxattr sets an extended attribute, copying the file up first.
func (fs *OverlayFS) Setxattr(rel, name string, value []byte) (err error) {
	defer recoverOverlayPanic("Setxattr", &err)
	return fs.mutateMetadata("setxattr", rel, func(realPath string) error {
		return unix.Setxattr(realPath, name, value, 0)
	})
}

// Removexattr removes an extended attribute, copying the file up first.
func (fs *OverlayFS) Removexattr(rel, name string) (err error) {
	defer recoverOverlayPanic("Removexattr", &err)
	return fs.mutateMetadata("removexattr", rel, func(realPath string) error {
		return unix.Removexattr(realPath, name)
	})
}
