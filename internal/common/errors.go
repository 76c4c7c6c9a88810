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

package common

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrExists         = errors.New("already exists")
	ErrPermission     = errors.New("permission denied")
	ErrIO             = errors.New("I/O error")
	ErrNotDir         = errors.New("not a directory")
	ErrIsDir          = errors.New("is a directory")
	ErrNotEmpty       = errors.New("directory not empty")
	ErrInvalidName    = errors.New("invalid name")
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrStaleHandle    = errors.New("stale handle")
	ErrCrossBoundary  = errors.New("rename crosses passthrough boundary")
	ErrNotSupported   = errors.New("operation not supported")
	ErrMountExhausted = errors.New("mount table exhausted")
	ErrUnmounting     = errors.New("filesystem is unmounting")
)
