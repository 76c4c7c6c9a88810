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
	"errors"
	"io/fs"
	"syscall"

	"branchfs/internal/common"
)

// Errno codes surfaced to the transport layer
var (
	ENOENT    = syscall.ENOENT
	EEXIST    = syscall.EEXIST
	ENOTDIR   = syscall.ENOTDIR
	EISDIR    = syscall.EISDIR
	EBADF     = syscall.EBADF
	EINVAL    = syscall.EINVAL
	ENOTSUP   = syscall.ENOTSUP
	EIO       = syscall.EIO
	EACCES    = syscall.EACCES
	EPERM     = syscall.EPERM
	ESTALE    = syscall.ESTALE
	ENOTEMPTY = syscall.ENOTEMPTY
	EBUSY     = syscall.EBUSY
)

// Errno maps an overlay error to the syscall errno the transport layer
// should report. Sentinels from internal/common are recognized through
// any level of wrapping; os and syscall errors pass through on their
// own errno. Unknown errors report EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	switch {
	case errors.Is(err, common.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return ENOENT
	case errors.Is(err, common.ErrExists), errors.Is(err, fs.ErrExist):
		return EEXIST
	case errors.Is(err, common.ErrPermission), errors.Is(err, fs.ErrPermission):
		return EACCES
	case errors.Is(err, common.ErrNotDir):
		return ENOTDIR
	case errors.Is(err, common.ErrIsDir):
		return EISDIR
	case errors.Is(err, common.ErrNotEmpty):
		return ENOTEMPTY
	case errors.Is(err, common.ErrInvalidName):
		return EINVAL
	case errors.Is(err, common.ErrInvalidHandle):
		return EBADF
	case errors.Is(err, common.ErrStaleHandle):
		return ESTALE
	case errors.Is(err, common.ErrCrossBoundary):
		return EINVAL
	case errors.Is(err, common.ErrNotSupported):
		return ENOTSUP
	case errors.Is(err, common.ErrUnmounting):
		return EBUSY
	default:
		return EIO
	}
}
