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

// Package overlay implements the union/copy-on-write engine: a writable
// upper layer over a read-only lower layer, with AUFS-style whiteouts
// and passthrough paths that bypass the upper layer entirely.
package overlay

import (
	"os"
	"time"
)

// LayerState classifies where a relative path currently lives.
// The set is closed: every consumer must handle all five states and
// fail loudly on anything else.
type LayerState int

const (
	// StateAbsent means the path exists in neither layer.
	StateAbsent LayerState = iota
	// StateUpperOnly means the path exists only in the upper layer.
	StateUpperOnly
	// StateLowerOnly means the path exists only in the lower layer.
	StateLowerOnly
	// StateBoth means the path exists in both layers (upper shadows lower).
	StateBoth
	// StateWhiteout means a whiteout marker hides the lower entry.
	StateWhiteout
)

func (s LayerState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateUpperOnly:
		return "upper-only"
	case StateLowerOnly:
		return "lower-only"
	case StateBoth:
		return "both"
	case StateWhiteout:
		return "whiteout"
	default:
		return "unknown"
	}
}

// Exists reports whether the path is visible in the merged view.
func (s LayerState) Exists() bool {
	return s == StateUpperOnly || s == StateLowerOnly || s == StateBoth
}

// Resolution is the result of resolving a relative path against both layers.
// Stats are taken fresh on every resolution; nothing here is cached.
type Resolution struct {
	State LayerState
	// RealPath is the on-disk path operations should act on. Empty for
	// StateAbsent and StateWhiteout.
	RealPath string
	// Info is the lstat of RealPath, nil when RealPath is empty.
	Info os.FileInfo
	// Passthrough is true when the path bypasses the upper layer.
	Passthrough bool
}

// ChangeKind describes a mutation of the upper layer.
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeModified
	ChangeDeleted
	ChangeCopiedUp
	ChangeRenamed
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	case ChangeCopiedUp:
		return "copied-up"
	case ChangeRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// Change is one upper-layer mutation event. Passthrough and read
// traffic never produce changes.
type Change struct {
	Path string
	Kind ChangeKind
	At   time.Time
}
