// Copyright 2025 The sectorfs Authors. All Rights Reserved.
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

package sectorfs

import "errors"

// Sentinel errors returned at the file-handle surface. Checked with
// errors.Is, never by string comparison.
var (
	ErrNotFound     = errors.New("sectorfs: not found")
	ErrExists       = errors.New("sectorfs: already exists")
	ErrNotEmpty     = errors.New("sectorfs: directory not empty")
	ErrNotDirectory = errors.New("sectorfs: not a directory")
	ErrNoSpace      = errors.New("sectorfs: no space left on device")
	ErrTooLong      = errors.New("sectorfs: name or path component too long")
	ErrDenied       = errors.New("sectorfs: write access denied")
	ErrClosed       = errors.New("sectorfs: operation on closed handle")
)
