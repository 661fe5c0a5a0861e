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

// Package pathwalk splits a textual path into components and walks
// directories from either the root sector or a caller-supplied working
// directory, returning the parent directory and the final component
// name. Leading '/' selects the root, consecutive slashes coalesce, and
// an all-slashes path resolves to the root directory itself.
package pathwalk

import (
	"errors"

	"github.com/sectorfs/sectorfs/internal/blockdevice"
	"github.com/sectorfs/sectorfs/internal/directory"
	"github.com/sectorfs/sectorfs/internal/inode"
)

// NameMax is the longest a single path component may be.
const NameMax = directory.NameMax

// Resolution failures, distinguished so the file-handle surface can map
// them onto its own error kinds instead of collapsing everything into
// "not found".
var (
	ErrNotFound     = errors.New("pathwalk: no such directory entry")
	ErrNotDirectory = errors.New("pathwalk: intermediate component is not a directory")
	ErrTooLong      = errors.New("pathwalk: path component too long")
)

// Split breaks path into its '/'-separated components, enforcing NameMax
// per component.
func Split(path string) ([]string, error) {
	var parts []string
	i := 0
	for i < len(path) {
		for i < len(path) && path[i] == '/' {
			i++
		}
		if i >= len(path) {
			break
		}
		start := i
		for i < len(path) && path[i] != '/' {
			i++
		}
		if i-start > NameMax {
			return nil, ErrTooLong
		}
		parts = append(parts, path[start:i])
	}
	return parts, nil
}

// Result is the outcome of a successful Resolve: the parent directory's
// inode (already open — the caller must Close it) and the final
// component's name, which callers look up/create/remove within it.
// FileName is the sentinel "." when the path names the directory Dir
// itself (an all-slashes path, or a final component of "." or ".." that
// Resolve has already followed to the directory it denotes).
type Result struct {
	Dir      *inode.Inode
	FileName string
}

// step resolves a single path component from cur, giving "." and ".."
// their conventional meanings (stay; move to the parent, which is itself
// for the root directory) since neither is ever a stored directory
// entry. Returns the next open inode, which is always a directory.
func step(t *inode.Table, cur *inode.Inode, name string) (*inode.Inode, error) {
	switch name {
	case ".":
		return t.Open(cur.Sector()), nil
	case "..":
		return t.Open(t.Parent(cur.Sector())), nil
	default:
		childSector, found := directory.Lookup(t, cur, name)
		if !found {
			return nil, ErrNotFound
		}
		if !t.IsDirectory(childSector) {
			return nil, ErrNotDirectory
		}
		return t.Open(childSector), nil
	}
}

// Resolve splits path and walks it starting from root (if path begins
// with '/') or from cwd otherwise, descending through every component but
// the last. The last component is never looked up here — only the
// directory that should contain it is returned, plus its name, so the
// caller can create, look up, or remove it. A path of only slashes (or
// the empty string after a leading '/') yields FileName="." with Dir set
// to the root. A final component of "." or ".." is followed immediately
// and also reported back as FileName="."/Dir=the directory it names,
// since neither can be looked up as an ordinary entry. An empty path
// fails outright.
func Resolve(t *inode.Table, alloc inode.Allocator, root, cwd blockdevice.Sector, path string) (*Result, error) {
	if len(path) == 0 {
		return nil, ErrNotFound
	}

	parts, err := Split(path)
	if err != nil {
		return nil, err
	}

	startSector := cwd
	if path[0] == '/' {
		startSector = root
	}
	cur := t.Open(startSector)

	if len(parts) == 0 {
		return &Result{Dir: cur, FileName: "."}, nil
	}

	for i := 0; i < len(parts)-1; i++ {
		next, err := step(t, cur, parts[i])
		t.Close(cur, alloc)
		if err != nil {
			return nil, err
		}
		cur = next
	}

	last := parts[len(parts)-1]
	if last == "." || last == ".." {
		next, err := step(t, cur, last)
		t.Close(cur, alloc)
		if err != nil {
			return nil, err
		}
		return &Result{Dir: next, FileName: "."}, nil
	}

	return &Result{Dir: cur, FileName: last}, nil
}
