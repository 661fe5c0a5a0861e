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

// Package sectorfs (module/binary name "sectorfs") is the file-handle
// surface the rest of an operating system would dispatch system calls
// onto: FileSystem for path-based operations and Handle for per-opener
// I/O. It is the outermost layer of this module — nothing above it is in
// scope; thread scheduling, the syscall ABI, and virtual memory are the
// surrounding kernel's concern.
package sectorfs

import (
	"errors"
	"sync"

	"github.com/sectorfs/sectorfs/internal/blockdevice"
	"github.com/sectorfs/sectorfs/internal/cache"
	"github.com/sectorfs/sectorfs/internal/directory"
	"github.com/sectorfs/sectorfs/internal/freemap"
	"github.com/sectorfs/sectorfs/internal/inode"
	"github.com/sectorfs/sectorfs/internal/logger"
	"github.com/sectorfs/sectorfs/internal/pathwalk"
)

const rootDirInitialEntries = 16

// FileSystem is a mounted file system over a single block device. All
// path-based operations (Create, OpenByPath, Remove, Chdir) take an
// explicit working-directory sector rather than consulting any
// kernel-thread-local state, since thread scheduling is an external
// collaborator this module never models.
//
// mu serializes path-based operations: lookup, add and remove against
// a directory are not atomic with respect to each other on their own.
// The finer-grained inode and free-map locks still exist underneath it.
type FileSystem struct {
	dev   blockdevice.Device
	cache *cache.Cache
	table *inode.Table
	fm    *freemap.FreeMap

	mu   sync.Mutex
	root blockdevice.Sector
	done bool
}

// Init mounts dev as a sectorfs file system. If format is true, the
// device is reformatted: a fresh free map and an empty root directory
// are created at their reserved sectors before returning. Otherwise the
// existing free map is read back from disk.
func Init(dev blockdevice.Device, format bool) *FileSystem {
	c := cache.New(dev)
	c.Init()
	t := inode.NewTable(c)

	fsys := &FileSystem{dev: dev, cache: c, table: t, root: blockdevice.RootDirSector}

	if format {
		logger.Infof("formatting file system (%d sectors)", dev.SectorCount())
		fsys.fm = freemap.Create(t, dev.SectorCount())
		if !directory.Create(t, fsys.fm, blockdevice.RootDirSector, rootDirInitialEntries) {
			panic("sectorfs: root directory creation failed")
		}
		root := t.Open(blockdevice.RootDirSector)
		t.SetParentAndOfs(root.Sector(), root.Sector(), 0)
		t.Close(root, fsys.fm)
	} else {
		fsys.fm = freemap.Open(t, dev.SectorCount())
	}

	return fsys
}

// Done flushes the cache and closes the free map. No file operation may
// run after Done returns; doing so is a programming error.
func (fsys *FileSystem) Done() {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	if fsys.done {
		return
	}
	fsys.fm.Close()
	fsys.cache.FlushAll()
	fsys.done = true
}

// Root returns the root directory's sector, usable as an initial working
// directory by callers with no other cwd of their own.
func (fsys *FileSystem) Root() blockdevice.Sector { return fsys.root }

func (fsys *FileSystem) checkOpen() {
	if fsys.done {
		panic("sectorfs: file operation after Done")
	}
}

// FreeSectors reports how many sectors are currently unallocated.
func (fsys *FileSystem) FreeSectors() uint32 { return fsys.fm.FreeCount() }

// mapPathErr translates the path resolver's failures into this package's
// sentinel errors.
func mapPathErr(err error) error {
	switch {
	case errors.Is(err, pathwalk.ErrTooLong):
		return ErrTooLong
	case errors.Is(err, pathwalk.ErrNotDirectory):
		return ErrNotDirectory
	default:
		return ErrNotFound
	}
}

// Create creates a file or directory named by path (resolved against
// cwd), allocating one sector for its inode and adding it to its parent
// directory. Rolls the inode sector back if the directory add fails.
func (fsys *FileSystem) Create(cwd blockdevice.Sector, path string, initialSize uint32, isDirectory bool) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	fsys.checkOpen()

	res, err := pathwalk.Resolve(fsys.table, fsys.fm, fsys.root, cwd, path)
	if err != nil {
		return mapPathErr(err)
	}
	dir := res.Dir
	defer fsys.table.Close(dir, fsys.fm)

	if res.FileName == "." {
		return ErrExists
	}
	if initialSize > inode.MaxLength {
		return ErrTooLong
	}
	if _, exists := directory.Lookup(fsys.table, dir, res.FileName); exists {
		return ErrExists
	}

	sector, ok := fsys.fm.Allocate(1)
	if !ok {
		return ErrNoSpace
	}

	if !fsys.table.Create(fsys.fm, sector, initialSize, isDirectory) {
		fsys.fm.Release(sector, 1)
		return ErrNoSpace
	}

	if !directory.Add(fsys.table, fsys.fm, dir, res.FileName, sector) {
		orphan := fsys.table.Open(sector)
		orphan.Remove()
		fsys.table.Close(orphan, fsys.fm)
		return ErrNoSpace
	}

	return nil
}

// OpenByPath resolves path against cwd and opens a Handle on the inode it
// names.
func (fsys *FileSystem) OpenByPath(cwd blockdevice.Sector, path string) (*Handle, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	fsys.checkOpen()

	sector, err := fsys.lookupLocked(cwd, path)
	if err != nil {
		return nil, err
	}

	ino := fsys.table.Open(sector)
	return &Handle{fsys: fsys, ino: ino, isDir: fsys.table.IsDirectory(sector)}, nil
}

// lookupLocked resolves path to a final inode sector. Caller holds fsys.mu.
func (fsys *FileSystem) lookupLocked(cwd blockdevice.Sector, path string) (blockdevice.Sector, error) {
	res, err := pathwalk.Resolve(fsys.table, fsys.fm, fsys.root, cwd, path)
	if err != nil {
		return 0, mapPathErr(err)
	}
	dir := res.Dir
	defer fsys.table.Close(dir, fsys.fm)

	if res.FileName == "." {
		return dir.Sector(), nil
	}
	sector, exists := directory.Lookup(fsys.table, dir, res.FileName)
	if !exists {
		return 0, ErrNotFound
	}
	return sector, nil
}

// Remove deletes the file or directory named by path. Refuses to remove
// a non-empty directory; actual block reclamation is deferred until the
// last open Handle on the removed inode is closed.
func (fsys *FileSystem) Remove(cwd blockdevice.Sector, path string) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	fsys.checkOpen()

	res, err := pathwalk.Resolve(fsys.table, fsys.fm, fsys.root, cwd, path)
	if err != nil {
		return mapPathErr(err)
	}
	dir := res.Dir
	defer fsys.table.Close(dir, fsys.fm)

	if res.FileName == "." {
		return ErrNotFound
	}

	childSector, exists := directory.Lookup(fsys.table, dir, res.FileName)
	if !exists {
		return ErrNotFound
	}
	if fsys.table.IsDirectory(childSector) && fsys.table.NumFiles(childSector) > 0 {
		return ErrNotEmpty
	}

	if !directory.Remove(fsys.table, dir, fsys.fm, res.FileName) {
		return ErrNotFound
	}
	return nil
}

// Chdir resolves path against cwd and returns the sector of the directory
// it names, suitable for use as a future cwd argument. Fails if path does
// not name a directory.
func (fsys *FileSystem) Chdir(cwd blockdevice.Sector, path string) (blockdevice.Sector, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()
	fsys.checkOpen()

	sector, err := fsys.lookupLocked(cwd, path)
	if err != nil {
		return 0, err
	}
	if !fsys.table.IsDirectory(sector) {
		return 0, ErrNotDirectory
	}
	return sector, nil
}
