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

// Package directory implements the directory layer: a directory is an
// ordinary file (opened through the inode core like any other) whose
// body is a sequence of fixed-width entries, each naming a child inode
// sector. "." and ".." are never stored — they are synthesized by the
// path resolver during resolution.
package directory

import (
	"bytes"
	"encoding/binary"

	"github.com/sectorfs/sectorfs/internal/blockdevice"
	"github.com/sectorfs/sectorfs/internal/inode"
)

// NameMax is the longest a single path component may be.
const NameMax = 14

// onDiskEntry is the fixed-width directory record. Name is NUL-padded;
// InUse distinguishes a live entry from a deleted (reusable) slot.
type onDiskEntry struct {
	InUse       uint8
	Name        [NameMax + 1]byte
	InodeSector uint32
}

// EntrySize is the exact on-disk size of one directory entry.
const EntrySize = 1 + (NameMax + 1) + 4

func init() {
	var e onDiskEntry
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &e); err != nil {
		panic(err)
	}
	if buf.Len() != EntrySize {
		panic("directory: onDiskEntry size mismatch")
	}
}

func encode(e *onDiskEntry) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, e); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func decode(raw []byte) onDiskEntry {
	var e onDiskEntry
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e); err != nil {
		panic(err)
	}
	return e
}

func nameOf(e *onDiskEntry) string {
	n := bytes.IndexByte(e.Name[:], 0)
	if n < 0 {
		n = len(e.Name)
	}
	return string(e.Name[:n])
}

func makeEntry(name string, sector blockdevice.Sector) onDiskEntry {
	var e onDiskEntry
	e.InUse = 1
	copy(e.Name[:], name)
	e.InodeSector = uint32(sector)
	return e
}

// Create formats sector as an empty directory with room for at least
// initialEntries entries, matching dir_create's initial-size hint.
func Create(t *inode.Table, alloc inode.Allocator, sector blockdevice.Sector, initialEntries uint32) bool {
	return t.Create(alloc, sector, initialEntries*EntrySize, true)
}

// forEach walks every EntrySize-sized slot in dir, invoking f with the
// decoded entry and its byte offset. Stops early if f returns false.
func forEach(t *inode.Table, dir *inode.Inode, f func(e onDiskEntry, ofs uint32) bool) {
	length := t.Length(dir.Sector())
	buf := make([]byte, EntrySize)
	for ofs := uint32(0); ofs+EntrySize <= length; ofs += EntrySize {
		n := t.ReadAt(dir, buf, ofs)
		if uint32(n) != EntrySize {
			break
		}
		e := decode(buf)
		if !f(e, ofs) {
			return
		}
	}
}

// Lookup scans dir for an in-use entry named name, returning its child
// inode sector.
func Lookup(t *inode.Table, dir *inode.Inode, name string) (blockdevice.Sector, bool) {
	var found blockdevice.Sector
	var ok bool
	forEach(t, dir, func(e onDiskEntry, _ uint32) bool {
		if e.InUse != 0 && nameOf(&e) == name {
			found = blockdevice.Sector(e.InodeSector)
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// Add inserts a new entry mapping name to child in dir, reusing the first
// free (!in_use) slot if one exists, otherwise appending. Fails if name is
// already present. Records child's parent/ofs on success and increments
// dir's live-entry count.
func Add(t *inode.Table, alloc inode.Allocator, dir *inode.Inode, name string, child blockdevice.Sector) bool {
	if len(name) == 0 || len(name) > NameMax {
		return false
	}
	if _, exists := Lookup(t, dir, name); exists {
		return false
	}

	e := makeEntry(name, child)
	raw := encode(&e)

	var reuseOfs uint32
	reuseFound := false
	forEach(t, dir, func(e onDiskEntry, ofs uint32) bool {
		if e.InUse == 0 {
			reuseOfs = ofs
			reuseFound = true
			return false
		}
		return true
	})

	var ofs uint32
	if reuseFound {
		ofs = reuseOfs
		if t.WriteAt(alloc, dir, raw, ofs) != EntrySize {
			return false
		}
	} else {
		ofs = t.Length(dir.Sector())
		if t.WriteAt(alloc, dir, raw, ofs) != EntrySize {
			return false
		}
	}

	t.SetParentAndOfs(child, dir.Sector(), ofs)
	t.AdjustNumFiles(dir.Sector(), 1)
	return true
}

// Remove deletes the entry named name from dir. Refuses to remove a
// subdirectory that still has live children. Marks the slot free, marks
// the child for removal (reclamation is deferred until its last close),
// and decrements dir's live-entry count.
func Remove(t *inode.Table, dir *inode.Inode, alloc inode.Allocator, name string) bool {
	childSector, ok := Lookup(t, dir, name)
	if !ok {
		return false
	}

	child := t.Open(childSector)
	defer t.Close(child, alloc)

	isDir := t.IsDirectory(childSector)
	if isDir && t.NumFiles(childSector) > 0 {
		return false
	}

	var targetOfs uint32
	found := false
	forEach(t, dir, func(e onDiskEntry, ofs uint32) bool {
		if e.InUse != 0 && nameOf(&e) == name {
			targetOfs = ofs
			found = true
			return false
		}
		return true
	})
	if !found {
		return false
	}

	var free onDiskEntry
	raw := encode(&free)
	if t.WriteAt(alloc, dir, raw, targetOfs) != EntrySize {
		return false
	}

	child.Remove()
	t.AdjustNumFiles(dir.Sector(), -1)
	return true
}

// Entry is one live directory entry returned by Readdir.
type Entry struct {
	Name   string
	Sector blockdevice.Sector
}

// Readdir returns every in-use entry in dir, in on-disk (insertion) order,
// skipping deleted slots. "." and ".." are not included — callers that
// need them synthesize those themselves.
func Readdir(t *inode.Table, dir *inode.Inode) []Entry {
	var out []Entry
	forEach(t, dir, func(e onDiskEntry, _ uint32) bool {
		if e.InUse != 0 {
			out = append(out, Entry{Name: nameOf(&e), Sector: blockdevice.Sector(e.InodeSector)})
		}
		return true
	})
	return out
}
