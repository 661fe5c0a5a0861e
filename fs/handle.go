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

import (
	"github.com/sectorfs/sectorfs/internal/blockdevice"
	"github.com/sectorfs/sectorfs/internal/directory"
	"github.com/sectorfs/sectorfs/internal/inode"
)

// Handle is a per-opener file or directory descriptor: a position cursor
// plus dispatch onto the inode core.
type Handle struct {
	fsys  *FileSystem
	ino   *inode.Inode
	isDir bool

	pos    uint32
	closed bool

	// dirEntries/dirPos back Readdir's cursor. Populated lazily on first
	// call so a handle never opened for reading a directory pays nothing.
	dirEntries []directory.Entry
	dirPos     int
}

// Read copies up to len(buf) bytes starting at the handle's current
// position into buf, advancing the position by the number of bytes
// copied. A read at or past EOF returns (0, nil); ErrClosed is the only
// error.
func (h *Handle) Read(buf []byte) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	n := h.fsys.table.ReadAt(h.ino, buf, h.pos)
	h.pos += uint32(n)
	return n, nil
}

// ReadAt reads starting at an explicit offset without touching the
// handle's cursor, mirroring pread semantics.
func (h *Handle) ReadAt(buf []byte, off uint32) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	return h.fsys.table.ReadAt(h.ino, buf, off), nil
}

// Write writes buf starting at the handle's current position, growing
// the file if necessary, and advances the position by the number of
// bytes written. Returns ErrDenied if the inode currently has an active
// deny-write hold, and ErrTooLong if the write would grow the file past
// the largest size the inode layout can address.
func (h *Handle) Write(buf []byte) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	if h.ino.DenyWriteCount() > 0 {
		return 0, ErrDenied
	}
	if uint64(h.pos)+uint64(len(buf)) > inode.MaxLength {
		return 0, ErrTooLong
	}
	n := h.fsys.table.WriteAt(h.fsys.fm, h.ino, buf, h.pos)
	h.pos += uint32(n)
	if n < len(buf) {
		return n, ErrNoSpace
	}
	return n, nil
}

// WriteAt writes starting at an explicit offset without touching the
// handle's cursor, mirroring pwrite semantics.
func (h *Handle) WriteAt(buf []byte, off uint32) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	if h.ino.DenyWriteCount() > 0 {
		return 0, ErrDenied
	}
	if uint64(off)+uint64(len(buf)) > inode.MaxLength {
		return 0, ErrTooLong
	}
	n := h.fsys.table.WriteAt(h.fsys.fm, h.ino, buf, off)
	if n < len(buf) {
		return n, ErrNoSpace
	}
	return n, nil
}

// Seek repositions the handle's cursor to an absolute byte offset. Unlike
// a regular Unix lseek, offsets are not validated against length here —
// seeking past EOF is legal, and a subsequent Write there grows the
// file, leaving the gap readable as zeros.
func (h *Handle) Seek(pos uint32) error {
	if h.closed {
		return ErrClosed
	}
	h.pos = pos
	return nil
}

// Tell returns the handle's current byte position.
func (h *Handle) Tell() uint32 { return h.pos }

// Length returns the file's current size in bytes.
func (h *Handle) Length() uint32 {
	return h.fsys.table.Length(h.ino.Sector())
}

// IsDirectory reports whether this handle was opened on a directory.
func (h *Handle) IsDirectory() bool { return h.isDir }

// Inumber returns the sector number backing this handle's inode, used as
// its inode number.
func (h *Handle) Inumber() blockdevice.Sector { return h.ino.Sector() }

// DenyWrite takes a reference-counted write-lock preventing any opener
// (including this one) from writing to the underlying inode, for the
// executable-loader external collaborator's use.
func (h *Handle) DenyWrite() {
	h.ino.DenyWrite()
}

// AllowWrite releases one reference taken by DenyWrite.
func (h *Handle) AllowWrite() {
	h.ino.AllowWrite()
}

// Readdir returns the next directory entry's name, or ok=false once
// every entry has been returned. Only stored entries are enumerated, in
// on-disk order; "." and ".." are never stored and never returned here —
// the path resolver synthesizes them during resolution instead.
func (h *Handle) Readdir() (name string, ok bool) {
	if h.closed || !h.isDir {
		return "", false
	}
	if h.dirEntries == nil {
		h.dirEntries = directory.Readdir(h.fsys.table, h.ino)
	}
	if h.dirPos >= len(h.dirEntries) {
		return "", false
	}
	name = h.dirEntries[h.dirPos].Name
	h.dirPos++
	return name, true
}

// Close releases this handle's reference on the underlying inode. If
// this was the last opener of an inode marked for removal, its data
// sectors (and its own sector) are released at this point.
func (h *Handle) Close() error {
	if h.closed {
		return ErrClosed
	}
	h.closed = true
	h.fsys.table.Close(h.ino, h.fsys.fm)
	return nil
}
