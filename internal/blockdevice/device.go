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

// Package blockdevice provides a byte-addressable array of fixed
// 512-byte sectors with synchronous read/write and no recoverable error
// surface: device failures are a fatal condition, not something callers
// are expected to retry.
package blockdevice

import (
	"fmt"
	"os"
)

// SectorSize is the fixed block size of the device.
const SectorSize = 512

// Sector identifies a 512-byte block on the device. Sector 0 holds the
// free-map file's inode; sector 1 holds the root directory's inode.
type Sector uint32

const (
	FreeMapSector Sector = 0
	RootDirSector Sector = 1
)

// Device is the narrow interface the rest of this module consumes from the
// underlying storage. Implementations must treat out-of-range access and
// I/O failure as fatal — they have no way to report it back.
type Device interface {
	ReadSector(s Sector, out *[SectorSize]byte)
	WriteSector(s Sector, in *[SectorSize]byte)
	SectorCount() uint32
}

// FileDevice is a Device backed by a regular file, addressed with
// positioned reads/writes so it is safe under concurrent access from
// multiple goroutines without an external lock.
type FileDevice struct {
	f       *os.File
	sectors uint32
}

// OpenFileDevice opens (or creates, if create is true) path as a block
// device of the given sector count. Creating truncates/extends the
// backing file to exactly sectors*SectorSize bytes.
func OpenFileDevice(path string, sectors uint32, create bool) (*FileDevice, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("blockdevice: open %s: %w", path, err)
	}
	if create {
		if err := f.Truncate(int64(sectors) * SectorSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdevice: truncate %s: %w", path, err)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("blockdevice: stat %s: %w", path, err)
		}
		sectors = uint32(fi.Size() / SectorSize)
	}
	return &FileDevice{f: f, sectors: sectors}, nil
}

func (d *FileDevice) ReadSector(s Sector, out *[SectorSize]byte) {
	if _, err := d.f.ReadAt(out[:], int64(s)*SectorSize); err != nil {
		panic(fmt.Sprintf("blockdevice: read sector %d: %v", s, err))
	}
}

func (d *FileDevice) WriteSector(s Sector, in *[SectorSize]byte) {
	if _, err := d.f.WriteAt(in[:], int64(s)*SectorSize); err != nil {
		panic(fmt.Sprintf("blockdevice: write sector %d: %v", s, err))
	}
}

func (d *FileDevice) SectorCount() uint32 { return d.sectors }

func (d *FileDevice) Close() error { return d.f.Close() }

// MemDevice is an in-memory Device used throughout this module's tests, so
// that exercising the cache, free-map, inode and directory layers never
// touches the filesystem.
type MemDevice struct {
	sectors [][SectorSize]byte
}

func NewMemDevice(sectorCount uint32) *MemDevice {
	return &MemDevice{sectors: make([][SectorSize]byte, sectorCount)}
}

func (d *MemDevice) ReadSector(s Sector, out *[SectorSize]byte) {
	if int(s) >= len(d.sectors) {
		panic(fmt.Sprintf("blockdevice: read sector %d out of range", s))
	}
	*out = d.sectors[s]
}

func (d *MemDevice) WriteSector(s Sector, in *[SectorSize]byte) {
	if int(s) >= len(d.sectors) {
		panic(fmt.Sprintf("blockdevice: write sector %d out of range", s))
	}
	d.sectors[s] = *in
}

func (d *MemDevice) SectorCount() uint32 { return uint32(len(d.sectors)) }
