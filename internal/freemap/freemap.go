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

// Package freemap implements the persistent free-sector allocator: an
// in-memory bitmap, one bit per device sector, backed by a regular file
// living at blockdevice.FreeMapSector. Every mutation (allocate,
// release) rewrites the whole bitmap back through the free-map file's
// inode before returning success.
package freemap

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/sectorfs/sectorfs/internal/blockdevice"
	"github.com/sectorfs/sectorfs/internal/inode"
	"github.com/sectorfs/sectorfs/internal/metrics"
)

// FreeMap is the sector allocator. A single mutex serializes allocate,
// release and bitmap persistence. The lock order is inode mutex first,
// free-map mutex second, with one exception: persisting the bitmap writes
// through the free-map file's own inode, whose mutex is taken while the
// free-map mutex is held. That file never changes length after Create, so
// those writes never call back into Allocate or Release.
type FreeMap struct {
	mu  sync.Mutex
	bs  *bitset.BitSet
	n   uint32 // device sector count, fixed at Open/Create time
	tab *inode.Table
	ino *inode.Inode

	// persistReady is false only during Create's bootstrap: allocating the
	// free-map file's own data/index sectors must not try to write the
	// bitmap back through a file that doesn't have an on-disk image yet.
	persistReady bool
}

// Create initializes a brand new free map over a device of n sectors,
// marks the two reserved sectors allocated, creates the backing file at
// blockdevice.FreeMapSector and persists the freshly created bitmap.
func Create(t *inode.Table, n uint32) *FreeMap {
	fm := &FreeMap{bs: bitset.New(uint(n)), n: n, tab: t}
	fm.bs.Set(uint(blockdevice.FreeMapSector))
	fm.bs.Set(uint(blockdevice.RootDirSector))

	size := bitmapFileSize(n)
	if !t.Create(fm, blockdevice.FreeMapSector, size, false) {
		panic("freemap: creation failed")
	}
	fm.ino = t.Open(blockdevice.FreeMapSector)
	fm.persistReady = true
	fm.writeLocked()
	fm.publishMetric()
	return fm
}

// Open reopens an existing free map of n sectors, reading its persisted
// bitmap back from the free-map file.
func Open(t *inode.Table, n uint32) *FreeMap {
	fm := &FreeMap{bs: bitset.New(uint(n)), n: n, tab: t, persistReady: true}
	fm.ino = t.Open(blockdevice.FreeMapSector)

	buf := make([]byte, bitmapFileSize(n))
	got := t.ReadAt(fm.ino, buf, 0)
	if uint32(got) != uint32(len(buf)) {
		panic("freemap: short read of free-map file")
	}
	for s := uint32(0); s < n; s++ {
		byteIdx := s / 8
		bitIdx := s % 8
		if buf[byteIdx]&(1<<bitIdx) != 0 {
			fm.bs.Set(uint(s))
		}
	}
	fm.publishMetric()
	return fm
}

// Close releases the table's reference to the free-map file's inode. The
// caller is expected to have already flushed the cache.
func (fm *FreeMap) Close() {
	fm.tab.Close(fm.ino, fm)
}

// bitmapFileSize is the byte length of the packed, LSB-first-per-byte
// bitmap for a device of n sectors.
func bitmapFileSize(n uint32) uint32 {
	return (n + 7) / 8
}

// Allocate finds the first run of count contiguous clear bits, marks
// them allocated, and persists the bitmap. On a persistence failure —
// which in this implementation can only be an allocation failure growing
// the free-map file itself — the bits are rolled back and Allocate
// reports failure.
func (fm *FreeMap) Allocate(count uint32) (blockdevice.Sector, bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	first, ok := fm.findRun(count)
	if !ok {
		return 0, false
	}
	for i := uint32(0); i < count; i++ {
		fm.bs.Set(uint(first + i))
	}
	if !fm.writeLockedChecked() {
		for i := uint32(0); i < count; i++ {
			fm.bs.Clear(uint(first + i))
		}
		return 0, false
	}
	fm.publishMetric()
	return blockdevice.Sector(first), true
}

// findRun scans for the first run of count contiguous clear bits.
func (fm *FreeMap) findRun(count uint32) (uint32, bool) {
	if count == 0 {
		return 0, false
	}
	pos := uint32(0)
	for pos+count <= fm.n {
		next, found := fm.bs.NextSet(uint(pos))
		run := fm.n
		if found {
			run = uint32(next)
		}
		if run-pos >= count {
			return pos, true
		}
		if !found {
			break
		}
		pos = uint32(next) + 1
	}
	return 0, false
}

// Release marks count sectors starting at first as free again and
// persists the bitmap. Asserts that every bit in the range was
// previously set.
func (fm *FreeMap) Release(first blockdevice.Sector, count uint32) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for i := uint32(0); i < count; i++ {
		if !fm.bs.Test(uint(first) + uint(i)) {
			panic("freemap: release of already-free sector")
		}
	}
	for i := uint32(0); i < count; i++ {
		fm.bs.Clear(uint(first) + uint(i))
	}
	fm.writeLocked()
	fm.publishMetric()
}

// writeLocked marshals the bitset into the persistent on-disk layout
// (packed, LSB-first within each byte) and writes it through the
// free-map file's inode. Caller holds fm.mu. bitset's own MarshalBinary
// is word-oriented, not compatible with that layout, so this package
// encodes it by hand instead.
func (fm *FreeMap) writeLocked() {
	if !fm.persistReady {
		return
	}
	buf := fm.marshal()
	got := fm.tab.WriteAt(fm, fm.ino, buf, 0)
	if uint32(got) != uint32(len(buf)) {
		panic("freemap: short write of free-map file")
	}
}

// writeLockedChecked is writeLocked's non-panicking counterpart, used from
// Allocate where a short write is a normal NoSpace condition to roll back
// from rather than a fatal corruption. During Create's bootstrap, before
// the free-map file has an on-disk image to write through, it is a no-op
// that reports success — see persistReady.
func (fm *FreeMap) writeLockedChecked() bool {
	if !fm.persistReady {
		return true
	}
	buf := fm.marshal()
	got := fm.tab.WriteAt(fm, fm.ino, buf, 0)
	return uint32(got) == uint32(len(buf))
}

func (fm *FreeMap) marshal() []byte {
	buf := make([]byte, bitmapFileSize(fm.n))
	for s := uint32(0); s < fm.n; s++ {
		if fm.bs.Test(uint(s)) {
			buf[s/8] |= 1 << (s % 8)
		}
	}
	return buf
}

// FreeCount reports the number of currently-clear bits, for diagnostics.
func (fm *FreeMap) FreeCount() uint32 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.n - uint32(fm.bs.Count())
}

func (fm *FreeMap) publishMetric() {
	metrics.FreeSectors.Set(float64(fm.n - uint32(fm.bs.Count())))
}
