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

package inode

import (
	"bytes"
	"testing"

	"github.com/sectorfs/sectorfs/internal/blockdevice"
	"github.com/sectorfs/sectorfs/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testAllocator is a trivial bump allocator used to exercise inode
// behavior without pulling in the freemap package (which itself depends
// on inode), and to let tests inject allocation failure deterministically.
type testAllocator struct {
	next   uint32
	max    uint32
	denyAt int // if >0, the denyAt'th and every later Allocate call fail
	calls  int
}

func newTestAllocator(start, max uint32) *testAllocator {
	return &testAllocator{next: start, max: max}
}

func (a *testAllocator) Allocate(count uint32) (blockdevice.Sector, bool) {
	a.calls++
	if a.denyAt > 0 && a.calls >= a.denyAt {
		return 0, false
	}
	if a.next+count > a.max {
		return 0, false
	}
	first := a.next
	a.next += count
	return blockdevice.Sector(first), true
}

func (a *testAllocator) Release(first blockdevice.Sector, count uint32) {
	// Bump allocator never reuses released sectors; tests using it do not
	// depend on reuse. trackingAllocator below observes releases.
}

func newFixture(t *testing.T, deviceSectors uint32) (*cache.Cache, *Table, *testAllocator) {
	dev := blockdevice.NewMemDevice(deviceSectors)
	c := cache.New(dev)
	c.Init()
	tab := NewTable(c)
	alloc := newTestAllocator(10, deviceSectors)
	return c, tab, alloc
}

func pattern(n int, b byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestCreateAndReadWriteRoundTrip(t *testing.T) {
	_, tab, alloc := newFixture(t, 512)
	const sector = blockdevice.Sector(2)

	require.True(t, tab.Create(alloc, sector, 0, false))
	ino := tab.Open(sector)
	defer tab.Close(ino, alloc)

	data := pattern(3000, 0xAB)
	n := tab.WriteAt(alloc, ino, data, 0)
	require.Equal(t, 3000, n)
	assert.Equal(t, uint32(3000), tab.Length(sector))

	out := make([]byte, 3000)
	n = tab.ReadAt(ino, out, 0)
	require.Equal(t, 3000, n)
	assert.True(t, bytes.Equal(data, out))
}

func TestWriteSpanningDirectAndIndirect(t *testing.T) {
	// 120 KiB spans the 118-direct-block boundary into the indirect tier.
	const total = 120 * 1024
	_, tab, alloc := newFixture(t, 2000)
	const sector = blockdevice.Sector(2)

	require.True(t, tab.Create(alloc, sector, 0, false))
	ino := tab.Open(sector)
	defer tab.Close(ino, alloc)

	chunks := total / blockdevice.SectorSize
	for i := 0; i < chunks; i++ {
		chunk := pattern(blockdevice.SectorSize, byte(i))
		n := tab.WriteAt(alloc, ino, chunk, uint32(i*blockdevice.SectorSize))
		require.Equal(t, blockdevice.SectorSize, n)
	}

	out := make([]byte, blockdevice.SectorSize)
	n := tab.ReadAt(ino, out, 119*blockdevice.SectorSize)
	require.Equal(t, blockdevice.SectorSize, n)
	assert.Equal(t, pattern(blockdevice.SectorSize, 119), out)
}

func TestWriteReachingDoublyIndirect(t *testing.T) {
	// 600 KiB exercises the doubly-indirect tier (> 246 sectors' worth).
	const total = 600 * 1024
	_, tab, alloc := newFixture(t, 3000)
	const sector = blockdevice.Sector(2)

	require.True(t, tab.Create(alloc, sector, 0, false))
	ino := tab.Open(sector)
	defer tab.Close(ino, alloc)

	chunks := total / blockdevice.SectorSize
	for i := 0; i < chunks; i++ {
		chunk := pattern(blockdevice.SectorSize, byte(i%251))
		n := tab.WriteAt(alloc, ino, chunk, uint32(i*blockdevice.SectorSize))
		require.Equal(t, blockdevice.SectorSize, n)
	}

	out := make([]byte, blockdevice.SectorSize)
	n := tab.ReadAt(ino, out, 300*blockdevice.SectorSize)
	require.Equal(t, blockdevice.SectorSize, n)
	assert.Equal(t, pattern(blockdevice.SectorSize, byte(300%251)), out)
}

func TestGrowThenReadZero(t *testing.T) {
	_, tab, alloc := newFixture(t, 512)
	const sector = blockdevice.Sector(2)

	require.True(t, tab.Create(alloc, sector, 0, false))
	ino := tab.Open(sector)
	defer tab.Close(ino, alloc)

	n := tab.WriteAt(alloc, ino, []byte{0x11}, 2000)
	require.Equal(t, 1, n)

	out := make([]byte, 2000)
	n = tab.ReadAt(ino, out, 0)
	require.Equal(t, 2000, n)
	for _, b := range out {
		assert.Equal(t, byte(0), b)
	}
}

func TestResizeShrinkReleasesSectors(t *testing.T) {
	_, tab, _ := newFixture(t, 512)
	alloc := newTrackingAllocator(10)
	const sector = blockdevice.Sector(2)

	require.True(t, tab.Create(alloc, sector, 0, false))
	ino := tab.Open(sector)

	require.True(t, Resize(tab, alloc, sector, 64*blockdevice.SectorSize))
	assert.Equal(t, uint32(64*blockdevice.SectorSize), tab.Length(sector))
	assert.Len(t, alloc.live, 64)

	require.True(t, Resize(tab, alloc, sector, 0))
	assert.Equal(t, uint32(0), tab.Length(sector))
	assert.Empty(t, alloc.live)

	tab.Close(ino, alloc)
}

func TestResizeRollbackOnAllocationFailure(t *testing.T) {
	_, tab, alloc := newFixture(t, 512)
	const sector = blockdevice.Sector(2)

	require.True(t, tab.Create(alloc, sector, 10*blockdevice.SectorSize, false))
	ino := tab.Open(sector)
	defer tab.Close(ino, alloc)

	// Fail the very next allocation, forcing Resize to roll back to the
	// inode's current 10-sector length.
	alloc.denyAt = alloc.calls + 1

	ok := Resize(tab, alloc, sector, 200*blockdevice.SectorSize)
	assert.False(t, ok)
	assert.Equal(t, uint32(10*blockdevice.SectorSize), tab.Length(sector))
}

// trackingAllocator records the live set of allocated sectors so tests
// can assert that a failed Resize releases everything it allocated.
type trackingAllocator struct {
	next   uint32
	denyAt int
	calls  int
	live   map[uint32]bool
}

func newTrackingAllocator(start uint32) *trackingAllocator {
	return &trackingAllocator{next: start, live: make(map[uint32]bool)}
}

func (a *trackingAllocator) Allocate(count uint32) (blockdevice.Sector, bool) {
	a.calls++
	if a.denyAt > 0 && a.calls >= a.denyAt {
		return 0, false
	}
	first := a.next
	a.next += count
	for i := uint32(0); i < count; i++ {
		a.live[first+i] = true
	}
	return blockdevice.Sector(first), true
}

func (a *trackingAllocator) Release(first blockdevice.Sector, count uint32) {
	for i := uint32(0); i < count; i++ {
		s := uint32(first) + i
		if !a.live[s] {
			panic("release of sector not allocated")
		}
		delete(a.live, s)
	}
}

func TestResizeRollbackReleasesEveryNewSector(t *testing.T) {
	// Inject an allocation failure at every step of a grow that spans all
	// three tiers and check that no newly allocated sector leaks.
	const oldSize = 10 * blockdevice.SectorSize
	const newSize = 300 * blockdevice.SectorSize

	for denyAt := 1; ; denyAt++ {
		dev := blockdevice.NewMemDevice(4096)
		c := cache.New(dev)
		c.Init()
		tab := NewTable(c)
		alloc := newTrackingAllocator(10)

		const sector = blockdevice.Sector(2)
		require.True(t, tab.Create(alloc, sector, oldSize, false))
		baseline := len(alloc.live)
		baseCalls := alloc.calls

		alloc.denyAt = baseCalls + denyAt

		if Resize(tab, alloc, sector, newSize) {
			// The failure point fell past the last allocation the grow
			// needed; every earlier injection point has been covered.
			break
		}
		assert.Equal(t, uint32(oldSize), tab.Length(sector))
		assert.Len(t, alloc.live, baseline,
			"denyAt=%d leaked sectors", denyAt)
	}
}

func TestResizeRejectsSizeBeyondMaxLength(t *testing.T) {
	_, tab, alloc := newFixture(t, 512)
	const sector = blockdevice.Sector(2)

	require.True(t, tab.Create(alloc, sector, 0, false))
	ino := tab.Open(sector)
	defer tab.Close(ino, alloc)

	assert.False(t, Resize(tab, alloc, sector, MaxLength+1))
	assert.Equal(t, uint32(0), tab.Length(sector))

	// A write landing past the addressable range is refused, not grown.
	n := tab.WriteAt(alloc, ino, []byte{1}, MaxLength)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint32(0), tab.Length(sector))
}

func TestDenyWriteBlocksWrite(t *testing.T) {
	_, tab, alloc := newFixture(t, 512)
	const sector = blockdevice.Sector(2)

	require.True(t, tab.Create(alloc, sector, 0, false))
	ino := tab.Open(sector)
	defer tab.Close(ino, alloc)

	ino.DenyWrite()
	n := tab.WriteAt(alloc, ino, []byte{1, 2, 3}, 0)
	assert.Equal(t, 0, n)

	ino.AllowWrite()
	n = tab.WriteAt(alloc, ino, []byte{1, 2, 3}, 0)
	assert.Equal(t, 3, n)
}

func TestOpenTableReopensExistingInode(t *testing.T) {
	_, tab, alloc := newFixture(t, 512)
	const sector = blockdevice.Sector(2)
	require.True(t, tab.Create(alloc, sector, 0, false))

	a := tab.Open(sector)
	b := tab.Open(sector)
	assert.Same(t, a, b)
	assert.Equal(t, 2, a.OpenCount())

	tab.Close(a, alloc)
	assert.Equal(t, 1, b.OpenCount())
	tab.Close(b, alloc)
}

func TestRemoveDefersReclamationUntilLastClose(t *testing.T) {
	_, tab, alloc := newFixture(t, 512)
	const sector = blockdevice.Sector(2)
	require.True(t, tab.Create(alloc, sector, 4096, false))

	a := tab.Open(sector)
	b := tab.Open(sector)

	a.Remove()
	tab.Close(a, alloc)
	// b is still open; the file's data must still be readable.
	out := make([]byte, 10)
	n := tab.ReadAt(b, out, 0)
	assert.Equal(t, 10, n)

	tab.Close(b, alloc)
}

func TestCloseReopenStability(t *testing.T) {
	_, tab, alloc := newFixture(t, 512)
	const sector = blockdevice.Sector(2)
	require.True(t, tab.Create(alloc, sector, 0, false))

	ino := tab.Open(sector)
	data := pattern(1500, 0x5A)
	require.Equal(t, 1500, tab.WriteAt(alloc, ino, data, 0))
	tab.Close(ino, alloc)

	reopened := tab.Open(sector)
	out := make([]byte, 1500)
	require.Equal(t, 1500, tab.ReadAt(reopened, out, 0))
	assert.Equal(t, data, out)
	tab.Close(reopened, alloc)
}
