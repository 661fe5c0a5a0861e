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

package freemap

import (
	"testing"

	"github.com/sectorfs/sectorfs/internal/blockdevice"
	"github.com/sectorfs/sectorfs/internal/cache"
	"github.com/sectorfs/sectorfs/internal/inode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(n uint32) (*inode.Table, *cache.Cache, *blockdevice.MemDevice) {
	dev := blockdevice.NewMemDevice(n)
	c := cache.New(dev)
	c.Init()
	return inode.NewTable(c), c, dev
}

func TestCreateReservesBootSectors(t *testing.T) {
	tab, _, _ := newFixture(64)
	fm := Create(tab, 64)
	defer fm.Close()

	// FreeMapSector and RootDirSector start allocated; everything else is
	// free (minus whatever Create itself consumed for the free-map file).
	assert.Less(t, fm.FreeCount(), uint32(64))
}

func TestAllocateAndReleaseRoundTrip(t *testing.T) {
	tab, _, _ := newFixture(256)
	fm := Create(tab, 256)
	defer fm.Close()

	before := fm.FreeCount()

	s, ok := fm.Allocate(1)
	require.True(t, ok)
	assert.Less(t, fm.FreeCount(), before)

	fm.Release(s, 1)
	assert.Equal(t, before, fm.FreeCount())
}

func TestAllocateFindsContiguousRun(t *testing.T) {
	tab, _, _ := newFixture(256)
	fm := Create(tab, 256)
	defer fm.Close()

	first, ok := fm.Allocate(10)
	require.True(t, ok)

	for i := uint32(0); i < 10; i++ {
		assert.True(t, fm.bs.Test(uint(first)+uint(i)))
	}
}

func TestAllocateExhaustionReportsNoSpace(t *testing.T) {
	tab, _, _ := newFixture(20)
	fm := Create(tab, 20)
	defer fm.Close()

	// Keep allocating single sectors until the bitmap is exhausted.
	var allocated []blockdevice.Sector
	for {
		s, ok := fm.Allocate(1)
		if !ok {
			break
		}
		allocated = append(allocated, s)
	}
	assert.NotEmpty(t, allocated)

	_, ok := fm.Allocate(1)
	assert.False(t, ok)

	// Releasing one sector must make exactly one more allocation possible.
	fm.Release(allocated[0], 1)
	_, ok = fm.Allocate(1)
	assert.True(t, ok)
}

func TestReleaseOfFreeSectorPanics(t *testing.T) {
	tab, _, _ := newFixture(64)
	fm := Create(tab, 64)
	defer fm.Close()

	s, ok := fm.Allocate(1)
	require.True(t, ok)
	fm.Release(s, 1)

	assert.Panics(t, func() {
		fm.Release(s, 1)
	})
}

func TestPersistenceAcrossCloseAndReopen(t *testing.T) {
	tab, c, dev := newFixture(128)
	fm := Create(tab, 128)

	s, ok := fm.Allocate(3)
	require.True(t, ok)
	before := fm.FreeCount()
	fm.Close()
	c.FlushAll()

	tab2 := inode.NewTable(cache.New(dev))
	reopened := Open(tab2, 128)
	defer reopened.Close()

	assert.Equal(t, before, reopened.FreeCount())
	assert.True(t, reopened.bs.Test(uint(s)))
}
