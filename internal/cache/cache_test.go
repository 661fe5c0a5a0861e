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

package cache

import (
	"testing"

	"github.com/sectorfs/sectorfs/internal/blockdevice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(b byte) *[blockdevice.SectorSize]byte {
	var buf [blockdevice.SectorSize]byte
	for i := range buf {
		buf[i] = b
	}
	return &buf
}

func TestReadWriteRoundTrip(t *testing.T) {
	dev := blockdevice.NewMemDevice(8)
	c := New(dev)

	c.Write(3, fill(0xAB))

	var out [blockdevice.SectorSize]byte
	c.Read(3, &out)
	assert.Equal(t, *fill(0xAB), out)
}

func TestFlushAllWritesThroughToDevice(t *testing.T) {
	dev := blockdevice.NewMemDevice(8)
	c := New(dev)

	c.Write(5, fill(0x11))
	c.FlushAll()

	var raw [blockdevice.SectorSize]byte
	dev.ReadSector(5, &raw)
	assert.Equal(t, *fill(0x11), raw)
}

func TestFlushAllTwiceIsIdempotent(t *testing.T) {
	dev := blockdevice.NewMemDevice(8)
	c := New(dev)

	c.Write(1, fill(0x22))
	c.FlushAll()
	c.FlushAll()

	var raw [blockdevice.SectorSize]byte
	dev.ReadSector(1, &raw)
	assert.Equal(t, *fill(0x22), raw)
}

func TestEvictionWritesBackDirtySector(t *testing.T) {
	dev := blockdevice.NewMemDevice(NumEntries + 2)
	c := New(dev)

	c.Write(0, fill(0x33))
	// Touch every other sector so sector 0's entry is the one evicted by
	// the clock hand once it has gone all the way around.
	for s := blockdevice.Sector(1); s < blockdevice.Sector(NumEntries+2); s++ {
		var out [blockdevice.SectorSize]byte
		c.Read(s, &out)
	}

	var raw [blockdevice.SectorSize]byte
	dev.ReadSector(0, &raw)
	assert.Equal(t, *fill(0x33), raw)
}

func TestBorrowMarksDirtyAndPersists(t *testing.T) {
	dev := blockdevice.NewMemDevice(8)
	c := New(dev)

	h := c.Borrow(2)
	data := h.Data()
	data[0] = 0x7A
	h.Unpin()

	c.FlushAll()
	var raw [blockdevice.SectorSize]byte
	dev.ReadSector(2, &raw)
	assert.Equal(t, byte(0x7A), raw[0])
}

func TestInitClearsEntriesWithoutWriteback(t *testing.T) {
	dev := blockdevice.NewMemDevice(8)
	c := New(dev)

	c.Write(4, fill(0x55))
	c.Init()
	c.FlushAll()

	var raw [blockdevice.SectorSize]byte
	dev.ReadSector(4, &raw)
	assert.NotEqual(t, *fill(0x55), raw)
}

func TestConcurrentAccessDistinctSectors(t *testing.T) {
	dev := blockdevice.NewMemDevice(32)
	c := New(dev)

	done := make(chan struct{})
	for s := blockdevice.Sector(0); s < 16; s++ {
		s := s
		go func() {
			c.Write(s, fill(byte(s)))
			done <- struct{}{}
		}()
	}
	for i := 0; i < 16; i++ {
		<-done
	}

	for s := blockdevice.Sector(0); s < 16; s++ {
		var out [blockdevice.SectorSize]byte
		c.Read(s, &out)
		require.Equal(t, *fill(byte(s)), out)
	}
}
