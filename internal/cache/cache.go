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

// Package cache implements the fixed-capacity, write-back sector buffer
// cache sitting between every other component and the block device:
// a 64-entry second-chance (clock) cache with write-back dirty tracking.
// The device layer is assumed infallible — a read or write failure is a
// fatal condition — so this package surfaces no errors of its own.
package cache

import (
	"sync"

	"github.com/sectorfs/sectorfs/internal/blockdevice"
	"github.com/sectorfs/sectorfs/internal/metrics"
)

// NumEntries is the cache's fixed capacity.
const NumEntries = 64

type entry struct {
	mu           sync.Mutex
	sector       blockdevice.Sector
	valid        bool
	dirty        bool
	recentlyUsed bool
	data         [blockdevice.SectorSize]byte
}

// Cache is a fixed-size, write-back sector cache with second-chance
// eviction. Safe for concurrent use by multiple goroutines.
type Cache struct {
	dev blockdevice.Device

	handMu    sync.Mutex
	clockHand int
	entries   [NumEntries]*entry
}

// New creates a cache over dev. Entries start invalid; the first access
// to any sector is always a miss.
func New(dev blockdevice.Device) *Cache {
	c := &Cache{dev: dev}
	for i := range c.entries {
		c.entries[i] = &entry{}
	}
	return c
}

// Init clears every cache entry without writing back dirty data. Called
// only at mount/format time, before any sector has been touched.
func (c *Cache) Init() {
	c.handMu.Lock()
	defer c.handMu.Unlock()
	c.clockHand = 0
	for _, e := range c.entries {
		e.mu.Lock()
		e.valid = false
		e.dirty = false
		e.recentlyUsed = false
		e.mu.Unlock()
	}
}

// lookup finds a valid entry for sector s, locked, or nil if absent. The
// caller owns the returned entry's lock on a hit.
func (c *Cache) lookup(s blockdevice.Sector) *entry {
	for _, e := range c.entries {
		e.mu.Lock()
		if e.valid && e.sector == s {
			e.recentlyUsed = true
			return e
		}
		e.mu.Unlock()
	}
	return nil
}

// fetch returns the locked entry holding sector s, reading it from disk
// (evicting via the clock hand if necessary) on a miss.
func (c *Cache) fetch(s blockdevice.Sector) *entry {
	if e := c.lookup(s); e != nil {
		metrics.CacheHits.Inc()
		return e
	}
	metrics.CacheMisses.Inc()

	c.handMu.Lock()
	defer c.handMu.Unlock()

	// Re-check: another goroutine may have installed the sector while we
	// waited for the clock-hand lock.
	if e := c.lookup(s); e != nil {
		return e
	}

	for {
		e := c.entries[c.clockHand]
		e.mu.Lock()
		if !e.valid || !e.recentlyUsed {
			if e.valid && e.dirty {
				c.writeBack(e)
			}
			if e.valid {
				metrics.CacheEvictions.Inc()
			}
			c.dev.ReadSector(s, &e.data)
			e.valid = true
			e.recentlyUsed = true
			e.dirty = false
			e.sector = s
			c.clockHand = (c.clockHand + 1) % NumEntries
			return e
		}
		e.recentlyUsed = false
		e.mu.Unlock()
		c.clockHand = (c.clockHand + 1) % NumEntries
	}
}

// writeBack writes e's data to disk. Caller must hold e.mu.
func (c *Cache) writeBack(e *entry) {
	c.dev.WriteSector(e.sector, &e.data)
	e.dirty = false
	metrics.CacheWritebacks.Inc()
}

// Read copies the cached contents of sector s into out.
func (c *Cache) Read(s blockdevice.Sector, out *[blockdevice.SectorSize]byte) {
	e := c.fetch(s)
	defer e.mu.Unlock()
	*out = e.data
}

// Write overwrites the cached contents of sector s and marks it dirty.
func (c *Cache) Write(s blockdevice.Sector, in *[blockdevice.SectorSize]byte) {
	e := c.fetch(s)
	defer e.mu.Unlock()
	e.data = *in
	e.dirty = true
}

// Handle pins a cache entry so its Data pointer stays valid until Unpin is
// called. Callers should hold a Handle no longer than they already hold
// whatever lock serializes access to that sector, since Unpin must run
// before the clock hand can evict the entry again.
type Handle struct {
	e *entry
}

// Data returns a pointer to the pinned entry's 512 bytes. Mutations are
// visible to later Read/Write/Borrow calls for the same sector. Data
// always marks the entry dirty, on the assumption that a caller asking
// for direct access intends to mutate it; Borrow alone does not.
func (h *Handle) Data() *[blockdevice.SectorSize]byte {
	h.e.dirty = true
	return &h.e.data
}

// Unpin releases the handle. The entry becomes evictable again.
func (h *Handle) Unpin() {
	h.e.mu.Unlock()
}

// Borrow pins sector s's cache entry and returns a handle granting direct
// access to its bytes. The caller must call Unpin exactly once.
func (c *Cache) Borrow(s blockdevice.Sector) *Handle {
	return &Handle{e: c.fetch(s)}
}

// FlushAll writes every dirty entry back to disk.
func (c *Cache) FlushAll() {
	for _, e := range c.entries {
		e.mu.Lock()
		if e.valid && e.dirty {
			c.writeBack(e)
		}
		e.mu.Unlock()
	}
}
