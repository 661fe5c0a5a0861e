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

// Package inode implements the growable inode core: the on-disk inode
// layout, an in-memory open-inode table, position-to-sector translation,
// the three-tier grow/shrink resize protocol, and read/write-at.
//
// No in-memory inode retains a cached copy of its on-disk image: every
// field access routes through the buffer cache, so concurrent writers on
// the same sector always observe the latest metadata. The doubly-indirect
// tier keeps its outer and inner loop indices entirely distinct.
package inode

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/jacobsa/syncutil"
	"github.com/sectorfs/sectorfs/internal/blockdevice"
	"github.com/sectorfs/sectorfs/internal/cache"
	"github.com/sectorfs/sectorfs/internal/metrics"
)

const (
	// Magic identifies a valid inode; a mismatch on open is a fatal
	// corruption.
	Magic = 0x494e4f44

	NumDirect       = 118
	IndexEntries    = 128
	directBytes     = NumDirect * blockdevice.SectorSize
	indirectBytes   = IndexEntries * blockdevice.SectorSize
	singleExtentEnd = directBytes + indirectBytes // 246 sectors' worth
	// MaxLength is the largest file size this layout can address.
	MaxLength = singleExtentEnd + IndexEntries*IndexEntries*blockdevice.SectorSize
)

// onDiskInode is the exact 512-byte on-disk image.
type onDiskInode struct {
	Direct         [NumDirect]uint32
	Indirect       uint32
	DoublyIndirect uint32
	Parent         uint32
	Ofs            uint32
	IsDirectory    uint8
	NumFiles       uint32
	Length         uint32
	Magic          uint32
	_              [11]byte // pad to exactly blockdevice.SectorSize
}

func init() {
	var d onDiskInode
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &d); err != nil {
		panic(err)
	}
	if buf.Len() != blockdevice.SectorSize {
		panic("inode: onDiskInode is not exactly one sector")
	}
}

func readDisk(c *cache.Cache, s blockdevice.Sector) onDiskInode {
	var raw [blockdevice.SectorSize]byte
	c.Read(s, &raw)
	var d onDiskInode
	if err := binary.Read(bytes.NewReader(raw[:]), binary.LittleEndian, &d); err != nil {
		panic(err)
	}
	if d.Magic != Magic {
		panic("inode: bad magic")
	}
	return d
}

func writeDisk(c *cache.Cache, s blockdevice.Sector, d *onDiskInode) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, d); err != nil {
		panic(err)
	}
	var raw [blockdevice.SectorSize]byte
	copy(raw[:], buf.Bytes())
	c.Write(s, &raw)
}

func readIndexBlock(c *cache.Cache, s blockdevice.Sector) [IndexEntries]uint32 {
	var raw [blockdevice.SectorSize]byte
	c.Read(s, &raw)
	var out [IndexEntries]uint32
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out
}

func writeIndexBlock(c *cache.Cache, s blockdevice.Sector, block *[IndexEntries]uint32) {
	var raw [blockdevice.SectorSize]byte
	for i, v := range block {
		binary.LittleEndian.PutUint32(raw[i*4:], v)
	}
	c.Write(s, &raw)
}

// Allocator is the narrow free-space interface Resize needs. It is
// satisfied by *freemap.FreeMap without this package importing freemap,
// breaking what would otherwise be a cache<-inode<-freemap<-inode cycle.
type Allocator interface {
	Allocate(count uint32) (first blockdevice.Sector, ok bool)
	Release(first blockdevice.Sector, count uint32)
}

// Table is the open-inode table: at most one in-memory Inode exists per
// distinct open sector, refcounted.
type Table struct {
	cache *cache.Cache

	mu   sync.Mutex
	open map[blockdevice.Sector]*Inode
}

func NewTable(c *cache.Cache) *Table {
	return &Table{cache: c, open: make(map[blockdevice.Sector]*Inode)}
}

// Inode is the in-memory handle for one open sector. It caches nothing
// about the on-disk image; field accessors always go through the cache.
type Inode struct {
	table  *Table
	sector blockdevice.Sector

	Mu syncutil.InvariantMutex // guards openCount/removed/denyWriteCount

	openCount      int
	removed        bool
	denyWriteCount int
}

func (ino *Inode) checkInvariants() {
	if ino.openCount < 0 {
		panic("inode: negative open count")
	}
	if ino.denyWriteCount < 0 || ino.denyWriteCount > ino.openCount {
		panic("inode: deny-write count invariant violated")
	}
}

func (ino *Inode) Sector() blockdevice.Sector { return ino.sector }

// Open returns the in-memory Inode for sector, reopening an already-open
// entry rather than creating a second in-memory instance.
func (t *Table) Open(sector blockdevice.Sector) *Inode {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ino, ok := t.open[sector]; ok {
		ino.Mu.Lock()
		ino.openCount++
		ino.Mu.Unlock()
		return ino
	}

	ino := &Inode{table: t, sector: sector, openCount: 1}
	ino.Mu = syncutil.NewInvariantMutex(ino.checkInvariants)
	t.open[sector] = ino
	metrics.OpenInodes.Set(float64(len(t.open)))
	return ino
}

// Close drops one reference to ino. If this was the last opener, the
// in-memory entry is discarded; if ino was also marked Remove()d, its data
// sectors and its own sector are released through alloc.
func (t *Table) Close(ino *Inode, alloc Allocator) {
	ino.Mu.Lock()
	ino.openCount--
	last := ino.openCount == 0
	removed := ino.removed
	ino.Mu.Unlock()

	if !last {
		return
	}

	t.mu.Lock()
	delete(t.open, ino.sector)
	metrics.OpenInodes.Set(float64(len(t.open)))
	t.mu.Unlock()

	if removed {
		Resize(t, alloc, ino.sector, 0)
		alloc.Release(ino.sector, 1)
	}
}

// Remove marks ino to be reclaimed once the last opener closes it.
func (ino *Inode) Remove() {
	ino.Mu.Lock()
	ino.removed = true
	ino.Mu.Unlock()
}

func (ino *Inode) DenyWrite() {
	ino.Mu.Lock()
	ino.denyWriteCount++
	ino.Mu.Unlock()
}

func (ino *Inode) AllowWrite() {
	ino.Mu.Lock()
	ino.denyWriteCount--
	ino.Mu.Unlock()
}

// DenyWriteCount reports the current deny-write hold count.
func (ino *Inode) DenyWriteCount() int {
	ino.Mu.Lock()
	defer ino.Mu.Unlock()
	return ino.denyWriteCount
}

// OpenCount reports the current number of openers.
func (ino *Inode) OpenCount() int {
	ino.Mu.Lock()
	defer ino.Mu.Unlock()
	return ino.openCount
}

// Accessors. Each reads the current on-disk image through the cache.

func (t *Table) IsDirectory(sector blockdevice.Sector) bool {
	return readDisk(t.cache, sector).IsDirectory != 0
}

func (t *Table) Length(sector blockdevice.Sector) uint32 {
	return readDisk(t.cache, sector).Length
}

func (t *Table) Parent(sector blockdevice.Sector) blockdevice.Sector {
	return blockdevice.Sector(readDisk(t.cache, sector).Parent)
}

func (t *Table) Ofs(sector blockdevice.Sector) uint32 {
	return readDisk(t.cache, sector).Ofs
}

func (t *Table) NumFiles(sector blockdevice.Sector) uint32 {
	return readDisk(t.cache, sector).NumFiles
}

// SetParentAndOfs records sector's directory-entry location, called once
// by the directory layer when the entry is added.
func (t *Table) SetParentAndOfs(sector, parent blockdevice.Sector, ofs uint32) {
	d := readDisk(t.cache, sector)
	d.Parent = uint32(parent)
	d.Ofs = ofs
	writeDisk(t.cache, sector, &d)
}

// AdjustNumFiles adds delta (positive or negative) to sector's live-entry
// count; sector must be a directory.
func (t *Table) AdjustNumFiles(sector blockdevice.Sector, delta int32) {
	d := readDisk(t.cache, sector)
	d.NumFiles = uint32(int32(d.NumFiles) + delta)
	writeDisk(t.cache, sector, &d)
}

// Create initializes a brand new inode at sector with the given initial
// length, directly through the cache, then grows it to length via Resize.
// On failure no space is left allocated beyond what existed before.
func (t *Table) Create(alloc Allocator, sector blockdevice.Sector, length uint32, isDirectory bool) bool {
	var dirFlag uint8
	if isDirectory {
		dirFlag = 1
	}
	d := onDiskInode{
		Parent:      uint32(sector), // self-referential until added to a directory; root stays this way.
		IsDirectory: dirFlag,
		Magic:       Magic,
	}
	writeDisk(t.cache, sector, &d)
	return Resize(t, alloc, sector, length)
}

// byteToSector returns the sector containing byte offset pos of the file
// whose on-disk image is d, or (0, false) if pos is beyond the file's length.
func byteToSector(c *cache.Cache, d *onDiskInode, pos uint32) (blockdevice.Sector, bool) {
	if pos >= d.Length {
		return 0, false
	}
	switch {
	case pos < directBytes:
		return blockdevice.Sector(d.Direct[pos/blockdevice.SectorSize]), true
	case pos < singleExtentEnd:
		block := readIndexBlock(c, blockdevice.Sector(d.Indirect))
		return blockdevice.Sector(block[(pos-directBytes)/blockdevice.SectorSize]), true
	default:
		q := pos - singleExtentEnd
		outer := readIndexBlock(c, blockdevice.Sector(d.DoublyIndirect))
		m := q / (IndexEntries * blockdevice.SectorSize)
		inner := readIndexBlock(c, blockdevice.Sector(outer[m]))
		k := (q % (IndexEntries * blockdevice.SectorSize)) / blockdevice.SectorSize
		return blockdevice.Sector(inner[k]), true
	}
}

// growShrinkSlot applies the per-slot grow/shrink rule to a single index
// slot. Returns false (and leaves *slot untouched) only when a required
// allocation fails. A freshly allocated data sector is zeroed through
// the cache, so sparse regions and reused sectors read back as zeros.
func growShrinkSlot(c *cache.Cache, alloc Allocator, slot *uint32, threshold, newSize uint32) bool {
	if newSize <= threshold && *slot != 0 {
		alloc.Release(blockdevice.Sector(*slot), 1)
		*slot = 0
		return true
	}
	if newSize > threshold && *slot == 0 {
		first, ok := alloc.Allocate(1)
		if !ok {
			return false
		}
		var zero [blockdevice.SectorSize]byte
		c.Write(first, &zero)
		*slot = uint32(first)
	}
	return true
}

// Resize grows or shrinks the inode at sector to exactly newSize bytes,
// per the three-tier direct/indirect/doubly-indirect protocol. Sizes
// beyond MaxLength are rejected outright. On allocation failure it
// performs a best-effort rollback to the inode's previous length (which,
// being shrink-only, cannot itself fail) and returns false.
func Resize(t *Table, alloc Allocator, sector blockdevice.Sector, newSize uint32) bool {
	if newSize > MaxLength {
		return false
	}
	d := readDisk(t.cache, sector)
	oldSize := d.Length

	if !resizeTiers(t.cache, alloc, &d, newSize) {
		resizeTiers(t.cache, alloc, &d, oldSize)
		return false
	}

	d.Length = newSize
	writeDisk(t.cache, sector, &d)
	return true
}

func resizeTiers(c *cache.Cache, alloc Allocator, d *onDiskInode, newSize uint32) bool {
	// Tier 1: direct.
	for i := 0; i < NumDirect; i++ {
		threshold := uint32(i) * blockdevice.SectorSize
		if !growShrinkSlot(c, alloc, &d.Direct[i], threshold, newSize) {
			return false
		}
	}

	// A doubly-indirect block cannot exist without an indirect block, so
	// when neither tier is needed nor present there is nothing left to do.
	if d.Indirect == 0 && newSize <= directBytes {
		return true
	}

	// Tier 2: indirect.
	var block [IndexEntries]uint32
	if d.Indirect == 0 {
		first, ok := alloc.Allocate(1)
		if !ok {
			return false
		}
		d.Indirect = uint32(first)
	} else {
		block = readIndexBlock(c, blockdevice.Sector(d.Indirect))
	}
	for j := 0; j < IndexEntries; j++ {
		threshold := uint32(directBytes + j*blockdevice.SectorSize)
		if !growShrinkSlot(c, alloc, &block[j], threshold, newSize) {
			// Persist the partially-grown block so the rollback pass can
			// see, and release, the slots allocated before the failure.
			writeIndexBlock(c, blockdevice.Sector(d.Indirect), &block)
			return false
		}
	}
	writeIndexBlock(c, blockdevice.Sector(d.Indirect), &block)

	if newSize <= directBytes {
		alloc.Release(blockdevice.Sector(d.Indirect), 1)
		d.Indirect = 0
	}

	if d.DoublyIndirect == 0 && newSize <= singleExtentEnd {
		return true
	}

	// Tier 3: doubly indirect. Outer index m selects an indirect block;
	// inner index k selects a data-block slot within it.
	var outer [IndexEntries]uint32
	if d.DoublyIndirect == 0 {
		first, ok := alloc.Allocate(1)
		if !ok {
			return false
		}
		d.DoublyIndirect = uint32(first)
	} else {
		outer = readIndexBlock(c, blockdevice.Sector(d.DoublyIndirect))
	}

	for m := 0; m < IndexEntries; m++ {
		innerBase := uint32(singleExtentEnd + m*IndexEntries*blockdevice.SectorSize)
		innerNeeded := newSize > innerBase
		innerExists := outer[m] != 0

		if !innerNeeded && !innerExists {
			continue
		}

		var inner [IndexEntries]uint32
		if !innerExists {
			first, ok := alloc.Allocate(1)
			if !ok {
				writeIndexBlock(c, blockdevice.Sector(d.DoublyIndirect), &outer)
				return false
			}
			outer[m] = uint32(first)
		} else {
			inner = readIndexBlock(c, blockdevice.Sector(outer[m]))
		}

		for k := 0; k < IndexEntries; k++ {
			threshold := innerBase + uint32(k)*blockdevice.SectorSize
			if !growShrinkSlot(c, alloc, &inner[k], threshold, newSize) {
				// Persist both levels so rollback can walk to the slots
				// allocated before the failure and release them.
				writeIndexBlock(c, blockdevice.Sector(outer[m]), &inner)
				writeIndexBlock(c, blockdevice.Sector(d.DoublyIndirect), &outer)
				return false
			}
		}
		writeIndexBlock(c, blockdevice.Sector(outer[m]), &inner)

		if !innerNeeded {
			alloc.Release(blockdevice.Sector(outer[m]), 1)
			outer[m] = 0
		}
	}
	writeIndexBlock(c, blockdevice.Sector(d.DoublyIndirect), &outer)

	if newSize <= singleExtentEnd {
		alloc.Release(blockdevice.Sector(d.DoublyIndirect), 1)
		d.DoublyIndirect = 0
	}

	return true
}

// ReadAt reads up to len(buf) bytes from the file held open by ino,
// starting at off, clipped to the file's length. Returns the number of
// bytes copied. Serializes with concurrent WriteAt/ReadAt on the same
// inode via ino.Mu.
func (t *Table) ReadAt(ino *Inode, buf []byte, off uint32) int {
	ino.Mu.Lock()
	defer ino.Mu.Unlock()

	sector := ino.sector
	d := readDisk(t.cache, sector)
	var read int
	size := uint32(len(buf))

	for size > 0 {
		sec, ok := byteToSector(t.cache, &d, off)
		if !ok {
			break
		}
		sectorOfs := off % blockdevice.SectorSize
		inodeLeft := d.Length - off
		sectorLeft := uint32(blockdevice.SectorSize) - sectorOfs
		minLeft := inodeLeft
		if sectorLeft < minLeft {
			minLeft = sectorLeft
		}
		chunk := size
		if minLeft < chunk {
			chunk = minLeft
		}
		if chunk == 0 {
			break
		}

		if sectorOfs == 0 && chunk == blockdevice.SectorSize {
			var raw [blockdevice.SectorSize]byte
			t.cache.Read(sec, &raw)
			copy(buf[read:read+int(chunk)], raw[:])
		} else {
			var raw [blockdevice.SectorSize]byte
			t.cache.Read(sec, &raw)
			copy(buf[read:read+int(chunk)], raw[sectorOfs:sectorOfs+chunk])
		}

		size -= chunk
		off += chunk
		read += int(chunk)
	}
	return read
}

// WriteAt writes buf to the file held open by ino, starting at off,
// growing the file first if the write extends past the current length.
// Returns 0 immediately if the inode is write-denied, the write would
// exceed MaxLength, or the grow fails. Resize runs inside WriteAt's hold
// of ino.Mu, so length and index blocks are observed atomically by any
// concurrent ReadAt/WriteAt on this inode.
func (t *Table) WriteAt(alloc Allocator, ino *Inode, buf []byte, off uint32) int {
	ino.Mu.Lock()
	defer ino.Mu.Unlock()

	if ino.denyWriteCount > 0 {
		return 0
	}
	if uint64(off)+uint64(len(buf)) > MaxLength {
		return 0
	}

	sector := ino.sector
	d := readDisk(t.cache, sector)
	size := uint32(len(buf))

	if needed := off + size; needed > d.Length {
		if !Resize(t, alloc, sector, needed) {
			return 0
		}
		d = readDisk(t.cache, sector)
	}

	var written int
	for size > 0 {
		sec, ok := byteToSector(t.cache, &d, off)
		if !ok {
			break
		}
		sectorOfs := off % blockdevice.SectorSize
		inodeLeft := d.Length - off
		sectorLeft := uint32(blockdevice.SectorSize) - sectorOfs
		minLeft := inodeLeft
		if sectorLeft < minLeft {
			minLeft = sectorLeft
		}
		chunk := size
		if minLeft < chunk {
			chunk = minLeft
		}
		if chunk == 0 {
			break
		}

		if sectorOfs == 0 && chunk == blockdevice.SectorSize {
			var raw [blockdevice.SectorSize]byte
			copy(raw[:], buf[written:written+int(chunk)])
			t.cache.Write(sec, &raw)
		} else {
			var raw [blockdevice.SectorSize]byte
			if sectorOfs > 0 || chunk < sectorLeft {
				t.cache.Read(sec, &raw)
			}
			copy(raw[sectorOfs:sectorOfs+chunk], buf[written:written+int(chunk)])
			t.cache.Write(sec, &raw)
		}

		size -= chunk
		off += chunk
		written += int(chunk)
	}
	return written
}
