// Package sectors keeps the in-memory accounting for every physical
// sector of the partition: how many bytes are still appendable at the
// tail, how many are occupied by live entries, and whether the sector has
// been latched corrupt. It also implements the placement policies for
// writes and the victim selection for garbage collection.
package sectors

import (
	"errors"
	"fmt"

	"github.com/NorKV/norkv/pkg/flash"
)

var (
	// ErrNoSpace is returned when no sector can hold an entry of the
	// requested size.
	ErrNoSpace = errors.New("no sector with enough space")
	// ErrNoVictim is returned when no sector has reclaimable bytes.
	ErrNoVictim = errors.New("no sector to garbage collect")
)

// Descriptor is the accounting record of one physical sector.
//
// Invariant: writable + valid + recoverable = sector size, where
// recoverable is implicit (bytes occupied by superseded or corrupt data
// that an erase would reclaim).
type Descriptor struct {
	writableBytes int
	validBytes    int
	corrupt       bool
}

// WritableBytes is the erased tail still available for appends.
func (d *Descriptor) WritableBytes() int { return d.writableBytes }

// ValidBytes is the space occupied by newest-version entries.
func (d *Descriptor) ValidBytes() int { return d.validBytes }

// RecoverableBytes is what an erase would reclaim after relocating the
// valid entries.
func (d *Descriptor) RecoverableBytes(sectorSize int) int {
	return sectorSize - d.validBytes - d.writableBytes
}

// Corrupt reports whether the sector is latched against further appends.
func (d *Descriptor) Corrupt() bool { return d.corrupt }

// MarkCorrupt latches the sector: no further appends until it is erased.
// Entries already indexed in it remain readable.
func (d *Descriptor) MarkCorrupt() {
	d.corrupt = true
	d.writableBytes = 0
}

// Empty reports whether the sector is fully erased.
func (d *Descriptor) Empty(sectorSize int) bool {
	return d.writableBytes == sectorSize
}

// HasSpace reports whether size bytes can be appended.
func (d *Descriptor) HasSpace(size int) bool {
	return !d.corrupt && d.writableBytes >= size
}

// AddValidBytes credits a newly written or newly indexed live entry.
func (d *Descriptor) AddValidBytes(n int) { d.validBytes += n }

// RemoveValidBytes debits an entry that stopped being the newest version
// or was relocated out.
func (d *Descriptor) RemoveValidBytes(n int) {
	if n > d.validBytes {
		n = d.validBytes
	}
	d.validBytes -= n
}

// RemoveWritableBytes consumes tail space, including space burned by
// failed partial writes.
func (d *Descriptor) RemoveWritableBytes(n int) {
	if n > d.writableBytes {
		n = d.writableBytes
	}
	d.writableBytes -= n
}

// SetWritableBytes overrides the tail accounting; used by the init scan
// and after erases.
func (d *Descriptor) SetWritableBytes(n int) { d.writableBytes = n }

// Reset returns the descriptor to the fully erased state.
func (d *Descriptor) Reset(sectorSize int) {
	d.writableBytes = sectorSize
	d.validBytes = 0
	d.corrupt = false
}

// Table owns one Descriptor per physical sector and the write-placement
// state. Entry alignment is fixed at construction so tail addresses stay
// aligned.
type Table struct {
	partition   flash.Partition
	sectorSize  int
	alignment   int
	descriptors []Descriptor
	lastNew     int
}

// NewTable builds a table for every sector of p with all sectors assumed
// erased; the init scan corrects the accounting afterwards.
func NewTable(p flash.Partition, alignment int) *Table {
	t := &Table{
		partition:   p,
		sectorSize:  p.SectorSize(),
		alignment:   alignment,
		descriptors: make([]Descriptor, p.SectorCount()),
	}
	t.Reset()
	return t
}

// Reset marks every sector fully erased and clears the write bias.
func (t *Table) Reset() {
	for i := range t.descriptors {
		t.descriptors[i].Reset(t.sectorSize)
	}
	t.lastNew = 0
}

// Count returns the number of sectors.
func (t *Table) Count() int { return len(t.descriptors) }

// Get returns the descriptor for sector index i.
func (t *Table) Get(i int) *Descriptor { return &t.descriptors[i] }

// BaseAddress is the address of the first byte of sector i.
func (t *Table) BaseAddress(i int) flash.Address {
	return flash.Address(i * t.sectorSize)
}

// IndexFromAddress maps an address to the sector containing it.
func (t *Table) IndexFromAddress(addr flash.Address) int {
	return int(addr) / t.sectorSize
}

// FromAddress returns the descriptor of the sector containing addr.
func (t *Table) FromAddress(addr flash.Address) *Descriptor {
	return &t.descriptors[t.IndexFromAddress(addr)]
}

// AddressInSector reports whether addr lies within sector i.
func (t *Table) AddressInSector(i int, addr flash.Address) bool {
	return t.IndexFromAddress(addr) == i
}

// NextWritableAddress is where the next append to sector i will land.
func (t *Table) NextWritableAddress(i int) flash.Address {
	used := t.sectorSize - t.descriptors[i].writableBytes
	return t.BaseAddress(i) + flash.Address(flash.AlignUp(used, t.alignment))
}

// SetLastNewSector anchors the round-robin write bias at the sector
// containing addr.
func (t *Table) SetLastNewSector(addr flash.Address) {
	t.lastNew = t.IndexFromAddress(addr)
}

// LastNewSector returns the current write bias anchor.
func (t *Table) LastNewSector() int { return t.lastNew }

// containsAny reports whether sector i holds any of the addresses.
func (t *Table) containsAny(i int, addrs []flash.Address) bool {
	for _, a := range addrs {
		if t.AddressInSector(i, a) {
			return true
		}
	}
	return false
}

// FindSpace selects a sector for a fresh append of size bytes. Non-empty
// sectors are preferred, to keep the free reserve intact; among those the
// one with the most writable tail wins, ties broken round-robin from the
// last written sector to spread wear. Sectors already holding one of the
// reserved addresses are excluded so no two copies of an entry share a
// sector.
func (t *Table) FindSpace(size int, reserved []flash.Address) (int, error) {
	if size > t.sectorSize {
		return -1, fmt.Errorf("entry of %d bytes exceeds sector size %d: %w",
			size, t.sectorSize, ErrNoSpace)
	}

	bestPartial, bestEmpty := -1, -1
	n := len(t.descriptors)
	for j := 1; j <= n; j++ {
		i := (t.lastNew + j) % n
		d := &t.descriptors[i]
		if !d.HasSpace(size) || t.containsAny(i, reserved) {
			continue
		}
		if d.Empty(t.sectorSize) {
			if bestEmpty < 0 {
				bestEmpty = i
			}
			continue
		}
		if bestPartial < 0 || d.writableBytes > t.descriptors[bestPartial].writableBytes {
			bestPartial = i
		}
	}

	if bestPartial >= 0 {
		t.lastNew = bestPartial
		return bestPartial, nil
	}
	if bestEmpty >= 0 {
		t.lastNew = bestEmpty
		return bestEmpty, nil
	}
	return -1, ErrNoSpace
}

// FindSpaceDuringGarbageCollection selects a destination for a relocated
// entry. Sectors holding another copy of the same key (copyAddrs) or a
// reserved address are excluded so relocation preserves replica
// diversity. The empty reserve sector is preferred: during GC consuming
// it is what guarantees forward progress.
func (t *Table) FindSpaceDuringGarbageCollection(size int, copyAddrs, reserved []flash.Address) (int, error) {
	if size > t.sectorSize {
		return -1, fmt.Errorf("entry of %d bytes exceeds sector size %d: %w",
			size, t.sectorSize, ErrNoSpace)
	}

	best := -1
	n := len(t.descriptors)
	for j := 1; j <= n; j++ {
		i := (t.lastNew + j) % n
		d := &t.descriptors[i]
		if !d.HasSpace(size) || t.containsAny(i, copyAddrs) || t.containsAny(i, reserved) {
			continue
		}
		if d.Empty(t.sectorSize) {
			return i, nil
		}
		if best < 0 || d.writableBytes > t.descriptors[best].writableBytes {
			best = i
		}
	}

	if best >= 0 {
		return best, nil
	}
	return -1, ErrNoSpace
}

// FindSectorToGarbageCollect picks the victim with the most reclaimable
// bytes that holds none of the reserved addresses. Ties go to the first
// candidate round-robin after the last written sector, so erases rotate
// through the sectors. Returns ErrNoVictim when nothing would be
// reclaimed by any erase.
func (t *Table) FindSectorToGarbageCollect(reserved []flash.Address) (int, error) {
	victim := -1
	most := 0
	n := len(t.descriptors)
	for j := 1; j <= n; j++ {
		i := (t.lastNew + j) % n
		d := &t.descriptors[i]
		recoverable := d.RecoverableBytes(t.sectorSize)
		if recoverable <= 0 || t.containsAny(i, reserved) {
			continue
		}
		if recoverable > most {
			victim = i
			most = recoverable
		}
	}
	if victim < 0 {
		return -1, ErrNoVictim
	}
	return victim, nil
}

// HasEmptySector reports whether any sector is fully erased.
func (t *Table) HasEmptySector() bool {
	for i := range t.descriptors {
		if t.descriptors[i].Empty(t.sectorSize) {
			return true
		}
	}
	return false
}
