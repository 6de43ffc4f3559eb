package sectors

import (
	"errors"
	"testing"

	"github.com/NorKV/norkv/pkg/flash"
)

const (
	testSectorSize = 4096
	testAlignment  = 16
)

func newTestTable() *Table {
	return NewTable(flash.NewMemPartition(testSectorSize, 4, testAlignment), testAlignment)
}

func TestDescriptorAccounting(t *testing.T) {
	var d Descriptor
	d.Reset(testSectorSize)

	if !d.Empty(testSectorSize) {
		t.Error("Reset descriptor is not empty")
	}
	if got := d.RecoverableBytes(testSectorSize); got != 0 {
		t.Errorf("Empty sector has %d recoverable bytes", got)
	}

	d.RemoveWritableBytes(128)
	d.AddValidBytes(128)
	if got := d.RecoverableBytes(testSectorSize); got != 0 {
		t.Errorf("Recoverable = %d after live append, want 0", got)
	}

	// Superseding the entry turns its bytes reclaimable.
	d.RemoveValidBytes(128)
	if got := d.RecoverableBytes(testSectorSize); got != 128 {
		t.Errorf("Recoverable = %d, want 128", got)
	}

	// writable + valid + recoverable always equals the sector size.
	sum := d.WritableBytes() + d.ValidBytes() + d.RecoverableBytes(testSectorSize)
	if sum != testSectorSize {
		t.Errorf("Accounting sums to %d, want %d", sum, testSectorSize)
	}
}

func TestDescriptorMarkCorrupt(t *testing.T) {
	var d Descriptor
	d.Reset(testSectorSize)
	d.RemoveWritableBytes(64)
	d.AddValidBytes(64)

	d.MarkCorrupt()
	if !d.Corrupt() {
		t.Error("MarkCorrupt did not latch")
	}
	if d.HasSpace(16) {
		t.Error("Corrupt sector reports space")
	}
	if d.WritableBytes() != 0 {
		t.Errorf("Corrupt sector has %d writable bytes", d.WritableBytes())
	}

	d.Reset(testSectorSize)
	if d.Corrupt() {
		t.Error("Reset did not clear the corrupt latch")
	}
}

func TestNextWritableAddress(t *testing.T) {
	tbl := newTestTable()

	if got := tbl.NextWritableAddress(1); got != testSectorSize {
		t.Errorf("NextWritableAddress(1) = %d, want %d", got, testSectorSize)
	}

	tbl.Get(1).RemoveWritableBytes(48)
	if got := tbl.NextWritableAddress(1); got != testSectorSize+48 {
		t.Errorf("NextWritableAddress(1) = %d, want %d", got, testSectorSize+48)
	}
}

func TestAddressMapping(t *testing.T) {
	tbl := newTestTable()

	if got := tbl.IndexFromAddress(0); got != 0 {
		t.Errorf("IndexFromAddress(0) = %d", got)
	}
	if got := tbl.IndexFromAddress(testSectorSize*2 + 5); got != 2 {
		t.Errorf("IndexFromAddress = %d, want 2", got)
	}
	if !tbl.AddressInSector(3, testSectorSize*4-1) {
		t.Error("Last byte not in last sector")
	}
	if tbl.AddressInSector(0, testSectorSize) {
		t.Error("First byte of sector 1 reported in sector 0")
	}
}

func TestFindSpacePrefersPartialSectors(t *testing.T) {
	tbl := newTestTable()

	// Sector 2 has a partially filled tail; everything else is empty.
	tbl.Get(2).RemoveWritableBytes(64)
	tbl.Get(2).AddValidBytes(64)

	si, err := tbl.FindSpace(32, nil)
	if err != nil {
		t.Fatalf("FindSpace failed: %v", err)
	}
	if si != 2 {
		t.Errorf("FindSpace chose sector %d, want the non-empty sector 2", si)
	}
}

func TestFindSpaceFallsBackToEmpty(t *testing.T) {
	tbl := newTestTable()

	// Fill every sector's tail below the needed size except sector 3.
	for si := 0; si < 3; si++ {
		tbl.Get(si).RemoveWritableBytes(testSectorSize - 16)
		tbl.Get(si).AddValidBytes(testSectorSize - 16)
	}

	si, err := tbl.FindSpace(64, nil)
	if err != nil {
		t.Fatalf("FindSpace failed: %v", err)
	}
	if si != 3 {
		t.Errorf("FindSpace chose sector %d, want 3", si)
	}
}

func TestFindSpaceExcludesReservedSectors(t *testing.T) {
	tbl := newTestTable()

	for si := 0; si < 4; si++ {
		tbl.Get(si).RemoveWritableBytes(64)
		tbl.Get(si).AddValidBytes(64)
	}

	// Reserve an address in every sector but 1.
	reserved := []flash.Address{
		0,
		testSectorSize * 2,
		testSectorSize * 3,
	}
	si, err := tbl.FindSpace(32, reserved)
	if err != nil {
		t.Fatalf("FindSpace failed: %v", err)
	}
	if si != 1 {
		t.Errorf("FindSpace chose sector %d despite reservations, want 1", si)
	}

	// With every sector reserved there is nowhere to go.
	reserved = append(reserved, testSectorSize)
	if _, err := tbl.FindSpace(32, reserved); !errors.Is(err, ErrNoSpace) {
		t.Errorf("Fully reserved: got %v, want ErrNoSpace", err)
	}
}

func TestFindSpaceRejectsOversizedEntries(t *testing.T) {
	tbl := newTestTable()
	if _, err := tbl.FindSpace(testSectorSize+1, nil); !errors.Is(err, ErrNoSpace) {
		t.Errorf("Oversized entry: got %v, want ErrNoSpace", err)
	}
}

func TestFindSectorToGarbageCollect(t *testing.T) {
	tbl := newTestTable()

	if _, err := tbl.FindSectorToGarbageCollect(nil); !errors.Is(err, ErrNoVictim) {
		t.Errorf("Nothing reclaimable: got %v, want ErrNoVictim", err)
	}

	// Sector 1: 100 reclaimable. Sector 2: 300 reclaimable.
	tbl.Get(1).RemoveWritableBytes(150)
	tbl.Get(1).AddValidBytes(50)
	tbl.Get(2).RemoveWritableBytes(350)
	tbl.Get(2).AddValidBytes(50)

	victim, err := tbl.FindSectorToGarbageCollect(nil)
	if err != nil {
		t.Fatalf("FindSectorToGarbageCollect failed: %v", err)
	}
	if victim != 2 {
		t.Errorf("Victim = %d, want the most reclaimable sector 2", victim)
	}

	// A reserved address in sector 2 shifts the choice to sector 1.
	victim, err = tbl.FindSectorToGarbageCollect([]flash.Address{testSectorSize * 2})
	if err != nil {
		t.Fatalf("FindSectorToGarbageCollect failed: %v", err)
	}
	if victim != 1 {
		t.Errorf("Victim = %d, want 1", victim)
	}
}

func TestFindSpaceDuringGarbageCollection(t *testing.T) {
	tbl := newTestTable()

	// Sector 0 holds the entry's only other copy, sector 1 is partially
	// used, the rest are empty.
	tbl.Get(1).RemoveWritableBytes(64)
	tbl.Get(1).AddValidBytes(64)

	copyAddrs := []flash.Address{0}
	si, err := tbl.FindSpaceDuringGarbageCollection(32, copyAddrs, nil)
	if err != nil {
		t.Fatalf("FindSpaceDuringGarbageCollection failed: %v", err)
	}
	if si == 0 {
		t.Error("Relocation target holds another copy of the key")
	}
	if !tbl.Get(si).Empty(testSectorSize) {
		t.Errorf("Relocation chose sector %d, want an empty sector", si)
	}
}

func TestLastNewSectorRoundRobin(t *testing.T) {
	tbl := newTestTable()
	tbl.SetLastNewSector(testSectorSize * 2)
	if got := tbl.LastNewSector(); got != 2 {
		t.Errorf("LastNewSector = %d, want 2", got)
	}

	// All sectors empty: the first candidate after the anchor wins.
	si, err := tbl.FindSpace(32, nil)
	if err != nil {
		t.Fatalf("FindSpace failed: %v", err)
	}
	if si != 3 {
		t.Errorf("FindSpace chose %d, want the next sector 3", si)
	}
}

func TestHasEmptySector(t *testing.T) {
	tbl := newTestTable()
	if !tbl.HasEmptySector() {
		t.Error("Fresh table reports no empty sector")
	}
	for si := 0; si < 4; si++ {
		tbl.Get(si).RemoveWritableBytes(16)
	}
	if tbl.HasEmptySector() {
		t.Error("Fully touched table reports an empty sector")
	}
}
