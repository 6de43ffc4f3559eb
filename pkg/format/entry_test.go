package format

import (
	"bytes"
	"errors"
	"testing"

	"github.com/NorKV/norkv/pkg/flash"
)

const testMagic = 0x564b4e31

func testFormats() *FormatSet {
	return NewFormatSet(EntryFormat{Magic: testMagic})
}

func testPartition() *flash.MemPartition {
	return flash.NewMemPartition(4096, 4, 16)
}

func TestEntryRoundTrip(t *testing.T) {
	p := testPartition()
	formats := testFormats()

	key := "wifi_ssid"
	value := []byte("homenet")

	e := NewValid(p, 0, formats.Primary(), key, value, 7)
	n, err := e.Write(key, value)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != e.Size() {
		t.Errorf("Wrote %d bytes, expected %d", n, e.Size())
	}
	if e.Size()%MinAlignment != 0 {
		t.Errorf("Entry size %d is not aligned", e.Size())
	}

	got, err := ReadEntry(p, 0, formats)
	if err != nil {
		t.Fatalf("ReadEntry failed: %v", err)
	}
	if got.TransactionID() != 7 {
		t.Errorf("TransactionID = %d, want 7", got.TransactionID())
	}
	if got.Deleted() {
		t.Error("Entry unexpectedly deleted")
	}
	if got.ValueSize() != len(value) {
		t.Errorf("ValueSize = %d, want %d", got.ValueSize(), len(value))
	}
	if got.KeyLength() != len(key) {
		t.Errorf("KeyLength = %d, want %d", got.KeyLength(), len(key))
	}

	var keyBuf [MaxKeyLength]byte
	kn, err := got.ReadKey(keyBuf[:])
	if err != nil {
		t.Fatalf("ReadKey failed: %v", err)
	}
	if string(keyBuf[:kn]) != key {
		t.Errorf("Key = %q, want %q", keyBuf[:kn], key)
	}

	valBuf := make([]byte, 64)
	vn, err := got.ReadValue(valBuf, 0)
	if err != nil {
		t.Fatalf("ReadValue failed: %v", err)
	}
	if !bytes.Equal(valBuf[:vn], value) {
		t.Errorf("Value = %q, want %q", valBuf[:vn], value)
	}

	if err := got.VerifyChecksumInFlash(); err != nil {
		t.Errorf("VerifyChecksumInFlash failed: %v", err)
	}
	if err := got.VerifyChecksum(key, value); err != nil {
		t.Errorf("VerifyChecksum failed: %v", err)
	}
}

func TestEntryReadValueOffset(t *testing.T) {
	p := testPartition()
	formats := testFormats()

	key := "k"
	value := []byte("0123456789")
	e := NewValid(p, 0, formats.Primary(), key, value, 1)
	if _, err := e.Write(key, value); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := ReadEntry(p, 0, formats)
	if err != nil {
		t.Fatalf("ReadEntry failed: %v", err)
	}

	buf := make([]byte, 4)
	n, err := got.ReadValue(buf, 6)
	if err != nil {
		t.Fatalf("ReadValue at offset failed: %v", err)
	}
	if string(buf[:n]) != "6789" {
		t.Errorf("ReadValue(offset 6) = %q, want %q", buf[:n], "6789")
	}

	if n, err := got.ReadValue(buf, 10); err != nil || n != 0 {
		t.Errorf("ReadValue at end = (%d, %v), want (0, nil)", n, err)
	}
	if _, err := got.ReadValue(buf, 11); !errors.Is(err, ErrTooLarge) {
		t.Errorf("ReadValue past end: got %v, want ErrTooLarge", err)
	}
}

func TestTombstone(t *testing.T) {
	p := testPartition()
	formats := testFormats()

	key := "deleted_key"
	e := NewTombstone(p, 0, formats.Primary(), key, 9)
	if _, err := e.Write(key, nil); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := ReadEntry(p, 0, formats)
	if err != nil {
		t.Fatalf("ReadEntry failed: %v", err)
	}
	if !got.Deleted() {
		t.Error("Tombstone not marked deleted")
	}
	if got.ValueSize() != 0 {
		t.Errorf("Tombstone ValueSize = %d, want 0", got.ValueSize())
	}
	if err := got.VerifyChecksumInFlash(); err != nil {
		t.Errorf("VerifyChecksumInFlash failed: %v", err)
	}
}

func TestReadEntryErased(t *testing.T) {
	p := testPartition()

	_, err := ReadEntry(p, 0, testFormats())
	if !errors.Is(err, ErrErased) {
		t.Errorf("Erased flash: got %v, want ErrErased", err)
	}
}

func TestReadEntryUnknownMagic(t *testing.T) {
	p := testPartition()

	bogus := make([]byte, 16)
	for i := range bogus {
		bogus[i] = 0x12
	}
	if _, err := p.Write(0, bogus); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	_, err := ReadEntry(p, 0, testFormats())
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Unknown magic: got %v, want ErrCorrupt", err)
	}
}

func TestMultipleMagics(t *testing.T) {
	p := testPartition()
	legacy := EntryFormat{Magic: 0x564b4e30}
	formats := NewFormatSet(EntryFormat{Magic: testMagic}, legacy)

	// A record in the legacy format still decodes.
	e := NewValid(p, 0, legacy, "old", []byte("data"), 3)
	if _, err := e.Write("old", []byte("data")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := ReadEntry(p, 0, formats); err != nil {
		t.Fatalf("Legacy entry did not decode: %v", err)
	}

	if !formats.KnownMagic(legacy.Magic) || !formats.KnownMagic(testMagic) {
		t.Error("KnownMagic rejected a member format")
	}
	if formats.Primary().Magic != testMagic {
		t.Errorf("Primary magic = %#x, want %#x", formats.Primary().Magic, testMagic)
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	p := testPartition()
	formats := testFormats()

	key := "wifi_ssid"
	value := []byte("homenet")
	e := NewValid(p, 0, formats.Primary(), key, value, 1)
	if _, err := e.Write(key, value); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Zero the record's final 8 bytes, as a torn append would.
	p.Corrupt(flash.Address(e.Size()-8), 8)

	got, err := ReadEntry(p, 0, formats)
	if err != nil {
		t.Fatalf("ReadEntry failed: %v", err)
	}
	if err := got.VerifyChecksumInFlash(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Corrupted record: got %v, want ErrCorrupt", err)
	}
}

func TestEntryCopy(t *testing.T) {
	p := testPartition()
	formats := testFormats()

	key := "movable"
	value := []byte("payload")
	e := NewValid(p, 0, formats.Primary(), key, value, 42)
	if _, err := e.Write(key, value); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	orig, err := ReadEntry(p, 0, formats)
	if err != nil {
		t.Fatalf("ReadEntry failed: %v", err)
	}

	newAddr := flash.Address(4096)
	n, err := orig.Copy(newAddr)
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if n != orig.Size() {
		t.Errorf("Copy wrote %d bytes, want %d", n, orig.Size())
	}
	if orig.Address() != newAddr {
		t.Errorf("Copy did not repoint entry: address %#x", orig.Address())
	}

	moved, err := ReadEntry(p, newAddr, formats)
	if err != nil {
		t.Fatalf("ReadEntry of copy failed: %v", err)
	}
	if moved.TransactionID() != 42 {
		t.Errorf("Copy changed transaction id to %d", moved.TransactionID())
	}
	if err := moved.VerifyChecksumInFlash(); err != nil {
		t.Errorf("Copy checksum failed: %v", err)
	}
}

func TestNextAddress(t *testing.T) {
	p := testPartition()
	formats := testFormats()

	key := "ab"
	value := []byte("cd")
	e := NewValid(p, 64, formats.Primary(), key, value, 1)
	// header 16 + key 2 + value 2 = 20, aligned to 32.
	if e.Size() != 32 {
		t.Errorf("Size = %d, want 32", e.Size())
	}
	if e.NextAddress() != 96 {
		t.Errorf("NextAddress = %d, want 96", e.NextAddress())
	}

	if got := EntrySize(p, key, value); got != 32 {
		t.Errorf("EntrySize = %d, want 32", got)
	}
}

func TestWriteRejectsBadInputs(t *testing.T) {
	p := testPartition()
	formats := testFormats()

	long := string(make([]byte, MaxKeyLength+1))
	e := NewValid(p, 0, formats.Primary(), long, nil, 1)
	if _, err := e.Write(long, nil); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Oversized key: got %v, want ErrTooLarge", err)
	}

	huge := make([]byte, TombstoneValueLength)
	e = NewValid(p, 0, formats.Primary(), "k", huge, 1)
	if _, err := e.Write("k", huge); !errors.Is(err, ErrTooLarge) {
		t.Errorf("Oversized value: got %v, want ErrTooLarge", err)
	}
}
