package format

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/NorKV/norkv/pkg/flash"
)

// Header layout, little-endian:
//
//	offset 0: magic            (4)
//	offset 4: checksum         (4) CRC-32/IEEE; field zeroed while hashing
//	offset 8: alignment units  (1) record alignment = units * MinAlignment
//	offset 9: key length       (1)
//	offset 10: value length    (2) 0xFFFF marks a tombstone
//	offset 12: transaction id  (4)
type header struct {
	magic          uint32
	checksum       uint32
	alignmentUnits uint8
	keyLength      uint8
	valueLength    uint16
	transactionID  uint32
}

func (h *header) encode(buf *[HeaderSize]byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.checksum)
	buf[8] = h.alignmentUnits
	buf[9] = h.keyLength
	binary.LittleEndian.PutUint16(buf[10:12], h.valueLength)
	binary.LittleEndian.PutUint32(buf[12:16], h.transactionID)
}

func decodeHeader(buf *[HeaderSize]byte) header {
	return header{
		magic:          binary.LittleEndian.Uint32(buf[0:4]),
		checksum:       binary.LittleEndian.Uint32(buf[4:8]),
		alignmentUnits: buf[8],
		keyLength:      buf[9],
		valueLength:    binary.LittleEndian.Uint16(buf[10:12]),
		transactionID:  binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// Entry is one decoded (or about-to-be-written) record at a fixed address
// on a partition.
type Entry struct {
	partition flash.Partition
	addr      flash.Address
	h         header
}

// EntrySize returns the aligned on-flash size an entry for key and value
// would occupy on partition p.
func EntrySize(p flash.Partition, key string, value []byte) int {
	return flash.AlignUp(HeaderSize+len(key)+len(value), entryAlignment(p))
}

// entryAlignment is the alignment used for records created on p: the
// partition write granularity, but never below MinAlignment.
func entryAlignment(p flash.Partition) int {
	if a := p.Alignment(); a > MinAlignment {
		return a
	}
	return MinAlignment
}

// ReadEntry decodes the record header at addr. It returns ErrErased when
// the magic reads as erased flash (end of log) and ErrCorrupt when the
// magic is unknown or the header fields are out of range. The checksum is
// not verified here; use VerifyChecksumInFlash.
func ReadEntry(p flash.Partition, addr flash.Address, formats *FormatSet) (*Entry, error) {
	var buf [HeaderSize]byte
	if _, err := p.Read(addr, buf[:]); err != nil {
		return nil, fmt.Errorf("%w: header read at %#x: %w", ErrCorrupt, addr, err)
	}

	h := decodeHeader(&buf)
	if h.magic == ErasedMagic {
		return nil, ErrErased
	}
	if !formats.KnownMagic(h.magic) {
		return nil, fmt.Errorf("%w: unknown magic %#x at %#x", ErrCorrupt, h.magic, addr)
	}
	if h.keyLength == 0 || h.keyLength > MaxKeyLength {
		return nil, fmt.Errorf("%w: key length %d at %#x", ErrCorrupt, h.keyLength, addr)
	}
	if h.alignmentUnits == 0 {
		return nil, fmt.Errorf("%w: zero alignment at %#x", ErrCorrupt, addr)
	}

	e := &Entry{partition: p, addr: addr, h: h}
	if int(addr)+e.Size() > p.Size() {
		return nil, fmt.Errorf("%w: entry at %#x runs past partition end", ErrCorrupt, addr)
	}
	return e, nil
}

// NewValid prepares a live record for key and value at addr, to be
// emitted by Write.
func NewValid(p flash.Partition, addr flash.Address, f EntryFormat, key string, value []byte, transactionID uint32) *Entry {
	return newEntry(p, addr, f, key, uint16(len(value)), transactionID)
}

// NewTombstone prepares a deletion record for key at addr.
func NewTombstone(p flash.Partition, addr flash.Address, f EntryFormat, key string, transactionID uint32) *Entry {
	return newEntry(p, addr, f, key, TombstoneValueLength, transactionID)
}

func newEntry(p flash.Partition, addr flash.Address, f EntryFormat, key string, valueLength uint16, transactionID uint32) *Entry {
	align := entryAlignment(p)
	return &Entry{
		partition: p,
		addr:      addr,
		h: header{
			magic:          f.Magic,
			alignmentUnits: uint8(align / MinAlignment),
			keyLength:      uint8(len(key)),
			valueLength:    valueLength,
			transactionID:  transactionID,
		},
	}
}

// Address returns where the record lives on flash.
func (e *Entry) Address() flash.Address { return e.addr }

// SetAddress retargets the record, used when appending redundant copies.
func (e *Entry) SetAddress(addr flash.Address) { e.addr = addr }

// Alignment is the record's own alignment in bytes.
func (e *Entry) Alignment() int { return int(e.h.alignmentUnits) * MinAlignment }

// KeyLength returns the stored key length.
func (e *Entry) KeyLength() int { return int(e.h.keyLength) }

// ValueSize returns the value length; zero for tombstones.
func (e *Entry) ValueSize() int {
	if e.Deleted() {
		return 0
	}
	return int(e.h.valueLength)
}

// Deleted reports whether the record is a tombstone.
func (e *Entry) Deleted() bool { return e.h.valueLength == TombstoneValueLength }

// TransactionID returns the record's position in the logical update order.
func (e *Entry) TransactionID() uint32 { return e.h.transactionID }

// Size is the full aligned footprint of the record on flash.
func (e *Entry) Size() int {
	return flash.AlignUp(HeaderSize+e.KeyLength()+e.ValueSize(), e.Alignment())
}

// NextAddress is the first aligned address after this record.
func (e *Entry) NextAddress() flash.Address {
	return e.addr + flash.Address(e.Size())
}

// ReadKey reads the record's key bytes from flash into buf.
func (e *Entry) ReadKey(buf []byte) (int, error) {
	if len(buf) < e.KeyLength() {
		return 0, fmt.Errorf("%w: key buffer %d < %d", ErrTooLarge, len(buf), e.KeyLength())
	}
	n, err := e.partition.Read(e.addr+HeaderSize, buf[:e.KeyLength()])
	if err != nil {
		return n, fmt.Errorf("%w: key read at %#x: %w", ErrCorrupt, e.addr, err)
	}
	return n, nil
}

// ReadValue reads up to len(buf) bytes of the value starting at offset.
func (e *Entry) ReadValue(buf []byte, offset int) (int, error) {
	if offset > e.ValueSize() {
		return 0, fmt.Errorf("%w: offset %d beyond value size %d", ErrTooLarge, offset, e.ValueSize())
	}
	n := e.ValueSize() - offset
	if n > len(buf) {
		n = len(buf)
	}
	if n == 0 {
		return 0, nil
	}
	read, err := e.partition.Read(
		e.addr+flash.Address(HeaderSize+e.KeyLength()+offset), buf[:n])
	if err != nil {
		return read, fmt.Errorf("%w: value read at %#x: %w", ErrCorrupt, e.addr, err)
	}
	return read, nil
}

// Write serializes the record at its address and returns the number of
// bytes consumed of the sector, which may be short if the medium failed
// mid-write.
func (e *Entry) Write(key string, value []byte) (int, error) {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return 0, fmt.Errorf("%w: key length %d", ErrTooLarge, len(key))
	}
	if len(value) >= TombstoneValueLength {
		return 0, fmt.Errorf("%w: value length %d", ErrTooLarge, len(value))
	}

	e.h.checksum = e.computeChecksum(key, value)

	buf := make([]byte, e.Size())
	var hdr [HeaderSize]byte
	e.h.encode(&hdr)
	copy(buf, hdr[:])
	copy(buf[HeaderSize:], key)
	if !e.Deleted() {
		copy(buf[HeaderSize+len(key):], value)
	}

	n, err := e.partition.Write(e.addr, buf)
	if err != nil {
		return n, fmt.Errorf("entry write at %#x: %w", e.addr, err)
	}
	return n, nil
}

// Copy streams the record, unchanged including transaction id and
// checksum, to newAddr and repoints the entry there. Returns the bytes
// consumed at the destination.
func (e *Entry) Copy(newAddr flash.Address) (int, error) {
	buf := make([]byte, e.Size())
	if _, err := e.partition.Read(e.addr, buf); err != nil {
		return 0, fmt.Errorf("%w: copy read at %#x: %w", ErrCorrupt, e.addr, err)
	}
	n, err := e.partition.Write(newAddr, buf)
	if err != nil {
		return n, fmt.Errorf("entry copy write at %#x: %w", newAddr, err)
	}
	e.addr = newAddr
	return n, nil
}

// VerifyChecksum recomputes the checksum over the given key and value and
// compares it against the stored header field.
func (e *Entry) VerifyChecksum(key string, value []byte) error {
	if sum := e.computeChecksum(key, value); sum != e.h.checksum {
		return fmt.Errorf("%w: checksum %#x, expected %#x", ErrCorrupt, sum, e.h.checksum)
	}
	return nil
}

// VerifyChecksumInFlash re-reads the full record from flash and verifies
// the stored checksum against the bytes actually on the medium.
func (e *Entry) VerifyChecksumInFlash() error {
	crc := crc32.NewIEEE()

	var hdr [HeaderSize]byte
	if _, err := e.partition.Read(e.addr, hdr[:]); err != nil {
		return fmt.Errorf("%w: header re-read at %#x: %w", ErrCorrupt, e.addr, err)
	}
	stored := binary.LittleEndian.Uint32(hdr[4:8])
	hdr[4], hdr[5], hdr[6], hdr[7] = 0, 0, 0, 0
	crc.Write(hdr[:])

	remaining := e.KeyLength() + e.ValueSize()
	addr := e.addr + HeaderSize
	var chunk [128]byte
	for remaining > 0 {
		n := remaining
		if n > len(chunk) {
			n = len(chunk)
		}
		if _, err := e.partition.Read(addr, chunk[:n]); err != nil {
			return fmt.Errorf("%w: record re-read at %#x: %w", ErrCorrupt, addr, err)
		}
		crc.Write(chunk[:n])
		remaining -= n
		addr += flash.Address(n)
	}

	if sum := crc.Sum32(); sum != stored {
		return fmt.Errorf("%w: flash checksum %#x, expected %#x at %#x",
			ErrCorrupt, sum, stored, e.addr)
	}
	return nil
}

func (e *Entry) computeChecksum(key string, value []byte) uint32 {
	var hdr [HeaderSize]byte
	h := e.h
	h.checksum = 0
	h.encode(&hdr)

	crc := crc32.NewIEEE()
	crc.Write(hdr[:])
	crc.Write([]byte(key))
	if !e.Deleted() {
		crc.Write(value)
	}
	return crc.Sum32()
}
