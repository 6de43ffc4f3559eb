// Package flash defines the contract between the key-value store and the
// flash partition that backs it, plus in-memory and file-backed partitions
// implementing that contract.
package flash

import "errors"

// ErasedByte is the value every byte of a sector reads as after an erase.
// NOR flash erases to all-ones.
const ErasedByte = 0xFF

// Address is a byte offset within a partition.
type Address = uint32

var (
	// ErrOutOfRange is returned when an access extends past the partition.
	ErrOutOfRange = errors.New("address out of partition range")
	// ErrUnaligned is returned when a write's address or length does not
	// match the partition alignment.
	ErrUnaligned = errors.New("unaligned flash access")
	// ErrNotErased is returned when a write targets bytes that were not
	// erased first.
	ErrNotErased = errors.New("write to non-erased flash")
	// ErrReadFailure and ErrWriteFailure report I/O errors from the
	// underlying medium.
	ErrReadFailure  = errors.New("flash read failure")
	ErrWriteFailure = errors.New("flash write failure")
	// ErrEraseFailure reports a failed sector erase.
	ErrEraseFailure = errors.New("flash erase failure")
)

// Partition is a fixed-size span of flash divided into uniformly sized,
// individually erasable sectors. Reads may span arbitrary ranges; writes
// must be aligned to Alignment() and target erased bytes; erases operate
// on whole sectors.
type Partition interface {
	SectorSize() int
	SectorCount() int
	Alignment() int
	Size() int

	// Read fills buf starting at addr and reports the bytes read.
	Read(addr Address, buf []byte) (int, error)

	// Write programs buf at addr and reports the bytes written, which may
	// be short when the medium fails mid-write.
	Write(addr Address, buf []byte) (int, error)

	// Erase resets count sectors starting at sector index first to the
	// erased pattern.
	Erase(first, count int) error
}

// AlignUp rounds n up to the next multiple of align. align must be a
// power of two.
func AlignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown rounds n down to a multiple of align. align must be a power
// of two.
func AlignDown(n, align int) int {
	return n &^ (align - 1)
}
