package flash

import (
	"fmt"
)

// MemPartition is an in-memory partition used by tests and benchmarks. It
// enforces the same discipline as real NOR flash: aligned writes, program
// only over erased bytes, erase whole sectors. Fault hooks let tests
// simulate failing media and power loss mid-write.
type MemPartition struct {
	sectorSize  int
	sectorCount int
	alignment   int

	data        []byte
	eraseCounts []int

	// Fault hooks. When non-nil they are consulted before the operation;
	// WriteFault returns how many bytes to program before failing.
	ReadFault  func(addr Address, n int) error
	WriteFault func(addr Address, data []byte) (int, error)
	EraseFault func(sector int) error
}

// NewMemPartition creates an erased in-memory partition with the given
// geometry. sectorSize must be a multiple of alignment and alignment a
// power of two.
func NewMemPartition(sectorSize, sectorCount, alignment int) *MemPartition {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("flash: alignment %d is not a power of two", alignment))
	}
	if sectorSize%alignment != 0 {
		panic(fmt.Sprintf("flash: sector size %d not a multiple of alignment %d",
			sectorSize, alignment))
	}

	data := make([]byte, sectorSize*sectorCount)
	for i := range data {
		data[i] = ErasedByte
	}

	return &MemPartition{
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		alignment:   alignment,
		data:        data,
		eraseCounts: make([]int, sectorCount),
	}
}

func (p *MemPartition) SectorSize() int  { return p.sectorSize }
func (p *MemPartition) SectorCount() int { return p.sectorCount }
func (p *MemPartition) Alignment() int   { return p.alignment }
func (p *MemPartition) Size() int        { return len(p.data) }

// Read fills buf from addr.
func (p *MemPartition) Read(addr Address, buf []byte) (int, error) {
	if int(addr)+len(buf) > len(p.data) {
		return 0, fmt.Errorf("read %d bytes at %#x: %w", len(buf), addr, ErrOutOfRange)
	}
	if p.ReadFault != nil {
		if err := p.ReadFault(addr, len(buf)); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrReadFailure, err)
		}
	}
	copy(buf, p.data[addr:int(addr)+len(buf)])
	return len(buf), nil
}

// Write programs buf at addr. Every target byte must be erased, or equal
// to the byte being written (rewriting identical data is harmless).
func (p *MemPartition) Write(addr Address, buf []byte) (int, error) {
	if int(addr)+len(buf) > len(p.data) {
		return 0, fmt.Errorf("write %d bytes at %#x: %w", len(buf), addr, ErrOutOfRange)
	}
	if int(addr)%p.alignment != 0 || len(buf)%p.alignment != 0 {
		return 0, fmt.Errorf("write %d bytes at %#x: %w", len(buf), addr, ErrUnaligned)
	}

	limit := len(buf)
	var faultErr error
	if p.WriteFault != nil {
		n, err := p.WriteFault(addr, buf)
		if err != nil {
			if n < limit {
				limit = n
			}
			faultErr = fmt.Errorf("%w: %w", ErrWriteFailure, err)
		}
	}

	for i := 0; i < limit; i++ {
		old := p.data[int(addr)+i]
		if old != ErasedByte && old != buf[i] {
			return i, fmt.Errorf("byte at %#x already programmed: %w",
				int(addr)+i, ErrNotErased)
		}
		p.data[int(addr)+i] = buf[i]
	}

	if faultErr != nil {
		return limit, faultErr
	}
	return limit, nil
}

// Erase resets count sectors starting at first.
func (p *MemPartition) Erase(first, count int) error {
	if first < 0 || first+count > p.sectorCount {
		return fmt.Errorf("erase sectors [%d, %d): %w", first, first+count, ErrOutOfRange)
	}
	for s := first; s < first+count; s++ {
		if p.EraseFault != nil {
			if err := p.EraseFault(s); err != nil {
				return fmt.Errorf("%w: %w", ErrEraseFailure, err)
			}
		}
		base := s * p.sectorSize
		for i := base; i < base+p.sectorSize; i++ {
			p.data[i] = ErasedByte
		}
		p.eraseCounts[s]++
	}
	return nil
}

// EraseCount reports how many times the sector has been erased, for wear
// analysis in benchmarks.
func (p *MemPartition) EraseCount(sector int) int {
	return p.eraseCounts[sector]
}

// Corrupt overwrites n bytes at addr with zeros, bypassing the write
// checks. Tests use this to fabricate torn writes and bit rot.
func (p *MemPartition) Corrupt(addr Address, n int) {
	for i := 0; i < n && int(addr)+i < len(p.data); i++ {
		p.data[int(addr)+i] = 0
	}
}

// Snapshot returns a copy of the raw partition contents.
func (p *MemPartition) Snapshot() []byte {
	out := make([]byte, len(p.data))
	copy(out, p.data)
	return out
}

// Load replaces the partition contents with raw, which must be exactly
// Size() bytes.
func (p *MemPartition) Load(raw []byte) error {
	if len(raw) != len(p.data) {
		return fmt.Errorf("image is %d bytes, partition is %d: %w",
			len(raw), len(p.data), ErrOutOfRange)
	}
	copy(p.data, raw)
	return nil
}
