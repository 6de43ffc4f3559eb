package flash

import (
	"fmt"
	"io"
	"os"
)

// FilePartition is a partition backed by an image file on disk. The file
// holds the raw partition contents; geometry is supplied by the caller
// (typically from a saved manifest). It follows the same erase-then-write
// discipline as real flash so that images exercise the store the same way
// a device would.
type FilePartition struct {
	file        *os.File
	sectorSize  int
	sectorCount int
	alignment   int
}

// CreateFilePartition creates an image file of the given geometry with
// every sector erased.
func CreateFilePartition(path string, sectorSize, sectorCount, alignment int) (*FilePartition, error) {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("alignment %d is not a power of two: %w", alignment, ErrUnaligned)
	}
	if sectorSize%alignment != 0 {
		return nil, fmt.Errorf("sector size %d not a multiple of alignment %d: %w",
			sectorSize, alignment, ErrUnaligned)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create partition image: %w", err)
	}

	p := &FilePartition{
		file:        file,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		alignment:   alignment,
	}
	if err := p.Erase(0, sectorCount); err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}
	return p, nil
}

// OpenFilePartition opens an existing image file. The file size must
// match the geometry exactly.
func OpenFilePartition(path string, sectorSize, sectorCount, alignment int) (*FilePartition, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partition image: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat partition image: %w", err)
	}
	if stat.Size() != int64(sectorSize*sectorCount) {
		file.Close()
		return nil, fmt.Errorf("image is %d bytes, geometry needs %d: %w",
			stat.Size(), sectorSize*sectorCount, ErrOutOfRange)
	}

	return &FilePartition{
		file:        file,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		alignment:   alignment,
	}, nil
}

func (p *FilePartition) SectorSize() int  { return p.sectorSize }
func (p *FilePartition) SectorCount() int { return p.sectorCount }
func (p *FilePartition) Alignment() int   { return p.alignment }
func (p *FilePartition) Size() int        { return p.sectorSize * p.sectorCount }

// Read fills buf from addr.
func (p *FilePartition) Read(addr Address, buf []byte) (int, error) {
	if int(addr)+len(buf) > p.Size() {
		return 0, fmt.Errorf("read %d bytes at %#x: %w", len(buf), addr, ErrOutOfRange)
	}
	n, err := p.file.ReadAt(buf, int64(addr))
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	return n, nil
}

// Write programs buf at addr. Target bytes must be erased or already hold
// the bytes being written.
func (p *FilePartition) Write(addr Address, buf []byte) (int, error) {
	if int(addr)+len(buf) > p.Size() {
		return 0, fmt.Errorf("write %d bytes at %#x: %w", len(buf), addr, ErrOutOfRange)
	}
	if int(addr)%p.alignment != 0 || len(buf)%p.alignment != 0 {
		return 0, fmt.Errorf("write %d bytes at %#x: %w", len(buf), addr, ErrUnaligned)
	}

	current := make([]byte, len(buf))
	if _, err := p.file.ReadAt(current, int64(addr)); err != nil && err != io.EOF {
		return 0, fmt.Errorf("%w: %w", ErrReadFailure, err)
	}
	for i, b := range current {
		if b != ErasedByte && b != buf[i] {
			return 0, fmt.Errorf("byte at %#x already programmed: %w",
				int(addr)+i, ErrNotErased)
		}
	}

	n, err := p.file.WriteAt(buf, int64(addr))
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrWriteFailure, err)
	}
	return n, nil
}

// Erase resets count sectors starting at first and syncs the file so an
// erase is durable before any subsequent append.
func (p *FilePartition) Erase(first, count int) error {
	if first < 0 || first+count > p.sectorCount {
		return fmt.Errorf("erase sectors [%d, %d): %w", first, first+count, ErrOutOfRange)
	}

	blank := make([]byte, p.sectorSize)
	for i := range blank {
		blank[i] = ErasedByte
	}
	for s := first; s < first+count; s++ {
		if _, err := p.file.WriteAt(blank, int64(s*p.sectorSize)); err != nil {
			return fmt.Errorf("%w: %w", ErrEraseFailure, err)
		}
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrEraseFailure, err)
	}
	return nil
}

// Sync flushes pending writes to disk.
func (p *FilePartition) Sync() error {
	return p.file.Sync()
}

// Close syncs and closes the image file.
func (p *FilePartition) Close() error {
	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return fmt.Errorf("failed to sync partition image: %w", err)
	}
	return p.file.Close()
}
