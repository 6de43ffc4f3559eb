package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"

	"github.com/NorKV/norkv/pkg/flash"
)

// Snapshot file layout, little-endian:
//
//	magic "NKVS"        (4)
//	version             (1)
//	codec               (1)
//	reserved            (2)
//	uncompressed size   (8)
//	payload             (compressed partition image)
//	xxhash64 of payload (8)
const (
	fileMagic     = "NKVS"
	fileVersion   = 1
	headerSize    = 16
	trailerSize   = 8
	maxImageBytes = 1 << 30
)

var (
	// ErrBadSnapshot is returned when a snapshot file is malformed or
	// its trailer checksum does not match.
	ErrBadSnapshot = errors.New("bad snapshot file")
	// ErrGeometryMismatch is returned when a snapshot's image does not
	// fit the destination partition.
	ErrGeometryMismatch = errors.New("snapshot does not match partition geometry")
)

// Save reads the whole partition and writes it as a snapshot file.
func Save(path string, p flash.Partition, codec Codec) error {
	raw := make([]byte, p.Size())
	if _, err := p.Read(0, raw); err != nil {
		return fmt.Errorf("failed to read partition: %w", err)
	}

	mgr, err := NewCompressionManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	payload, err := mgr.Compress(raw, codec)
	if err != nil {
		return err
	}

	buf := make([]byte, headerSize+len(payload)+trailerSize)
	copy(buf[0:4], fileMagic)
	buf[4] = fileVersion
	buf[5] = uint8(codec)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(raw)))
	copy(buf[headerSize:], payload)
	binary.LittleEndian.PutUint64(buf[headerSize+len(payload):], xxhash.Sum64(payload))

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, buf, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot file and returns the raw partition image.
func Load(path string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(buf) < headerSize+trailerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSnapshot, len(buf))
	}
	if string(buf[0:4]) != fileMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadSnapshot)
	}
	if buf[4] != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadSnapshot, buf[4])
	}
	codec := Codec(buf[5])
	rawSize := binary.LittleEndian.Uint64(buf[8:16])
	if rawSize > maxImageBytes {
		return nil, fmt.Errorf("%w: image size %d", ErrBadSnapshot, rawSize)
	}

	payload := buf[headerSize : len(buf)-trailerSize]
	stored := binary.LittleEndian.Uint64(buf[len(buf)-trailerSize:])
	if sum := xxhash.Sum64(payload); sum != stored {
		return nil, fmt.Errorf("%w: payload checksum %#x, expected %#x", ErrBadSnapshot, sum, stored)
	}

	mgr, err := NewCompressionManager()
	if err != nil {
		return nil, err
	}
	defer mgr.Close()

	raw, err := mgr.Decompress(payload, codec)
	if err != nil {
		return nil, err
	}
	if uint64(len(raw)) != rawSize {
		return nil, fmt.Errorf("%w: decompressed to %d bytes, expected %d",
			ErrBadSnapshot, len(raw), rawSize)
	}
	return raw, nil
}

// Restore loads a snapshot into the partition: every sector is erased,
// then the image's programmed bytes are written back.
func Restore(path string, p flash.Partition) error {
	raw, err := Load(path)
	if err != nil {
		return err
	}
	if len(raw) != p.Size() {
		return fmt.Errorf("%w: image is %d bytes, partition is %d",
			ErrGeometryMismatch, len(raw), p.Size())
	}

	if err := p.Erase(0, p.SectorCount()); err != nil {
		return fmt.Errorf("failed to erase partition: %w", err)
	}

	// Write sector by sector, skipping fully erased ones.
	sectorSize := p.SectorSize()
	for s := 0; s < p.SectorCount(); s++ {
		chunk := raw[s*sectorSize : (s+1)*sectorSize]
		erased := true
		for _, b := range chunk {
			if b != flash.ErasedByte {
				erased = false
				break
			}
		}
		if erased {
			continue
		}
		if _, err := p.Write(flash.Address(s*sectorSize), chunk); err != nil {
			return fmt.Errorf("failed to write sector %d: %w", s, err)
		}
	}
	return nil
}
