package flash

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestAlignHelpers(t *testing.T) {
	tests := []struct {
		n, align, up, down int
	}{
		{0, 16, 0, 0},
		{1, 16, 16, 0},
		{16, 16, 16, 16},
		{17, 16, 32, 16},
		{4095, 4096, 4096, 0},
	}

	for _, tc := range tests {
		if got := AlignUp(tc.n, tc.align); got != tc.up {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tc.n, tc.align, got, tc.up)
		}
		if got := AlignDown(tc.n, tc.align); got != tc.down {
			t.Errorf("AlignDown(%d, %d) = %d, want %d", tc.n, tc.align, got, tc.down)
		}
	}
}

func TestMemPartitionStartsErased(t *testing.T) {
	p := NewMemPartition(512, 4, 16)

	buf := make([]byte, p.Size())
	if _, err := p.Read(0, buf); err != nil {
		t.Fatalf("Failed to read partition: %v", err)
	}
	for i, b := range buf {
		if b != ErasedByte {
			t.Fatalf("Byte %d is %#x, expected erased", i, b)
		}
	}
}

func TestMemPartitionWriteRead(t *testing.T) {
	p := NewMemPartition(512, 4, 16)

	data := bytes.Repeat([]byte{0xAB}, 32)
	n, err := p.Write(64, data)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(data) {
		t.Errorf("Wrote %d bytes, expected %d", n, len(data))
	}

	got := make([]byte, 32)
	if _, err := p.Read(64, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read back %x, expected %x", got, data)
	}
}

func TestMemPartitionWriteChecks(t *testing.T) {
	p := NewMemPartition(512, 4, 16)

	if _, err := p.Write(7, make([]byte, 16)); !errors.Is(err, ErrUnaligned) {
		t.Errorf("Unaligned address: got %v, want ErrUnaligned", err)
	}
	if _, err := p.Write(0, make([]byte, 7)); !errors.Is(err, ErrUnaligned) {
		t.Errorf("Unaligned length: got %v, want ErrUnaligned", err)
	}
	if _, err := p.Write(Address(p.Size()-8), make([]byte, 16)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Out of range write: got %v, want ErrOutOfRange", err)
	}

	data := bytes.Repeat([]byte{0x01}, 16)
	if _, err := p.Write(0, data); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	// Identical rewrite is permitted, differing bytes are not.
	if _, err := p.Write(0, data); err != nil {
		t.Errorf("Identical rewrite failed: %v", err)
	}
	if _, err := p.Write(0, bytes.Repeat([]byte{0x02}, 16)); !errors.Is(err, ErrNotErased) {
		t.Errorf("Overwrite of programmed bytes: got %v, want ErrNotErased", err)
	}
}

func TestMemPartitionErase(t *testing.T) {
	p := NewMemPartition(512, 4, 16)

	if _, err := p.Write(512, bytes.Repeat([]byte{0x55}, 16)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := p.Erase(1, 1); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}

	buf := make([]byte, 512)
	if _, err := p.Read(512, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for i, b := range buf {
		if b != ErasedByte {
			t.Fatalf("Byte %d of erased sector is %#x", i, b)
		}
	}

	if got := p.EraseCount(1); got != 1 {
		t.Errorf("EraseCount(1) = %d, want 1", got)
	}
	if got := p.EraseCount(0); got != 0 {
		t.Errorf("EraseCount(0) = %d, want 0", got)
	}

	if err := p.Erase(3, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Erase past end: got %v, want ErrOutOfRange", err)
	}
}

func TestMemPartitionWriteFault(t *testing.T) {
	p := NewMemPartition(512, 4, 16)

	failAfter := 8
	p.WriteFault = func(addr Address, data []byte) (int, error) {
		return failAfter, errors.New("power loss")
	}

	n, err := p.Write(0, bytes.Repeat([]byte{0x0F}, 32))
	if !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("Faulted write: got %v, want ErrWriteFailure", err)
	}
	if n != failAfter {
		t.Errorf("Faulted write reported %d bytes, want %d", n, failAfter)
	}

	// Only the first failAfter bytes were programmed.
	p.WriteFault = nil
	buf := make([]byte, 32)
	if _, err := p.Read(0, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for i := 0; i < failAfter; i++ {
		if buf[i] != 0x0F {
			t.Errorf("Byte %d is %#x, want 0x0F", i, buf[i])
		}
	}
	for i := failAfter; i < 32; i++ {
		if buf[i] != ErasedByte {
			t.Errorf("Byte %d is %#x, want erased", i, buf[i])
		}
	}
}

func TestMemPartitionCorrupt(t *testing.T) {
	p := NewMemPartition(512, 4, 16)

	if _, err := p.Write(0, bytes.Repeat([]byte{0x77}, 16)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	p.Corrupt(8, 8)

	buf := make([]byte, 16)
	if _, err := p.Read(0, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for i := 0; i < 8; i++ {
		if buf[i] != 0x77 {
			t.Errorf("Byte %d is %#x, want 0x77", i, buf[i])
		}
	}
	for i := 8; i < 16; i++ {
		if buf[i] != 0 {
			t.Errorf("Byte %d is %#x, want 0", i, buf[i])
		}
	}
}

func TestMemPartitionSnapshotLoad(t *testing.T) {
	p := NewMemPartition(512, 2, 16)
	if _, err := p.Write(16, bytes.Repeat([]byte{0x42}, 16)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	image := p.Snapshot()

	q := NewMemPartition(512, 2, 16)
	if err := q.Load(image); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	buf := make([]byte, 16)
	if _, err := q.Read(16, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x42}, 16)) {
		t.Errorf("Loaded image differs: %x", buf)
	}

	if err := q.Load(make([]byte, 100)); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Wrong-size load: got %v, want ErrOutOfRange", err)
	}
}

func TestFilePartition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partition.img")

	p, err := CreateFilePartition(path, 512, 4, 16)
	if err != nil {
		t.Fatalf("CreateFilePartition failed: %v", err)
	}

	data := bytes.Repeat([]byte{0x3C}, 32)
	if _, err := p.Write(128, data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, err := p.Write(128, bytes.Repeat([]byte{0x3D}, 32)); !errors.Is(err, ErrNotErased) {
		t.Errorf("Overwrite: got %v, want ErrNotErased", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopen and confirm the data survived.
	p, err = OpenFilePartition(path, 512, 4, 16)
	if err != nil {
		t.Fatalf("OpenFilePartition failed: %v", err)
	}
	defer p.Close()

	got := make([]byte, 32)
	if _, err := p.Read(128, got); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read back %x, expected %x", got, data)
	}

	if err := p.Erase(0, 1); err != nil {
		t.Fatalf("Erase failed: %v", err)
	}
	if _, err := p.Read(128, got); err != nil {
		t.Fatalf("Read after erase failed: %v", err)
	}
	for i, b := range got {
		if b != ErasedByte {
			t.Fatalf("Byte %d after erase is %#x", i, b)
		}
	}

	// Wrong geometry must be rejected.
	if _, err := OpenFilePartition(path, 512, 8, 16); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Wrong geometry: got %v, want ErrOutOfRange", err)
	}
}
