package kvs

import (
	"github.com/NorKV/norkv/pkg/format"
	"github.com/NorKV/norkv/pkg/keycache"
)

// Iterator walks the live entries of the store in entry cache insertion
// order, skipping tombstones. Keys are read from flash lazily, when
// requested, so iteration itself keeps no key strings resident.
//
// The iterator is invalidated by any mutation of the store.
type Iterator struct {
	k *KVS
	i int

	keyBuf [format.MaxKeyLength]byte
	keyLen int // -1 until the key is read
}

// Iter returns an iterator positioned before the first live entry.
func (k *KVS) Iter() *Iterator {
	return &Iterator{k: k, i: -1, keyLen: -1}
}

// Next advances to the next live entry.
func (it *Iterator) Next() bool {
	for it.i++; it.i < it.k.cache.TotalEntries(); it.i++ {
		if it.k.cache.Metadata(it.i).State() == keycache.StateValid {
			it.keyLen = -1
			return true
		}
	}
	return false
}

// Key reads the current entry's key from flash. An unreadable key
// yields the empty string; the copy it came from is repaired separately.
func (it *Iterator) Key() string {
	if it.keyLen < 0 {
		it.keyLen = 0
		m := it.k.cache.Metadata(it.i)
		for _, addr := range m.Addresses() {
			e, err := format.ReadEntry(it.k.partition, addr, it.k.formats)
			if err != nil {
				continue
			}
			n, err := e.ReadKey(it.keyBuf[:])
			if err != nil {
				continue
			}
			it.keyLen = n
			break
		}
	}
	return string(it.keyBuf[:it.keyLen])
}

// Value copies the current entry's value into buf and returns the bytes
// read.
func (it *Iterator) Value(buf []byte) (int, error) {
	m := it.k.cache.Metadata(it.i)
	return it.k.getWithMetadata(it.Key(), m, buf, 0)
}

// ValueSize returns the current entry's declared value length.
func (it *Iterator) ValueSize() (int, error) {
	m := it.k.cache.Metadata(it.i)
	e, err := format.ReadEntry(it.k.partition, m.FirstAddress(), it.k.formats)
	if err != nil {
		return 0, err
	}
	return e.ValueSize(), nil
}
