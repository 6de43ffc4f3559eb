// Package keycache is the in-memory key index of the store: for each
// unique key it tracks a fingerprint of the key, the transaction id and
// state of the newest version seen, and the flash addresses of every copy
// of that version. Keys themselves stay on flash; fingerprint collisions
// are resolved by reading the key back when looking up.
package keycache

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/NorKV/norkv/pkg/flash"
	"github.com/NorKV/norkv/pkg/format"
)

var (
	// ErrNotFound is returned when no cached entry matches the key.
	ErrNotFound = errors.New("key not found")
	// ErrFull is returned when the cache is at capacity.
	ErrFull = errors.New("entry cache full")
	// ErrDuplicateInSector is returned when two copies of the same
	// version land in one sector, which only an interrupted relocation
	// can produce.
	ErrDuplicateInSector = errors.New("duplicate copy within one sector")
)

// State is the lifecycle state of a cached entry.
type State uint8

const (
	// StateValid marks a live key.
	StateValid State = iota
	// StateDeleted marks a key superseded by a tombstone. The entry
	// stays cached so the tombstone keeps shadowing older records until
	// its sector is collected.
	StateDeleted
)

// Fingerprint hashes a key to the 32-bit value stored per cached entry.
func Fingerprint(key string) uint32 {
	return uint32(xxhash.Sum64String(key))
}

// NewerThan reports whether transaction id a supersedes b. Comparison is
// modular so the ordering survives 32-bit wraparound.
func NewerThan(a, b uint32) bool {
	return int32(a-b) > 0
}

// Descriptor is the version identity of one entry: key fingerprint,
// transaction id, and state.
type Descriptor struct {
	Fingerprint   uint32
	TransactionID uint32
	State         State
}

// Metadata is a cached entry: its descriptor plus the addresses of all
// on-flash copies of the newest version.
type Metadata struct {
	d     Descriptor
	addrs []flash.Address
}

// Fingerprint returns the entry's key fingerprint.
func (m *Metadata) Fingerprint() uint32 { return m.d.Fingerprint }

// TransactionID returns the newest version's transaction id.
func (m *Metadata) TransactionID() uint32 { return m.d.TransactionID }

// State returns the entry's lifecycle state.
func (m *Metadata) State() State { return m.d.State }

// Addresses lists every on-flash copy of the newest version. The slice
// aliases cache storage; do not retain it across cache mutations.
func (m *Metadata) Addresses() []flash.Address { return m.addrs }

// FirstAddress returns the primary copy's address.
func (m *Metadata) FirstAddress() flash.Address { return m.addrs[0] }

// IsNewerThan reports whether this entry supersedes the given id.
func (m *Metadata) IsNewerThan(transactionID uint32) bool {
	return NewerThan(m.d.TransactionID, transactionID)
}

// AddNewAddress records one more replica of the current version.
func (m *Metadata) AddNewAddress(addr flash.Address) {
	if len(m.addrs) < cap(m.addrs) {
		m.addrs = append(m.addrs, addr)
	}
}

// SetAddress replaces the copy at index i, used when a copy is relocated.
func (m *Metadata) SetAddress(i int, addr flash.Address) {
	m.addrs[i] = addr
}

// Reset reassigns the entry to a new version with a single copy.
func (m *Metadata) Reset(d Descriptor, addr flash.Address) {
	m.d = d
	m.addrs = m.addrs[:0]
	m.addrs = append(m.addrs, addr)
}

// Cache is the bounded index of all keys. Backing storage for entries and
// their address lists is allocated once at construction.
type Cache struct {
	partition  flash.Partition
	formats    *format.FormatSet
	redundancy int

	entries  []Metadata
	addrPool []flash.Address
	scratch  []flash.Address
}

// NewCache builds an empty cache holding at most capacity keys with up to
// redundancy addresses per key.
func NewCache(p flash.Partition, formats *format.FormatSet, capacity, redundancy int) *Cache {
	c := &Cache{
		partition:  p,
		formats:    formats,
		redundancy: redundancy,
		entries:    make([]Metadata, 0, capacity),
		addrPool:   make([]flash.Address, capacity*redundancy),
		scratch:    make([]flash.Address, redundancy),
	}
	return c
}

// Reset drops every cached entry.
func (c *Cache) Reset() {
	c.entries = c.entries[:0]
}

// TotalEntries counts cached keys, tombstoned ones included.
func (c *Cache) TotalEntries() int { return len(c.entries) }

// Capacity returns the maximum number of cached keys.
func (c *Cache) Capacity() int { return cap(c.entries) }

// Full reports whether another key can be added.
func (c *Cache) Full() bool { return len(c.entries) == cap(c.entries) }

// Redundancy returns the configured copies per key.
func (c *Cache) Redundancy() int { return c.redundancy }

// Metadata returns the cached entry at index i, in insertion order.
func (c *Cache) Metadata(i int) *Metadata { return &c.entries[i] }

// TempReservedAddressesForWrite returns the scratch buffer used to stage
// replica addresses while a write is in progress.
func (c *Cache) TempReservedAddressesForWrite() []flash.Address {
	return c.scratch
}

// Find returns the cached entry for key, reading candidate keys back from
// flash to disambiguate fingerprint collisions.
func (c *Cache) Find(key string) (*Metadata, error) {
	fp := Fingerprint(key)
	var keyBuf [format.MaxKeyLength]byte

	for i := range c.entries {
		m := &c.entries[i]
		if m.d.Fingerprint != fp {
			continue
		}
		match, err := c.entryHasKey(m, key, keyBuf[:])
		if err != nil {
			return nil, err
		}
		if match {
			return m, nil
		}
	}
	return nil, ErrNotFound
}

// FindExisting is Find restricted to live entries; tombstoned keys report
// ErrNotFound.
func (c *Cache) FindExisting(key string) (*Metadata, error) {
	m, err := c.Find(key)
	if err != nil {
		return nil, err
	}
	if m.d.State == StateDeleted {
		return nil, ErrNotFound
	}
	return m, nil
}

// entryHasKey reads the key of m from flash and compares it. Copies are
// tried in order until one decodes.
func (c *Cache) entryHasKey(m *Metadata, key string, keyBuf []byte) (bool, error) {
	var lastErr error
	for _, addr := range m.addrs {
		e, err := format.ReadEntry(c.partition, addr, c.formats)
		if err != nil {
			lastErr = err
			continue
		}
		n, err := e.ReadKey(keyBuf)
		if err != nil {
			lastErr = err
			continue
		}
		return string(keyBuf[:n]) == key, nil
	}
	if lastErr != nil {
		return false, fmt.Errorf("all copies unreadable: %w", lastErr)
	}
	return false, nil
}

// AddNew inserts a fresh key with a single address.
func (c *Cache) AddNew(d Descriptor, addr flash.Address) (*Metadata, error) {
	if c.Full() {
		return nil, ErrFull
	}
	i := len(c.entries)
	c.entries = c.entries[:i+1]
	m := &c.entries[i]
	m.d = d
	m.addrs = c.addrPool[i*c.redundancy : i*c.redundancy : (i+1)*c.redundancy]
	m.addrs = append(m.addrs, addr)
	return m, nil
}

// AddNewOrUpdateExisting registers one on-flash record during the init
// scan. A record for an unknown fingerprint is inserted; for a known one,
// a higher transaction id replaces the entry and discards the stale
// addresses, an equal id is another replica of the same version, and a
// lower id is ignored (GC will reclaim it). Two replicas may not share a
// sector.
func (c *Cache) AddNewOrUpdateExisting(d Descriptor, addr flash.Address, sectorSize int) (*Metadata, error) {
	for i := range c.entries {
		m := &c.entries[i]
		if m.d.Fingerprint != d.Fingerprint {
			continue
		}

		switch {
		case NewerThan(d.TransactionID, m.d.TransactionID):
			m.Reset(d, addr)
		case d.TransactionID == m.d.TransactionID:
			for _, existing := range m.addrs {
				if int(existing)/sectorSize == int(addr)/sectorSize {
					return nil, fmt.Errorf("fingerprint %#x at %#x and %#x: %w",
						d.Fingerprint, existing, addr, ErrDuplicateInSector)
				}
			}
			m.AddNewAddress(addr)
		default:
			// Older version; its bytes become reclaimable.
		}
		return m, nil
	}

	return c.AddNew(d, addr)
}
