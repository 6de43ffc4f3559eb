package kvs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/NorKV/norkv/pkg/flash"
	"github.com/NorKV/norkv/pkg/format"
	"github.com/NorKV/norkv/pkg/keycache"
	"github.com/NorKV/norkv/pkg/sectors"
	"github.com/NorKV/norkv/pkg/stats"
	"github.com/NorKV/norkv/pkg/telemetry"
)

// Put stores value under key, superseding any prior version. The encoded
// entry must fit within one sector.
func (k *KVS) Put(key string, value []byte) error {
	started := time.Now()
	if err := k.checkWriteOperation(key); err != nil {
		return err
	}
	if len(value) >= format.TombstoneValueLength {
		return fmt.Errorf("%w: value length %d", ErrInvalidArgument, len(value))
	}
	if format.EntrySize(k.partition, key, value) > k.partition.SectorSize() {
		return fmt.Errorf("%w: %d byte value with %d byte key cannot fit in one sector",
			ErrInvalidArgument, len(value), len(key))
	}
	if k.stats != nil {
		defer func() {
			k.stats.TrackOperationWithLatency(stats.OpPut, uint64(time.Since(started).Nanoseconds()))
		}()
	}
	defer telemetry.RecordDuration(context.Background(), k.tel, "norkv.put.duration", started,
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypePut))

	m, err := k.cache.Find(key)
	if err == nil {
		return k.writeEntryForExistingKey(m, keycache.StateValid, key, value)
	}
	if errors.Is(err, keycache.ErrNotFound) {
		return k.writeEntryForNewKey(key, value)
	}
	return k.mapCacheError(err, key)
}

// Delete writes a tombstone for key. The key stays indexed until the
// tombstone's sector is garbage collected; a later Put resurrects it.
func (k *KVS) Delete(key string) error {
	if err := k.checkWriteOperation(key); err != nil {
		return err
	}
	if k.stats != nil {
		k.stats.TrackOperation(stats.OpDelete)
	}

	m, err := k.cache.FindExisting(key)
	if err != nil {
		return k.mapCacheError(err, key)
	}
	return k.writeEntryForExistingKey(m, keycache.StateDeleted, key, nil)
}

// writeEntryForExistingKey reads the current version's size for sector
// accounting, then writes the superseding version.
func (k *KVS) writeEntryForExistingKey(m *keycache.Metadata, newState keycache.State, key string, value []byte) error {
	e, err := format.ReadEntry(k.partition, m.FirstAddress(), k.formats)
	if err != nil {
		return fmt.Errorf("%w: prior version unreadable: %w", ErrDataLoss, err)
	}
	return k.writeEntry(key, value, newState, m, e.Size())
}

func (k *KVS) writeEntryForNewKey(key string, value []byte) error {
	if k.cache.Full() {
		k.logger.Warn("cannot store new key, entry cache holds %d entries", k.cache.TotalEntries())
		return fmt.Errorf("%w: entry cache full at %d keys", ErrResourceExhausted, k.cache.TotalEntries())
	}
	return k.writeEntry(key, value, keycache.StateValid, nil, 0)
}

// writeEntry is the common write path: reserve one address per copy
// (garbage collecting as policy allows), append the first copy, flip the
// cache to the new version, then append the remaining copies.
func (k *KVS) writeEntry(key string, value []byte, newState keycache.State, prior *keycache.Metadata, priorSize int) error {
	entrySize := format.EntrySize(k.partition, key, value)
	reserved := k.cache.TempReservedAddressesForWrite()

	for i := 0; i < k.opts.Redundancy; i++ {
		si, err := k.getSectorForWrite(entrySize, reserved[:i])
		if err != nil {
			return err
		}
		reserved[i] = k.sectors.NextWritableAddress(si)
	}

	entry := k.createEntry(reserved[0], key, value, newState)
	if err := k.appendEntry(entry, key, value); err != nil {
		// The cache still points at the prior version; the failed bytes
		// are reclaimed when their sector is collected.
		return err
	}

	newMeta, err := k.updateKeyDescriptor(entry, key, prior, priorSize)
	if err != nil {
		return err
	}

	for i := 1; i < k.opts.Redundancy; i++ {
		entry.SetAddress(reserved[i])
		if err := k.appendEntry(entry, key, value); err != nil {
			return err
		}
		newMeta.AddNewAddress(reserved[i])
	}
	return nil
}

// createEntry builds the record and burns a transaction id. The id is
// incremented even if the write later fails, so no two write attempts
// can ever share an id; otherwise a failed write followed by a
// successful one could leave two records with the same id on flash,
// which is unresolvable after a crash.
func (k *KVS) createEntry(addr flash.Address, key string, value []byte, state keycache.State) *format.Entry {
	k.lastTransactionID++

	if state == keycache.StateDeleted {
		return format.NewTombstone(k.partition, addr, k.formats.Primary(), key, k.lastTransactionID)
	}
	return format.NewValid(k.partition, addr, k.formats.Primary(), key, value, k.lastTransactionID)
}

// updateKeyDescriptor points the cache at the new version and debits the
// superseded copies from their sectors.
func (k *KVS) updateKeyDescriptor(entry *format.Entry, key string, prior *keycache.Metadata, priorSize int) (*keycache.Metadata, error) {
	desc := k.entryDescriptor(entry, key)

	if prior == nil {
		m, err := k.cache.AddNew(desc, entry.Address())
		if err != nil {
			return nil, k.mapCacheError(err, key)
		}
		return m, nil
	}

	for _, addr := range prior.Addresses() {
		k.sectors.FromAddress(addr).RemoveValidBytes(priorSize)
	}
	prior.Reset(desc, entry.Address())
	return prior, nil
}

// appendEntry writes the record and keeps the sector accounting honest:
// writable bytes are consumed by exactly what the medium reports
// written, successful or not, and any failure latches the sector.
func (k *KVS) appendEntry(entry *format.Entry, key string, value []byte) error {
	n, err := entry.Write(key, value)

	sector := k.sectors.FromAddress(entry.Address())
	sector.RemoveWritableBytes(n)

	if err != nil {
		k.logger.Error("failed to write %d bytes at %#x, %d actually written: %v",
			entry.Size(), entry.Address(), n, err)
		k.markSectorCorrupt(sector)
		return fmt.Errorf("%w: append at %#x: %w", ErrDataLoss, entry.Address(), err)
	}

	if k.opts.VerifyOnWrite {
		if err := entry.VerifyChecksumInFlash(); err != nil {
			k.markSectorCorrupt(sector)
			return fmt.Errorf("%w: post-write verify at %#x: %w", ErrDataLoss, entry.Address(), err)
		}
	}

	sector.AddValidBytes(n)
	if k.stats != nil {
		k.stats.TrackBytes(true, uint64(n))
	}
	return nil
}

func (k *KVS) markSectorCorrupt(sector *sectors.Descriptor) {
	sector.MarkCorrupt()
	k.errorDetected = true
}

// getSectorForWrite finds a sector with room for entrySize bytes,
// garbage collecting as the policy allows. The GC loop is bounded at
// sector count + 2 passes: beyond that every sector has been considered
// and entries for other keys have had a chance to move out of the way.
func (k *KVS) getSectorForWrite(entrySize int, reserved []flash.Address) (int, error) {
	si, err := k.sectors.FindSpace(entrySize, reserved)

	gcCount := 0
	doAutoGC := k.opts.GCOnWrite != GCDisabled

	for err != nil && doAutoGC {
		if k.opts.GCOnWrite == GCOneSector {
			doAutoGC = false
		}

		if gcErr := k.garbageCollect(reserved); gcErr != nil {
			if errors.Is(gcErr, ErrNotFound) {
				// Nothing reclaimable anywhere; the store is full.
				return -1, fmt.Errorf("%w: no reclaimable space for %d byte entry",
					ErrResourceExhausted, entrySize)
			}
			return -1, gcErr
		}

		si, err = k.sectors.FindSpace(entrySize, reserved)

		gcCount++
		if gcCount > k.sectors.Count()+2 {
			k.logger.Error("garbage collected more sectors than exist")
			return -1, fmt.Errorf("%w: gc loop exceeded %d passes",
				ErrResourceExhausted, k.sectors.Count()+2)
		}
	}

	if err != nil {
		k.logger.Warn("unable to find sector for %d byte entry", entrySize)
		return -1, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	return si, nil
}
