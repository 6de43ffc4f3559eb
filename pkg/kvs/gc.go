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

// GarbageCollect reclaims one sector's worth of superseded entries. It
// returns ErrNotFound when no sector has anything to reclaim.
func (k *KVS) GarbageCollect() error {
	if k.state == StateNotInitialized {
		return fmt.Errorf("%w: store is %s", ErrFailedPrecondition, k.state)
	}
	if k.errorDetected && k.opts.Recovery != RecoveryManual {
		if err := k.Repair(); err != nil {
			return err
		}
	}
	return k.garbageCollect(nil)
}

// FullMaintenance repairs outstanding corruption, then garbage collects
// every sector with reclaimable bytes, walking round-robin from the last
// written sector.
func (k *KVS) FullMaintenance() error {
	if k.state == StateNotInitialized {
		return fmt.Errorf("%w: store is %s", ErrFailedPrecondition, k.state)
	}
	started := time.Now()
	k.logger.Debug("full maintenance")
	if k.stats != nil {
		k.stats.TrackOperation(stats.OpMaintenance)
	}
	defer telemetry.RecordDuration(context.Background(), k.tel, "norkv.maintenance.duration", started,
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeMaintenance))

	if k.errorDetected {
		if err := k.Repair(); err != nil {
			return err
		}
	}

	sectorSize := k.partition.SectorSize()
	start := k.sectors.LastNewSector()
	for j := 1; j <= k.sectors.Count(); j++ {
		si := (start + j) % k.sectors.Count()
		if k.sectors.Get(si).RecoverableBytes(sectorSize) > 0 {
			if err := k.garbageCollectSector(si, nil); err != nil {
				return err
			}
		}
	}

	k.logger.Debug("full maintenance complete")
	return nil
}

// garbageCollect picks the most reclaimable victim and collects it.
func (k *KVS) garbageCollect(reserved []flash.Address) error {
	victim, err := k.sectors.FindSectorToGarbageCollect(reserved)
	if err != nil {
		if errors.Is(err, sectors.ErrNoVictim) {
			return fmt.Errorf("%w: nothing to garbage collect", ErrNotFound)
		}
		return fmt.Errorf("%w: %w", ErrUnknown, err)
	}
	return k.garbageCollectSector(victim, reserved)
}

// garbageCollectSector relocates every live copy out of the victim, then
// erases it. A victim whose valid byte count does not reach zero means
// either the accounting desynced or every replica of some key was stuck
// in this one sector.
func (k *KVS) garbageCollectSector(victim int, reserved []flash.Address) error {
	k.logger.Debug("garbage collect sector %d", victim)

	if k.sectors.Get(victim).ValidBytes() != 0 {
		for i := 0; i < k.cache.TotalEntries(); i++ {
			if err := k.relocateKeyAddressesInSector(victim, k.cache.Metadata(i), reserved); err != nil {
				if !errors.Is(err, ErrDataLoss) {
					return err
				}
				// A copy that could not be moved stays counted in the
				// victim; the valid-bytes check below reports it.
				k.logger.Warn("relocation out of sector %d failed: %v", victim, err)
			}
		}
	}

	if remaining := k.sectors.Get(victim).ValidBytes(); remaining != 0 {
		k.logger.Error("failed to relocate valid entries from sector %d, %d valid bytes remain",
			victim, remaining)
		return fmt.Errorf("%w: %d valid bytes left in sector %d after relocation",
			ErrInternal, remaining, victim)
	}

	// Latch the sector while it is being erased so a failed erase cannot
	// be appended to.
	k.sectors.Get(victim).MarkCorrupt()
	if err := k.partition.Erase(victim, 1); err != nil {
		return fmt.Errorf("%w: erase of sector %d: %w", ErrDataLoss, victim, err)
	}
	k.sectors.Get(victim).Reset(k.partition.SectorSize())

	if k.stats != nil {
		k.stats.TrackGarbageCollection()
		k.stats.TrackSectorErase()
	}
	k.logger.Debug("garbage collect sector %d complete", victim)
	return nil
}

// relocateKeyAddressesInSector moves each of the entry's copies that
// lives in the victim sector.
func (k *KVS) relocateKeyAddressesInSector(victim int, m *keycache.Metadata, reserved []flash.Address) error {
	addrs := m.Addresses()
	for i := range addrs {
		if k.sectors.AddressInSector(victim, addrs[i]) {
			k.logger.Debug("relocate entry with fingerprint %#x out of sector %d",
				m.Fingerprint(), victim)
			if err := k.relocateEntry(m, i, reserved); err != nil {
				return err
			}
		}
	}
	return nil
}

// relocateEntry copies one replica, byte for byte, into a sector that
// holds no other copy of the same key, then updates the cache and the
// accounting of both sectors.
func (k *KVS) relocateEntry(m *keycache.Metadata, copyIndex int, reserved []flash.Address) error {
	oldAddr := m.Addresses()[copyIndex]
	e, err := format.ReadEntry(k.partition, oldAddr, k.formats)
	if err != nil {
		return fmt.Errorf("%w: replica at %#x unreadable: %w", ErrDataLoss, oldAddr, err)
	}

	newSector, err := k.sectors.FindSpaceDuringGarbageCollection(e.Size(), m.Addresses(), reserved)
	if err != nil {
		return fmt.Errorf("%w: no relocation target for %d bytes: %w",
			ErrResourceExhausted, e.Size(), err)
	}
	newAddr := k.sectors.NextWritableAddress(newSector)

	n, err := e.Copy(newAddr)
	if err != nil {
		k.markSectorCorrupt(k.sectors.Get(newSector))
		return fmt.Errorf("%w: relocation copy to %#x: %w", ErrDataLoss, newAddr, err)
	}
	if k.opts.VerifyOnWrite {
		if err := e.VerifyChecksumInFlash(); err != nil {
			k.markSectorCorrupt(k.sectors.Get(newSector))
			return fmt.Errorf("%w: relocation verify at %#x: %w", ErrDataLoss, newAddr, err)
		}
	}

	k.sectors.Get(newSector).RemoveWritableBytes(n)
	k.sectors.Get(newSector).AddValidBytes(n)
	k.sectors.FromAddress(oldAddr).RemoveValidBytes(n)
	m.SetAddress(copyIndex, newAddr)

	if k.stats != nil {
		k.stats.TrackOperation(stats.OpRelocate)
		k.stats.TrackBytes(true, uint64(n))
	}
	return nil
}
