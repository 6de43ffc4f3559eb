package kvs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/NorKV/norkv/pkg/format"
	"github.com/NorKV/norkv/pkg/keycache"
	"github.com/NorKV/norkv/pkg/stats"
	"github.com/NorKV/norkv/pkg/telemetry"
)

// Repair brings the store back to a healthy state in three phases:
// garbage collect every corrupt sector, re-establish the free sector
// reserve, and restore full redundancy for every key. Each phase runs
// even when an earlier one failed; the first failure is returned.
func (k *KVS) Repair() error {
	if k.state == StateNotInitialized {
		return fmt.Errorf("%w: store is %s", ErrFailedPrecondition, k.state)
	}
	started := time.Now()
	k.logger.Debug("repair")
	if k.stats != nil {
		k.stats.TrackRepair()
		k.stats.TrackOperation(stats.OpRepair)
	}
	defer telemetry.RecordDuration(context.Background(), k.tel, "norkv.repair.duration", started,
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeRepair))

	overall := k.repairCorruptSectors()

	if err := k.ensureFreeSectorExists(); err != nil && overall == nil {
		overall = err
	}

	if err := k.ensureEntryRedundancy(); err != nil && overall == nil {
		overall = err
	}

	if overall == nil {
		k.errorDetected = false
		k.state = StateReady
	}
	return overall
}

// repairCorruptSectors garbage collects every latched sector. Failed
// sectors get a second pass: a later sector's collection may have freed
// the space the earlier one needed.
func (k *KVS) repairCorruptSectors() error {
	var repairErr error

	for pass := 1; pass <= 2; pass++ {
		// Out of space on the previous pass is retryable; anything else
		// is not.
		if repairErr != nil && !errors.Is(repairErr, ErrResourceExhausted) {
			break
		}
		repairErr = nil

		k.logger.Debug("repair pass %d", pass)
		for si := 0; si < k.sectors.Count(); si++ {
			if !k.sectors.Get(si).Corrupt() {
				continue
			}
			k.logger.Debug("repairing corrupt sector %d", si)
			if err := k.garbageCollectSector(si, nil); err != nil {
				if repairErr == nil || errors.Is(repairErr, ErrResourceExhausted) {
					repairErr = err
				}
			} else {
				k.errorStats.CorruptSectorsRecovered++
			}
		}

		if repairErr == nil {
			break
		}
	}

	return repairErr
}

// ensureFreeSectorExists re-establishes the empty reserve sector the GC
// needs for forward progress.
func (k *KVS) ensureFreeSectorExists() error {
	if k.sectors.HasEmptySector() {
		return nil
	}
	k.logger.Debug("no empty sector found, garbage collecting to free one")
	if err := k.garbageCollect(nil); err != nil {
		k.logger.Debug("unable to free an empty sector: %v", err)
		return err
	}
	return nil
}

// ensureEntryRedundancy re-copies keys that lost replicas until each has
// the configured number of copies, each in a distinct sector.
func (k *KVS) ensureEntryRedundancy() error {
	if k.opts.Redundancy == 1 {
		return nil
	}

	var repairErr error
	for i := 0; i < k.cache.TotalEntries(); i++ {
		m := k.cache.Metadata(i)
		if len(m.Addresses()) >= k.opts.Redundancy {
			continue
		}

		k.logger.Debug("key with %d of %d copies found, adding missing copies",
			len(m.Addresses()), k.opts.Redundancy)
		if err := k.addRedundantEntries(m); err != nil {
			k.logger.Debug("failed to add missing copies: %v", err)
			if repairErr == nil {
				repairErr = err
			}
		} else {
			k.errorStats.MissingRedundantEntriesRecovered++
		}
	}
	return repairErr
}

// addRedundantEntries copies the surviving first replica into fresh
// sectors until the address list is full. The source is verified first;
// propagating a rotten copy would just multiply the damage.
func (k *KVS) addRedundantEntries(m *keycache.Metadata) error {
	e, err := format.ReadEntry(k.partition, m.FirstAddress(), k.formats)
	if err != nil {
		return fmt.Errorf("%w: surviving copy at %#x unreadable: %w",
			ErrDataLoss, m.FirstAddress(), err)
	}
	if err := e.VerifyChecksumInFlash(); err != nil {
		return fmt.Errorf("%w: surviving copy at %#x: %w", ErrDataLoss, m.FirstAddress(), err)
	}

	for len(m.Addresses()) < k.opts.Redundancy {
		si, err := k.sectors.FindSpace(e.Size(), m.Addresses())
		if err != nil {
			return fmt.Errorf("%w: no sector for redundant copy: %w", ErrResourceExhausted, err)
		}
		newAddr := k.sectors.NextWritableAddress(si)

		n, err := e.Copy(newAddr)
		if err != nil {
			k.markSectorCorrupt(k.sectors.Get(si))
			return fmt.Errorf("%w: redundant copy to %#x: %w", ErrDataLoss, newAddr, err)
		}
		if k.opts.VerifyOnWrite {
			if err := e.VerifyChecksumInFlash(); err != nil {
				k.markSectorCorrupt(k.sectors.Get(si))
				return fmt.Errorf("%w: redundant copy verify at %#x: %w", ErrDataLoss, newAddr, err)
			}
		}

		k.sectors.Get(si).RemoveWritableBytes(n)
		k.sectors.Get(si).AddValidBytes(n)
		m.AddNewAddress(newAddr)
	}
	return nil
}
