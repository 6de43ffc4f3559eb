// Package kvs implements the flash-backed key-value store: a
// transaction-id-ordered entry log spread across erasable sectors, an
// in-memory key index rebuilt by scanning the log at init, and the
// write, garbage-collection and repair procedures that keep at least one
// copy of every live key readable across power loss.
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
	"github.com/NorKV/norkv/pkg/log"
	"github.com/NorKV/norkv/pkg/sectors"
	"github.com/NorKV/norkv/pkg/stats"
	"github.com/NorKV/norkv/pkg/telemetry"
)

// InitState is the store's lifecycle state.
type InitState int

const (
	// StateNotInitialized: before Init, or after Init failed outright.
	StateNotInitialized InitState = iota
	// StateReady: all operations permitted.
	StateReady
	// StateNeedsMaintenance: reads permitted, writes rejected until a
	// Repair or FullMaintenance succeeds.
	StateNeedsMaintenance
)

func (s InitState) String() string {
	switch s {
	case StateNotInitialized:
		return "not-initialized"
	case StateReady:
		return "ready"
	case StateNeedsMaintenance:
		return "needs-maintenance"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrorStats accumulates repair outcomes across the store's lifetime.
type ErrorStats struct {
	CorruptSectorsRecovered          int
	MissingRedundantEntriesRecovered int
}

// StorageStats is a point-in-time summary of space accounting.
type StorageStats struct {
	// InUseBytes is occupied by the newest version of every key.
	InUseBytes int
	// ReclaimableBytes would be freed by garbage collecting every
	// sector.
	ReclaimableBytes int
	// WritableBytes can be appended to without any reclamation. One
	// empty sector is held back as the GC reserve and not counted.
	WritableBytes int

	CorruptSectorsRecovered          int
	MissingRedundantEntriesRecovered int
}

// KVS is a single-writer key-value store over one flash partition. It is
// not safe for concurrent use; every operation runs to completion before
// another may start.
type KVS struct {
	partition flash.Partition
	formats   *format.FormatSet
	sectors   *sectors.Table
	cache     *keycache.Cache

	opts   Options
	logger log.Logger
	stats  stats.Collector
	tel    telemetry.Telemetry

	state             InitState
	errorDetected     bool
	errorStats        ErrorStats
	lastTransactionID uint32
}

// New builds a store over the partition. Backing storage for the sector
// table and entry cache is allocated here, once; Init must be called
// before any other operation.
func New(p flash.Partition, opts Options) (*KVS, error) {
	if opts.Redundancy < 1 {
		return nil, fmt.Errorf("%w: redundancy %d", ErrInvalidArgument, opts.Redundancy)
	}
	if opts.Redundancy > p.SectorCount() {
		return nil, fmt.Errorf("%w: redundancy %d exceeds sector count %d",
			ErrInvalidArgument, opts.Redundancy, p.SectorCount())
	}
	if opts.MaxEntries < 1 {
		return nil, fmt.Errorf("%w: max entries %d", ErrInvalidArgument, opts.MaxEntries)
	}
	if opts.Formats == nil {
		opts.Formats = format.NewFormatSet(format.EntryFormat{Magic: DefaultMagic})
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoop()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNoop()
	}

	alignment := p.Alignment()
	if alignment < format.MinAlignment {
		alignment = format.MinAlignment
	}

	return &KVS{
		partition: p,
		formats:   opts.Formats,
		sectors:   sectors.NewTable(p, alignment),
		cache:     keycache.NewCache(p, opts.Formats, opts.MaxEntries, opts.Redundancy),
		opts:      opts,
		logger:    opts.Logger,
		stats:     opts.Stats,
		tel:       opts.Telemetry,
		state:     StateNotInitialized,
	}, nil
}

// Redundancy returns the configured copies per key.
func (k *KVS) Redundancy() int { return k.opts.Redundancy }

// State returns the store's lifecycle state.
func (k *KVS) State() InitState { return k.state }

// ErrorDetected reports whether unrepaired corruption has been seen.
func (k *KVS) ErrorDetected() bool { return k.errorDetected }

// TotalEntries counts indexed keys, tombstoned ones included.
func (k *KVS) TotalEntries() int { return k.cache.TotalEntries() }

// Size counts live keys.
func (k *KVS) Size() int {
	n := 0
	for i := 0; i < k.cache.TotalEntries(); i++ {
		if k.cache.Metadata(i).State() == keycache.StateValid {
			n++
		}
	}
	return n
}

// Init scans every sector of the partition, rebuilds the sector table
// and entry cache from the on-flash log, and repairs if the configured
// recovery allows. It returns ErrDataLoss when corrupt bytes remain
// uncorrected; the store is still usable for the keys that survived.
func (k *KVS) Init() error {
	ctx := context.Background()
	started := time.Now()

	k.state = StateNotInitialized
	k.errorDetected = false
	k.errorStats = ErrorStats{}
	k.lastTransactionID = 0
	k.sectors.Reset()
	k.cache.Reset()

	var recoveryStart time.Time
	if k.stats != nil {
		recoveryStart = k.stats.StartRecovery()
	}

	k.logger.Info("initializing key value store: %d sectors of %d bytes",
		k.partition.SectorCount(), k.partition.SectorSize())

	totalCorruptBytes, corruptEntries, err := k.scanAllSectors()
	if err != nil {
		return err
	}

	emptySectorFound, err := k.countValidBytes()
	if err != nil {
		return err
	}
	if !emptySectorFound {
		k.errorDetected = true
	}

	if !k.errorDetected {
		k.state = StateReady
	} else if k.opts.Recovery != RecoveryManual {
		k.logger.Warn("corruption detected, beginning repair")
		k.state = StateNeedsMaintenance
		switch repairErr := k.Repair(); {
		case repairErr == nil:
			k.logger.Warn("corruption detected and fully repaired")
			k.state = StateReady
			totalCorruptBytes = 0
			corruptEntries = 0
		case errors.Is(repairErr, ErrResourceExhausted):
			k.logger.Warn("unable to maintain required free sector")
			k.state = StateNeedsMaintenance
		default:
			k.logger.Warn("corruption detected and unable to repair: %v", repairErr)
			k.state = StateNeedsMaintenance
		}
	} else {
		k.logger.Warn("corruption detected, repair deferred to caller")
		k.state = StateNeedsMaintenance
	}

	if k.stats != nil {
		k.stats.TrackOperation(stats.OpInit)
		k.stats.FinishRecovery(recoveryStart,
			uint64(k.partition.SectorCount()),
			uint64(k.cache.TotalEntries()),
			uint64(corruptEntries))
	}
	telemetry.RecordDuration(ctx, k.tel, "norkv.init.duration", started,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentStore))

	k.logger.Info("init complete: %d live keys, %d deleted keys, state %s",
		k.Size(), k.cache.TotalEntries()-k.Size(), k.state)

	if totalCorruptBytes > 0 {
		k.logger.Warn("found %d corrupt bytes and %d corrupt entries; some keys may be missing",
			totalCorruptBytes, corruptEntries)
		return fmt.Errorf("%w: %d corrupt bytes in %d entries",
			ErrDataLoss, totalCorruptBytes, corruptEntries)
	}
	return nil
}

// scanAllSectors is the first init pass: walk the entry log of every
// sector, index each decodable record, and charge undecodable spans as
// corrupt.
func (k *KVS) scanAllSectors() (totalCorruptBytes, corruptEntries int, err error) {
	sectorSize := k.partition.SectorSize()

	for si := 0; si < k.sectors.Count(); si++ {
		base := k.sectors.BaseAddress(si)
		addr := base
		sectorCorruptBytes := 0
		sector := k.sectors.Get(si)

		for k.sectors.AddressInSector(si, addr) {
			next, loadErr := k.loadEntry(addr)
			if errors.Is(loadErr, format.ErrErased) {
				// Hit the erased tail of the sector's log.
				break
			}
			if loadErr != nil {
				if errors.Is(loadErr, keycache.ErrFull) {
					return 0, 0, fmt.Errorf("%w: entry cache filled during init: %w",
						ErrUnknown, loadErr)
				}

				k.logger.Warn("data loss in sector %d at address %#x: %v", si, addr, loadErr)
				k.errorDetected = true
				corruptEntries++

				resume, found := k.scanForEntry(si, addr+format.MinAlignment)
				if !found {
					// No further magic; the rest of the sector is
					// unaccounted for.
					sectorCorruptBytes += sectorSize - int(addr-base)
					break
				}
				sectorCorruptBytes += int(resume - addr)
				next = resume
			}

			addr = next
			sector.SetWritableBytes(sectorSize - int(addr-base))
		}

		if sectorCorruptBytes > 0 {
			sector.MarkCorrupt()
			k.errorDetected = true
			k.logger.Warn("sector %d contains %d bytes of corrupt data", si, sectorCorruptBytes)
		}
		totalCorruptBytes += sectorCorruptBytes
	}
	return totalCorruptBytes, corruptEntries, nil
}

// loadEntry decodes and indexes one record, returning the address right
// after it.
func (k *KVS) loadEntry(addr flash.Address) (flash.Address, error) {
	e, err := format.ReadEntry(k.partition, addr, k.formats)
	if err != nil {
		return 0, err
	}

	var keyBuf [format.MaxKeyLength]byte
	n, err := e.ReadKey(keyBuf[:])
	if err != nil {
		return 0, err
	}
	key := string(keyBuf[:n])

	if err := e.VerifyChecksumInFlash(); err != nil {
		return 0, err
	}

	next := e.NextAddress()
	_, err = k.cache.AddNewOrUpdateExisting(
		k.entryDescriptor(e, key), e.Address(), k.partition.SectorSize())
	if err != nil {
		return 0, err
	}
	return next, nil
}

// scanForEntry probes forward within the sector at minimum-alignment
// steps for a known entry magic, to resume indexing past a corrupt span.
func (k *KVS) scanForEntry(si int, start flash.Address) (flash.Address, bool) {
	var magicBuf [4]byte
	for addr := flash.Address(flash.AlignUp(int(start), format.MinAlignment)); k.sectors.AddressInSector(si, addr); addr += format.MinAlignment {
		if _, err := k.partition.Read(addr, magicBuf[:]); err != nil {
			return 0, false
		}
		magic := uint32(magicBuf[0]) | uint32(magicBuf[1])<<8 |
			uint32(magicBuf[2])<<16 | uint32(magicBuf[3])<<24
		if k.formats.KnownMagic(magic) {
			return addr, true
		}
	}
	return 0, false
}

// countValidBytes is the second init pass: credit each indexed copy to
// its sector, find the newest transaction id, and anchor the write bias
// at the sector holding it.
func (k *KVS) countValidBytes() (emptySectorFound bool, err error) {
	var newestAddr flash.Address

	for i := 0; i < k.cache.TotalEntries(); i++ {
		m := k.cache.Metadata(i)
		if len(m.Addresses()) < k.opts.Redundancy {
			k.errorDetected = true
		}
		for _, addr := range m.Addresses() {
			e, readErr := format.ReadEntry(k.partition, addr, k.formats)
			if readErr != nil {
				return false, fmt.Errorf("%w: indexed entry at %#x unreadable: %w",
					ErrUnknown, addr, readErr)
			}
			k.sectors.FromAddress(addr).AddValidBytes(e.Size())
		}
		if m.IsNewerThan(k.lastTransactionID) {
			k.lastTransactionID = m.TransactionID()
			addrs := m.Addresses()
			newestAddr = addrs[len(addrs)-1]
		}
	}

	k.sectors.SetLastNewSector(newestAddr)

	for si := 0; si < k.sectors.Count(); si++ {
		if k.sectors.Get(si).Empty(k.partition.SectorSize()) {
			return true, nil
		}
	}
	return false, nil
}

// entryDescriptor builds the cache descriptor for a decoded record.
func (k *KVS) entryDescriptor(e *format.Entry, key string) keycache.Descriptor {
	state := keycache.StateValid
	if e.Deleted() {
		state = keycache.StateDeleted
	}
	return keycache.Descriptor{
		Fingerprint:   keycache.Fingerprint(key),
		TransactionID: e.TransactionID(),
		State:         state,
	}
}

// checkWriteOperation validates the key and requires a fully ready store.
func (k *KVS) checkWriteOperation(key string) error {
	if len(key) == 0 || len(key) > format.MaxKeyLength {
		return fmt.Errorf("%w: key length %d", ErrInvalidArgument, len(key))
	}
	if k.state != StateReady {
		return fmt.Errorf("%w: store is %s", ErrFailedPrecondition, k.state)
	}
	return nil
}

// checkReadOperation validates the key; reads are allowed while the
// store needs maintenance.
func (k *KVS) checkReadOperation(key string) error {
	if len(key) == 0 || len(key) > format.MaxKeyLength {
		return fmt.Errorf("%w: key length %d", ErrInvalidArgument, len(key))
	}
	if k.state == StateNotInitialized {
		return fmt.Errorf("%w: store is %s", ErrFailedPrecondition, k.state)
	}
	return nil
}

// Get copies the value of key into buf starting at offset and returns
// the number of bytes read. With VerifyOnRead set and offset zero, the
// record checksum is recomputed over the bytes read; on mismatch buf is
// zeroed and ErrDataLoss returned.
func (k *KVS) Get(key string, buf []byte, offset int) (int, error) {
	if err := k.checkReadOperation(key); err != nil {
		return 0, err
	}
	if k.stats != nil {
		k.stats.TrackOperation(stats.OpGet)
	}

	m, err := k.cache.FindExisting(key)
	if err != nil {
		return 0, k.mapCacheError(err, key)
	}
	return k.getWithMetadata(key, m, buf, offset)
}

func (k *KVS) getWithMetadata(key string, m *keycache.Metadata, buf []byte, offset int) (int, error) {
	e, err := format.ReadEntry(k.partition, m.FirstAddress(), k.formats)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDataLoss, err)
	}

	n, err := e.ReadValue(buf, offset)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrDataLoss, err)
	}
	if k.stats != nil {
		k.stats.TrackBytes(false, uint64(n))
	}

	if k.opts.VerifyOnRead && offset == 0 {
		if err := e.VerifyChecksum(key, buf[:n]); err != nil {
			for i := 0; i < n; i++ {
				buf[i] = 0
			}
			return 0, fmt.Errorf("%w: %w", ErrDataLoss, err)
		}
	}
	return n, nil
}

// GetFixed reads a value whose size must equal len(buf) exactly, for
// callers that deserialize into fixed-size structures.
func (k *KVS) GetFixed(key string, buf []byte) error {
	if err := k.checkReadOperation(key); err != nil {
		return err
	}

	m, err := k.cache.FindExisting(key)
	if err != nil {
		return k.mapCacheError(err, key)
	}

	e, err := format.ReadEntry(k.partition, m.FirstAddress(), k.formats)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDataLoss, err)
	}
	if e.ValueSize() != len(buf) {
		return fmt.Errorf("%w: stored value is %d bytes, buffer is %d",
			ErrInvalidArgument, e.ValueSize(), len(buf))
	}

	_, err = k.getWithMetadata(key, m, buf, 0)
	return err
}

// ValueSize returns the declared length of key's value without reading
// the value payload.
func (k *KVS) ValueSize(key string) (int, error) {
	if err := k.checkReadOperation(key); err != nil {
		return 0, err
	}
	if k.stats != nil {
		k.stats.TrackOperation(stats.OpValueSize)
	}

	m, err := k.cache.FindExisting(key)
	if err != nil {
		return 0, k.mapCacheError(err, key)
	}

	e, err := format.ReadEntry(k.partition, m.FirstAddress(), k.formats)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDataLoss, err)
	}
	return e.ValueSize(), nil
}

// mapCacheError translates keycache lookup failures to API error kinds.
func (k *KVS) mapCacheError(err error, key string) error {
	if errors.Is(err, keycache.ErrNotFound) {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	if errors.Is(err, keycache.ErrFull) {
		return fmt.Errorf("%w: entry cache holds %d keys", ErrResourceExhausted, k.cache.TotalEntries())
	}
	return fmt.Errorf("%w: %w", ErrDataLoss, err)
}

// CheckForErrors re-examines the sector table and entry cache for
// latched corruption or missing redundancy and updates the error flag.
func (k *KVS) CheckForErrors() bool {
	for si := 0; si < k.sectors.Count(); si++ {
		if k.sectors.Get(si).Corrupt() {
			k.errorDetected = true
			break
		}
	}

	if k.opts.Redundancy > 1 {
		for i := 0; i < k.cache.TotalEntries(); i++ {
			if len(k.cache.Metadata(i).Addresses()) < k.opts.Redundancy {
				k.errorDetected = true
				break
			}
		}
	}

	return k.errorDetected
}

// StorageStats summarizes the sector accounting. One empty sector is
// treated as the GC reserve and excluded from the writable total, when
// one exists.
func (k *KVS) StorageStats() StorageStats {
	out := StorageStats{
		CorruptSectorsRecovered:          k.errorStats.CorruptSectorsRecovered,
		MissingRedundantEntriesRecovered: k.errorStats.MissingRedundantEntriesRecovered,
	}
	sectorSize := k.partition.SectorSize()

	foundEmpty := false
	for si := 0; si < k.sectors.Count(); si++ {
		d := k.sectors.Get(si)
		out.InUseBytes += d.ValidBytes()
		out.ReclaimableBytes += d.RecoverableBytes(sectorSize)

		if !foundEmpty && d.Empty(sectorSize) {
			foundEmpty = true
			continue
		}
		out.WritableBytes += d.WritableBytes()
	}
	return out
}

// LogSectors dumps the sector table through the injected logger.
func (k *KVS) LogSectors() {
	sectorSize := k.partition.SectorSize()
	k.logger.Debug("sector descriptors: count %d", k.sectors.Count())
	for si := 0; si < k.sectors.Count(); si++ {
		d := k.sectors.Get(si)
		k.logger.Debug("  - sector %d: valid %d, recoverable %d, free %d, corrupt %v",
			si, d.ValidBytes(), d.RecoverableBytes(sectorSize), d.WritableBytes(), d.Corrupt())
	}
}

// LogKeyDescriptors dumps the entry cache through the injected logger.
func (k *KVS) LogKeyDescriptors() {
	k.logger.Debug("key descriptors: count %d", k.cache.TotalEntries())
	for i := 0; i < k.cache.TotalEntries(); i++ {
		m := k.cache.Metadata(i)
		state := "valid"
		if m.State() == keycache.StateDeleted {
			state = "deleted"
		}
		k.logger.Debug("  - %s: fingerprint %#x, transaction id %d, first address %#x",
			state, m.Fingerprint(), m.TransactionID(), m.FirstAddress())
	}
}
