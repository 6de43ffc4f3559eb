package kvs

import (
	"github.com/NorKV/norkv/pkg/format"
	"github.com/NorKV/norkv/pkg/log"
	"github.com/NorKV/norkv/pkg/stats"
	"github.com/NorKV/norkv/pkg/telemetry"
)

// DefaultMagic identifies the primary on-flash entry format.
const DefaultMagic uint32 = 0x564b4e31

// ErrorRecovery controls whether the store may run Repair on its own.
type ErrorRecovery int

const (
	// RecoveryManual never repairs automatically; the caller must invoke
	// Repair or FullMaintenance.
	RecoveryManual ErrorRecovery = iota
	// RecoveryLazy repairs when an operation needs the store healthy.
	RecoveryLazy
	// RecoveryEager repairs as soon as corruption is detected, during
	// Init.
	RecoveryEager
)

// GCOnWrite controls garbage collection triggered by a write that finds
// no space.
type GCOnWrite int

const (
	// GCDisabled never collects during a write; Put fails with
	// ErrResourceExhausted when space runs out.
	GCDisabled GCOnWrite = iota
	// GCOneSector collects at most one sector per write.
	GCOneSector
	// GCAsNeeded collects until the write fits or nothing is left to
	// reclaim.
	GCAsNeeded
)

// Options fix the store's behavior at construction. The zero value is not
// usable; start from DefaultOptions.
type Options struct {
	// Redundancy is the number of independent on-flash copies kept per
	// live key.
	Redundancy int

	// MaxEntries bounds the entry cache, and with it the number of
	// distinct keys the store can hold.
	MaxEntries int

	Recovery  ErrorRecovery
	GCOnWrite GCOnWrite

	// VerifyOnWrite re-reads and checksums every record right after it
	// is appended.
	VerifyOnWrite bool

	// VerifyOnRead recomputes the checksum on full-value gets.
	VerifyOnRead bool

	// Formats is the set of recognized entry formats; the primary one is
	// used for new records. Defaults to the built-in format.
	Formats *format.FormatSet

	// Logger receives operational logging. Defaults to a no-op logger.
	Logger log.Logger

	// Stats, when set, collects operation counters and init-scan
	// statistics.
	Stats stats.Collector

	// Telemetry, when set, records OpenTelemetry metrics and spans.
	Telemetry telemetry.Telemetry
}

// DefaultOptions returns the options used by most deployments: single
// copy per key, verify after write, repair lazily, collect one sector per
// write when space runs out.
func DefaultOptions() Options {
	return Options{
		Redundancy:    1,
		MaxEntries:    128,
		Recovery:      RecoveryLazy,
		GCOnWrite:     GCOneSector,
		VerifyOnWrite: true,
		VerifyOnRead:  false,
	}
}
