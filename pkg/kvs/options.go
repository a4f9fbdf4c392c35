package kvs

import (
	"errors"
	"fmt"

	"github.com/flashkv/flashkv/pkg/common/log"
)

var ErrInvalidOptions = errors.New("invalid options")

// GCOnWrite controls whether Put may trigger garbage collection to
// satisfy an allocation that would otherwise fail.
type GCOnWrite int

const (
	// GCDisabled never collects during writes; Put fails when no space remains
	GCDisabled GCOnWrite = iota
	// GCOneSector collects at most one sector per write
	GCOneSector
	// GCAsNeeded collects as many sectors as needed to satisfy the write
	GCAsNeeded
)

// Recovery selects how Init responds to corruption.
type Recovery int

const (
	// RecoveryManual reports corruption as data loss and repairs nothing
	RecoveryManual Recovery = iota
	// RecoveryLazy reclaims corrupt sectors and missing redundant copies
	// during Init and on demand
	RecoveryLazy
)

// Options configure a store at construction. Capacities are fixed for
// the life of the store; no table grows afterwards.
type Options struct {
	GCOnWrite GCOnWrite
	Recovery  Recovery

	// VerifyOnRead re-validates the checksum of every entry served by Get
	VerifyOnRead bool
	// VerifyOnWrite reads back and validates every entry just written
	VerifyOnWrite bool

	// MaxEntries bounds the number of keys the in-RAM index can hold
	MaxEntries int
	// MaxUsableSectors bounds how many partition sectors the store manages
	MaxUsableSectors int
	// Redundancy is the number of copies written for every entry, each in
	// a distinct sector
	Redundancy int

	// Logger receives scan, recovery and relocation events. Defaults to
	// the package default logger.
	Logger log.Logger
}

// NewDefaultOptions returns options matching common embedded use: lazy
// recovery, one-sector GC on write, verification on both paths.
func NewDefaultOptions() *Options {
	return &Options{
		GCOnWrite:        GCOneSector,
		Recovery:         RecoveryLazy,
		VerifyOnRead:     true,
		VerifyOnWrite:    true,
		MaxEntries:       256,
		MaxUsableSectors: 256,
		Redundancy:       1,
	}
}

// Validate checks that the options are usable
func (o *Options) Validate() error {
	if o.GCOnWrite < GCDisabled || o.GCOnWrite > GCAsNeeded {
		return fmt.Errorf("%w: unknown GC-on-write mode %d", ErrInvalidOptions, o.GCOnWrite)
	}
	if o.Recovery < RecoveryManual || o.Recovery > RecoveryLazy {
		return fmt.Errorf("%w: unknown recovery mode %d", ErrInvalidOptions, o.Recovery)
	}
	if o.MaxEntries <= 0 {
		return fmt.Errorf("%w: MaxEntries must be positive", ErrInvalidOptions)
	}
	if o.MaxUsableSectors <= 0 {
		return fmt.Errorf("%w: MaxUsableSectors must be positive", ErrInvalidOptions)
	}
	if o.Redundancy < 1 {
		return fmt.Errorf("%w: Redundancy must be at least 1", ErrInvalidOptions)
	}
	return nil
}
