// Package flash abstracts the erasable, aligned storage medium that the
// key-value store persists to, and provides a bounded partition view of
// it. Media are sector-erasable: writes may only set bits within an
// erased region, and erases always cover whole sectors.
package flash

import "errors"

var (
	// ErrOutOfRange is returned when an address plus length exceeds the bounds
	// of the medium or partition
	ErrOutOfRange = errors.New("address out of range")
	// ErrInvalidArgument is returned for misaligned addresses or lengths
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrPermissionDenied is returned for writes or erases on a read-only partition
	ErrPermissionDenied = errors.New("permission denied")
	// ErrUnavailable indicates the medium is temporarily unable to serve the request
	ErrUnavailable = errors.New("medium unavailable")
	// ErrInternal indicates a device-level failure
	ErrInternal = errors.New("internal medium error")
	// ErrUnauthenticated indicates the medium rejected the access, e.g. an
	// encrypted region that cannot be decrypted
	ErrUnauthenticated = errors.New("unauthenticated access")
)

// Memory is an erasable, addressable medium with a fixed write alignment
// and a fixed erased-byte pattern. All blocking happens inside these
// calls; the store itself never yields.
type Memory interface {
	// Read fills out with bytes starting at addr and reports how many were read
	Read(addr uint32, out []byte) (int, error)
	// Write stores data at addr. Both addr and len(data) must be multiples
	// of AlignmentBytes.
	Write(addr uint32, data []byte) (int, error)
	// Erase resets numSectors sectors starting at the sector-aligned addr
	// to the erased pattern
	Erase(addr uint32, numSectors int) error
	// SectorSizeBytes returns the size of the erase unit
	SectorSizeBytes() uint32
	// SectorCount returns the number of sectors
	SectorCount() int
	// AlignmentBytes returns the minimum write granularity; a power of two >= 1
	AlignmentBytes() uint32
	// ErasedMemoryContent returns the byte value present after an erase
	ErasedMemoryContent() byte
}
