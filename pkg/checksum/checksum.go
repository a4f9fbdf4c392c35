// Package checksum provides the incremental checksum algorithms used to
// protect on-flash entries. An algorithm is a small amount of resettable
// state; entries store the low 32 bits of the finished state.
package checksum

import (
	"hash"
	"hash/crc32"

	"github.com/cespare/xxhash/v2"
	"github.com/minio/highwayhash"
)

// Algorithm is incremental checksum state. Implementations must be
// reusable: Reset returns the state to its initial value.
type Algorithm interface {
	// Reset returns the checksum state to its initial value
	Reset()
	// Update feeds data into the checksum state
	Update(data []byte)
	// Sum32 returns the finished 32-bit view of the current state
	Sum32() uint32
}

// SumOfBytes is the simplest algorithm: the running sum of all input
// bytes. It matches the checksum used throughout the binary-format tests.
type SumOfBytes struct {
	state uint32
}

// NewSumOfBytes creates a sum-of-bytes checksum
func NewSumOfBytes() *SumOfBytes {
	return &SumOfBytes{}
}

func (s *SumOfBytes) Reset() { s.state = 0 }

func (s *SumOfBytes) Update(data []byte) {
	for _, b := range data {
		s.state += uint32(b)
	}
}

func (s *SumOfBytes) Sum32() uint32 { return s.state }

// CRC32 wraps the standard IEEE CRC-32 in the Algorithm interface.
type CRC32 struct {
	state uint32
}

// NewCRC32 creates an IEEE CRC-32 checksum
func NewCRC32() *CRC32 {
	return &CRC32{}
}

func (c *CRC32) Reset() { c.state = 0 }

func (c *CRC32) Update(data []byte) {
	c.state = crc32.Update(c.state, crc32.IEEETable, data)
}

func (c *CRC32) Sum32() uint32 { return c.state }

// XXHash exposes the low 32 bits of a 64-bit xxHash digest.
type XXHash struct {
	digest *xxhash.Digest
}

// NewXXHash creates an xxHash-backed checksum
func NewXXHash() *XXHash {
	return &XXHash{digest: xxhash.New()}
}

func (x *XXHash) Reset() { x.digest.Reset() }

func (x *XXHash) Update(data []byte) {
	// Digest.Write never fails.
	_, _ = x.digest.Write(data)
}

func (x *XXHash) Sum32() uint32 { return uint32(x.digest.Sum64()) }

// HighwayHash exposes the low 32 bits of a keyed HighwayHash-64 digest.
// The key is fixed at construction; both sides of the medium must agree
// on it for entries to verify.
type HighwayHash struct {
	key    [32]byte
	digest hash.Hash64
}

// NewHighwayHash creates a HighwayHash-backed checksum with the given
// 32-byte key. Returns an error for malformed keys.
func NewHighwayHash(key []byte) (*HighwayHash, error) {
	h := &HighwayHash{}
	copy(h.key[:], key)
	digest, err := highwayhash.New64(key)
	if err != nil {
		return nil, err
	}
	h.digest = digest
	return h, nil
}

func (h *HighwayHash) Reset() { h.digest.Reset() }

func (h *HighwayHash) Update(data []byte) {
	_, _ = h.digest.Write(data)
}

func (h *HighwayHash) Sum32() uint32 { return uint32(h.digest.Sum64()) }

// Compute runs a full reset/update/finish cycle over data. Passing a nil
// algorithm yields zero, the convention for formats without a checksum.
func Compute(algo Algorithm, data []byte) uint32 {
	if algo == nil {
		return 0
	}
	algo.Reset()
	algo.Update(data)
	return algo.Sum32()
}
