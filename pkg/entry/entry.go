// Package entry implements the on-flash record codec. An entry is a
// self-describing tuple of header, key, value, and padding, written as a
// single aligned buffer and verified by the checksum of its format.
//
// Layout (all integers little-endian):
//
//	offset  size  field
//	0       4     magic
//	4       4     checksum (treated as zero while computing)
//	8       1     alignment units: alignment = (units + 1) * 16
//	9       1     key length (1..127)
//	10      2     value length
//	12      4     transaction id
//	16      K     key
//	16+K    V     value
//	...     P     padding (erased bytes) to a multiple of the alignment
package entry

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/flashkv/flashkv/pkg/checksum"
	"github.com/flashkv/flashkv/pkg/flash"
)

const (
	// HeaderSize is the fixed size of the entry header
	HeaderSize = 16

	// MinAlignmentBytes is the smallest legal entry alignment; the
	// alignment-units encoding counts in multiples of it
	MinAlignmentBytes = 16

	// MaxKeyLength is the longest permitted key
	MaxKeyLength = 127

	// MaxValueLength is the longest encodable value
	MaxValueLength = 0xffff
)

// ErrDataLoss is returned when an entry fails checksum or structural
// verification.
var ErrDataLoss = errors.New("entry verification failed")

// Header is the decoded fixed-size prefix of an entry
type Header struct {
	Magic          uint32
	Checksum       uint32
	AlignmentUnits uint8
	KeyLength      uint8
	ValueLength    uint16
	TransactionID  uint32
}

// DecodeHeader decodes the first HeaderSize bytes of raw. It performs no
// validation; use Validate on the result.
func DecodeHeader(raw []byte) Header {
	return Header{
		Magic:          binary.LittleEndian.Uint32(raw[0:4]),
		Checksum:       binary.LittleEndian.Uint32(raw[4:8]),
		AlignmentUnits: raw[8],
		KeyLength:      raw[9],
		ValueLength:    binary.LittleEndian.Uint16(raw[10:12]),
		TransactionID:  binary.LittleEndian.Uint32(raw[12:16]),
	}
}

// AlignmentBytes returns the entry's own write alignment
func (h Header) AlignmentBytes() uint32 {
	return (uint32(h.AlignmentUnits) + 1) * MinAlignmentBytes
}

// EntrySize returns the total on-flash size including padding
func (h Header) EntrySize() uint32 {
	return AlignUp(HeaderSize+uint32(h.KeyLength)+uint32(h.ValueLength), h.AlignmentBytes())
}

// Validate checks the header's structural invariants. maxSize bounds the
// total entry size (normally the sector size) and minAlignment is the
// partition's write alignment.
func (h Header) Validate(maxSize, minAlignment uint32) error {
	if h.KeyLength == 0 || h.KeyLength > MaxKeyLength {
		return fmt.Errorf("%w: key length %d", ErrDataLoss, h.KeyLength)
	}
	align := h.AlignmentBytes()
	if align%minAlignment != 0 {
		return fmt.Errorf("%w: entry alignment %d not a multiple of partition alignment %d",
			ErrDataLoss, align, minAlignment)
	}
	if size := h.EntrySize(); size > maxSize {
		return fmt.Errorf("%w: entry size %d exceeds %d", ErrDataLoss, size, maxSize)
	}
	return nil
}

// Deleted reports whether the entry is a tombstone
func (h Header) Deleted() bool { return h.ValueLength == 0 }

// AlignUp rounds n up to the next multiple of alignment
func AlignUp(n, alignment uint32) uint32 {
	return (n + alignment - 1) / alignment * alignment
}

// Size returns the total aligned size an entry with the given key and
// value lengths occupies on flash.
func Size(alignment uint32, keyLen, valueLen int) uint32 {
	return AlignUp(HeaderSize+uint32(keyLen)+uint32(valueLen), alignment)
}

// Serialize encodes a complete entry into buf and returns the entry
// bytes. buf must hold Size(alignment, len(key), len(value)) bytes.
// Padding is filled with erasedByte and the checksum of f covers the
// whole entry with the checksum field zeroed.
func Serialize(buf []byte, f Format, alignment uint32, key, value []byte, txid uint32, erasedByte byte) ([]byte, error) {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return nil, fmt.Errorf("%w: key length %d", flash.ErrInvalidArgument, len(key))
	}
	if len(value) > MaxValueLength {
		return nil, fmt.Errorf("%w: value length %d", flash.ErrInvalidArgument, len(value))
	}
	if alignment%MinAlignmentBytes != 0 {
		return nil, fmt.Errorf("%w: entry alignment %d", flash.ErrInvalidArgument, alignment)
	}

	total := Size(alignment, len(key), len(value))
	if uint32(len(buf)) < total {
		return nil, fmt.Errorf("%w: serialize buffer %d smaller than entry %d",
			flash.ErrInvalidArgument, len(buf), total)
	}
	out := buf[:total]

	binary.LittleEndian.PutUint32(out[0:4], f.Magic)
	binary.LittleEndian.PutUint32(out[4:8], 0)
	out[8] = uint8(alignment/MinAlignmentBytes - 1)
	out[9] = uint8(len(key))
	binary.LittleEndian.PutUint16(out[10:12], uint16(len(value)))
	binary.LittleEndian.PutUint32(out[12:16], txid)
	copy(out[HeaderSize:], key)
	copy(out[HeaderSize+len(key):], value)
	for i := HeaderSize + len(key) + len(value); i < int(total); i++ {
		out[i] = erasedByte
	}

	binary.LittleEndian.PutUint32(out[4:8], checksum.Compute(f.Checksum, out))
	return out, nil
}

// Entry is a record located on flash, parsed from its header. The key
// and value stay on the medium; ReadKey and ReadValue fetch them.
type Entry struct {
	partition *flash.Partition
	header    Header
	addr      uint32
	formatIdx int
}

// Read parses the entry at addr. The magic must match one of formats and
// the header must be structurally valid for the partition; the checksum
// is NOT verified here, use Verify.
func Read(p *flash.Partition, formats Formats, addr uint32) (*Entry, error) {
	var raw [HeaderSize]byte
	if _, err := p.Read(addr, raw[:]); err != nil {
		return nil, err
	}

	h := DecodeHeader(raw[:])
	idx, ok := formats.Find(h.Magic)
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized magic %#08x at address %d", ErrDataLoss, h.Magic, addr)
	}
	if err := h.Validate(p.SectorSizeBytes(), p.AlignmentBytes()); err != nil {
		return nil, err
	}
	return &Entry{partition: p, header: h, addr: addr, formatIdx: idx}, nil
}

// Address returns the entry's partition-relative address
func (e *Entry) Address() uint32 { return e.addr }

// Header returns the decoded header
func (e *Entry) Header() Header { return e.header }

// FormatIndex returns the index of the matching format in the configured list
func (e *Entry) FormatIndex() int { return e.formatIdx }

// Size returns the total on-flash size including padding
func (e *Entry) Size() uint32 { return e.header.EntrySize() }

// TransactionID returns the entry's transaction id
func (e *Entry) TransactionID() uint32 { return e.header.TransactionID }

// Deleted reports whether the entry is a tombstone
func (e *Entry) Deleted() bool { return e.header.Deleted() }

// KeyLength returns the length of the entry's key
func (e *Entry) KeyLength() int { return int(e.header.KeyLength) }

// ValueLength returns the length of the entry's value
func (e *Entry) ValueLength() int { return int(e.header.ValueLength) }

// ReadKey reads the entry's key into buf and returns it. buf must hold
// KeyLength bytes.
func (e *Entry) ReadKey(buf []byte) ([]byte, error) {
	k := buf[:e.KeyLength()]
	if _, err := e.partition.Read(e.addr+HeaderSize, k); err != nil {
		return nil, err
	}
	return k, nil
}

// ReadValue copies the value starting at offset into out and returns the
// number of bytes copied. Reading past the end of the value fails with
// ErrOutOfRange.
func (e *Entry) ReadValue(out []byte, offset int) (int, error) {
	if offset < 0 || offset > e.ValueLength() {
		return 0, fmt.Errorf("%w: offset %d of %d-byte value", flash.ErrOutOfRange, offset, e.ValueLength())
	}
	n := e.ValueLength() - offset
	if n > len(out) {
		n = len(out)
	}
	if n == 0 {
		return 0, nil
	}
	addr := e.addr + HeaderSize + uint32(e.KeyLength()) + uint32(offset)
	if _, err := e.partition.Read(addr, out[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

// Verify recomputes the checksum of the entry as laid out on flash, with
// the checksum field zeroed, and compares it to the stored value. A nil
// algorithm (checksum-less format) always verifies.
func (e *Entry) Verify(algo checksum.Algorithm) error {
	if algo == nil {
		return nil
	}

	algo.Reset()

	var raw [HeaderSize]byte
	if _, err := e.partition.Read(e.addr, raw[:]); err != nil {
		return err
	}
	stored := binary.LittleEndian.Uint32(raw[4:8])
	binary.LittleEndian.PutUint32(raw[4:8], 0)
	algo.Update(raw[:])

	var buf [verifyChunkBytes]byte
	remaining := e.Size() - HeaderSize
	addr := e.addr + HeaderSize
	for remaining > 0 {
		chunk := remaining
		if chunk > uint32(len(buf)) {
			chunk = uint32(len(buf))
		}
		if _, err := e.partition.Read(addr, buf[:chunk]); err != nil {
			return err
		}
		algo.Update(buf[:chunk])
		addr += chunk
		remaining -= chunk
	}

	if computed := algo.Sum32(); computed != stored {
		return fmt.Errorf("%w: checksum mismatch at address %d: computed %#08x, stored %#08x",
			ErrDataLoss, e.addr, computed, stored)
	}
	return nil
}

// Chunk size for streaming checksum verification, kept small to bound
// stack use.
const verifyChunkBytes = 128

// ScanForEntry walks the region [addr, limit) in steps of the partition
// alignment until a recognized magic word is found, returning its
// address. The scanner steps by the partition alignment, the minimum
// legal entry alignment, because an entry's own alignment is not known
// until its header is read.
func ScanForEntry(p *flash.Partition, formats Formats, addr, limit uint32) (uint32, bool, error) {
	step := p.AlignmentBytes()
	var raw [4]byte
	for ; addr+HeaderSize <= limit; addr += step {
		if _, err := p.Read(addr, raw[:]); err != nil {
			return 0, false, err
		}
		if _, ok := formats.Find(binary.LittleEndian.Uint32(raw[:])); ok {
			return addr, true, nil
		}
	}
	return 0, false, nil
}
