package flash

import "fmt"

// Partition is a bounded view of a Memory starting at a sector index. It
// carries its own write alignment, which must be a multiple of the
// underlying medium's alignment, and may be read-only.
type Partition struct {
	mem         Memory
	startSector int
	sectorCount int
	alignment   uint32
	readOnly    bool
}

// NewPartition creates a writable partition covering the whole medium at
// the medium's native alignment.
func NewPartition(mem Memory) *Partition {
	p, err := NewSubPartition(mem, 0, mem.SectorCount(), mem.AlignmentBytes(), false)
	if err != nil {
		// Covering the whole medium at native alignment cannot fail.
		panic(err)
	}
	return p
}

// NewSubPartition creates a partition over sectorCount sectors starting
// at startSector. alignmentBytes must be a nonzero multiple of the
// medium's alignment.
func NewSubPartition(mem Memory, startSector, sectorCount int, alignmentBytes uint32, readOnly bool) (*Partition, error) {
	if startSector < 0 || sectorCount <= 0 || startSector+sectorCount > mem.SectorCount() {
		return nil, fmt.Errorf("%w: sectors [%d, %d) of %d", ErrOutOfRange,
			startSector, startSector+sectorCount, mem.SectorCount())
	}
	if alignmentBytes == 0 || alignmentBytes%mem.AlignmentBytes() != 0 {
		return nil, fmt.Errorf("%w: partition alignment %d not a multiple of flash alignment %d",
			ErrInvalidArgument, alignmentBytes, mem.AlignmentBytes())
	}
	return &Partition{
		mem:         mem,
		startSector: startSector,
		sectorCount: sectorCount,
		alignment:   alignmentBytes,
		readOnly:    readOnly,
	}, nil
}

// Read fills out with bytes starting at the partition-relative addr
func (p *Partition) Read(addr uint32, out []byte) (int, error) {
	if err := p.checkBounds(addr, len(out)); err != nil {
		return 0, err
	}
	return p.mem.Read(p.toFlashAddress(addr), out)
}

// Write stores data at the partition-relative addr. Both addr and
// len(data) must be multiples of the partition alignment.
func (p *Partition) Write(addr uint32, data []byte) (int, error) {
	if p.readOnly {
		return 0, ErrPermissionDenied
	}
	if addr%p.alignment != 0 || uint32(len(data))%p.alignment != 0 {
		return 0, fmt.Errorf("%w: write of %d bytes at %d not aligned to %d",
			ErrInvalidArgument, len(data), addr, p.alignment)
	}
	if err := p.checkBounds(addr, len(data)); err != nil {
		return 0, err
	}
	return p.mem.Write(p.toFlashAddress(addr), data)
}

// Erase resets numSectors sectors starting at the sector-aligned,
// partition-relative addr
func (p *Partition) Erase(addr uint32, numSectors int) error {
	if p.readOnly {
		return ErrPermissionDenied
	}
	if addr%p.SectorSizeBytes() != 0 {
		return fmt.Errorf("%w: erase address %d not sector aligned", ErrInvalidArgument, addr)
	}
	if err := p.checkBounds(addr, numSectors*int(p.SectorSizeBytes())); err != nil {
		return err
	}
	return p.mem.Erase(p.toFlashAddress(addr), numSectors)
}

// EraseAll erases every sector of the partition
func (p *Partition) EraseAll() error {
	return p.Erase(0, p.sectorCount)
}

// IsRegionErased reports whether every byte in [addr, addr+length)
// equals the medium's erased pattern. length must be a multiple of the
// partition alignment.
func (p *Partition) IsRegionErased(addr uint32, length int) (bool, error) {
	if length%int(p.alignment) != 0 {
		return false, fmt.Errorf("%w: erased-check length %d not aligned to %d",
			ErrInvalidArgument, length, p.alignment)
	}

	var buf [maxEraseCheckChunk]byte
	for length > 0 {
		chunk := length
		if chunk > len(buf) {
			chunk = len(buf)
		}
		if _, err := p.Read(addr, buf[:chunk]); err != nil {
			return false, err
		}
		if !p.AppearsErased(buf[:chunk]) {
			return false, nil
		}
		addr += uint32(chunk)
		length -= chunk
	}
	return true, nil
}

// Chunk size for IsRegionErased reads, kept small to bound stack use on
// constrained targets.
const maxEraseCheckChunk = 128

// AppearsErased reports whether data contains only the erased pattern
func (p *Partition) AppearsErased(data []byte) bool {
	erased := p.mem.ErasedMemoryContent()
	for _, b := range data {
		if b != erased {
			return false
		}
	}
	return true
}

// SectorSizeBytes returns the erase-unit size of the underlying medium
func (p *Partition) SectorSizeBytes() uint32 { return p.mem.SectorSizeBytes() }

// SectorCount returns the number of sectors in the partition
func (p *Partition) SectorCount() int { return p.sectorCount }

// AlignmentBytes returns the partition's write alignment
func (p *Partition) AlignmentBytes() uint32 { return p.alignment }

// SizeBytes returns the total partition size
func (p *Partition) SizeBytes() uint32 {
	return uint32(p.sectorCount) * p.SectorSizeBytes()
}

// ErasedMemoryContent returns the medium's erased-byte pattern
func (p *Partition) ErasedMemoryContent() byte { return p.mem.ErasedMemoryContent() }

// ReadOnly reports whether writes and erases are rejected
func (p *Partition) ReadOnly() bool { return p.readOnly }

func (p *Partition) toFlashAddress(addr uint32) uint32 {
	return uint32(p.startSector)*p.SectorSizeBytes() + addr
}

func (p *Partition) checkBounds(addr uint32, length int) error {
	if int(addr)+length > int(p.SizeBytes()) {
		return fmt.Errorf("%w: access of %d bytes at %d exceeds partition size %d",
			ErrOutOfRange, length, addr, p.SizeBytes())
	}
	return nil
}
