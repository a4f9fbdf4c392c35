// Package kvs implements a log-structured key-value store over an
// erasable flash partition. Records are appended as self-describing
// entries; an in-RAM index maps key hashes to flash addresses, sectors
// are reclaimed by garbage collection, and entries may be written with
// N-way redundancy across distinct sectors.
package kvs

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/flashkv/flashkv/pkg/common/log"
	"github.com/flashkv/flashkv/pkg/entry"
	"github.com/flashkv/flashkv/pkg/flash"
)

var (
	// ErrNotFound is returned when a key is absent or deleted
	ErrNotFound = errors.New("key not found")
	// ErrDataLoss is returned when every copy of a requested entry fails
	// verification, or when Init under manual recovery finds corruption
	ErrDataLoss = errors.New("data loss")
	// ErrResourceExhausted is returned when no sector has enough space and
	// garbage collection cannot free more, or the key index is full
	ErrResourceExhausted = errors.New("storage exhausted")
	// ErrFailedPrecondition is returned when the store is not initialized
	// or no usable sectors remain
	ErrFailedPrecondition = errors.New("store not in a usable state")
)

// Store is a key-value store instance bound to one flash partition.
// All capacity is allocated at construction; operations are synchronous
// and callers must serialize access.
type Store struct {
	partition *flash.Partition
	formats   entry.Formats
	opts      Options
	logger    log.Logger

	idx     index
	sectors []sectorDescriptor

	sectorSize uint32
	entryAlign uint32

	initialized   bool
	scanFailed    bool
	errorDetected bool

	stats *collector

	// Scratch space, sized at construction so the hot paths do not
	// allocate. writeBuf holds the entry being written; relocBuf holds
	// entries in flight during garbage collection, which can run in the
	// middle of a Put.
	writeBuf  []byte
	relocBuf  []byte
	targetBuf []int
	addrBuf   []uint32
	keyBuf    [entry.MaxKeyLength]byte
	cmpBuf    [entry.MaxKeyLength]byte
	valBufA   [64]byte
	valBufB   [64]byte
}

// New creates a store over the partition recognizing the given entry
// formats. The first format is used for new keys. A nil opts selects
// NewDefaultOptions.
func New(partition *flash.Partition, formats entry.Formats, opts *Options) (*Store, error) {
	if opts == nil {
		opts = NewDefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := formats.Validate(); err != nil {
		return nil, err
	}

	usable := partition.SectorCount()
	if usable > opts.MaxUsableSectors {
		usable = opts.MaxUsableSectors
	}
	// Each entry needs Redundancy distinct sectors, plus the reserved
	// sector that stays empty for compaction.
	if usable <= opts.Redundancy {
		return nil, fmt.Errorf("%w: %d usable sectors cannot hold %d redundant copies",
			ErrInvalidOptions, usable, opts.Redundancy)
	}

	entryAlign := partition.AlignmentBytes()
	if entryAlign < entry.MinAlignmentBytes {
		entryAlign = entry.MinAlignmentBytes
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	return &Store{
		partition:  partition,
		formats:    formats,
		opts:       *opts,
		logger:     logger,
		idx:        newIndex(opts.MaxEntries, opts.Redundancy),
		sectors:    make([]sectorDescriptor, usable),
		sectorSize: partition.SectorSizeBytes(),
		entryAlign: entryAlign,
		stats:      newCollector(),
		writeBuf:   make([]byte, partition.SectorSizeBytes()),
		relocBuf:   make([]byte, partition.SectorSizeBytes()),
		targetBuf:  make([]int, 0, opts.Redundancy+1),
		addrBuf:    make([]uint32, 0, opts.Redundancy),
	}, nil
}

// Size returns the number of live keys
func (s *Store) Size() int { return s.idx.liveKeys() }

// Empty reports whether no live keys exist
func (s *Store) Empty() bool { return s.Size() == 0 }

// Initialized reports whether Init completed with the structural
// invariants intact
func (s *Store) Initialized() bool { return s.initialized }

// ErrorDetected reports whether any write, verification or scan failure
// has been observed since the last successful recovery
func (s *Store) ErrorDetected() bool { return s.errorDetected }

// Redundancy returns the number of copies written per entry
func (s *Store) Redundancy() int { return s.opts.Redundancy }

// StorageStats reports the current flash usage and the cumulative
// recovery counters.
func (s *Store) StorageStats() StorageStats {
	var st StorageStats
	for i := range s.sectors {
		sec := &s.sectors[i]
		st.InUseBytes += sec.validBytes
		st.ReclaimableBytes += sec.reclaimable(s.sectorSize)
		st.WritableBytes += sec.freeTail
	}
	// The reserved sector is not writable space: one empty sector is
	// always held back as the compaction destination.
	if s.hasEmptySector() {
		st.WritableBytes -= s.sectorSize
	}
	st.CorruptSectorsRecovered = uint32(s.stats.corruptSectorsRecovered.Load())
	st.MissingRedundantEntriesRecovered = uint32(s.stats.missingRedundantRecovered.Load())
	return st
}

// Metrics returns the operation and error counters as a map
func (s *Store) Metrics() map[string]interface{} {
	return s.stats.getStats()
}

// Get reads the value for key into out and returns the value's full
// size. out may be smaller than the value; the value is truncated but
// the returned size is not.
func (s *Store) Get(key string, out []byte) (int, error) {
	return s.GetAt(key, out, 0)
}

// GetAt reads the value for key starting at offset. An offset past the
// end of the value fails with an out-of-range error. The returned size
// is the number of value bytes from offset to the end.
func (s *Store) GetAt(key string, out []byte, offset int) (int, error) {
	kb, err := s.copyKey(key)
	if err != nil {
		return 0, err
	}
	if !s.initialized {
		return 0, fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	}

	_, d, err := s.findDescriptor(kb)
	if err != nil {
		return 0, err
	}
	if d.state == stateDeleted {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	e, err := s.readLiveEntry(d, s.opts.VerifyOnRead)
	if err != nil {
		return 0, err
	}

	n, err := e.ReadValue(out, offset)
	if err != nil {
		return 0, err
	}
	s.stats.trackOperation(OpGet)
	s.stats.trackBytes(false, uint64(n))
	return e.ValueLength() - offset, nil
}

// ValueSize returns the size of the value stored for key
func (s *Store) ValueSize(key string) (int, error) {
	kb, err := s.copyKey(key)
	if err != nil {
		return 0, err
	}
	if !s.initialized {
		return 0, fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	}

	_, d, err := s.findDescriptor(kb)
	if err != nil {
		return 0, err
	}
	if d.state == stateDeleted {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	e, err := s.readLiveEntry(d, s.opts.VerifyOnRead)
	if err != nil {
		return 0, err
	}
	return e.ValueLength(), nil
}

// Put writes key to value, superseding any previous version. The new
// entry carries the key's next transaction id and is written in
// Redundancy copies to distinct sectors; the index is only updated once
// every copy is durable. An empty value is rejected: zero-length records
// are tombstones on flash.
func (s *Store) Put(key string, value []byte) error {
	kb, err := s.copyKey(key)
	if err != nil {
		return err
	}
	if !s.initialized {
		return fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	}
	if len(value) == 0 {
		return fmt.Errorf("%w: empty values are not storable; use Delete", flash.ErrInvalidArgument)
	}
	if len(value) > entry.MaxValueLength {
		return fmt.Errorf("%w: value length %d", flash.ErrInvalidArgument, len(value))
	}
	size := entry.Size(s.entryAlign, len(kb), len(value))
	if size > s.sectorSize {
		return fmt.Errorf("%w: entry size %d exceeds sector size %d",
			flash.ErrInvalidArgument, size, s.sectorSize)
	}

	slot, d, err := s.findDescriptor(kb)
	txid := uint32(1)
	format := 0
	switch {
	case err == nil:
		txid = d.transactionID + 1
		format = d.format
	case errors.Is(err, ErrNotFound):
		slot = -1
		if s.idx.full() {
			return fmt.Errorf("%w: key index full (%d entries)", ErrResourceExhausted, s.opts.MaxEntries)
		}
	default:
		return err
	}

	data, err := entry.Serialize(s.writeBuf, s.formats[format], s.entryAlign, kb, value, txid,
		s.partition.ErasedMemoryContent())
	if err != nil {
		return err
	}

	addrs, err := s.writeEntryCopies(data)
	if err != nil {
		return err
	}

	// GC-on-write may have moved descriptors around; resolve the slot
	// against the current index before committing.
	slot, err = s.resolveCommitSlot(kb, slot)
	if err != nil {
		return err
	}
	s.commit(slot, keyHash(kb), txid, stateValid, format, uint32(len(data)), addrs)
	s.stats.trackOperation(OpPut)
	return nil
}

// resolveCommitSlot re-finds the key's descriptor slot after writes that
// may have run garbage collection. A key whose previous copies vanished
// commits as a fresh insert.
func (s *Store) resolveCommitSlot(kb []byte, prev int) (int, error) {
	if prev < 0 {
		return prev, nil
	}
	slot, _, err := s.findDescriptor(kb)
	switch {
	case err == nil:
		return slot, nil
	case errors.Is(err, ErrNotFound):
		if s.idx.full() {
			return 0, fmt.Errorf("%w: key index full (%d entries)", ErrResourceExhausted, s.opts.MaxEntries)
		}
		return -1, nil
	default:
		// The written copies stay abandoned in place and are reclaimed by
		// the next collection.
		return 0, err
	}
}

// Delete writes a tombstone for key. The key's descriptor is retained
// until garbage collection can prove no older version survives.
func (s *Store) Delete(key string) error {
	kb, err := s.copyKey(key)
	if err != nil {
		return err
	}
	if !s.initialized {
		return fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	}

	slot, d, err := s.findDescriptor(kb)
	if err != nil {
		return err
	}
	if d.state == stateDeleted {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	txid := d.transactionID + 1
	format := d.format

	data, err := entry.Serialize(s.writeBuf, s.formats[format], s.entryAlign, kb, nil, txid,
		s.partition.ErasedMemoryContent())
	if err != nil {
		return err
	}

	addrs, err := s.writeEntryCopies(data)
	if err != nil {
		return err
	}

	slot, err = s.resolveCommitSlot(kb, slot)
	if err != nil {
		return err
	}
	s.commit(slot, keyHash(kb), txid, stateDeleted, format, uint32(len(data)), addrs)
	s.stats.trackOperation(OpDelete)
	return nil
}

// Each calls fn with every live key until fn returns false. Keys are
// read back from flash into a scratch buffer that is only valid for the
// duration of the call.
func (s *Store) Each(fn func(key []byte) bool) error {
	if !s.initialized {
		return fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	}
	for i := 0; i < s.idx.count; i++ {
		d := &s.idx.descriptors[i]
		if d.state != stateValid {
			continue
		}
		e, err := s.readLiveEntry(d, false)
		if err != nil {
			return err
		}
		key, err := e.ReadKey(s.keyBuf[:])
		if err != nil {
			return err
		}
		if !fn(key) {
			return nil
		}
	}
	return nil
}

// copyKey validates the key and copies it into the key scratch buffer
func (s *Store) copyKey(key string) ([]byte, error) {
	if len(key) == 0 || len(key) > entry.MaxKeyLength {
		return nil, fmt.Errorf("%w: key length %d", flash.ErrInvalidArgument, len(key))
	}
	kb := s.keyBuf[:len(key)]
	copy(kb, key)
	return kb, nil
}

// findDescriptor locates the descriptor whose key equals kb. Hashes only
// narrow the candidates; the key bytes are read back from flash for the
// final comparison, falling back across redundant copies so a single
// damaged copy cannot misdirect the lookup. Returns the descriptor's
// slot for later commits.
func (s *Store) findDescriptor(kb []byte) (int, *keyDescriptor, error) {
	h := keyHash(kb)
	for i := 0; i < s.idx.count; i++ {
		d := &s.idx.descriptors[i]
		if d.hash != h {
			continue
		}
		stored, err := s.readDescriptorKey(d, s.cmpBuf[:], s.opts.VerifyOnRead, true)
		if err != nil {
			return -1, nil, err
		}
		if bytes.Equal(kb, stored) {
			return i, d, nil
		}
	}
	return -1, nil, fmt.Errorf("%w: hash %#08x", ErrNotFound, h)
}

// readDescriptorKey reads the key bytes of the first usable copy. When
// mark is set, failed copies poison their sector's free tail so the
// suspect bytes are reclaimed rather than reused.
func (s *Store) readDescriptorKey(d *keyDescriptor, buf []byte, verify, mark bool) ([]byte, error) {
	var firstErr error
	for _, addr := range d.addresses {
		e, err := entry.Read(s.partition, s.formats, addr)
		if err == nil && verify {
			err = e.Verify(s.formats[e.FormatIndex()].Checksum)
		}
		if err == nil {
			var key []byte
			if key, err = e.ReadKey(buf); err == nil {
				return key, nil
			}
		}
		if firstErr == nil {
			firstErr = err
		}
		if mark {
			s.noteCopyFailure(addr, err)
		}
	}
	return nil, fmt.Errorf("%w: no readable copy: %v", ErrDataLoss, firstErr)
}

// readLiveEntry returns the first copy of d that parses (and, when
// verify is set, passes its format's checksum). Failed copies poison
// their sectors and set the error flag; only when every copy fails is
// the loss reported.
func (s *Store) readLiveEntry(d *keyDescriptor, verify bool) (*entry.Entry, error) {
	var firstErr error
	for _, addr := range d.addresses {
		e, err := entry.Read(s.partition, s.formats, addr)
		if err == nil && verify {
			err = e.Verify(s.formats[e.FormatIndex()].Checksum)
		}
		if err == nil {
			return e, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		s.noteCopyFailure(addr, err)
	}
	return nil, fmt.Errorf("%w: all %d copies failed: %v", ErrDataLoss, len(d.addresses), firstErr)
}

// noteCopyFailure records a failed copy read. The sector's remaining
// tail can no longer be trusted and is left for garbage collection. A
// copy that fails verification over non-erased bytes additionally marks
// the sector corrupt; a copy that simply reads as erased is merely
// missing, and erased sectors are not corrupt.
func (s *Store) noteCopyFailure(addr uint32, err error) {
	sector := s.sectorOf(addr)
	if sector < len(s.sectors) {
		sec := &s.sectors[sector]
		sec.markUnwritable()
		if errors.Is(err, entry.ErrDataLoss) && !s.copyAppearsErased(addr) {
			sec.corrupt = true
		}
	}
	s.errorDetected = true
	s.stats.trackError("copy_read")
	s.logger.Warn("entry copy at address %d failed: %v", addr, err)
}

func (s *Store) copyAppearsErased(addr uint32) bool {
	var hdr [entry.HeaderSize]byte
	if _, err := s.partition.Read(addr, hdr[:]); err != nil {
		return false
	}
	return s.partition.AppearsErased(hdr[:])
}

// writeEntryCopies appends the serialized entry to Redundancy distinct
// sectors and returns the addresses. Copies written before a failure are
// abandoned in place; their bytes are reclaimed later.
func (s *Store) writeEntryCopies(data []byte) ([]uint32, error) {
	size := uint32(len(data))

	targets, ok := s.findWriteTargets(size, s.targetBuf)
	for !ok {
		if s.opts.GCOnWrite == GCDisabled {
			return nil, s.noSpaceError()
		}
		collected, err := s.gcMostReclaimable()
		if err != nil {
			return nil, err
		}
		if !collected {
			return nil, s.noSpaceError()
		}
		targets, ok = s.findWriteTargets(size, s.targetBuf)
		if s.opts.GCOnWrite == GCOneSector {
			if !ok {
				return nil, s.noSpaceError()
			}
			break
		}
	}

	addrs := s.addrBuf[:0]
	for _, sector := range targets {
		addr, err := s.appendEntryCopy(sector, data)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// appendEntryCopy writes one copy into the sector's tail. A write or
// read-back failure consumes the sector's remaining tail: the bytes are
// marked used so the next write cannot overlap them.
func (s *Store) appendEntryCopy(sector int, data []byte) (uint32, error) {
	addr := s.writeAddress(sector)
	sec := &s.sectors[sector]

	if _, err := s.partition.Write(addr, data); err != nil {
		sec.markUnwritable()
		s.errorDetected = true
		s.stats.trackError("write")
		s.logger.Error("entry write of %d bytes at address %d failed: %v", len(data), addr, err)
		return 0, err
	}
	s.stats.trackBytes(true, uint64(len(data)))

	if s.opts.VerifyOnWrite {
		e, err := entry.Read(s.partition, s.formats, addr)
		if err == nil {
			err = e.Verify(s.formats[e.FormatIndex()].Checksum)
		}
		if err != nil {
			sec.markUnwritable()
			s.errorDetected = true
			s.stats.trackError("write_verify")
			s.logger.Error("read-back of entry at address %d failed: %v", addr, err)
			return 0, err
		}
	}

	sec.freeTail -= uint32(len(data))
	return addr, nil
}

// commit publishes a fully written entry: the descriptor takes the new
// transaction id and addresses, the old copies become reclaimable, and
// the new bytes are accounted in use.
func (s *Store) commit(slot int, hash, txid uint32, st keyState, format int, size uint32, addrs []uint32) {
	var d *keyDescriptor
	if slot < 0 {
		d = s.idx.insert(hash, txid, st, format, size, addrs[0])
		d.addresses = append(d.addresses, addrs[1:]...)
	} else {
		d = &s.idx.descriptors[slot]
		for _, old := range d.addresses {
			s.sectors[s.sectorOf(old)].validBytes -= d.size
		}
		d.transactionID = txid
		d.state = st
		d.format = format
		d.size = size
		d.addresses = append(d.addresses[:0], addrs...)
	}
	for _, addr := range addrs {
		s.sectors[s.sectorOf(addr)].validBytes += size
	}
}

// noSpaceError distinguishes a store that is merely full from one whose
// sectors are unusable
func (s *Store) noSpaceError() error {
	for i := range s.sectors {
		if s.sectors[i].corrupt {
			return fmt.Errorf("%w: unrecovered corrupt sectors", ErrFailedPrecondition)
		}
	}
	return fmt.Errorf("%w: no sector has enough free space", ErrResourceExhausted)
}
