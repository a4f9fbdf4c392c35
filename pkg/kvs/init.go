package kvs

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/flashkv/flashkv/pkg/entry"
)

// Init scans every usable sector, rebuilds the key index and sector
// accounting, and applies the configured recovery policy.
//
// Under manual recovery any corruption is reported as data loss and
// nothing is repaired; the store additionally stays uninitialized when a
// sector could not be read at all. Under lazy recovery corrupt sectors
// are garbage collected, missing redundant copies are rewritten, and the
// reserved empty sector is re-established before Init returns.
func (s *Store) Init() error {
	s.idx.reset()
	for i := range s.sectors {
		s.sectors[i] = sectorDescriptor{}
	}
	s.initialized = false
	s.scanFailed = false
	s.errorDetected = false

	for i := range s.sectors {
		if err := s.scanSector(i); err != nil {
			return err
		}
	}
	s.stats.trackOperation(OpInit)

	corruption := s.scanFailed
	for i := range s.sectors {
		if s.sectors[i].corrupt {
			corruption = true
		}
	}

	if s.opts.Recovery == RecoveryManual {
		s.initialized = !s.scanFailed && s.hasEmptySector()
		if corruption {
			return fmt.Errorf("%w: corruption detected during scan", ErrDataLoss)
		}
		return nil
	}

	if err := s.recover(); err != nil {
		return err
	}
	s.initialized = true
	s.errorDetected = false
	return nil
}

// scanSector walks one sector from offset zero, indexing every entry it
// can validate. The scanner steps by the partition alignment while
// searching for a magic word; a recognized entry advances by its own
// size. Corruption marks the sector but the walk continues, so valid
// entries beyond a damaged region are still recovered. Only a full key
// index aborts the scan.
func (s *Store) scanSector(sector int) error {
	base := s.sectorStart(sector)
	end := base + s.sectorSize
	sec := &s.sectors[sector]
	step := s.partition.AlignmentBytes()

	var hdr [entry.HeaderSize]byte
	addr := base
	for addr+entry.HeaderSize <= end {
		if _, err := s.partition.Read(addr, hdr[:]); err != nil {
			s.noteScanFailure(sector, addr, err)
			addr += step
			continue
		}

		if s.partition.AppearsErased(hdr[:]) {
			erased, err := s.partition.IsRegionErased(addr, int(end-addr))
			if err != nil {
				s.noteScanFailure(sector, addr, err)
				addr += step
				continue
			}
			if erased {
				// Clean tail. A corrupt sector's tail stays unwritable.
				if !sec.corrupt {
					sec.freeTail = end - addr
				}
				return nil
			}
			// Data beyond an erased-looking gap: corruption.
			next, found := s.resync(sector, addr+step, end)
			if !found {
				return nil
			}
			addr = next
			continue
		}

		h := entry.DecodeHeader(hdr[:])
		if _, ok := s.formats.Find(h.Magic); !ok {
			next, found := s.resync(sector, addr+step, end)
			if !found {
				return nil
			}
			addr = next
			continue
		}
		if err := h.Validate(s.sectorSize, step); err != nil {
			next, found := s.resync(sector, addr+step, end)
			if !found {
				return nil
			}
			addr = next
			continue
		}
		if addr+h.EntrySize() > end {
			next, found := s.resync(sector, addr+step, end)
			if !found {
				return nil
			}
			addr = next
			continue
		}

		e, err := entry.Read(s.partition, s.formats, addr)
		if err != nil {
			// The header parsed moments ago, so this is a medium failure.
			s.noteScanFailure(sector, addr, err)
			addr += step
			continue
		}
		if err := e.Verify(s.formats[e.FormatIndex()].Checksum); err != nil {
			if !errors.Is(err, entry.ErrDataLoss) {
				s.noteScanFailure(sector, addr, err)
				addr += step
				continue
			}
			s.logger.Debug("entry at address %d failed verification: %v", addr, err)
			next, found := s.resync(sector, addr+step, end)
			if !found {
				return nil
			}
			addr = next
			continue
		}

		if err := s.recordScannedEntry(e, sector); err != nil {
			return err
		}
		addr += e.Size()
	}
	return nil
}

// resync marks the sector corrupt and searches forward for the next
// recognizable entry.
func (s *Store) resync(sector int, from, end uint32) (uint32, bool) {
	sec := &s.sectors[sector]
	if !sec.corrupt {
		sec.corrupt = true
		s.errorDetected = true
		s.logger.Warn("sector %d is corrupt", sector)
	}
	next, found, err := entry.ScanForEntry(s.partition, s.formats, from, end)
	if err != nil {
		s.noteScanFailure(sector, from, err)
		return 0, false
	}
	return next, found
}

// noteScanFailure records a medium failure during the scan. The sector
// is untrustworthy and, under manual recovery, the store cannot finish
// initializing.
func (s *Store) noteScanFailure(sector int, addr uint32, err error) {
	sec := &s.sectors[sector]
	sec.corrupt = true
	s.scanFailed = true
	s.errorDetected = true
	s.stats.trackError("scan_read")
	s.logger.Error("scan of sector %d failed at address %d: %v", sector, addr, err)
}

// recordScannedEntry folds one verified entry into the key index and the
// sector accounting. Later transaction ids supersede earlier ones; equal
// ids with identical payloads are redundant copies, while equal ids with
// differing payloads or more copies than the configured redundancy mark
// the sector corrupt.
func (s *Store) recordScannedEntry(e *entry.Entry, sector int) error {
	key, err := e.ReadKey(s.keyBuf[:])
	if err != nil {
		s.noteScanFailure(sector, e.Address(), err)
		return nil
	}
	h := keyHash(key)
	sec := &s.sectors[sector]
	size := e.Size()
	state := stateValid
	if e.Deleted() {
		state = stateDeleted
	}

	for i := 0; i < s.idx.count; i++ {
		d := &s.idx.descriptors[i]
		if d.hash != h {
			continue
		}
		stored, err := s.readDescriptorKey(d, s.cmpBuf[:], false, false)
		if err != nil {
			s.noteScanFailure(sector, e.Address(), err)
			return nil
		}
		if !bytes.Equal(key, stored) {
			continue
		}

		switch {
		case e.TransactionID() > d.transactionID:
			for _, old := range d.addresses {
				s.sectors[s.sectorOf(old)].validBytes -= d.size
			}
			d.transactionID = e.TransactionID()
			d.state = state
			d.format = e.FormatIndex()
			d.size = size
			d.addresses = append(d.addresses[:0], e.Address())
			sec.validBytes += size
		case e.TransactionID() < d.transactionID:
			// Superseded copy; its bytes are reclaimable.
		default:
			same, err := s.sameEntryContent(d, e)
			if err != nil || !same {
				s.logger.Warn("conflicting entries with transaction id %d in sector %d",
					e.TransactionID(), sector)
				sec.corrupt = true
				s.errorDetected = true
				return nil
			}
			if len(d.addresses) < s.opts.Redundancy && !d.hasAddressInSector(sector, s.sectorSize) {
				d.addresses = append(d.addresses, e.Address())
				sec.validBytes += size
			} else {
				// A surplus or same-sector duplicate; reclaim it with the sector.
				s.logger.Warn("surplus copy of entry with transaction id %d in sector %d",
					e.TransactionID(), sector)
				sec.corrupt = true
				s.errorDetected = true
			}
		}
		return nil
	}

	if s.idx.full() {
		return fmt.Errorf("%w: key index full during scan (%d entries)",
			ErrResourceExhausted, s.opts.MaxEntries)
	}
	s.idx.insert(h, e.TransactionID(), state, e.FormatIndex(), size, e.Address())
	sec.validBytes += size
	return nil
}

// sameEntryContent compares the payload of e against the copy the
// descriptor already points to. Keys are known equal; only the value
// bytes are compared, in fixed-size chunks.
func (s *Store) sameEntryContent(d *keyDescriptor, e *entry.Entry) (bool, error) {
	known, err := entry.Read(s.partition, s.formats, d.addresses[0])
	if err != nil {
		return false, err
	}
	if known.ValueLength() != e.ValueLength() {
		return false, nil
	}
	for offset := 0; offset < e.ValueLength(); offset += len(s.valBufA) {
		na, err := known.ReadValue(s.valBufA[:], offset)
		if err != nil {
			return false, err
		}
		nb, err := e.ReadValue(s.valBufB[:], offset)
		if err != nil {
			return false, err
		}
		if na != nb || !bytes.Equal(s.valBufA[:na], s.valBufB[:nb]) {
			return false, nil
		}
	}
	return true, nil
}
