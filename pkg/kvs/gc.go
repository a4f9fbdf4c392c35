package kvs

import (
	"fmt"

	"github.com/flashkv/flashkv/pkg/entry"
)

// recover is the lazy-mode repair pass run at the end of Init: reclaim
// every corrupt sector, restore redundancy, and make sure the reserved
// empty sector exists.
func (s *Store) recover() error {
	// Collect corrupt sectors with the fewest valid bytes first, so
	// sectors that need no relocation free up destinations for the ones
	// that do.
	for {
		victim := -1
		for i := range s.sectors {
			if !s.sectors[i].corrupt {
				continue
			}
			if victim == -1 || s.sectors[i].validBytes < s.sectors[victim].validBytes {
				victim = i
			}
		}
		if victim == -1 {
			break
		}
		if err := s.gcSector(victim); err != nil {
			return err
		}
	}

	s.repairRedundancy()

	if !s.hasEmptySector() {
		collected, err := s.gcMostReclaimable()
		if err != nil {
			return err
		}
		if !collected || !s.hasEmptySector() {
			return fmt.Errorf("%w: cannot re-establish an empty sector", ErrDataLoss)
		}
	}
	return nil
}

// gcSector relocates every live copy out of the sector, then erases it.
// Copies that no longer read back are dropped; a key whose last copy is
// dropped disappears from the index.
func (s *Store) gcSector(sector int) error {
	sec := &s.sectors[sector]
	wasCorrupt := sec.corrupt

	for i := 0; i < s.idx.count; {
		d := &s.idx.descriptors[i]
		for ai := 0; ai < len(d.addresses); {
			addr := d.addresses[ai]
			if s.sectorOf(addr) != sector {
				ai++
				continue
			}

			e, verr := entry.Read(s.partition, s.formats, addr)
			if verr == nil {
				verr = e.Verify(s.formats[e.FormatIndex()].Checksum)
			}
			if verr != nil {
				// The copy is already lost; dropping it loses nothing more.
				s.logger.Warn("dropping unreadable copy of key hash %#08x at address %d: %v",
					d.hash, addr, verr)
				s.errorDetected = true
				s.stats.trackError("relocate")
				sec.validBytes -= d.size
				d.removeAddress(ai)
				continue
			}

			// The copy is good: failure to rewrite it aborts the
			// collection rather than discarding live data.
			newAddr, err := s.rewriteCopy(d, e, sector)
			if err != nil {
				return err
			}
			d.addresses[ai] = newAddr
			s.sectors[s.sectorOf(newAddr)].validBytes += d.size
			sec.validBytes -= d.size
			ai++
		}
		if len(d.addresses) == 0 {
			// The slot is refilled by the swapped-in last descriptor;
			// revisit it.
			s.idx.remove(i)
			continue
		}
		i++
	}

	if err := s.partition.Erase(s.sectorStart(sector), 1); err != nil {
		return err
	}
	sec.resetErased(s.sectorSize)
	if wasCorrupt {
		s.stats.corruptSectorsRecovered.Add(1)
	}
	s.stats.trackOperation(OpGC)
	return nil
}

// rewriteCopy moves an already verified entry, byte for byte, into
// another sector. Relocation may use the reserved sector; the source is
// about to be erased and becomes the new reserve.
func (s *Store) rewriteCopy(d *keyDescriptor, e *entry.Entry, fromSector int) (uint32, error) {
	raw := s.relocBuf[:e.Size()]
	if _, err := s.partition.Read(e.Address(), raw); err != nil {
		return 0, err
	}

	exclude := s.targetBuf[:0]
	exclude = append(exclude, fromSector)
	for _, a := range d.addresses {
		if a != e.Address() && s.sectorOf(a) != fromSector {
			exclude = append(exclude, s.sectorOf(a))
		}
	}

	target, ok := s.findWriteSector(uint32(len(raw)), exclude, true, 0)
	if !ok {
		return 0, fmt.Errorf("%w: no destination for relocation of %d bytes",
			ErrFailedPrecondition, len(raw))
	}
	return s.appendEntryCopy(target, raw)
}

// gcMostReclaimable collects the sector with the most reclaimable bytes.
// Returns false when no sector has anything to reclaim.
func (s *Store) gcMostReclaimable() (bool, error) {
	victim := -1
	var most uint32
	for i := range s.sectors {
		r := s.sectors[i].reclaimable(s.sectorSize)
		if s.sectors[i].corrupt && r == 0 {
			// An erase still clears the corrupt flag.
			r = 1
		}
		if r > most {
			victim, most = i, r
		}
	}
	if victim == -1 {
		return false, nil
	}
	return true, s.gcSector(victim)
}

// repairRedundancy rewrites missing redundant copies for every entry
// that has fewer than the configured number. Failures are logged and
// flagged but do not abort the pass.
func (s *Store) repairRedundancy() {
	for i := 0; i < s.idx.count; i++ {
		d := &s.idx.descriptors[i]
		if len(d.addresses) >= s.opts.Redundancy {
			continue
		}

		source, err := s.readLiveEntry(d, true)
		if err != nil {
			s.logger.Error("cannot repair redundancy for key hash %#08x: %v", d.hash, err)
			continue
		}
		raw := s.relocBuf[:source.Size()]
		if _, err := s.partition.Read(source.Address(), raw); err != nil {
			s.logger.Error("cannot read source copy for key hash %#08x: %v", d.hash, err)
			s.errorDetected = true
			continue
		}

		repaired := true
		for len(d.addresses) < s.opts.Redundancy {
			exclude := s.targetBuf[:0]
			for _, a := range d.addresses {
				exclude = append(exclude, s.sectorOf(a))
			}
			target, ok := s.findWriteSector(uint32(len(raw)), exclude, false, s.emptySectors())
			if !ok {
				s.logger.Warn("no destination to repair redundancy for key hash %#08x", d.hash)
				repaired = false
				break
			}
			addr, err := s.appendEntryCopy(target, raw)
			if err != nil {
				repaired = false
				break
			}
			d.addresses = append(d.addresses, addr)
			s.sectors[target].validBytes += d.size
		}
		if repaired {
			s.stats.missingRedundantRecovered.Add(1)
		}
	}
}

// FullMaintenance compacts every sector with reclaimable bytes, drops
// tombstones whose older versions can no longer survive anywhere, and
// restores missing redundant copies. At steady state a second call
// changes nothing.
func (s *Store) FullMaintenance() error {
	if !s.initialized {
		return fmt.Errorf("%w: store not initialized", ErrFailedPrecondition)
	}

	if err := s.collectAll(); err != nil {
		return err
	}

	// Every surviving byte now backs a current entry, so no superseded
	// version of a deleted key remains to resurrect: tombstones can go.
	dropped := false
	for i := 0; i < s.idx.count; {
		d := &s.idx.descriptors[i]
		if d.state != stateDeleted {
			i++
			continue
		}
		for _, addr := range d.addresses {
			s.sectors[s.sectorOf(addr)].validBytes -= d.size
		}
		s.idx.remove(i)
		dropped = true
	}
	if dropped {
		if err := s.collectAll(); err != nil {
			return err
		}
	}

	s.repairRedundancy()
	s.errorDetected = false
	s.stats.trackOperation(OpMaintenance)
	return nil
}

// collectAll garbage collects until no sector is corrupt or reclaimable
func (s *Store) collectAll() error {
	for {
		collected, err := s.gcMostReclaimable()
		if err != nil {
			return err
		}
		if !collected {
			return nil
		}
	}
}
