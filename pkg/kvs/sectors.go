package kvs

// sectorDescriptor is the per-sector bookkeeping: how many bytes back
// live entries, how much tail space remains writable, and whether the
// sector is known corrupt. Reclaimable space is what's left over.
type sectorDescriptor struct {
	validBytes uint32
	freeTail   uint32
	corrupt    bool
}

func (s *sectorDescriptor) reclaimable(sectorSize uint32) uint32 {
	return sectorSize - s.validBytes - s.freeTail
}

func (s *sectorDescriptor) empty(sectorSize uint32) bool {
	return !s.corrupt && s.validBytes == 0 && s.freeTail == sectorSize
}

// markUnwritable consumes the sector's remaining tail after a failed or
// suspect write so the bytes are reclaimed rather than reused.
func (s *sectorDescriptor) markUnwritable() {
	s.freeTail = 0
}

func (s *sectorDescriptor) resetErased(sectorSize uint32) {
	s.validBytes = 0
	s.freeTail = sectorSize
	s.corrupt = false
}

// emptySectors counts fully erased, trusted sectors
func (s *Store) emptySectors() int {
	n := 0
	for i := range s.sectors {
		if s.sectors[i].empty(s.sectorSize) {
			n++
		}
	}
	return n
}

// hasEmptySector reports whether the reserved-sector invariant can hold
func (s *Store) hasEmptySector() bool {
	return s.emptySectors() > 0
}

func (s *Store) sectorOf(addr uint32) int {
	return int(addr / s.sectorSize)
}

func (s *Store) sectorStart(sector int) uint32 {
	return uint32(sector) * s.sectorSize
}

// writeAddress returns the next append position in the sector's tail
func (s *Store) writeAddress(sector int) uint32 {
	return s.sectorStart(sector) + s.sectorSize - s.sectors[sector].freeTail
}

// findWriteSector picks the destination for one entry copy of the given
// size. exclude lists sectors already holding a copy of the same entry.
// Partially written sectors are preferred over empty ones so the pool of
// empty sectors shrinks as late as possible; within a class the sector
// with the most free tail wins and ties go to the lower index. Unless
// relocating on behalf of the collector, the last remaining empty sector
// is off limits: it is the reserved destination for compaction.
//
// emptyBudget is the number of empty sectors the caller may still
// consume, typically emptySectors() minus empties already claimed for
// other copies of the same entry.
func (s *Store) findWriteSector(size uint32, exclude []int, relocating bool, emptyBudget int) (int, bool) {
	best := -1
	bestEmpty := false
	for i := range s.sectors {
		sec := &s.sectors[i]
		if sec.freeTail < size || containsSector(exclude, i) {
			continue
		}
		isEmpty := sec.empty(s.sectorSize)
		if isEmpty && !relocating && emptyBudget <= 1 {
			continue
		}
		if best == -1 {
			best, bestEmpty = i, isEmpty
			continue
		}
		// Non-empty beats empty; otherwise most free tail, first wins ties.
		if bestEmpty != isEmpty {
			if bestEmpty && !isEmpty {
				best, bestEmpty = i, isEmpty
			}
			continue
		}
		if sec.freeTail > s.sectors[best].freeTail {
			best, bestEmpty = i, isEmpty
		}
	}
	return best, best != -1
}

// findWriteTargets selects the distinct destination sectors for all R
// copies of an entry, without mutating any sector state. buf provides
// the backing storage; the selected targets are returned in write order.
func (s *Store) findWriteTargets(size uint32, buf []int) ([]int, bool) {
	emptyBudget := s.emptySectors()
	targets := buf[:0]
	for len(targets) < s.opts.Redundancy {
		sector, ok := s.findWriteSector(size, targets, false, emptyBudget)
		if !ok {
			return nil, false
		}
		if s.sectors[sector].empty(s.sectorSize) {
			emptyBudget--
		}
		targets = append(targets, sector)
	}
	return targets, true
}

func containsSector(sectors []int, sector int) bool {
	for _, s := range sectors {
		if s == sector {
			return true
		}
	}
	return false
}
