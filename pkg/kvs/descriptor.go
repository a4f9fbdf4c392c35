package kvs

import "github.com/cespare/xxhash/v2"

// keyState tracks what the latest durable record for a key means.
type keyState uint8

const (
	stateValid keyState = iota
	stateDeleted
)

// keyDescriptor is the in-RAM record of one key. The key string itself
// stays on flash; only its hash is held here, so lookups that match on
// hash must still compare the key bytes read back from the medium.
type keyDescriptor struct {
	hash          uint32
	transactionID uint32
	state         keyState
	format        int
	// size is the on-flash size of the current entry; every redundant
	// copy is byte-identical, so one size covers them all
	size uint32
	// addresses of up to R copies, in the order they were discovered or
	// written; capacity fixed at construction
	addresses []uint32
}

func (d *keyDescriptor) hasAddressInSector(sector int, sectorSize uint32) bool {
	for _, addr := range d.addresses {
		if int(addr/sectorSize) == sector {
			return true
		}
	}
	return false
}

func (d *keyDescriptor) removeAddress(i int) {
	d.addresses = append(d.addresses[:i], d.addresses[i+1:]...)
}

// index is the fixed-capacity key descriptor table. Descriptors are
// stored densely in the first count slots; removal swaps the last
// descriptor into the vacated slot.
type index struct {
	descriptors []keyDescriptor
	count       int
}

func newIndex(maxEntries, redundancy int) index {
	descriptors := make([]keyDescriptor, maxEntries)
	for i := range descriptors {
		descriptors[i].addresses = make([]uint32, 0, redundancy)
	}
	return index{descriptors: descriptors}
}

func (ix *index) reset() {
	for i := 0; i < ix.count; i++ {
		d := &ix.descriptors[i]
		*d = keyDescriptor{addresses: d.addresses[:0]}
	}
	ix.count = 0
}

func (ix *index) full() bool { return ix.count == len(ix.descriptors) }

// insert claims a slot for a new key. The caller must have checked full.
func (ix *index) insert(hash, txid uint32, state keyState, format int, size, addr uint32) *keyDescriptor {
	d := &ix.descriptors[ix.count]
	ix.count++
	d.hash = hash
	d.transactionID = txid
	d.state = state
	d.format = format
	d.size = size
	d.addresses = append(d.addresses[:0], addr)
	return d
}

// remove drops the descriptor at slot i, moving the last descriptor into
// its place. Callers iterating the table must re-visit slot i.
func (ix *index) remove(i int) {
	last := ix.count - 1
	if i != last {
		// Swap so the removed slot keeps its own backing address array.
		ix.descriptors[i], ix.descriptors[last] = ix.descriptors[last], ix.descriptors[i]
	}
	d := &ix.descriptors[last]
	*d = keyDescriptor{addresses: d.addresses[:0]}
	ix.count = last
}

// liveKeys counts descriptors that are not tombstoned
func (ix *index) liveKeys() int {
	n := 0
	for i := 0; i < ix.count; i++ {
		if ix.descriptors[i].state == stateValid {
			n++
		}
	}
	return n
}

// keyHash is the compact identifier kept in RAM for each key
func keyHash(key []byte) uint32 {
	return uint32(xxhash.Sum64(key))
}
