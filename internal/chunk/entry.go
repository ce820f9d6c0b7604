package chunk

import (
	"sync/atomic"
	"unsafe"
)

// Entry is a chunk-entry: either the number of free 4 KiB frames in a
// Split chunk (0..bitfield.Len), or the HugeAllocated sentinel meaning
// the whole chunk is a single order-9 allocation.
type Entry uint16

// Allocated is the sentinel value of a HugeAllocated chunk entry.
const Allocated Entry = 0xFFFF

// NewFree returns a Split entry with the given free-frame count.
func NewFree(free int) Entry { return Entry(free) }

// NewHuge returns the HugeAllocated sentinel entry.
func NewHuge() Entry { return Allocated }

// IsAllocated reports whether this entry is the HugeAllocated sentinel.
func (e Entry) IsAllocated() bool { return e == Allocated }

// Free returns the number of free frames represented by this entry (0
// for a HugeAllocated entry).
func (e Entry) Free() int {
	if e.IsAllocated() {
		return 0
	}
	return int(e)
}

// Dec returns the entry with numFrames subtracted from its free count,
// or ok=false if the entry is allocated or does not have enough free
// frames.
func (e Entry) Dec(numFrames int) (Entry, bool) {
	if e.IsAllocated() || e.Free() < numFrames {
		return 0, false
	}
	return NewFree(e.Free() - numFrames), true
}

// Inc returns the entry with numFrames added back to its free count, or
// ok=false if the entry is allocated or would overflow span.
func (e Entry) Inc(span, numFrames int) (Entry, bool) {
	if e.IsAllocated() || e.Free() > span-numFrames {
		return 0, false
	}
	return NewFree(e.Free() + numFrames), true
}

// MarkHuge transitions a fully-free Split(span) entry to HugeAllocated.
func (e Entry) MarkHuge(span int) (Entry, bool) {
	if e.Free() != span {
		return 0, false
	}
	return Allocated, true
}

// MarkSplit transitions a HugeAllocated entry back to Split(free).
func (e Entry) MarkSplit(free int) (Entry, bool) {
	if !e.IsAllocated() {
		return 0, false
	}
	return NewFree(free), true
}

// Table is the flat array of chunk entries for the whole managed
// region, laid out so that adjacent even/odd pairs share one 32-bit
// atomic word. This lets order<=8 and order-9 operations CAS a single
// entry, while the order-10 (two-huge) path CASes both halves of a pair
// in one atomic step — Go has no native 16-bit atomic, so pairing two
// entries per word is how the pair-CAS requirement of the spec is made
// genuinely atomic rather than approximated with a rollback sequence.
type Table struct {
	pairs []atomic.Uint32
}

// NewTable allocates a table for numEntries chunk entries (padded to an
// even count since entries are packed two-per-word).
func NewTable(numEntries int) *Table {
	return &Table{pairs: make([]atomic.Uint32, (numEntries+1)/2)}
}

// PairBytes returns the number of pair-words a table for numEntries
// chunk entries occupies, in bytes, for callers sizing a persistent
// region that must hold one.
func PairBytes(numEntries int) int {
	return ((numEntries + 1) / 2) * 4
}

// NewTableFromBytes reinterprets buf as the packed pair storage for a
// table sized for numEntries chunk entries, backed directly by buf's
// memory instead of the Go heap, so every CAS lands in buf (typically
// the tail of a memory-mapped persistent region) rather than being
// lost across a restart. buf must be at least PairBytes(numEntries)
// bytes and 4-byte aligned.
func NewTableFromBytes(buf []byte, numEntries int) *Table {
	pairs := (numEntries + 1) / 2
	if pairs == 0 {
		return &Table{}
	}
	if len(buf) < pairs*4 {
		panic("chunk: backing buffer too small for table")
	}
	return &Table{pairs: unsafe.Slice((*atomic.Uint32)(unsafe.Pointer(&buf[0])), pairs)}
}

// Len returns the number of entries the table was sized for.
func (t *Table) Len() int { return len(t.pairs) * 2 }

func packPair(lo, hi Entry) uint32 {
	return uint32(lo) | uint32(hi)<<16
}

func unpackPair(w uint32) (lo, hi Entry) {
	return Entry(w & 0xFFFF), Entry(w >> 16)
}

// Load returns the current value of entry i.
func (t *Table) Load(i int) Entry {
	w := t.pairs[i/2].Load()
	lo, hi := unpackPair(w)
	if i%2 == 0 {
		return lo
	}
	return hi
}

// CAS atomically replaces entry i with newVal if it currently holds
// old. The other entry sharing the same word is left untouched; a
// concurrent change to that sibling only causes a retry of this CAS,
// never a spurious failure against old.
func (t *Table) CAS(i int, old, newVal Entry) bool {
	word := &t.pairs[i/2]
	even := i%2 == 0
	for {
		w := word.Load()
		lo, hi := unpackPair(w)
		cur := lo
		if !even {
			cur = hi
		}
		if cur != old {
			return false
		}
		var next uint32
		if even {
			next = packPair(newVal, hi)
		} else {
			next = packPair(lo, newVal)
		}
		if word.CompareAndSwap(w, next) {
			return true
		}
	}
}

// LoadPair returns both entries of the pair starting at the even index
// pairStart (pairStart must be even).
func (t *Table) LoadPair(pairStart int) (Entry, Entry) {
	return unpackPair(t.pairs[pairStart/2].Load())
}

// CASPair atomically replaces both entries of the pair starting at the
// even index pairStart, succeeding only if both currently match
// (oldA, oldB).
func (t *Table) CASPair(pairStart int, oldA, oldB, newA, newB Entry) bool {
	word := &t.pairs[pairStart/2]
	return word.CompareAndSwap(packPair(oldA, oldB), packPair(newA, newB))
}

// Store overwrites entry i non-atomically aside from the underlying
// atomic store; only safe during init/recovery before any other core
// observes the table.
func (t *Table) Store(i int, v Entry) {
	word := &t.pairs[i/2]
	w := word.Load()
	lo, hi := unpackPair(w)
	if i%2 == 0 {
		lo = v
	} else {
		hi = v
	}
	word.Store(packPair(lo, hi))
}
