// Package subtree implements the upper (subtree) engine: the flat
// array of tree entries, the per-core local reservations, the
// reservation/unreservation/stealing protocol, and the put-reserve
// heuristic.
package subtree

import "sync/atomic"

// FreeBits is the width of a TreeEntry's free-frame counter.
const FreeBits = 15

// MaxFree is the largest free-frame count a TreeEntry can represent.
const MaxFree = (1 << FreeBits) - 1

// TreeEntry packs a subtree's free-frame count and reserved flag into
// 16 bits (free: 15 bits, reserved: 1 bit). Go has no native 16-bit
// atomic, so TreeEntry values are carried inside a 32-bit atomic word
// one level up (see Trees); the type itself stays a plain value type.
type TreeEntry uint32

// NewTreeEntry packs a free-frame count and reserved flag into a
// TreeEntry.
func NewTreeEntry(free int, reserved bool) TreeEntry {
	v := TreeEntry(free & MaxFree)
	if reserved {
		v |= 1 << FreeBits
	}
	return v
}

// Free returns the free-frame count.
func (e TreeEntry) Free() int { return int(e & MaxFree) }

// Reserved reports whether the subtree is currently reserved by a core.
func (e TreeEntry) Reserved() bool { return e&(1<<FreeBits) != 0 }

// Inc returns the entry with numFrames added to its free count, bounded
// by max, or ok=false on overflow.
func (e TreeEntry) Inc(numFrames, max int) (TreeEntry, bool) {
	f := e.Free() + numFrames
	if f > max {
		return 0, false
	}
	return NewTreeEntry(f, e.Reserved()), true
}

// Reserve reserves the entry (setting free to 0) if it is not already
// reserved and its free count lies in [min, max].
func (e TreeEntry) Reserve(min, max int) (TreeEntry, bool) {
	if e.Reserved() || e.Free() < min || e.Free() > max {
		return 0, false
	}
	return NewTreeEntry(0, true), true
}

// UnreserveAdd adds back a core's residual balance and clears the
// reserved flag, bounded by max. ok is false if the entry was not
// reserved or the addition would overflow.
func (e TreeEntry) UnreserveAdd(add, max int) (TreeEntry, bool) {
	f := e.Free() + add
	if !e.Reserved() || f > max {
		return 0, false
	}
	return NewTreeEntry(f, false), true
}

// Trees is the flat array of tree entries, one per subtree, plus the
// (fixed) span of frames each subtree covers so the last, possibly
// short, subtree is handled correctly.
type Trees struct {
	entries    []atomic.Uint32
	totalSpan  int
	subtreeLen int
}

// NewTrees allocates the tree-entry array for a region of totalFrames
// frames divided into subtrees of subtreeLen frames each, initialized
// either fully free (freeAll) or fully reserved-as-allocated.
func NewTrees(totalFrames, subtreeLen int, freeAll bool) *Trees {
	n := (totalFrames + subtreeLen - 1) / subtreeLen
	tr := &Trees{
		entries:    make([]atomic.Uint32, n),
		totalSpan:  totalFrames,
		subtreeLen: subtreeLen,
	}
	for i := 0; i < n; i++ {
		span := tr.Span(i)
		free := span
		if !freeAll {
			free = 0
		}
		tr.entries[i].Store(uint32(NewTreeEntry(free, false)))
	}
	return tr
}

// NewTreesFromCounts rebuilds the tree-entry array from already-known
// per-subtree free counts, used by recovery once the lower engine has
// recomputed each subtree's total.
func NewTreesFromCounts(subtreeLen int, totalFrames int, free []int) *Trees {
	tr := &Trees{
		entries:    make([]atomic.Uint32, len(free)),
		totalSpan:  totalFrames,
		subtreeLen: subtreeLen,
	}
	for i, f := range free {
		tr.entries[i].Store(uint32(NewTreeEntry(f, false)))
	}
	return tr
}

// NumSubtrees returns the number of subtrees in the array.
func (tr *Trees) NumSubtrees() int { return len(tr.entries) }

// SubtreeLen returns the configured frames-per-subtree (N).
func (tr *Trees) SubtreeLen() int { return tr.subtreeLen }

// Span returns the number of frames the subtree at index i actually
// covers: subtreeLen for every subtree but (possibly) the last.
func (tr *Trees) Span(i int) int {
	start := i * tr.subtreeLen
	span := tr.totalSpan - start
	if span > tr.subtreeLen {
		span = tr.subtreeLen
	}
	if span < 0 {
		span = 0
	}
	return span
}

// Load returns the current value of tree entry i.
func (tr *Trees) Load(i int) TreeEntry { return TreeEntry(tr.entries[i].Load()) }

// CAS atomically replaces tree entry i with newVal if it currently
// holds old.
func (tr *Trees) CAS(i int, old, newVal TreeEntry) bool {
	return tr.entries[i].CompareAndSwap(uint32(old), uint32(newVal))
}

// FreeFrames sums the free count across every subtree, including
// reserved ones (which always report 0 here; their true balance lives
// in the owning core's Local). Debug-only.
func (tr *Trees) FreeFrames() int {
	n := 0
	for i := range tr.entries {
		n += tr.Load(i).Free()
	}
	return n
}
