// Package chunk implements the lower (chunk) engine: per-chunk bitfield
// tracking for order <= 8, the HugeAllocated sentinel transition for
// order 9, and the two-chunk pair transition for order 10 (MaxOrder).
//
// A Lower manages a single contiguous run of frames subdivided into
// fixed-size chunks of bitfield.Len (512) frames each. Get/Put never
// cross the H-chunk subtree boundary that the caller (the subtree
// engine) passes in as the search's starting frame.
package chunk

import (
	"errors"
	"fmt"

	"github.com/orizon-lang/pageframe/internal/bitfield"
	"github.com/orizon-lang/pageframe/internal/spin"
)

// H is the number of chunks per subtree.
const H = 32

// N is the number of frames per subtree (H * bitfield.Len).
const N = H * bitfield.Len

// HugeOrder is the order of one whole chunk (512 frames).
const HugeOrder = bitfield.Order

// MaxOrder is the order of two adjacent chunks (1024 frames).
const MaxOrder = HugeOrder + 1

// CASRetries bounds the partial-put-huge spin-wait for a concurrent
// HugeAllocated->Split conversion to complete.
const CASRetries = 16

// Sentinel errors, matching the Error kinds of §7 of the specification.
var (
	ErrMemory     = errors.New("chunk: memory")
	ErrAddress    = errors.New("chunk: address")
	ErrCorruption = errors.New("chunk: corruption")
)

// Lower is the chunk-level allocator for a contiguous run of frames.
type Lower struct {
	frames    int
	entries   *Table
	bitfields []bitfield.Bitfield
}

// New creates a Lower over the given number of frames. entries and
// bitfields must already be sized for frames (numChunks =
// ceil(frames/bitfield.Len)); the caller owns their placement (volatile
// heap vs. persistent region tail).
func New(frames int, entries *Table, bitfields []bitfield.Bitfield, freeAll bool) *Lower {
	l := &Lower{frames: frames, entries: entries, bitfields: bitfields}
	if freeAll {
		l.initFreeAll()
	} else {
		l.initReservedAll()
	}
	return l
}

// NewVolatile creates a Lower whose entries/bitfields are allocated on
// the normal Go heap, for callers that did not request persistent
// placement inside the managed region.
func NewVolatile(frames int, freeAll bool) *Lower {
	numChunks := (frames + bitfield.Len - 1) / bitfield.Len
	entries := NewTable(numChunks)
	bitfields := make([]bitfield.Bitfield, numChunks)
	return New(frames, entries, bitfields, freeAll)
}

// Recovered creates a Lower without running either initializer, for use
// by the Recover code path which restores entries/bitfields itself.
func Recovered(frames int, entries *Table, bitfields []bitfield.Bitfield) *Lower {
	return &Lower{frames: frames, entries: entries, bitfields: bitfields}
}

// Frames returns the total number of frames this Lower manages.
func (l *Lower) Frames() int { return l.frames }

// NumChunks returns the number of chunk entries / bitfields backing
// this Lower.
func (l *Lower) NumChunks() int { return len(l.bitfields) }

func (l *Lower) initFreeAll() {
	numChunks := len(l.bitfields)
	for ci := 0; ci < numChunks; ci++ {
		start := ci * bitfield.Len
		free := l.frames - start
		if free > bitfield.Len {
			free = bitfield.Len
		}
		if free < 0 {
			free = 0
		}
		l.entries.Store(ci, NewFree(free))

		switch {
		case free >= bitfield.Len:
			l.bitfields[ci].Fill(false)
		case free <= 0:
			l.bitfields[ci].Fill(true)
		default:
			l.bitfields[ci].Set(0, free, false)
			l.bitfields[ci].Set(free, bitfield.Len, true)
		}
	}
}

func (l *Lower) initReservedAll() {
	numChunks := len(l.bitfields)
	for ci := 0; ci < numChunks; ci++ {
		start := ci * bitfield.Len
		if start+bitfield.Len <= l.frames {
			l.entries.Store(ci, NewHuge())
			l.bitfields[ci].Fill(false)
		} else if start < l.frames {
			// Partially-included final chunk: treat as fully allocated
			// small frames so the bitfield can represent the boundary.
			l.entries.Store(ci, NewFree(0))
			l.bitfields[ci].Fill(true)
		} else {
			l.entries.Store(ci, NewFree(0))
			l.bitfields[ci].Fill(true)
		}
	}
}

// Get tries to allocate 2^order frames within the subtree that contains
// startFrame, beginning the in-subtree search at startFrame.
func (l *Lower) Get(startFrame, order int) (uint64, error) {
	switch order {
	case MaxOrder:
		return l.getMax(startFrame)
	case HugeOrder:
		return l.getHuge(startFrame)
	default:
		return l.getSmall(startFrame, order)
	}
}

func (l *Lower) getSmall(startFrame, order int) (uint64, error) {
	firstChunk := alignDown(startFrame/bitfield.Len, H)
	startWord := (startFrame / bitfield.EntryBits) % bitfield.Words
	offset := (startFrame / bitfield.Len) % H
	want := 1 << order

	for j := 0; j < H; j++ {
		i := (j + offset) % H
		ci := firstChunk + i
		if ci >= len(l.bitfields) {
			continue
		}

		old := l.entries.Load(ci)
		next, ok := old.Dec(want)
		if !ok || !l.entries.CAS(ci, old, next) {
			continue
		}

		bfStart := 0
		if j == 0 {
			bfStart = startWord
		}
		off, err := l.bitfields[ci].SetFirstZeros(bfStart, order)
		if err == nil {
			return uint64(ci*bitfield.Len + off), nil
		}

		// Roll back the counter; the bitfield search failed (rare
		// order 7/8 race or accounting drift already repaired by a
		// previous deep recovery).
		cur := l.entries.Load(ci)
		reverted, ok := cur.Inc(bitfield.Len, want)
		if !ok || !l.entries.CAS(ci, cur, reverted) {
			return 0, fmt.Errorf("%w: undo failed at chunk %d", ErrCorruption, ci)
		}
	}
	return 0, ErrMemory
}

func (l *Lower) getHuge(startFrame int) (uint64, error) {
	table := alignDown(startFrame, N)
	offset := (startFrame / bitfield.Len) % H

	for j := 0; j < H; j++ {
		i := (j + offset) % H
		ci := table/bitfield.Len + i
		if ci >= len(l.bitfields) {
			continue
		}
		old := l.entries.Load(ci)
		next, ok := old.MarkHuge(bitfield.Len)
		if ok && l.entries.CAS(ci, old, next) {
			return uint64(table + i*bitfield.Len), nil
		}
	}
	return 0, ErrMemory
}

func (l *Lower) getMax(startFrame int) (uint64, error) {
	table := alignDown(startFrame, N)
	offset := ((startFrame / bitfield.Len) % H) / 2

	for j := 0; j < H/2; j++ {
		i := (j + offset) % (H / 2)
		pairStart := table/bitfield.Len + i*2
		if pairStart+1 >= len(l.bitfields) {
			continue
		}
		a, b := l.entries.LoadPair(pairStart)
		na, okA := a.MarkHuge(bitfield.Len)
		nb, okB := b.MarkHuge(bitfield.Len)
		if okA && okB && l.entries.CASPair(pairStart, a, b, na, nb) {
			return uint64(table + i*2*bitfield.Len), nil
		}
	}
	return 0, ErrMemory
}

// Put frees the 2^order-aligned frame allocated previously by Get.
func (l *Lower) Put(frame, order int) error {
	switch order {
	case MaxOrder:
		return l.putMax(frame)
	case HugeOrder:
		return l.putHuge(frame)
	default:
		return l.putSmall(frame, order)
	}
}

func (l *Lower) putSmall(frame, order int) error {
	ci := frame / bitfield.Len
	old := l.entries.Load(ci)

	if old.IsAllocated() {
		if err := l.partialPutHuge(ci); err != nil {
			return err
		}
		old = l.entries.Load(ci)
	}

	want := 1 << order
	if old.Free() > bitfield.Len-want {
		return ErrAddress
	}

	if err := l.bitfields[ci].Toggle(frame%bitfield.Len, order, true); err != nil {
		return ErrAddress
	}

	for {
		cur := l.entries.Load(ci)
		next, ok := cur.Inc(bitfield.Len, want)
		if !ok {
			return ErrCorruption
		}
		if l.entries.CAS(ci, cur, next) {
			return nil
		}
	}
}

func (l *Lower) putHuge(frame int) error {
	ci := frame / bitfield.Len
	old := l.entries.Load(ci)
	next, ok := old.MarkSplit(bitfield.Len)
	if !ok || !l.entries.CAS(ci, old, next) {
		return ErrAddress
	}
	return nil
}

func (l *Lower) putMax(frame int) error {
	pairStart := (frame / bitfield.Len) &^ 1
	a, b := l.entries.LoadPair(pairStart)
	na, okA := a.MarkSplit(bitfield.Len)
	nb, okB := b.MarkSplit(bitfield.Len)
	if !okA || !okB || !l.entries.CASPair(pairStart, a, b, na, nb) {
		return ErrAddress
	}
	return nil
}

// partialPutHuge converts a HugeAllocated chunk entry into a fully
// allocated Split(0) entry so a sub-huge-order free can proceed. Only
// one racing core performs the conversion; the rest spin-wait for it to
// finish.
func (l *Lower) partialPutHuge(ci int) error {
	old := l.entries.Load(ci)
	if !old.IsAllocated() {
		return nil
	}

	if !l.bitfields[ci].FillCAS(true) {
		// Another core is already converting this chunk; wait for it
		// instead of fighting over the bitfield fill.
		ok := spin.Wait(CASRetries, func() bool {
			return !l.entries.Load(ci).IsAllocated()
		})
		if !ok {
			return fmt.Errorf("%w: partial-put-huge timed out on chunk %d", ErrCorruption, ci)
		}
		return nil
	}

	if !l.entries.CAS(ci, old, NewFree(0)) {
		// Lost the race after winning the bitfield fill: someone else
		// must have converted first (or we're corrupted). Wait it out.
		ok := spin.Wait(CASRetries, func() bool {
			return !l.entries.Load(ci).IsAllocated()
		})
		if !ok {
			return fmt.Errorf("%w: partial-put-huge entry CAS lost on chunk %d", ErrCorruption, ci)
		}
	}
	return nil
}

// IsFree reports whether the aligned 2^order block at frame is free.
// Racy by design; used only for debug checks.
func (l *Lower) IsFree(frame, order int) bool {
	if order > MaxOrder || frame+(1<<order) > l.frames {
		return false
	}

	if order > HugeOrder {
		pairStart := (frame / bitfield.Len) &^ 1
		if pairStart+1 >= len(l.bitfields) {
			return false
		}
		a, b := l.entries.LoadPair(pairStart)
		return a.Free() == bitfield.Len && b.Free() == bitfield.Len
	}

	ci := frame / bitfield.Len
	entry := l.entries.Load(ci)
	if entry.Free() < 1<<order {
		return false
	}
	if entry.Free() == bitfield.Len {
		return true
	}
	return l.bitfields[ci].IsZero(frame%bitfield.Len, order)
}

// AllocatedFrames recomputes the number of allocated frames by summing
// every chunk entry's free count. Debug-only; O(numChunks).
func (l *Lower) AllocatedFrames() int {
	free := 0
	for ci := 0; ci < len(l.bitfields); ci++ {
		free += l.entries.Load(ci).Free()
	}
	return l.frames - free
}

// ForEachHugeFrame calls f once per chunk with its starting frame
// number and current free-frame count (0 for HugeAllocated chunks).
func (l *Lower) ForEachHugeFrame(f func(frame uint64, free int)) {
	for ci := 0; ci < len(l.bitfields); ci++ {
		f(uint64(ci*bitfield.Len), l.entries.Load(ci).Free())
	}
}

// Recover walks every chunk belonging to the subtree starting at
// subtreeStart (a multiple of N) and returns its total free-frame
// count. If deep is set (the allocator crashed), it recounts the
// bitfield of each Split chunk whose counter is below bitfield.Len
// (fully free chunks are trusted as is) and repairs any drift in the
// stored counter, clears the bitfield of any HugeAllocated chunk, and
// reports each repair through warnf.
func (l *Lower) Recover(subtreeStart int, deep bool, warnf func(format string, args ...any)) (int, error) {
	free := 0
	firstChunk := subtreeStart / bitfield.Len

	for i := 0; i < H; i++ {
		ci := firstChunk + i
		start := ci * bitfield.Len
		if start >= l.frames {
			if ci < len(l.bitfields) {
				l.entries.Store(ci, NewFree(0))
			}
			continue
		}

		entry := l.entries.Load(ci)
		if !deep {
			free += entry.Free()
			continue
		}

		if entry.IsAllocated() {
			zeros := l.bitfields[ci].CountZeros()
			if zeros != bitfield.Len {
				if warnf != nil {
					warnf("chunk %d: HugeAllocated but bitfield has %d set bits, clearing", ci, bitfield.Len-zeros)
				}
				l.bitfields[ci].Fill(false)
			}
			continue
		}

		if entry.Free() == bitfield.Len {
			// Decrements precede bit flips on allocation, so a fully
			// free counter can never have been under-reported; safe to
			// skip the bitfield scan entirely.
			free += bitfield.Len
			continue
		}

		measured := l.bitfields[ci].CountZeros()
		if measured != entry.Free() {
			if warnf != nil {
				warnf("chunk %d: counter %d != measured %d, repairing", ci, entry.Free(), measured)
			}
			l.entries.Store(ci, NewFree(measured))
		}
		free += measured
	}

	return free, nil
}

func alignDown(v, to int) int {
	return v - v%to
}
