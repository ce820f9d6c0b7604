package subtree

import (
	"errors"
	"fmt"

	"github.com/orizon-lang/pageframe/internal/chunk"
	"github.com/orizon-lang/pageframe/internal/spin"
)

// CASRetries bounds how many times Get retries after a lost race or a
// reservation swap before giving up and reporting ErrMemory.
const CASRetries = 16

// Upper wires the chunk-level lower engine to the tree-entry array and
// the per-core local reservations, and implements the get/put
// orchestration and the put-reserve heuristic described for the
// subtree layer.
type Upper struct {
	lower *chunk.Lower
	trees *Trees
	cores []*Core
}

// New builds an Upper over lower with numCores independent local
// reservations, all unreserved.
func New(lower *chunk.Lower, trees *Trees, numCores int) *Upper {
	if numCores < 1 {
		numCores = 1
	}
	cores := make([]*Core, numCores)
	for i := range cores {
		cores[i] = NewCore()
	}
	return &Upper{lower: lower, trees: trees, cores: cores}
}

// Trees exposes the tree-entry array, e.g. for recovery rebuilds.
func (u *Upper) Trees() *Trees { return u.trees }

// Get allocates 2^order contiguous frames for core, retrying internally
// up to CASRetries times as reservations are synced, stolen, or
// replaced out from underneath it.
func (u *Upper) Get(core, order int) (uint64, error) {
	c := u.cores[core%len(u.cores)]
	for attempt := 0; attempt < CASRetries; attempt++ {
		frame, err := u.getInner(c, core, order)
		if errors.Is(err, errRetry) {
			continue
		}
		return frame, err
	}
	return 0, ErrMemory
}

func (u *Upper) getInner(c *Core, core, order int) (uint64, error) {
	want := 1 << order
	old := c.Load()

	if old.HasStart() {
		if next, ok := old.Dec(want); ok {
			if !c.CAS(old, next) {
				return 0, errRetry
			}
			return u.allocateFromReservation(c, old, next, core, order)
		}

		i := int(old.Start()) / u.trees.SubtreeLen()
		g := u.trees.Load(i)
		if old.Free()+g.Free() > MaxOrderSlack && g.Free() > 0 {
			if err := u.syncFromGlobal(c, old, i, g); err != nil {
				return 0, err
			}
			return 0, errRetry
		}
	}

	if err := u.reserveNew(c, core, old, false); err != nil {
		return 0, err
	}
	return 0, errRetry
}

// allocateFromReservation performs the actual lower-layer allocation
// once the local reservation has already absorbed the request.
func (u *Upper) allocateFromReservation(c *Core, old, next Local, core, order int) (uint64, error) {
	start := c.StartHint()
	subtreeIdx := int(old.Start()) / u.trees.SubtreeLen()
	if int(start)/u.trees.SubtreeLen() != subtreeIdx {
		start = old.Start()
	}

	frame, err := u.lower.Get(int(start), order)
	if err == nil {
		if order < 6 {
			c.SetStartHint(frame)
		}
		return frame, nil
	}
	if !errors.Is(err, chunk.ErrMemory) {
		return 0, err
	}

	// The subtree looked viable by count but the bitfield could not
	// satisfy this order (fragmentation): restore the decremented
	// balance to the local reservation (its residual is handed back to
	// the global entry when reserveNew swaps it out below) and reserve
	// a fresh subtree, favoring a fully-empty one since fragmentation
	// is what got us here.
	want := 1 << order
	span := u.trees.Span(subtreeIdx)
	restored, ok := next.Inc(want, span, nil)
	if !ok {
		return 0, fmt.Errorf("%w: counter reset failed for subtree %d", ErrCorruption, subtreeIdx)
	}
	if !c.CAS(next, restored) {
		return 0, errRetry
	}

	if err := u.reserveNew(c, core, restored, true); err != nil {
		return 0, err
	}
	return 0, errRetry
}

// syncFromGlobal pulls a subtree's accumulated put-credits into the
// owning core's local balance, never losing frames if either CAS is
// lost to a racing core.
func (u *Upper) syncFromGlobal(c *Core, old Local, i int, g TreeEntry) error {
	span := u.trees.Span(i)
	nl, ok := old.Inc(g.Free(), span, func(start uint64) bool {
		return int(start)/u.trees.SubtreeLen() == i
	})
	if !ok {
		return nil
	}
	if !u.trees.CAS(i, g, NewTreeEntry(0, g.Reserved())) {
		return nil
	}
	if c.CAS(old, nl) {
		return nil
	}

	// Lost the local install after zeroing the global entry: return the
	// balance so it is not stranded.
	for {
		cur := u.trees.Load(i)
		back, ok := cur.Inc(g.Free(), span)
		if !ok {
			return fmt.Errorf("%w: sync undo failed for subtree %d", ErrCorruption, i)
		}
		if u.trees.CAS(i, cur, back) {
			return nil
		}
	}
}

// reserveNew locks the core's local entry, scans for a new subtree to
// reserve, and installs it. A nil return means either success or a
// benign loss of the locking race (both resolved by the caller's
// retry); a non-nil error means the scan genuinely found nothing or a
// corruption was detected while swapping reservations.
func (u *Upper) reserveNew(c *Core, core int, old Local, prioritizeEmpty bool) error {
	lockedOld, ok := old.ToggleLocked(true)
	if !ok {
		// Another caller is mid-reservation on this entry: wait (bounded)
		// for it to unlock, then let the caller retry.
		spin.Wait(2*CASRetries, func() bool { return !c.Load().Locked() })
		return nil
	}
	if !c.CAS(old, lockedOld) {
		return nil
	}

	startSubtree := 0
	if old.HasStart() {
		startSubtree = int(old.Start()) / u.trees.SubtreeLen()
	} else {
		startSubtree = coreOffset(core, len(u.cores), u.trees.NumSubtrees())
	}

	idx, reserved, err := u.trees.Reserve(len(u.cores), startSubtree, prioritizeEmpty)
	if err != nil {
		reverted, _ := lockedOld.ToggleLocked(false)
		c.CAS(lockedOld, reverted)
		return err
	}

	newLocal := EmptyLocal().WithStart(uint64(idx * u.trees.SubtreeLen()))
	newLocal, _ = newLocal.Inc(reserved.Free(), u.trees.Span(idx), nil)
	return u.casReserved(c, lockedOld, newLocal)
}

// casReserved installs newLocal in place of old, crediting old's
// residual balance back to its own subtree's tree entry if it held
// one. A lost CAS on c is treated as a benign retry signal, not an
// error, since newLocal was never observably installed.
func (u *Upper) casReserved(c *Core, old, newLocal Local) error {
	if !c.CAS(old, newLocal) {
		return nil
	}
	if !old.HasStart() {
		return nil
	}
	i := int(old.Start()) / u.trees.SubtreeLen()
	span := u.trees.Span(i)
	for {
		g := u.trees.Load(i)
		next, ok := g.UnreserveAdd(old.Free(), span)
		if !ok {
			return fmt.Errorf("%w: unreserve-add failed for subtree %d", ErrCorruption, i)
		}
		if u.trees.CAS(i, g, next) {
			return nil
		}
	}
}

// Put returns 2^order frames starting at frame to the allocator: first
// to the lower engine's bitfield/counter, then credited to whichever
// of the owning core's local reservation or the subtree's global entry
// currently covers it. A sustained run of frees landing in the same
// not-locally-owned subtree triggers the put-reserve heuristic, handing
// that subtree's reservation to this core.
func (u *Upper) Put(core int, frame uint64, order int) error {
	if err := u.lower.Put(int(frame), order); err != nil {
		return err
	}

	i := int(frame) / u.trees.SubtreeLen()
	c := u.cores[core%len(u.cores)]
	delta := 1 << order
	span := u.trees.Span(i)

	for {
		local := c.Load()
		if !local.HasStart() || int(local.Start())/u.trees.SubtreeLen() != i {
			break
		}
		next, ok := local.Inc(delta, span, func(start uint64) bool {
			return int(start)/u.trees.SubtreeLen() == i
		})
		if !ok {
			return fmt.Errorf("%w: local increment overflow for subtree %d", ErrCorruption, i)
		}
		if c.CAS(local, next) {
			c.FreesPush(i)
			return nil
		}
	}

	for {
		g := u.trees.Load(i)
		next, ok := g.Inc(delta, span)
		if !ok {
			return fmt.Errorf("%w: global increment overflow for subtree %d", ErrCorruption, i)
		}
		if !u.trees.CAS(i, g, next) {
			continue
		}

		if !g.Reserved() && next.Free() > MaxOrderSlack && c.FreesRelated(i) {
			if err := u.tryPutReserve(c, i, next); err != nil {
				return err
			}
		}
		c.FreesPush(i)
		return nil
	}
}

// tryPutReserve opportunistically claims subtree i's reservation for c
// after a run of frees suggests c is about to reallocate there. Losing
// the race for the global entry is not an error; the put has already
// succeeded regardless of whether this optimization lands.
func (u *Upper) tryPutReserve(c *Core, i int, current TreeEntry) error {
	if !u.trees.CAS(i, current, NewTreeEntry(0, true)) {
		return nil
	}
	newLocal := EmptyLocal().WithStart(uint64(i * u.trees.SubtreeLen()))
	newLocal, _ = newLocal.Inc(current.Free(), u.trees.Span(i), nil)
	return u.casReserved(c, c.Load(), newLocal)
}

// Drain forces core to give up its reservation, returning any residual
// balance to the subtree's tree entry. A no-op if nothing was reserved.
func (u *Upper) Drain(core int) error {
	c := u.cores[core%len(u.cores)]
	old := c.Load()
	if !old.HasStart() {
		return nil
	}
	return u.casReserved(c, old, EmptyLocal())
}

// DrainAll drains every core, used before a clean shutdown or before
// persisting a recoverable snapshot.
func (u *Upper) DrainAll() error {
	for i := range u.cores {
		if err := u.Drain(i); err != nil {
			return err
		}
	}
	return nil
}

// FreeFrames sums free frames across the tree-entry array and every
// core's local reservation. Debug-only: reservations and counters may
// be mid-update under concurrent access.
func (u *Upper) FreeFrames() int {
	n := u.trees.FreeFrames()
	for _, c := range u.cores {
		n += c.Load().Free()
	}
	return n
}

func coreOffset(core, numCores, numSubtrees int) int {
	if numSubtrees == 0 {
		return 0
	}
	if numCores <= 0 {
		numCores = 1
	}
	stride := numSubtrees / numCores
	if stride == 0 {
		stride = 1
	}
	off := (core * stride) % numSubtrees
	if off < 0 {
		off += numSubtrees
	}
	return off
}
