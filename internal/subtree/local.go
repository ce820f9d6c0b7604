package subtree

import "sync/atomic"

const (
	localFreeBits  = 16
	localStartBits = 47
	localFreeMask  = (uint64(1) << localFreeBits) - 1
	localStartMask = (uint64(1) << localStartBits) - 1

	// localStartMax is the sentinel start-group value meaning "no
	// subtree reserved".
	localStartMax = localStartMask
)

// Local is the packed (free, locked, start_group) 64-bit atomic value
// held per core: free frames in [0, N] credited to this core outside
// the global tree-entry array, a lock bit guarding concurrent
// reservation swaps, and start_group*64 giving the first frame of the
// reserved subtree (the per-core search hint is kept separately in
// Core).
type Local uint64

// EmptyLocal returns a Local with no reservation (start_group is the
// MAX sentinel).
func EmptyLocal() Local {
	return pack(0, false, localStartMax)
}

func pack(free int, locked bool, startGroup uint64) Local {
	v := uint64(free) & localFreeMask
	if locked {
		v |= 1 << localFreeBits
	}
	v |= (startGroup & localStartMask) << (localFreeBits + 1)
	return Local(v)
}

// Free returns the local free-frame count.
func (l Local) Free() int { return int(uint64(l) & localFreeMask) }

// Locked reports whether a concurrent core is mid-reservation-swap.
func (l Local) Locked() bool { return uint64(l)&(1<<localFreeBits) != 0 }

func (l Local) startGroup() uint64 {
	return (uint64(l) >> (localFreeBits + 1)) & localStartMask
}

// HasStart reports whether this Local has a valid reserved subtree.
func (l Local) HasStart() bool { return l.startGroup() != localStartMax }

// Start returns the absolute frame number this Local's subtree begins
// at. Only meaningful when HasStart is true.
func (l Local) Start() uint64 { return l.startGroup() * 64 }

// WithStart returns l with its start_group updated to start/64. start
// must be a multiple of 64.
func (l Local) WithStart(start uint64) Local {
	return pack(l.Free(), l.Locked(), start/64)
}

// Dec decrements the free counter by numFrames if a reservation is
// present and holds enough balance.
func (l Local) Dec(numFrames int) (Local, bool) {
	if !l.HasStart() || l.Free() < numFrames {
		return 0, false
	}
	return pack(l.Free()-numFrames, l.Locked(), l.startGroup()), true
}

// Inc increments the free counter by numFrames, bounded by max, only if
// checkStart accepts the Local's current start value (used to detect a
// concurrent reservation swap underneath the caller).
func (l Local) Inc(numFrames, max int, checkStart func(start uint64) bool) (Local, bool) {
	if checkStart != nil && !checkStart(l.Start()) {
		return 0, false
	}
	f := l.Free() + numFrames
	if f > max {
		return 0, false
	}
	return pack(f, l.Locked(), l.startGroup()), true
}

// ToggleLocked flips the lock bit to newVal, failing if it already
// holds that value (so only one racing core wins the toggle).
func (l Local) ToggleLocked(newVal bool) (Local, bool) {
	if l.Locked() == newVal {
		return 0, false
	}
	return pack(l.Free(), newVal, l.startGroup()), true
}

// RingLen is the length of the per-core recent-free ring used by the
// put-reserve heuristic.
const RingLen = 4

// Core holds all per-core state: the packed reservation, a separate
// search-start hint for cache locality, and the recent-free ring. The
// ring is touched only by the owning core and carries no atomics.
type Core struct {
	entry atomic.Uint64
	start atomic.Uint64

	recentFree [RingLen]int
	recentIdx  int
}

// noRecentFree is the ring's initial fill value: not a valid subtree
// index, so a fresh core never spuriously reports kinship with subtree
// 0 before any frees have actually happened.
const noRecentFree = -1

// NewCore returns a Core with no reservation.
func NewCore() *Core {
	c := &Core{}
	c.entry.Store(uint64(EmptyLocal()))
	for i := range c.recentFree {
		c.recentFree[i] = noRecentFree
	}
	return c
}

// Load returns the current Local.
func (c *Core) Load() Local { return Local(c.entry.Load()) }

// CAS atomically replaces the Local with newVal if it currently holds
// old.
func (c *Core) CAS(old, newVal Local) bool {
	return c.entry.CompareAndSwap(uint64(old), uint64(newVal))
}

// StartHint returns the absolute frame to begin the next lower-layer
// search at.
func (c *Core) StartHint() uint64 { return c.start.Load() }

// SetStartHint records frame as the next search's starting point.
func (c *Core) SetStartHint(frame uint64) { c.start.Store(frame) }

// FreesPush records that a free landed in subtree i. Single-writer;
// must only be called by the owning core.
func (c *Core) FreesPush(i int) {
	c.recentIdx = (c.recentIdx + 1) % RingLen
	c.recentFree[c.recentIdx] = i
}

// FreesRelated reports whether every entry in the recent-free ring
// equals i — the put-reserve heuristic's trigger condition.
func (c *Core) FreesRelated(i int) bool {
	for _, v := range c.recentFree {
		if v != i {
			return false
		}
	}
	return true
}
