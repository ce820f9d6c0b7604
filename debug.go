package pageframe

import (
	"fmt"

	"github.com/orizon-lang/pageframe/internal/bitfield"
)

// DebugFreeFrames returns the number of free frames tracked at the
// subtree level: the sum of every tree entry's counter plus every
// core's local reservation balance. Debug-only; may diverge briefly
// from Frames()-AllocatedFrames() under concurrent access since the
// two layers are read independently.
func (a *Allocator) DebugFreeFrames() int {
	return a.upper.FreeFrames()
}

// DebugFreeHugeFrames reports the number of whole huge (order
// MaxOrder-1) frames currently entirely free (and therefore available
// to satisfy a fresh huge allocation), by walking the chunk array.
// Debug-only, O(number of chunks).
func (a *Allocator) DebugFreeHugeFrames() int {
	n := 0
	a.lower.ForEachHugeFrame(func(_ uint64, free int) {
		if free == bitfield.Len {
			n++
		}
	})
	return n
}

// ForEachHugeFrame invokes f once per huge-frame-sized chunk, with the
// absolute start frame and the number of frames in it currently free.
// Debug-only.
func (a *Allocator) ForEachHugeFrame(f func(startFrame uint64, free int)) {
	a.lower.ForEachHugeFrame(f)
}

// String renders a short human-readable summary of the allocator's
// state, suitable for logging.
func (a *Allocator) String() string {
	return fmt.Sprintf("pageframe.Allocator{frames: %d, allocated: %d, mode: %v, cores: %d}",
		a.frames, a.AllocatedFrames(), a.cfg.mode, a.cfg.cores)
}
