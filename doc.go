// Package pageframe implements a lock-free, multi-core physical
// page-frame allocator over a flat, contiguous memory region. Frames
// are tracked in a two-level structure: chunks of 512 frames backed by
// an atomic bitfield plus an occupancy counter, grouped into subtrees
// of 16384 frames that carry a coarser counter and a per-core local
// reservation used to avoid contending on the shared subtree state for
// most allocations.
//
// Callers supply the base address and frame count of the managed memory
// when constructing an Allocator, and a core id with every call (the
// region subpackage provides the memory-mapped store used for
// persistent bookkeeping); the allocator itself spawns no goroutines and blocks only in
// the bounded spin-waits described in the package's design notes.
package pageframe
