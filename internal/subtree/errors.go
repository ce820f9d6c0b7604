package subtree

import "errors"

// ErrMemory indicates the region has no subtree available to satisfy a
// reservation (out of memory at this order).
var ErrMemory = errors.New("subtree: out of memory")

// ErrAddress indicates an operation referenced a frame outside the
// managed region or misaligned for its order.
var ErrAddress = errors.New("subtree: invalid address")

// ErrCorruption indicates an atomic invariant was violated: a counter
// update that should always succeed by construction failed, meaning
// the tree-entry or local-reservation state has drifted from the
// bitfield ground truth.
var ErrCorruption = errors.New("subtree: corrupted state")

// errRetry is returned internally between getInner and its caller to
// signal the outer attempt loop should retry with fresh state; it never
// escapes this package.
var errRetry = errors.New("subtree: retry")
