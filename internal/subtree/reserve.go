package subtree

import "github.com/orizon-lang/pageframe/internal/chunk"

// MaxOrderSlack is the per-subtree reserve of free frames (2^MaxOrder)
// used to draw the line between "almost empty" and "almost full" for
// both the reservation scan below and the get/put-reserve sync
// heuristics in upper.go. A newly reserved subtree always has at least
// this many free frames, so it can always serve one maximum-order
// request.
const MaxOrderSlack = 1 << chunk.MaxOrder

// Reserve scans the tree-entry array for a subtree to reserve, starting
// at index start. It runs two passes: an "empty" pass that only accepts
// subtrees that are (almost) entirely free, and a "partial" pass that
// accepts a subtree that is not (almost) entirely free but has enough
// balance to serve at least one maximum-order request. If prioritizeEmpty is set (the caller just
// failed an allocation due to fragmentation), the empty pass runs
// first; otherwise the partial pass runs first, favoring reuse of
// partially-filled subtrees to keep fully-empty ones available for
// future huge-frame demand.
//
// The partial pass first searches a vicinity around start of a quarter
// of the array-length-per-core (rounded up), alternating before and
// after start to stay close to the calling core's working set; if
// nothing is found there it falls back to a full linear scan.
func (tr *Trees) Reserve(cores, start int, prioritizeEmpty bool) (idx int, old TreeEntry, err error) {
	n := tr.NumSubtrees()
	if n == 0 {
		return 0, 0, ErrMemory
	}
	start %= n
	if start < 0 {
		start += n
	}

	if prioritizeEmpty {
		if i, e, ok := tr.reserveEmpty(start); ok {
			return i, e, nil
		}
		if i, e, ok := tr.reservePartial(cores, start); ok {
			return i, e, nil
		}
	} else {
		if i, e, ok := tr.reservePartial(cores, start); ok {
			return i, e, nil
		}
		if i, e, ok := tr.reserveEmpty(start); ok {
			return i, e, nil
		}
	}
	return 0, 0, ErrMemory
}

func (tr *Trees) reserveEmpty(start int) (int, TreeEntry, bool) {
	n := tr.NumSubtrees()
	for j := 0; j < n; j++ {
		i := (start + j) % n
		span := tr.Span(i)
		min := span - MaxOrderSlack
		if min < 0 {
			min = 0
		}
		if i, e, ok := tr.tryReserve(i, min, span); ok {
			return i, e, true
		}
	}
	return 0, 0, false
}

func (tr *Trees) reservePartial(cores, start int) (int, TreeEntry, bool) {
	n := tr.NumSubtrees()
	if cores <= 0 {
		cores = 1
	}
	vicinity := (n/cores + 3) / 4
	if vicinity < 1 {
		vicinity = 1
	}
	if vicinity > n {
		vicinity = n
	}

	tryAt := func(i int) (int, TreeEntry, bool) {
		span := tr.Span(i)
		hi := span - MaxOrderSlack - 1
		if hi < MaxOrderSlack {
			return 0, 0, false
		}
		return tr.tryReserve(i, MaxOrderSlack, hi)
	}

	if i, e, ok := tryAt(start); ok {
		return i, e, true
	}
	for d := 1; d <= vicinity; d++ {
		if i, e, ok := tryAt((start + d) % n); ok {
			return i, e, true
		}
		if i, e, ok := tryAt((start - d + n) % n); ok {
			return i, e, true
		}
	}

	for j := 0; j < n; j++ {
		if i, e, ok := tryAt((start + j) % n); ok {
			return i, e, true
		}
	}
	return 0, 0, false
}

func (tr *Trees) tryReserve(i, min, max int) (int, TreeEntry, bool) {
	old := tr.Load(i)
	next, ok := old.Reserve(min, max)
	if !ok {
		return 0, 0, false
	}
	if !tr.CAS(i, old, next) {
		return 0, 0, false
	}
	return i, old, true
}
