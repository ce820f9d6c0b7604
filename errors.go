package pageframe

import (
	"errors"
	"fmt"

	"github.com/orizon-lang/pageframe/internal/chunk"
	"github.com/orizon-lang/pageframe/internal/subtree"
)

// Kind classifies what went wrong with an allocator operation.
type Kind int

const (
	// Memory means the region has no contiguous run of the requested
	// order available.
	Memory Kind = iota
	// Address means an operation referenced a frame outside the
	// managed region, misaligned for its order, or already in the
	// requested state.
	Address
	// Corruption means an atomic invariant was violated: a counter
	// update that should always succeed by construction failed,
	// meaning tracked state has drifted from the bitfield ground
	// truth. This should never happen outside a hardware fault or a
	// bug and is not expected to be recoverable by retrying.
	Corruption
	// Initialization means the region or its persisted header could
	// not be prepared for use.
	Initialization
)

func (k Kind) String() string {
	switch k {
	case Memory:
		return "memory"
	case Address:
		return "address"
	case Corruption:
		return "corruption"
	case Initialization:
		return "initialization"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every exported operation on
// Allocator. Op names the failing operation (e.g. "get", "put") and
// Kind classifies the cause; Err, when set, wraps the underlying
// internal error for %w-based inspection.
type Error struct {
	Op      string
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("pageframe: %s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("pageframe: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op string, kind Kind, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Op: op, Kind: kind, Message: msg, Err: err}
}

// classify maps an internal package error to the Kind an external
// caller should see, based on the sentinel errors exported by the
// chunk and subtree packages.
func classify(err error) Kind {
	switch {
	case errors.Is(err, chunk.ErrCorruption), errors.Is(err, subtree.ErrCorruption):
		return Corruption
	case errors.Is(err, chunk.ErrAddress), errors.Is(err, subtree.ErrAddress):
		return Address
	default:
		return Memory
	}
}
