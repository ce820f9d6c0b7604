package pageframe

import (
	"fmt"
	"os"

	"github.com/orizon-lang/pageframe/internal/bitfield"
	"github.com/orizon-lang/pageframe/internal/chunk"
	"github.com/orizon-lang/pageframe/internal/meta"
	"github.com/orizon-lang/pageframe/internal/subtree"
	"github.com/orizon-lang/pageframe/region"
)

// FrameSize is the size in bytes of a single frame (order 0).
const FrameSize = 4096

// MaxOrder is the largest order Get and Put accept: 2^MaxOrder contiguous
// frames, spanning two whole chunks.
const MaxOrder = chunk.MaxOrder

// Allocator tracks free and allocated frames across a region of Frames
// frames, grouped into chunks and subtrees as described in the package
// doc comment.
type Allocator struct {
	base   uint64
	frames int
	lower  *chunk.Lower
	upper  *subtree.Upper
	cfg    Config
	region region.Region // nil in Volatile mode
	layout persistLayout // zero value in Volatile mode
}

// New creates an Allocator managing numFrames frames. Frame 0
// corresponds to absolute address base; Get returns addresses computed
// from it and Put/IsFree expect addresses computed the same way.
func New(base uint64, numFrames int, opts ...Option) (*Allocator, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if numFrames <= 0 {
		return nil, newError("new", Initialization, fmt.Errorf("numFrames must be positive, got %d", numFrames))
	}

	a := &Allocator{base: base, frames: numFrames, cfg: cfg}

	if cfg.mode == Volatile {
		a.lower = chunk.NewVolatile(numFrames, cfg.freeAll)
		trees := subtree.NewTrees(numFrames, chunk.N, cfg.freeAll)
		a.upper = subtree.New(a.lower, trees, cfg.cores)
		return a, nil
	}

	r, layout, fresh, crashed, err := openPersistent(numFrames, cfg)
	if err != nil {
		return nil, newError("new", Initialization, err)
	}
	if r == nil {
		// No persist path: keep the bookkeeping on the heap, as in Volatile.
		a.lower = chunk.NewVolatile(numFrames, cfg.freeAll)
		a.upper = subtree.New(a.lower, subtree.NewTrees(numFrames, chunk.N, cfg.freeAll), cfg.cores)
		return a, nil
	}
	a.region = r
	a.layout = layout

	buf := r.Bytes()
	bitfields := bitfield.BitfieldsFromBytes(buf[:layout.bitfieldBytes], layout.numChunks)
	entries := chunk.NewTableFromBytes(buf[layout.bitfieldBytes:layout.bitfieldBytes+layout.entryBytes], layout.numChunks)

	var trees *subtree.Trees
	if fresh {
		a.lower = chunk.New(numFrames, entries, bitfields, cfg.freeAll)
		trees = subtree.NewTrees(numFrames, chunk.N, cfg.freeAll)
	} else {
		// A valid header from a prior run survived: entries/bitfields
		// already hold that run's last-written state (they are backed
		// directly by the mapped file, not the heap), so recovery only
		// has to reconcile counters against a crash-induced drift, never
		// reconstruct the bitmap from nothing.
		a.lower = chunk.Recovered(numFrames, entries, bitfields)
		free, err := recoverTreeCounts(a.lower, numFrames, crashed, cfg.logger)
		if err != nil {
			r.Close()
			return nil, newError("new", Corruption, err)
		}
		trees = subtree.NewTreesFromCounts(chunk.N, numFrames, free)
	}

	a.upper = subtree.New(a.lower, trees, cfg.cores)
	return a, nil
}

// persistLayout describes the byte offsets within a persistent
// metadata region of its three sections, laid out exactly as §6's
// "Persistent layout" describes: the per-chunk bitfields, the packed
// chunk-entry table right after them, and the meta header at the tail,
// 8-byte aligned so its magic/frame-count/crashed fields can be decoded
// directly.
type persistLayout struct {
	numChunks     int
	bitfieldBytes int
	entryBytes    int
	metaOffset    int
	totalBytes    int
}

func layoutFor(frames int) persistLayout {
	numChunks := (frames + bitfield.Len - 1) / bitfield.Len
	bitfieldBytes := numChunks * bitfield.ByteSize
	entryBytes := chunk.PairBytes(numChunks)
	metaOffset := alignUp(bitfieldBytes+entryBytes, 8)
	return persistLayout{
		numChunks:     numChunks,
		bitfieldBytes: bitfieldBytes,
		entryBytes:    entryBytes,
		metaOffset:    metaOffset,
		totalBytes:    metaOffset + meta.Size,
	}
}

func alignUp(v, to int) int {
	if rem := v % to; rem != 0 {
		return v + (to - rem)
	}
	return v
}

// openPersistent opens (creating if needed) the metadata region at
// cfg.persistTo, sized to hold this allocator's bitfields, chunk
// entries, and meta header, and reports the layout plus whether a
// valid prior header was found (for Recover mode) and, if so, whether
// it recorded an unclean shutdown. Overwrite never inspects what was
// there before and always reports fresh=true. A persistTo left empty
// in either mode keeps the allocator's bookkeeping purely volatile
// (heap-resident), matching Volatile mode, while still reporting the
// mode the caller asked for.
func openPersistent(numFrames int, cfg Config) (r region.Region, layout persistLayout, fresh, crashed bool, err error) {
	layout = layoutFor(numFrames)
	if cfg.persistTo == "" {
		return nil, layout, true, false, nil
	}
	if cfg.mode == Recover {
		// The header's offset depends on the frame count, so a file left by
		// a run over a different frame count is recognized by its size.
		if info, statErr := os.Stat(cfg.persistTo); statErr == nil && info.Size() > 0 && info.Size() != int64(layout.totalBytes) {
			return nil, layout, false, false, fmt.Errorf("persisted metadata is %d bytes, but %d frames need %d", info.Size(), numFrames, layout.totalBytes)
		}
	}

	r, err = region.OpenMmap(cfg.persistTo, layout.totalBytes)
	if err != nil {
		return nil, layout, false, false, err
	}

	metaBuf := r.Bytes()[layout.metaOffset:]
	fresh = true
	if cfg.mode == Recover && meta.IsInitialized(metaBuf) {
		hdr, decErr := meta.Decode(metaBuf)
		if decErr != nil {
			r.Close()
			return nil, layout, false, false, decErr
		}
		if hdr.Frames != uint64(numFrames) {
			r.Close()
			return nil, layout, false, false, fmt.Errorf("meta header frame count %d does not match requested %d", hdr.Frames, numFrames)
		}
		fresh = false
		crashed = hdr.Crashed
		if crashed && cfg.logger != nil {
			cfg.logger.Warnf("pageframe: recovering after an unclean shutdown over %d frames; reconciling chunk counters against the persisted bitfields", numFrames)
		}
	}

	meta.Encode(metaBuf, meta.Header{Frames: uint64(numFrames), Crashed: true})
	if err := r.Flush(); err != nil {
		r.Close()
		return nil, layout, false, false, err
	}
	return r, layout, fresh, crashed, nil
}

// recoverTreeCounts walks every subtree's chunks via the lower engine's
// deep-recovery scan (deep=crashed) and returns each subtree's
// reconciled free-frame count, ready for subtree.NewTreesFromCounts to
// rebuild the volatile tree-entry array from.
func recoverTreeCounts(lower *chunk.Lower, numFrames int, crashed bool, logger Logger) ([]int, error) {
	numSubtrees := (numFrames + chunk.N - 1) / chunk.N
	free := make([]int, numSubtrees)
	var warnf func(string, ...any)
	if logger != nil {
		warnf = logger.Warnf
	}
	for i := 0; i < numSubtrees; i++ {
		f, err := lower.Recover(i*chunk.N, crashed, warnf)
		if err != nil {
			return nil, err
		}
		free[i] = f
	}
	return free, nil
}

// Close releases any persistent resources the allocator holds. In
// Volatile mode, or when no persist path was configured, this is a
// no-op. Otherwise it clears the persisted header's crashed flag so a
// later Recover-mode open can tell this was a clean shutdown, flushes,
// and unmaps the backing file.
func (a *Allocator) Close() error {
	if a.region == nil {
		return nil
	}
	meta.Encode(a.region.Bytes()[a.layout.metaOffset:], meta.Header{Frames: uint64(a.frames), Crashed: false})
	if err := a.region.Flush(); err != nil {
		a.region.Close()
		return newError("close", Initialization, err)
	}
	return a.region.Close()
}

// Frames returns the total number of frames the allocator manages.
func (a *Allocator) Frames() int { return a.frames }

// AllocatedFrames returns the number of currently allocated frames,
// computed from the chunk layer's per-chunk counters (the ground truth,
// independent of how balance happens to be split between the subtree
// array and per-core local reservations). Debug-only: under concurrent
// access this is a racy snapshot.
func (a *Allocator) AllocatedFrames() int {
	return a.lower.AllocatedFrames()
}

// Get allocates 2^order contiguous frames on behalf of core and
// returns the address of the first frame.
func (a *Allocator) Get(core, order int) (uint64, error) {
	if order < 0 || order > MaxOrder {
		return 0, newError("get", Address, fmt.Errorf("order %d out of range [0, %d]", order, MaxOrder))
	}
	frame, err := a.upper.Get(core, order)
	if err != nil {
		return 0, newError("get", classify(err), err)
	}
	return a.base + frame*FrameSize, nil
}

// Put returns 2^order contiguous frames starting at addr, previously
// returned by Get with the same order, back to the allocator.
func (a *Allocator) Put(core int, addr uint64, order int) error {
	if order < 0 || order > MaxOrder {
		return newError("put", Address, fmt.Errorf("order %d out of range [0, %d]", order, MaxOrder))
	}
	frame, err := a.frameOf(addr)
	if err != nil {
		return newError("put", Address, err)
	}
	if err := a.upper.Put(core, frame, order); err != nil {
		return newError("put", classify(err), err)
	}
	return nil
}

// IsFree reports whether every frame in the 2^order run starting at
// addr is currently free. Debug-only: under concurrent access this is
// a racy snapshot.
func (a *Allocator) IsFree(addr uint64, order int) (bool, error) {
	frame, err := a.frameOf(addr)
	if err != nil {
		return false, newError("is_free", Address, err)
	}
	return a.lower.IsFree(int(frame), order), nil
}

// Drain forces core to give up its local reservation, returning any
// residual balance to the shared subtree counter. Useful before a
// clean shutdown or before taking a persisted snapshot.
func (a *Allocator) Drain(core int) error {
	if err := a.upper.Drain(core); err != nil {
		return newError("drain", classify(err), err)
	}
	return nil
}

// DrainAll drains every core's local reservation.
func (a *Allocator) DrainAll() error {
	if err := a.upper.DrainAll(); err != nil {
		return newError("drain", classify(err), err)
	}
	return nil
}

func (a *Allocator) frameOf(addr uint64) (uint64, error) {
	if addr < a.base {
		return 0, fmt.Errorf("address %#x below region base %#x", addr, a.base)
	}
	off := addr - a.base
	if off%FrameSize != 0 {
		return 0, fmt.Errorf("address %#x not frame-aligned", addr)
	}
	frame := off / FrameSize
	if frame >= uint64(a.frames) {
		return 0, fmt.Errorf("address %#x outside managed region", addr)
	}
	return frame, nil
}
