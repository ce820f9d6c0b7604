package pageframe

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/orizon-lang/pageframe/internal/chunk"
	"golang.org/x/sync/errgroup"
)

func TestTinyAllocation(t *testing.T) {
	a, err := New(0, chunk.N, WithCores(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	addr, err := a.Get(0, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if addr != 0 {
		t.Fatalf("expected first allocation at address 0, got %#x", addr)
	}
	free, err := a.IsFree(addr, 0)
	if err != nil {
		t.Fatalf("is_free: %v", err)
	}
	if free {
		t.Fatal("expected allocated frame to report not free")
	}
	if err := a.Put(0, addr, 0); err != nil {
		t.Fatalf("put: %v", err)
	}
	free, err = a.IsFree(addr, 0)
	if err != nil || !free {
		t.Fatalf("expected freed frame to report free, got free=%v err=%v", free, err)
	}
}

func TestExhaustAndStress(t *testing.T) {
	total := 2 * chunk.N
	a, err := New(0, total, WithCores(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	seen := make(map[uint64]bool, total)
	for i := 0; i < total; i++ {
		addr, err := a.Get(0, 0)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if seen[addr] {
			t.Fatalf("address %#x allocated twice", addr)
		}
		seen[addr] = true
	}
	if _, err := a.Get(0, 0); err == nil {
		t.Fatal("expected exhaustion error")
	}
	if a.AllocatedFrames() != total {
		t.Fatalf("expected %d allocated, got %d", total, a.AllocatedFrames())
	}

	for addr := range seen {
		if err := a.Put(0, addr, 0); err != nil {
			t.Fatalf("put %#x: %v", addr, err)
		}
	}
	if a.AllocatedFrames() != 0 {
		t.Fatalf("expected 0 allocated after freeing all, got %d", a.AllocatedFrames())
	}
}

func TestHugeAndSmallMix(t *testing.T) {
	a, err := New(0, 4*chunk.N, WithCores(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	huge, err := a.Get(0, MaxOrder-1)
	if err != nil {
		t.Fatalf("huge get: %v", err)
	}
	small, err := a.Get(0, 0)
	if err != nil {
		t.Fatalf("small get: %v", err)
	}
	if small == huge {
		t.Fatal("small allocation collided with huge allocation")
	}
	if err := a.Put(0, huge, MaxOrder-1); err != nil {
		t.Fatalf("put huge: %v", err)
	}
	if err := a.Put(0, small, 0); err != nil {
		t.Fatalf("put small: %v", err)
	}
}

func TestInitReservedLeavesTailBlockAllocated(t *testing.T) {
	total := chunk.N - 1
	a, err := New(0, total, WithCores(1), WithFreeAll(false))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := a.AllocatedFrames(); got != total {
		t.Fatalf("expected %d allocated on a reserved-all init, got %d", total, got)
	}

	const blockFrames = 1 << MaxOrder
	numBlocks := total / blockFrames
	for i := 0; i < numBlocks; i++ {
		addr := uint64(i*blockFrames) * FrameSize
		if err := a.Put(0, addr, MaxOrder); err != nil {
			t.Fatalf("put max-order block %d: %v", i, err)
		}
	}

	want := total - numBlocks*blockFrames
	if got := a.AllocatedFrames(); got != want {
		t.Fatalf("expected %d allocated after freeing every max-order block, got %d", want, got)
	}
}

func TestPartialHugeFreeThenRefill(t *testing.T) {
	a, err := New(0, 4*chunk.N, WithCores(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	huge, err := a.Get(0, MaxOrder-1)
	if err != nil {
		t.Fatalf("huge get: %v", err)
	}
	if err := a.Put(0, huge, 0); err != nil {
		t.Fatalf("partial free: %v", err)
	}
	if got, want := a.AllocatedFrames(), 511; got != want {
		t.Fatalf("expected %d allocated after partial free, got %d", want, got)
	}

	for i := 1; i < 512; i++ {
		addr := huge + uint64(i)*FrameSize
		if err := a.Put(0, addr, 0); err != nil {
			t.Fatalf("free frame %d: %v", i, err)
		}
	}
	if a.AllocatedFrames() != 0 {
		t.Fatalf("expected 0 allocated, got %d", a.AllocatedFrames())
	}

	refill, err := a.Get(0, MaxOrder-1)
	if err != nil {
		t.Fatalf("refill huge get after full free: %v", err)
	}
	if refill != huge {
		t.Fatalf("expected refill to reuse chunk at %#x, got %#x", huge, refill)
	}
}

// TestParallelMixedCores is the seed for spec.md §8's "Parallel mixed"
// scenario: each core allocates its own quarter of the region at mixed
// orders 0..MaxOrder until it has spent roughly 75% of its share, does
// one random put/get cycle per held allocation, then frees everything
// it holds. The region size is scaled down from the scenario's literal
// 2*512*512-frames-per-core to keep the test fast; the shape (mixed
// orders, ~75% occupancy, a re-churn pass, then a full free) is
// preserved. Every returned address is checked against every other
// currently-live address for overlap, directly exercising testable
// property 1 (uniqueness) under concurrency across cores, the way
// internal/bitfield/bitfield_test.go's TestConcurrentSetFirstZerosUnique
// does at the bitfield layer alone.
func TestParallelMixedCores(t *testing.T) {
	const cores = 4
	const perCoreFrames = 2 * chunk.N
	total := cores * perCoreFrames
	a, err := New(0, total, WithCores(cores))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	orders := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, MaxOrder - 1, MaxOrder}

	var mu sync.Mutex
	live := make(map[uint64]int) // addr -> order, for currently-held allocations

	claim := func(addr uint64, order int) error {
		mu.Lock()
		defer mu.Unlock()
		lo, hi := addr, addr+uint64(1<<order)*FrameSize
		for a2, o2 := range live {
			lo2, hi2 := a2, a2+uint64(1<<o2)*FrameSize
			if lo < hi2 && lo2 < hi {
				return fmt.Errorf("address range [%#x,%#x) (order %d) overlaps live allocation [%#x,%#x) (order %d)",
					lo, hi, order, lo2, hi2, o2)
			}
		}
		live[addr] = order
		return nil
	}
	release := func(addr uint64) {
		mu.Lock()
		delete(live, addr)
		mu.Unlock()
	}

	type held struct {
		addr  uint64
		order int
	}

	var g errgroup.Group
	for c := 0; c < cores; c++ {
		core := c
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(int64(core) + 1))
			budget := perCoreFrames * 3 / 4 // ~75% occupancy, per the scenario
			var slots []held

			spent := 0
			for spent < budget {
				order := orders[rnd.Intn(len(orders))]
				addr, err := a.Get(core, order)
				if err != nil {
					break // region exhausted at this order; stop this core's fill pass
				}
				if err := claim(addr, order); err != nil {
					return err
				}
				slots = append(slots, held{addr, order})
				spent += 1 << order
			}

			for i, s := range slots {
				release(s.addr)
				if err := a.Put(core, s.addr, s.order); err != nil {
					return err
				}
				addr, err := a.Get(core, s.order)
				if err != nil {
					return err
				}
				if err := claim(addr, s.order); err != nil {
					return err
				}
				slots[i].addr = addr
			}

			for _, s := range slots {
				release(s.addr)
				if err := a.Put(core, s.addr, s.order); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("parallel mixed workload: %v", err)
	}

	if err := a.DrainAll(); err != nil {
		t.Fatalf("drain all: %v", err)
	}
	if a.AllocatedFrames() != 0 {
		t.Fatalf("expected 0 allocated after drain, got %d", a.AllocatedFrames())
	}
}

func TestRecoverModeStartsFreshWithoutSnapshot(t *testing.T) {
	a, err := New(0, chunk.N, WithMode(Recover))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.AllocatedFrames() != 0 {
		t.Fatalf("expected fresh Recover-mode region to start fully free, got %d allocated", a.AllocatedFrames())
	}
	if _, err := a.Get(0, 0); err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.AllocatedFrames() != 1 {
		t.Fatalf("expected 1 allocated, got %d", a.AllocatedFrames())
	}
}

func TestGetRejectsOrderAboveMax(t *testing.T) {
	a, err := New(0, chunk.N, WithCores(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, err = a.Get(0, MaxOrder+1)
	if err == nil {
		t.Fatal("expected an error for an out-of-range order")
	}
	var pfErr *Error
	if !errors.As(err, &pfErr) || pfErr.Kind != Address {
		t.Fatalf("expected an Address-kind Error, got %v", err)
	}
}

func TestOverwriteModePersistsCleanShutdownHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pageframe.meta")

	a, err := New(0, chunk.N, WithMode(Overwrite), WithPersistPath(path))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := a.Get(0, 0); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	b, err := New(0, chunk.N, WithMode(Recover), WithPersistPath(path))
	if err != nil {
		t.Fatalf("recover after clean shutdown: %v", err)
	}
	defer b.Close()
	if got := b.AllocatedFrames(); got != 1 {
		t.Fatalf("expected the frame allocated before the clean shutdown to stay allocated, got %d allocated", got)
	}
}

func TestRecoverModeRejectsFrameCountMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pageframe.meta")

	a, err := New(0, chunk.N, WithMode(Overwrite), WithPersistPath(path))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	_, err = New(0, 2*chunk.N, WithMode(Recover), WithPersistPath(path))
	if err == nil {
		t.Fatal("expected a frame-count mismatch to be rejected")
	}
	var pfErr *Error
	if !errors.As(err, &pfErr) || pfErr.Kind != Initialization {
		t.Fatalf("expected an Initialization-kind Error, got %v", err)
	}
}

func TestRecoverModeLogsUncleanShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pageframe.meta")

	a, err := New(0, chunk.N, WithMode(Overwrite), WithPersistPath(path))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// Deliberately no Close call: simulates a crash, so the persisted
	// header keeps its crashed flag set for the next open to observe.
	_ = a

	var warned bool
	b, err := New(0, chunk.N, WithMode(Recover), WithPersistPath(path), WithLogger(logFunc(func(format string, args ...any) {
		warned = true
	})))
	if err != nil {
		t.Fatalf("recover after unclean shutdown: %v", err)
	}
	defer b.Close()
	if !warned {
		t.Fatal("expected recovering from an unclean shutdown to log a warning")
	}
}

type logFunc func(format string, args ...any)

func (f logFunc) Warnf(format string, args ...any) { f(format, args...) }

// TestRecoverModeReconstructsStateAfterCrash backs the "Recover-crash"
// scenario of spec.md §8 and testable property 7: after a crash (no
// clean Close), reopening the same backing file in Recover mode must
// reconstruct the allocator's allocated-frame count from the persisted
// bitfields rather than starting over. It exercises the wiring added
// for the persistent layout directly: internal/bitfield.BitfieldsFromBytes
// and internal/chunk.NewTableFromBytes back the second open's entries
// and bitfields with the same mapped bytes the first open wrote into,
// and chunk.Lower.Recover/subtree.NewTreesFromCounts rebuild the tree
// array from what survives there.
func TestRecoverModeReconstructsStateAfterCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pageframe.meta")
	total := 3 * chunk.N

	a, err := New(0, total, WithMode(Overwrite), WithPersistPath(path), WithCores(1))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	const numAllocs = 50
	held := make([]uint64, 0, numAllocs)
	for i := 0; i < numAllocs; i++ {
		addr, err := a.Get(0, 0)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		held = append(held, addr)
	}
	huge, err := a.Get(0, MaxOrder-1)
	if err != nil {
		t.Fatalf("huge get: %v", err)
	}
	wantAllocated := a.AllocatedFrames()
	if err := a.Drain(0); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := a.region.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	// Deliberately no Close: simulates a crash, leaving the persisted
	// header's crashed flag set for the next open to observe.

	b, err := New(0, total, WithMode(Recover), WithPersistPath(path), WithCores(1))
	if err != nil {
		t.Fatalf("recover after crash: %v", err)
	}
	defer b.Close()

	if got := b.AllocatedFrames(); got != wantAllocated {
		t.Fatalf("expected %d allocated after recovering from a crash, got %d", wantAllocated, got)
	}

	// The frames allocated before the crash must still read as
	// allocated, and freeing them must succeed against the recovered
	// bookkeeping.
	for _, addr := range held {
		free, err := b.IsFree(addr, 0)
		if err != nil {
			t.Fatalf("is_free %#x: %v", addr, err)
		}
		if free {
			t.Fatalf("expected frame %#x to still be allocated after recovery", addr)
		}
		if err := b.Put(0, addr, 0); err != nil {
			t.Fatalf("put %#x: %v", addr, err)
		}
	}
	if err := b.Put(0, huge, MaxOrder-1); err != nil {
		t.Fatalf("put huge %#x: %v", huge, err)
	}
	if b.AllocatedFrames() != 0 {
		t.Fatalf("expected 0 allocated after freeing every recovered allocation, got %d", b.AllocatedFrames())
	}
}
