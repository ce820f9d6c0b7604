// Command pageframe-bench drives a mixed get/put workload against a
// pageframe.Allocator across a configurable number of worker
// goroutines and reports throughput.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/pbnjay/memory"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/pageframe"
)

func main() {
	var (
		regionMiB   int
		workers     int
		perWorker   int
		order       int
		modeFlag    string
		persistPath string
	)
	flag.IntVar(&regionMiB, "region-mib", 0, "managed region size in MiB (0 = half of total system memory)")
	flag.IntVar(&workers, "workers", 0, "number of concurrent worker goroutines (0 = GOMAXPROCS)")
	flag.IntVar(&perWorker, "iterations", 200000, "get/put iterations per worker")
	flag.IntVar(&order, "order", 0, "allocation order (2^order contiguous frames per request)")
	flag.StringVar(&modeFlag, "mode", "volatile", "metadata mode: volatile, overwrite, or recover")
	flag.StringVar(&persistPath, "persist-path", "", "meta header file path for overwrite/recover modes")
	flag.Parse()

	var mode pageframe.Mode
	switch modeFlag {
	case "volatile":
		mode = pageframe.Volatile
	case "overwrite":
		mode = pageframe.Overwrite
	case "recover":
		mode = pageframe.Recover
	default:
		fmt.Fprintln(os.Stderr, "pageframe-bench: unknown -mode:", modeFlag)
		os.Exit(1)
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})); err != nil {
		fmt.Fprintln(os.Stderr, "maxprocs: failed to apply cgroup-aware GOMAXPROCS:", err)
	}

	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if regionMiB <= 0 {
		total := memory.TotalMemory()
		regionMiB = int(total / 2 / (1 << 20))
		if regionMiB < 1 {
			regionMiB = 1
		}
	}

	numFrames := (regionMiB << 20) / pageframe.FrameSize
	if numFrames < workers {
		numFrames = workers
	}

	allocOpts := []pageframe.Option{pageframe.WithCores(workers), pageframe.WithMode(mode)}
	if persistPath != "" {
		allocOpts = append(allocOpts, pageframe.WithPersistPath(persistPath))
	}
	alloc, err := pageframe.New(0, numFrames, allocOpts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "pageframe-bench: new:", err)
		os.Exit(1)
	}

	fmt.Printf("region: %d MiB, frames: %d, workers: %d, order: %d, iterations/worker: %d, mode: %s\n",
		regionMiB, numFrames, workers, order, perWorker, mode)

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		core := w
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				addr, err := alloc.Get(core, order)
				if err != nil {
					return fmt.Errorf("worker %d get %d: %w", core, i, err)
				}
				if err := alloc.Put(core, addr, order); err != nil {
					return fmt.Errorf("worker %d put %d: %w", core, i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, "pageframe-bench:", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	total := int64(workers) * int64(perWorker)
	opsPerSec := float64(total) / elapsed.Seconds()
	fmt.Printf("total ops: %d, elapsed: %v, ops/sec: %.0f\n", total, elapsed, opsPerSec)

	if err := alloc.DrainAll(); err != nil {
		fmt.Fprintln(os.Stderr, "pageframe-bench: drain:", err)
		os.Exit(1)
	}
	if got := alloc.AllocatedFrames(); got != 0 {
		fmt.Fprintf(os.Stderr, "pageframe-bench: expected 0 allocated frames after drain, got %d\n", got)
		os.Exit(1)
	}

	if err := alloc.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "pageframe-bench: close:", err)
		os.Exit(1)
	}
}
