// Command scalemalloc-demo exercises the allocator façades: a burst of
// mixed-size malloc traffic across goroutines, a typed pool, and the
// single-threaded allocator, optionally serving live memlive diagnostics
// while it runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/scalemalloc/scalemalloc"
	"github.com/scalemalloc/scalemalloc/internal/memlive"
)

var (
	workers     = flag.Int("workers", 4, "concurrent allocation workers")
	iterations  = flag.Int("iterations", 100000, "allocations per worker")
	memliveAddr = flag.String("memlive", "", "serve memlive diagnostics on this address (e.g. 127.0.0.1:8217)")
	controlFile = flag.String("memlive-control", "", "memlive control file to watch")
	linger      = flag.Duration("linger", 0, "keep the process alive after the run, for inspecting memlive")
)

type order struct {
	id       uint64
	price    float64
	quantity uint32
	side     byte
}

func main() {
	flag.Parse()

	if err := scalemalloc.CreateGlobal(); err != nil {
		fmt.Fprintf(os.Stderr, "create failed: %v\n", err)
		os.Exit(1)
	}

	if *memliveAddr != "" {
		collector := scalemalloc.Global().Profiler()
		collector.SetEnabled(true)

		bound, stop, err := memlive.Serve(collector, *memliveAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "memlive: %v\n", err)
			os.Exit(1)
		}
		defer stop(context.Background())

		fmt.Printf("memlive serving on http://%s/memlive\n", bound)

		if *controlFile != "" {
			stopWatch, err := memlive.WatchControlFile(collector, *controlFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "memlive watch: %v\n", err)
				os.Exit(1)
			}
			defer stopWatch()
		}
	}

	start := time.Now()

	runMallocBurst()
	runPool()
	runSingleThreaded()

	fmt.Printf("done in %v\n", time.Since(start))

	if *memliveAddr != "" {
		snap := scalemalloc.Global().Profiler().Stats()
		fmt.Printf("allocations=%d deallocations=%d bytes=%d\n",
			snap.TotalAllocations, snap.TotalDeallocations, snap.TotalBytes)
	}

	if *linger > 0 {
		fmt.Printf("lingering %v...\n", *linger)
		time.Sleep(*linger)
	}
}

func runMallocBurst() {
	sizes := []uintptr{24, 64, 100, 500, 2048, 9000, 40000, 300000}

	var g errgroup.Group

	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			live := make([]unsafe.Pointer, 0, 64)

			for i := 0; i < *iterations; i++ {
				size := sizes[i%len(sizes)]

				p := scalemalloc.Allocate(size)
				if p == nil {
					return fmt.Errorf("allocation of %d bytes failed", size)
				}

				*(*uint64)(p) = uint64(i)
				live = append(live, p)

				if len(live) == cap(live) {
					for _, q := range live {
						scalemalloc.Deallocate(q)
					}
					live = live[:0]
				}
			}

			for _, q := range live {
				scalemalloc.Deallocate(q)
			}

			scalemalloc.ThreadExit()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "malloc burst: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("malloc burst: %d workers x %d iterations\n", *workers, *iterations)
}

func runPool() {
	var pool scalemalloc.Pool[order]

	opts := scalemalloc.DefaultPoolOptions()
	opts.ArenaInitialSize = 32 * 1024 * 1024
	opts.CentralPoolInitialSize = 4 * 1024 * 1024
	opts.LocalPoolInitialSize = 8 * 1024 * 1024

	if err := pool.Create(opts); err != nil {
		fmt.Fprintf(os.Stderr, "pool create: %v\n", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup

	for w := 0; w < *workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()

			for i := 0; i < *iterations; i++ {
				o := pool.Allocate()
				if o == nil {
					fmt.Fprintln(os.Stderr, "pool exhausted")
					return
				}

				o.id = uint64(i)
				o.price = float64(i) * 0.25
				o.quantity = uint32(w)
				o.side = byte(i & 1)

				pool.Deallocate(o)
			}

			pool.ThreadExit()
		}(w)
	}

	wg.Wait()

	fmt.Printf("pool: %d workers x %d iterations over %d-byte objects\n",
		*workers, *iterations, unsafe.Sizeof(order{}))
}

func runSingleThreaded() {
	var st scalemalloc.SingleThreadedAllocator

	if err := st.Create(scalemalloc.DefaultSingleThreadedOptions()); err != nil {
		fmt.Fprintf(os.Stderr, "single-threaded create: %v\n", err)
		os.Exit(1)
	}

	live := make([]unsafe.Pointer, 0, 128)

	for i := 0; i < *iterations; i++ {
		p := st.Allocate(uintptr(16 + i%1000))
		if p == nil {
			fmt.Fprintln(os.Stderr, "single-threaded allocation failed")
			os.Exit(1)
		}

		live = append(live, p)

		if len(live) == cap(live) {
			for _, q := range live {
				st.Deallocate(q)
			}
			live = live[:0]
		}
	}

	for _, q := range live {
		st.Deallocate(q)
	}

	fmt.Printf("single-threaded: %d iterations\n", *iterations)
}
