// Package rankcoord coordinates a fixed group of benchmark processes ("ranks")
// through a single shared memory region.
//
// Every rank maps the same fixed-layout region, named after a coordination id,
// and talks to its peers only through atomic loads, stores, fetch-adds and
// compare-and-swaps on that region. There are no sockets, lock files or
// brokers involved, and no mutexes shared between processes.
//
// # Basic Usage
//
//	coord, err := rankcoord.Open(ctx, rank, worldSize, "unet3d_8", rankcoord.Options{})
//	if err != nil {
//	    // ErrInvalidRank, ErrCapacityExceeded, ErrWorldSizeMismatch, ...
//	}
//	defer coord.Close()
//
//	err = coord.RegisterAndWait(ctx)
//	if rank == 0 {
//	    coord.MarkGlobalStart()
//	}
//	err = coord.Barrier(ctx, "execution_start")
//
//	// ... run the workload ...
//
//	err = coord.StoreResults(result)
//	end, err := coord.MarkFinishedAndWait(ctx)
//	if rank == 0 {
//	    agg, err := coord.AggregatedResults()
//	    coord.Cleanup()
//	}
//
// # Failure Model
//
// Every blocking call is bounded by a timeout and re-checks the group's
// sticky abort flag on each poll iteration. A crashed rank is not detected
// directly: its peers time out. Any rank can call [Coordinator.Abort] to make
// all peers return [ErrAborted] within one poll interval.
//
// # Concurrency
//
// A [Coordinator] is meant to be driven by a single goroutine. Its methods
// are safe to call concurrently, but [Coordinator.Close] waits for in-flight
// calls to return before unmapping the region.
package rankcoord
