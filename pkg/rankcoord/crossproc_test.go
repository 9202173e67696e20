package rankcoord_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/calvinalkan/rankcoord/pkg/rankcoord"
)

const (
	envHelper    = "DLCOORD_RANKCOORD_HELPER"
	envDir       = "DLCOORD_RANKCOORD_DIR"
	envRank      = "DLCOORD_RANKCOORD_RANK"
	envWorldSize = "DLCOORD_RANKCOORD_WORLD_SIZE"
)

// helperRank reads the rank and world size a subprocess was started with.
func helperRank(t *testing.T) (string, uint32, uint32) {
	t.Helper()

	dir := os.Getenv(envDir)
	if dir == "" {
		t.Fatal(envDir + " not set")
	}

	rank, err := strconv.ParseUint(os.Getenv(envRank), 10, 32)
	if err != nil {
		t.Fatalf("bad %s: %v", envRank, err)
	}

	worldSize, err := strconv.ParseUint(os.Getenv(envWorldSize), 10, 32)
	if err != nil {
		t.Fatalf("bad %s: %v", envWorldSize, err)
	}

	return dir, uint32(rank), uint32(worldSize)
}

func helperOptions(dir string) rankcoord.Options {
	return rankcoord.Options{
		Dir:             dir,
		PollInterval:    5 * time.Millisecond,
		RegisterTimeout: 10 * time.Second,
		BarrierTimeout:  10 * time.Second,
		FinishTimeout:   10 * time.Second,
	}
}

// startRanks re-executes the test binary once per rank, starting them in
// reverse rank order stagger apart, and waits for all of them.
func startRanks(t *testing.T, testName, mode string, worldSize uint32, stagger time.Duration) []error {
	t.Helper()

	dir := t.TempDir()

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	errs := make([]error, worldSize)
	done := make(chan struct{}, worldSize)

	for i := range worldSize {
		rank := worldSize - 1 - i

		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=^"+testName+"$", "-test.v")
		cmd.Env = append(os.Environ(),
			envHelper+"="+mode,
			envDir+"="+dir,
			fmt.Sprintf("%s=%d", envRank, rank),
			fmt.Sprintf("%s=%d", envWorldSize, worldSize),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		err := cmd.Start()
		if err != nil {
			t.Fatalf("start rank %d: %v", rank, err)
		}

		go func() {
			errs[rank] = cmd.Wait()
			done <- struct{}{}
		}()

		time.Sleep(stagger)
	}

	for range worldSize {
		<-done
	}

	if ctx.Err() != nil {
		t.Fatal("subprocesses timed out")
	}

	return errs
}

func Test_Group_Completes_When_Ranks_Are_Separate_Processes(t *testing.T) {
	t.Parallel()

	if os.Getenv(envHelper) == "full" {
		dir, rank, worldSize := helperRank(t)
		ctx := t.Context()

		coord, err := rankcoord.Open(ctx, rank, worldSize, "crossproc", helperOptions(dir))
		if err != nil {
			t.Fatalf("rank %d open: %v", rank, err)
		}

		defer func() { _ = coord.Close() }()

		err = coord.RegisterAndWait(ctx)
		if err != nil {
			t.Fatalf("rank %d register: %v", rank, err)
		}

		if rank == 0 {
			_, err = coord.MarkGlobalStart()
			if err != nil {
				t.Fatalf("mark start: %v", err)
			}
		}

		err = coord.Barrier(ctx, "start")
		if err != nil {
			t.Fatalf("rank %d barrier: %v", rank, err)
		}

		if _, ok := coord.GlobalStartTime(); !ok {
			t.Fatalf("rank %d passed start barrier without a global start", rank)
		}

		now := time.Now()

		err = coord.StoreResults(rankcoord.Result{
			FilesProcessed: 10 * uint64(rank+1),
			BytesRead:      uint64(rank+1) << 20,
			Start:          now,
			End:            now.Add(time.Millisecond),
		})
		if err != nil {
			t.Fatalf("rank %d store: %v", rank, err)
		}

		_, err = coord.MarkFinishedAndWait(ctx)
		if err != nil {
			t.Fatalf("rank %d finish: %v", rank, err)
		}

		if rank != 0 {
			return
		}

		agg, err := coord.AggregatedResults()
		if err != nil {
			t.Fatalf("aggregate: %v", err)
		}

		var wantFiles uint64
		for r := range uint64(worldSize) {
			wantFiles += 10 * (r + 1)
		}

		if agg.TotalFilesProcessed != wantFiles || len(agg.Ranks) != int(worldSize) {
			t.Fatalf("aggregate: files=%d ranks=%d, want files=%d ranks=%d",
				agg.TotalFilesProcessed, len(agg.Ranks), wantFiles, worldSize)
		}

		err = coord.Cleanup()
		if err != nil {
			t.Fatalf("cleanup: %v", err)
		}

		return
	}

	for _, tc := range []struct {
		worldSize uint32
		stagger   time.Duration
	}{
		{worldSize: 3, stagger: 50 * time.Millisecond},
		{worldSize: 8, stagger: 0},
	} {
		errs := startRanks(t, "Test_Group_Completes_When_Ranks_Are_Separate_Processes", "full", tc.worldSize, tc.stagger)

		for rank, err := range errs {
			if err != nil {
				t.Fatalf("world %d: rank %d subprocess failed: %v", tc.worldSize, rank, err)
			}
		}
	}
}

func Test_Abort_Propagates_When_Ranks_Are_Separate_Processes(t *testing.T) {
	t.Parallel()

	if os.Getenv(envHelper) == "abort" {
		dir, rank, worldSize := helperRank(t)
		ctx := t.Context()

		coord, err := rankcoord.Open(ctx, rank, worldSize, "crossproc-abort", helperOptions(dir))
		if err != nil {
			t.Fatalf("rank %d open: %v", rank, err)
		}

		defer func() { _ = coord.Close() }()

		err = coord.RegisterAndWait(ctx)
		if err != nil {
			t.Fatalf("rank %d register: %v", rank, err)
		}

		if rank == worldSize-1 {
			coord.MarkFailed("simulated failure")
			coord.Abort("simulated failure")

			return
		}

		// Everyone else blocks on a barrier the failed rank never enters.
		err = coord.Barrier(ctx, "never")
		if !errors.Is(err, rankcoord.ErrAborted) {
			t.Fatalf("rank %d barrier: want ErrAborted, got %v", rank, err)
		}

		return
	}

	errs := startRanks(t, "Test_Abort_Propagates_When_Ranks_Are_Separate_Processes", "abort", 3, 0)

	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d subprocess failed: %v", rank, err)
		}
	}
}
