package rankcoord_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/rankcoord/pkg/rankcoord"
)

// testOptions returns options with a private region directory and fast
// polling so tests don't spend their time sleeping.
func testOptions(t *testing.T) rankcoord.Options {
	t.Helper()

	return rankcoord.Options{
		Dir:             t.TempDir(),
		PollInterval:    5 * time.Millisecond,
		RegisterTimeout: 5 * time.Second,
		BarrierTimeout:  5 * time.Second,
		FinishTimeout:   5 * time.Second,
		InitTimeout:     2 * time.Second,
	}
}

// openGroup opens one coordinator per rank, closing them at test end.
func openGroup(t *testing.T, worldSize uint32, id string, opts rankcoord.Options) []*rankcoord.Coordinator {
	t.Helper()

	coords := make([]*rankcoord.Coordinator, worldSize)

	for rank := range worldSize {
		coord, err := rankcoord.Open(t.Context(), rank, worldSize, id, opts)
		require.NoError(t, err, "open rank %d", rank)

		t.Cleanup(func() { _ = coord.Close() })

		coords[rank] = coord
	}

	return coords
}

// forEachRank runs fn for every coordinator concurrently and returns the
// errors indexed by rank.
func forEachRank(coords []*rankcoord.Coordinator, fn func(rank int, c *rankcoord.Coordinator) error) []error {
	errs := make([]error, len(coords))

	var wg sync.WaitGroup

	for i, c := range coords {
		wg.Go(func() {
			errs[i] = fn(i, c)
		})
	}

	wg.Wait()

	return errs
}

func requireAllNil(t *testing.T, errs []error) {
	t.Helper()

	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

// waitErr runs fn in a goroutine and returns a channel with its error.
func waitErr(fn func() error) <-chan error {
	ch := make(chan error, 1)

	go func() { ch <- fn() }()

	return ch
}

func registerAll(t *testing.T, ctx context.Context, coords []*rankcoord.Coordinator) {
	t.Helper()

	requireAllNil(t, forEachRank(coords, func(_ int, c *rankcoord.Coordinator) error {
		return c.RegisterAndWait(ctx)
	}))
}
