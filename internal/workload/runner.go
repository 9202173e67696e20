package workload

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/rankcoord/pkg/rankcoord"
)

const readBufferSize = 1 << 20

// Runner reads a rank's shard like a training loop would: for every epoch,
// each batch of files is read in parallel, then compute is simulated.
type Runner struct {
	Files       []string
	BatchSize   int
	ReadThreads int
	Epochs      int
	Compute     time.Duration // simulated compute per batch
	Log         *zap.Logger
}

// NewRunner builds a runner for cfg over files.
func NewRunner(cfg Config, files []string, log *zap.Logger) *Runner {
	epochs := cfg.Train.Epochs
	if !cfg.Trains() {
		epochs = 0
	}

	return &Runner{
		Files:       files,
		BatchSize:   cfg.Reader.BatchSize,
		ReadThreads: cfg.Reader.ReadThreads,
		Epochs:      epochs,
		Compute:     cfg.Compute(),
		Log:         log,
	}
}

// Run executes every epoch and returns the rank's result.
//
// Accelerator utilization is the share of wall time spent in simulated
// compute. Throughput is bytes read over the whole wall time.
func (r *Runner) Run(ctx context.Context) (rankcoord.Result, error) {
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	batchSize := max(r.BatchSize, 1)
	threads := max(r.ReadThreads, 1)

	var (
		files, bytes atomic.Uint64
		compute      time.Duration
	)

	start := time.Now()

	for epoch := range r.Epochs {
		epochStart := time.Now()

		for lo := 0; lo < len(r.Files); lo += batchSize {
			batch := r.Files[lo:min(lo+batchSize, len(r.Files))]

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(threads)

			for _, path := range batch {
				g.Go(func() error {
					n, err := readFile(gctx, path)
					if err != nil {
						return err
					}

					files.Add(1)
					bytes.Add(uint64(n)) //nolint:gosec // io.Copy never returns a negative count

					return nil
				})
			}

			err := g.Wait()
			if err != nil {
				return rankcoord.Result{}, fmt.Errorf("epoch %d: %w", epoch+1, err)
			}

			if r.Compute > 0 {
				err = sleep(ctx, r.Compute)
				if err != nil {
					return rankcoord.Result{}, err
				}

				compute += r.Compute
			}
		}

		log.Debug("epoch done", zap.Int("epoch", epoch+1), zap.Duration("took", time.Since(epochStart)))
	}

	end := time.Now()
	wall := end.Sub(start)

	res := rankcoord.Result{
		FilesProcessed: files.Load(),
		BytesRead:      bytes.Load(),
		WallClock:      wall,
		Start:          start,
		End:            end,
	}

	if wall > 0 {
		res.ThroughputGiBs = float64(res.BytesRead) / wall.Seconds() / (1 << 30)
		res.AUFraction = min(compute.Seconds()/wall.Seconds(), 1)
	}

	log.Info("workload done",
		zap.Uint64("files", res.FilesProcessed),
		zap.Uint64("bytes", res.BytesRead),
		zap.Duration("wall", wall),
		zap.Float64("au", res.AUFraction))

	return res, nil
}

func readFile(ctx context.Context, path string) (int64, error) {
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("read: %w", err)
	}
	defer f.Close()

	n, err := io.CopyBuffer(io.Discard, f, make([]byte, readBufferSize))
	if err != nil {
		return n, fmt.Errorf("read %s: %w", path, err)
	}

	return n, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WaitUntil blocks until the wall clock reaches t, so ranks started at
// different moments begin together. It returns at once if t has passed.
func WaitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}

	return sleep(ctx, d)
}
