package rankcoord

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Result is one rank's workload outcome, as produced by the workload engine.
type Result struct {
	FilesProcessed uint64
	BytesRead      uint64
	ThroughputGiBs float64       // GiB/s
	WallClock      time.Duration // rank's own measured run time
	AUFraction     float64       // accelerator utilization, 0..1
	Start          time.Time
	End            time.Time
}

// RankDetail is one rank's published result as read back from the region.
type RankDetail struct {
	Rank           uint32
	FilesProcessed uint64
	BytesRead      uint64
	ThroughputGiBs float64
	WallClock      time.Duration
	AUFraction     float64
	Start          time.Time
	End            time.Time
}

// Aggregate combines the results of every rank that published.
//
// It deliberately has no combined accelerator utilization: that depends on
// inputs only the caller has.
type Aggregate struct {
	WorldSize           uint32
	TotalFilesProcessed uint64
	TotalBytesRead      uint64
	TotalThroughputGiBs float64
	// GlobalRuntime is the latest end minus the earliest start over the
	// ranks that published.
	GlobalRuntime time.Duration
	Ranks         []RankDetail // ascending by rank, published ranks only
}

// StoreResults publishes this rank's results for aggregation.
//
// Fields are written first and the slot is marked valid last, so a reader
// that sees the slot as valid sees every field. A rank publishes at most once.
//
// Possible errors: [ErrAlreadyPublished], [ErrInvalidInput], [ErrClosed].
func (c *Coordinator) StoreResults(r Result) error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	enc, err := encodeResult(r)
	if err != nil {
		return err
	}

	slot := &c.state.results[c.rank]
	if slot.valid.Load() {
		return fmt.Errorf("rank %d: %w", c.rank, ErrAlreadyPublished)
	}

	slot.filesProcessed.Store(enc.filesProcessed)
	slot.bytesRead.Store(enc.bytesRead)
	slot.throughputBps.Store(enc.throughputBps)
	slot.wallClockNs.Store(enc.wallClockNs)
	slot.auScaled.Store(enc.auScaled)
	slot.startNs.Store(enc.startNs)
	slot.endNs.Store(enc.endNs)

	// Publication point. Must stay last.
	slot.valid.Store(true)

	c.log.Debug("stored results",
		zap.Uint64("files_processed", r.FilesProcessed),
		zap.Uint64("bytes_read", r.BytesRead),
		zap.Float64("throughput_gib_s", r.ThroughputGiBs))

	return nil
}

// AggregatedResults combines the results of every rank that has published.
// Ranks that have not published are skipped with a warning.
//
// Possible errors: [ErrNoValidResults], [ErrClosed].
func (c *Coordinator) AggregatedResults() (Aggregate, error) {
	release, err := c.acquire()
	if err != nil {
		return Aggregate{}, err
	}
	defer release()

	return aggregate(c.state, c.worldSize, c.log)
}

// encodedResult is a Result in its stored fixed-point form.
type encodedResult struct {
	filesProcessed uint64
	bytesRead      uint64
	throughputBps  uint64
	wallClockNs    uint64
	auScaled       uint64
	startNs        uint64
	endNs          uint64
}

func encodeResult(r Result) (encodedResult, error) {
	throughput, err := toFixed("throughput", r.ThroughputGiBs, bytesPerGiB)
	if err != nil {
		return encodedResult{}, err
	}

	au, err := toFixed("au fraction", r.AUFraction, auScale)
	if err != nil {
		return encodedResult{}, err
	}

	if r.WallClock < 0 {
		return encodedResult{}, fmt.Errorf("wall clock %s is negative: %w", r.WallClock, ErrInvalidInput)
	}

	start, err := toNanos("start", r.Start)
	if err != nil {
		return encodedResult{}, err
	}

	end, err := toNanos("end", r.End)
	if err != nil {
		return encodedResult{}, err
	}

	if start != 0 && end != 0 && end < start {
		return encodedResult{}, fmt.Errorf("end %s before start %s: %w", r.End, r.Start, ErrInvalidInput)
	}

	return encodedResult{
		filesProcessed: r.FilesProcessed,
		bytesRead:      r.BytesRead,
		throughputBps:  throughput,
		wallClockNs:    uint64(r.WallClock),
		auScaled:       au,
		startNs:        start,
		endNs:          end,
	}, nil
}

// toFixed converts a non-negative float to fixed point with the given scale.
func toFixed(name string, v, scale float64) (uint64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, fmt.Errorf("%s %v must be finite and >= 0: %w", name, v, ErrInvalidInput)
	}

	scaled := v * scale
	if scaled >= math.MaxUint64 {
		return 0, fmt.Errorf("%s %v overflows fixed point: %w", name, v, ErrInvalidInput)
	}

	return uint64(scaled), nil
}

// toNanos converts t to unix nanoseconds; the zero time is stored as unset.
func toNanos(name string, t time.Time) (uint64, error) {
	if t.IsZero() {
		return 0, nil
	}

	ns := t.UnixNano()
	if ns <= 0 {
		return 0, fmt.Errorf("%s time %s is not after the unix epoch: %w", name, t, ErrInvalidInput)
	}

	return uint64(ns), nil
}

// aggregate reads every published slot of the first worldSize ranks.
func aggregate(s *sharedState, worldSize uint32, log *zap.Logger) (Aggregate, error) {
	agg := Aggregate{WorldSize: worldSize}

	var (
		totalBps uint64
		minStart uint64 = math.MaxUint64
		maxEnd   uint64
	)

	for rank := range worldSize {
		slot := &s.results[rank]

		if !slot.valid.Load() {
			log.Warn("rank results not available", zap.Uint32("result_rank", rank))

			continue
		}

		detail := RankDetail{
			Rank:           rank,
			FilesProcessed: slot.filesProcessed.Load(),
			BytesRead:      slot.bytesRead.Load(),
			WallClock:      time.Duration(slot.wallClockNs.Load()), //nolint:gosec // stored from a non-negative Duration
			AUFraction:     float64(slot.auScaled.Load()) / auScale,
		}

		bps := slot.throughputBps.Load()
		startNs := slot.startNs.Load()
		endNs := slot.endNs.Load()

		detail.ThroughputGiBs = float64(bps) / bytesPerGiB
		detail.Start, _ = timeFromNanos(startNs)
		detail.End, _ = timeFromNanos(endNs)

		agg.TotalFilesProcessed += detail.FilesProcessed
		agg.TotalBytesRead += detail.BytesRead
		totalBps += bps

		// Zero means unset, not the epoch.
		if startNs != 0 {
			minStart = min(minStart, startNs)
		}

		if endNs != 0 {
			maxEnd = max(maxEnd, endNs)
		}

		agg.Ranks = append(agg.Ranks, detail)
	}

	if len(agg.Ranks) == 0 {
		return Aggregate{}, fmt.Errorf("0/%d ranks published: %w", worldSize, ErrNoValidResults)
	}

	agg.TotalThroughputGiBs = float64(totalBps) / bytesPerGiB

	if maxEnd > minStart {
		agg.GlobalRuntime = time.Duration(maxEnd - minStart) //nolint:gosec // difference of two unix-ns timestamps
	}

	log.Info("aggregated results",
		zap.Int("ranks", len(agg.Ranks)),
		zap.Uint64("files", agg.TotalFilesProcessed),
		zap.Uint64("bytes", agg.TotalBytesRead),
		zap.Float64("throughput_gib_s", agg.TotalThroughputGiBs))

	return agg, nil
}
