// Package report turns a group's aggregated results into the run summary:
// combined accelerator utilization, throughput statistics across ranks, and
// the text, JSON and Prometheus renderings of it.
package report

import (
	"errors"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/calvinalkan/rankcoord/pkg/rankcoord"
)

// DefaultAUThreshold is the pass mark for combined accelerator utilization.
const DefaultAUThreshold = 0.9

// ErrAUBelowThreshold is returned by [Report.Check] when a strict run's
// combined accelerator utilization is under the threshold.
var ErrAUBelowThreshold = errors.New("report: accelerator utilization below threshold")

// Report is the summary of one multi-rank run.
type Report struct {
	RunID          string    `json:"run_id"`
	CoordinationID string    `json:"coordination_id"`
	Workload       string    `json:"workload"`
	WorldSize      uint32    `json:"world_size"`
	RanksReported  int       `json:"ranks_reported"`
	GlobalStart    time.Time `json:"global_start,omitzero"`
	GlobalEnd      time.Time `json:"global_end,omitzero"`

	TotalFilesProcessed uint64  `json:"total_files_processed"`
	TotalBytesRead      uint64  `json:"total_bytes_read"`
	TotalThroughputGiBs float64 `json:"total_throughput_gib_s"`
	GlobalRuntimeSecs   float64 `json:"global_runtime_seconds"`

	// CombinedAU is the mean accelerator utilization over reporting ranks.
	CombinedAU  float64 `json:"combined_au"`
	AUThreshold float64 `json:"au_threshold"`
	Strict      bool    `json:"strict_au"`
	Pass        bool    `json:"pass"`

	Throughput ThroughputStats `json:"rank_throughput_gib_s"`
	Ranks      []Rank          `json:"ranks"`
}

// ThroughputStats summarizes per-rank throughput in GiB/s.
type ThroughputStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Rank is one rank's line in the report.
type Rank struct {
	Rank           uint32  `json:"rank"`
	FilesProcessed uint64  `json:"files_processed"`
	BytesRead      uint64  `json:"bytes_read"`
	ThroughputGiBs float64 `json:"throughput_gib_s"`
	WallClockSecs  float64 `json:"wall_clock_seconds"`
	AU             float64 `json:"au"`
}

// Meta identifies the run a report belongs to.
type Meta struct {
	RunID       string
	Workload    string
	GlobalStart time.Time
	GlobalEnd   time.Time
	// AUThreshold is used as given; 0 passes every run.
	AUThreshold float64
	Strict      bool
}

// Build summarizes agg. agg must contain at least one rank.
func Build(coordinationID string, agg rankcoord.Aggregate, meta Meta) (Report, error) {
	if len(agg.Ranks) == 0 {
		return Report{}, rankcoord.ErrNoValidResults
	}

	threshold := meta.AUThreshold
	if threshold < 0 || threshold > 1 {
		return Report{}, fmt.Errorf("report: au threshold %v outside [0, 1]", threshold)
	}

	r := Report{
		RunID:               meta.RunID,
		CoordinationID:      coordinationID,
		Workload:            meta.Workload,
		WorldSize:           agg.WorldSize,
		RanksReported:       len(agg.Ranks),
		GlobalStart:         meta.GlobalStart,
		GlobalEnd:           meta.GlobalEnd,
		TotalFilesProcessed: agg.TotalFilesProcessed,
		TotalBytesRead:      agg.TotalBytesRead,
		TotalThroughputGiBs: agg.TotalThroughputGiBs,
		GlobalRuntimeSecs:   agg.GlobalRuntime.Seconds(),
		AUThreshold:         threshold,
		Strict:              meta.Strict,
	}

	throughputs := make([]float64, 0, len(agg.Ranks))
	aus := make([]float64, 0, len(agg.Ranks))

	for _, d := range agg.Ranks {
		r.Ranks = append(r.Ranks, Rank{
			Rank:           d.Rank,
			FilesProcessed: d.FilesProcessed,
			BytesRead:      d.BytesRead,
			ThroughputGiBs: d.ThroughputGiBs,
			WallClockSecs:  d.WallClock.Seconds(),
			AU:             d.AUFraction,
		})

		throughputs = append(throughputs, d.ThroughputGiBs)
		aus = append(aus, d.AUFraction)
	}

	var err error

	r.CombinedAU, err = stats.Mean(aus)
	if err != nil {
		return Report{}, fmt.Errorf("report: combined au: %w", err)
	}

	r.Throughput, err = summarize(throughputs)
	if err != nil {
		return Report{}, err
	}

	r.Pass = r.CombinedAU >= threshold

	return r, nil
}

func summarize(data stats.Float64Data) (ThroughputStats, error) {
	var (
		s   ThroughputStats
		err error
	)

	for _, f := range []struct {
		dst *float64
		fn  func() (float64, error)
	}{
		{&s.Mean, data.Mean},
		{&s.Median, data.Median},
		{&s.StdDev, data.StandardDeviation},
		{&s.Min, data.Min},
		{&s.Max, data.Max},
	} {
		*f.dst, err = f.fn()
		if err != nil {
			return ThroughputStats{}, fmt.Errorf("report: throughput stats: %w", err)
		}
	}

	return s, nil
}

// Check returns ErrAUBelowThreshold when the run is strict and failed the
// utilization threshold.
func (r Report) Check() error {
	if r.Strict && !r.Pass {
		return fmt.Errorf("%w: %.1f%% < %.1f%%", ErrAUBelowThreshold, r.CombinedAU*100, r.AUThreshold*100)
	}

	return nil
}
