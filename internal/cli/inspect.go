package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/calvinalkan/rankcoord/pkg/rankcoord"
)

// writeStats prints a region snapshot as key=value lines.
func writeStats(w io.Writer, s rankcoord.Stats) {
	_, _ = fmt.Fprintf(w, "coordination_id=%s\n", s.CoordinationID)
	_, _ = fmt.Fprintf(w, "world_size=%d\n", s.WorldSize)
	_, _ = fmt.Fprintf(w, "registered=%d\n", s.Registered)
	_, _ = fmt.Fprintf(w, "finished=%d\n", s.Finished)
	_, _ = fmt.Fprintf(w, "active=%t\n", s.Active)
	_, _ = fmt.Fprintf(w, "aborted=%t\n", s.Aborted)
	_, _ = fmt.Fprintf(w, "global_start=%s\n", formatTime(s.GlobalStart))
	_, _ = fmt.Fprintf(w, "global_end=%s\n", formatTime(s.GlobalEnd))
}

// writeRanks prints one line per rank.
func writeRanks(w io.Writer, ranks []rankcoord.RankState) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RANK\tSTATUS\tBARRIERS\tRESULTS\tLAST SEEN")

	for _, r := range ranks {
		seen := "never"
		if !r.Heartbeat.IsZero() {
			seen = humanize.Time(r.Heartbeat)
		}

		_, _ = fmt.Fprintf(tw, "%d\t%s\t%d\t%t\t%s\n", r.Rank, r.Status, r.BarriersEntered, r.ResultsPublished, seen)
	}

	return tw.Flush()
}

// writePartialResults prints whatever results ranks have published so far.
func writePartialResults(w io.Writer, agg rankcoord.Aggregate, err error) error {
	if errors.Is(err, rankcoord.ErrNoValidResults) {
		_, _ = fmt.Fprintln(w, "no results published")

		return nil
	}

	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "results from %d/%d ranks: %s files, %s, %.3f GiB/s over %s\n",
		len(agg.Ranks), agg.WorldSize,
		humanize.Comma(int64(agg.TotalFilesProcessed)), //nolint:gosec // file counts fit in int64
		humanize.IBytes(agg.TotalBytesRead),
		agg.TotalThroughputGiBs,
		agg.GlobalRuntime.Round(time.Millisecond))

	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "unset"
	}

	return t.Format(time.RFC3339Nano)
}

// attach opens a monitor on coordinationID, wrapping the not-found case
// with a hint.
func attach(coordinationID string, opts rankcoord.Options) (*rankcoord.Monitor, error) {
	m, err := rankcoord.Attach(coordinationID, opts)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", coordinationID, err)
	}

	return m, nil
}
