package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"
)

// WriteText writes the human summary.
func WriteText(w io.Writer, r Report) error {
	var buf bytes.Buffer

	verdict := "PASS"
	if !r.Pass {
		verdict = "FAIL"
	}

	fmt.Fprintf(&buf, "Aggregated results (%s, %d/%d ranks)\n", r.CoordinationID, r.RanksReported, r.WorldSize)

	if r.RunID != "" {
		fmt.Fprintf(&buf, "  Run id:                %s\n", r.RunID)
	}

	fmt.Fprintf(&buf, "  Total files processed: %s\n", humanize.Comma(int64(r.TotalFilesProcessed))) //nolint:gosec // file counts fit int64
	fmt.Fprintf(&buf, "  Total data read:       %s\n", humanize.IBytes(r.TotalBytesRead))
	fmt.Fprintf(&buf, "  Combined throughput:   %.2f GiB/s\n", r.TotalThroughputGiBs)
	fmt.Fprintf(&buf, "  Global runtime:        %.3fs\n", r.GlobalRuntimeSecs)
	fmt.Fprintf(&buf, "  Per-rank throughput:   mean %.2f, median %.2f, stddev %.2f, min %.2f, max %.2f GiB/s\n",
		r.Throughput.Mean, r.Throughput.Median, r.Throughput.StdDev, r.Throughput.Min, r.Throughput.Max)
	fmt.Fprintf(&buf, "  Combined AU:           %.1f%% (threshold %.1f%%, %s)\n", r.CombinedAU*100, r.AUThreshold*100, verdict)
	buf.WriteString("\n")

	tw := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tFILES\tREAD\tGiB/s\tWALL\tAU")

	for _, rank := range r.Ranks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%.3fs\t%.1f%%\n",
			rank.Rank,
			humanize.Comma(int64(rank.FilesProcessed)), //nolint:gosec // file counts fit int64
			humanize.IBytes(rank.BytesRead),
			rank.ThroughputGiBs,
			rank.WallClockSecs,
			rank.AU*100)
	}

	err := tw.Flush()
	if err != nil {
		return err
	}

	_, err = w.Write(buf.Bytes())

	return err
}

// WriteJSON writes r as indented JSON to path, replacing it atomically so
// readers never see a partial file.
func WriteJSON(path string, r Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	data = append(data, '\n')

	err = atomic.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}

	return nil
}

// WriteTextfile writes r as Prometheus gauges in the node exporter textfile
// format. The file is replaced atomically.
func WriteTextfile(path string, r Report) error {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"coordination_id": r.CoordinationID, "workload": r.Workload}

	gauge := func(name, help string, v float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dlcoord",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(v)
		reg.MustRegister(g)
	}

	gauge("world_size", "Ranks in the coordination group.", float64(r.WorldSize))
	gauge("ranks_reported", "Ranks that published results.", float64(r.RanksReported))
	gauge("files_processed_total", "Files read by all ranks.", float64(r.TotalFilesProcessed))
	gauge("bytes_read_total", "Bytes read by all ranks.", float64(r.TotalBytesRead))
	gauge("throughput_gib_per_second", "Combined read throughput.", r.TotalThroughputGiBs)
	gauge("runtime_seconds", "Latest end minus earliest start over all ranks.", r.GlobalRuntimeSecs)
	gauge("accelerator_utilization_ratio", "Mean accelerator utilization over ranks.", r.CombinedAU)

	pass := 0.0
	if r.Pass {
		pass = 1
	}

	gauge("au_pass", "1 if combined utilization met the threshold.", pass)

	perRank := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   "dlcoord",
		Name:        "rank_throughput_gib_per_second",
		Help:        "Read throughput of one rank.",
		ConstLabels: labels,
	}, []string{"rank"})
	reg.MustRegister(perRank)

	for _, rank := range r.Ranks {
		perRank.WithLabelValues(strconv.FormatUint(uint64(rank.Rank), 10)).Set(rank.ThroughputGiBs)
	}

	err := prometheus.WriteToTextfile(path, reg)
	if err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}

	return nil
}
