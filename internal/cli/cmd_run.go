package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/rankcoord/internal/config"
	"github.com/calvinalkan/rankcoord/internal/report"
	"github.com/calvinalkan/rankcoord/internal/workload"
	"github.com/calvinalkan/rankcoord/pkg/rankcoord"
)

const phaseExecutionStart = "execution_start"

// RunCmd returns the run command.
func RunCmd(cfg config.Config, env Env, log *zap.Logger) *Command {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	f := runFlags{
		workload:      fs.StringP("workload", "w", "", "DLIO workload `yaml`"),
		rank:          fs.Int("rank", -1, "Rank of this process (default $RANK)"),
		worldSize:     fs.Int("world-size", 0, "Number of ranks (default $WORLD_SIZE)"),
		coordID:       fs.String("coord-id", "", "Coordination id (default dlio_<name>_<world-size>)"),
		dataDir:       fs.String("data-dir", "", "Data folder (default dataset.data_folder)"),
		pattern:       fs.String("pattern", "", "Glob selecting data files (default **/*.<format>)"),
		filelist:      fs.String("filelist", "", "Read the file list from `path` instead of walking"),
		shardStrategy: fs.String("shard-strategy", string(workload.Interleaved), "interleaved, contiguous, or hash"),
		startAtEpoch:  fs.Int64("start-at-epoch", 0, "Wait until this unix time in seconds before starting"),
		results:       fs.String("results", "", "Write the aggregated report as JSON to `path` (rank 0)"),
		metricsFile:   fs.String("metrics-textfile", "", "Write Prometheus gauges to `path` (rank 0)"),
		strictAU:      fs.Bool("strict-au", false, "Fail when accelerator utilization is below threshold"),
		auThreshold:   fs.Float64("au-threshold", report.DefaultAUThreshold, "Accelerator utilization threshold"),
		runID:         fs.String("run-id", "", "Run id recorded in the report (default $DLCOORD_RUN_ID or random)"),
		launch:        env.Launch,
		cfg:           cfg,
		log:           log,
		fs:            fs,
		workDir:       cfg.EffectiveCwd,
	}

	return &Command{
		Flags: fs,
		Usage: "run --workload <yaml> [flags]",
		Short: "Run one rank of a benchmark",
		Long: `Run one rank of a DLIO-style benchmark.

All ranks of a group register, agree on a global start time, read their
shard of the dataset, and wait for each other to finish. Rank 0 prints the
aggregated report and removes the coordination region.

Rank and world size come from --rank/--world-size, else from the RANK and
WORLD_SIZE environment variables, else a single-rank run is assumed.`,
		Exec: f.exec,
	}
}

type runFlags struct {
	workload      *string
	rank          *int
	worldSize     *int
	coordID       *string
	dataDir       *string
	pattern       *string
	filelist      *string
	shardStrategy *string
	startAtEpoch  *int64
	results       *string
	metricsFile   *string
	strictAU      *bool
	auThreshold   *float64
	runID         *string

	launch  config.LaunchEnv
	cfg     config.Config
	log     *zap.Logger
	fs      *flag.FlagSet
	workDir string
}

// identity is who this process is within its group.
type identity struct {
	rank      uint32
	worldSize uint32
	coordID   string
	runID     string
}

func (f *runFlags) exec(ctx context.Context, o *IO, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%w: %v", ErrTooManyArgs, args)
	}

	if *f.workload == "" {
		return fmt.Errorf("%w: --workload", ErrFlagRequired)
	}

	strategy, err := workload.ParseStrategy(*f.shardStrategy)
	if err != nil {
		return err
	}

	if *f.auThreshold < 0 || *f.auThreshold > 1 {
		return fmt.Errorf("%w: --au-threshold %v not in [0, 1]", ErrInvalidFlagUsed, *f.auThreshold)
	}

	wl, err := workload.Load(f.abs(*f.workload))
	if err != nil {
		return err
	}

	id, err := f.identity(wl)
	if err != nil {
		return err
	}

	log := f.log.With(zap.Uint32("rank", id.rank), zap.String("run_id", id.runID))

	if *f.startAtEpoch > 0 {
		at := time.Unix(*f.startAtEpoch, 0)
		log.Info("waiting for start time", zap.Time("at", at))

		err = workload.WaitUntil(ctx, at)
		if err != nil {
			return err
		}
	}

	coord, err := rankcoord.Open(ctx, id.rank, id.worldSize, id.coordID, f.cfg.CoordOptions(log))
	if err != nil {
		return fmt.Errorf("rank %d: %w", id.rank, err)
	}
	defer coord.Close()

	stop := context.AfterFunc(ctx, func() { coord.Abort("interrupted") })
	defer stop()

	files, err := f.files(ctx, wl, id, strategy)
	if err != nil {
		coord.MarkFailed(err.Error())
		coord.Abort(fmt.Sprintf("rank %d: %v", id.rank, err))

		return err
	}

	res, err := f.coordinate(ctx, coord, wl, files, log)
	if err != nil {
		// The episode is over for everybody. An aborted region also keeps a
		// later run under the same id from joining it.
		if !coord.Aborted() {
			coord.MarkFailed(err.Error())
			coord.Abort(fmt.Sprintf("rank %d: %v", id.rank, err))
		}

		if id.rank == 0 {
			log.Warn("coordination region left in place for inspection",
				zap.String("status", "dlcoord status "+id.coordID),
				zap.String("remove", "dlcoord clean "+id.coordID))
		}

		return fmt.Errorf("rank %d did not complete coordination: %w", id.rank, err)
	}

	if id.rank != 0 {
		o.Printf("rank %d done: %d files, %.3f GiB/s, AU %.1f%%\n",
			id.rank, res.FilesProcessed, res.ThroughputGiBs, res.AUFraction*100)

		return nil
	}

	return f.finishRankZero(o, coord, wl, id, log)
}

// coordinate runs this rank through the whole protocol: register, agree on
// the start, run the workload, publish results, and wait for the group.
func (f *runFlags) coordinate(ctx context.Context, coord *rankcoord.Coordinator, wl workload.Config, files []string, log *zap.Logger) (rankcoord.Result, error) {
	err := coord.RegisterAndWait(ctx)
	if err != nil {
		return rankcoord.Result{}, err
	}

	if coord.Rank() == 0 {
		_, err = coord.MarkGlobalStart()
		if err != nil {
			return rankcoord.Result{}, err
		}
	}

	err = coord.Barrier(ctx, phaseExecutionStart)
	if err != nil {
		return rankcoord.Result{}, err
	}

	res, err := workload.NewRunner(wl, files, log).Run(ctx)
	if err != nil {
		coord.MarkFailed(err.Error())
		coord.Abort(fmt.Sprintf("rank %d: workload failed: %v", coord.Rank(), err))

		return rankcoord.Result{}, fmt.Errorf("workload: %w", err)
	}

	// Results go in before the finish wait so the aggregate rank 0 reads
	// after the wait contains every rank.
	err = coord.StoreResults(res)
	if err != nil {
		return rankcoord.Result{}, err
	}

	_, err = coord.MarkFinishedAndWait(ctx)
	if err != nil {
		return rankcoord.Result{}, err
	}

	return res, nil
}

func (f *runFlags) finishRankZero(o *IO, coord *rankcoord.Coordinator, wl workload.Config, id identity, log *zap.Logger) error {
	defer func() {
		err := coord.Cleanup()
		if err != nil {
			log.Warn("cleanup failed", zap.Error(err))
		}
	}()

	agg, err := coord.AggregatedResults()
	if err != nil {
		return err
	}

	start, _ := coord.GlobalStartTime()
	end, _ := coord.GlobalEndTime()

	rep, err := report.Build(id.coordID, agg, report.Meta{
		RunID:       id.runID,
		Workload:    wl.Name(),
		GlobalStart: start,
		GlobalEnd:   end,
		AUThreshold: *f.auThreshold,
		Strict:      *f.strictAU,
	})
	if err != nil {
		return err
	}

	err = report.WriteText(o.Out(), rep)
	if err != nil {
		return err
	}

	if *f.results != "" {
		err = report.WriteJSON(f.abs(*f.results), rep)
		if err != nil {
			return err
		}
	}

	if *f.metricsFile != "" {
		err = report.WriteTextfile(f.abs(*f.metricsFile), rep)
		if err != nil {
			return err
		}
	}

	if rep.RanksReported < int(rep.WorldSize) {
		o.Warn(fmt.Sprintf("only %d of %d ranks reported results", rep.RanksReported, rep.WorldSize),
			"check the failed ranks' output")
	}

	return rep.Check()
}

// identity resolves rank, world size, and ids. Flags beat the launcher
// environment, which beats a single-rank default.
func (f *runFlags) identity(wl workload.Config) (identity, error) {
	rankSet, worldSet := f.fs.Changed("rank"), f.fs.Changed("world-size")
	if rankSet != worldSet {
		return identity{}, ErrRankWorldPair
	}

	rank, world := 0, 1

	switch {
	case rankSet:
		rank, world = *f.rank, *f.worldSize
	case f.launch.HasRank():
		rank, world = f.launch.Rank, f.launch.WorldSize
	}

	if world < 1 || world > rankcoord.MaxRanks {
		return identity{}, fmt.Errorf("%w: world size %d not in [1, %d]", rankcoord.ErrCapacityExceeded, world, rankcoord.MaxRanks)
	}

	if rank < 0 || rank >= world {
		return identity{}, fmt.Errorf("%w: rank %d with world size %d", rankcoord.ErrInvalidRank, rank, world)
	}

	id := identity{
		rank:      uint32(rank),  //nolint:gosec // bounded above
		worldSize: uint32(world), //nolint:gosec // bounded above
		coordID:   firstNonEmpty(*f.coordID, f.launch.CoordID),
		runID:     firstNonEmpty(*f.runID, f.launch.RunID),
	}

	if id.coordID == "" {
		id.coordID = workload.CoordinationID(wl.Name(), id.worldSize)
	}

	if id.runID == "" {
		id.runID = uuid.NewString()
	}

	return id, nil
}

// files returns this rank's shard of the dataset.
func (f *runFlags) files(ctx context.Context, wl workload.Config, id identity, strategy workload.Strategy) ([]string, error) {
	var (
		all []string
		err error
	)

	if *f.filelist != "" {
		all, err = workload.ReadFileList(f.abs(*f.filelist))
	} else {
		dir := f.abs(firstNonEmpty(*f.dataDir, wl.Dataset.DataFolder))

		if dir == "" {
			return nil, ErrNoDataSource
		}

		pattern := *f.pattern
		if pattern == "" {
			pattern = wl.DefaultPattern()
		}

		all, err = workload.Discover(ctx, dir, pattern)
	}

	if err != nil {
		return nil, err
	}

	all = wl.Limit(all)
	if len(all) == 0 && wl.Trains() {
		return nil, workload.ErrNoFiles
	}

	return workload.Shard(all, id.rank, id.worldSize, strategy)
}

func (f *runFlags) abs(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(f.workDir, path)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}
