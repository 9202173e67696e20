package cli_test

import (
	"encoding/json"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/rankcoord/internal/cli"
	"github.com/calvinalkan/rankcoord/internal/config"
)

const unetWorkload = `model:
  name: unet3d
workflow:
  generate_data: false
  train: true
dataset:
  data_folder: data/unet3d
  format: npz
reader:
  batch_size: 2
  read_threads: 2
train:
  epochs: 1
  computation_time: 0
`

// newRunCLI returns a CLI with the unet3d workload and 8 data files of
// 1 KiB.
func newRunCLI(t *testing.T) *cli.CLI {
	t.Helper()

	c := cli.NewCLI(t)
	c.WriteFile("unet3d.yaml", unetWorkload)
	c.WriteDataset("data/unet3d", "npz", 8, 1024)
	c.WriteFile("data/unet3d/README.txt", "not part of the dataset")

	return c
}

func Test_Run_Prints_Report_And_Removes_Region_When_Single_Rank(t *testing.T) {
	t.Parallel()

	c := newRunCLI(t)
	stdout := c.MustRun("run", "--workload", "unet3d.yaml", "--run-id", "r1")

	cli.AssertContains(t, stdout, "Aggregated results (dlio_unet3d_1, 1/1 ranks)")
	cli.AssertContains(t, stdout, "Run id:                r1")
	cli.AssertContains(t, stdout, "Total files processed: 8")
	cli.AssertContains(t, stdout, "Total data read:       8.0 KiB")
	cli.AssertContains(t, stdout, "FAIL")

	assert.False(t, c.RegionExists("dlio_unet3d_1"), "rank 0 removes the region")
}

func Test_Run_Shards_Files_Across_Ranks_When_World_Size_Two(t *testing.T) {
	t.Parallel()

	c := newRunCLI(t)

	type result struct {
		stdout, stderr string
		code           int
	}

	results := make([]result, 2)

	var wg sync.WaitGroup

	for rank := range 2 {
		wg.Go(func() {
			stdout, stderr, code := c.Run("run", "--workload", "unet3d.yaml",
				"--rank", strconv.Itoa(rank), "--world-size", "2", "--shard-strategy", "contiguous")
			results[rank] = result{stdout, stderr, code}
		})
	}

	wg.Wait()

	for rank, r := range results {
		require.Equal(t, 0, r.code, "rank %d stderr: %s", rank, r.stderr)
	}

	cli.AssertContains(t, results[0].stdout, "Aggregated results (dlio_unet3d_2, 2/2 ranks)")
	cli.AssertContains(t, results[0].stdout, "Total files processed: 8")
	cli.AssertContains(t, results[1].stdout, "rank 1 done: 4 files")
	assert.False(t, c.RegionExists("dlio_unet3d_2"))
}

func Test_Run_Takes_Rank_And_Ids_From_Launcher_Env_When_Flags_Absent(t *testing.T) {
	t.Parallel()

	c := newRunCLI(t)
	c.Launch = config.LaunchEnv{Rank: 0, WorldSize: 1, CoordID: "from-env", RunID: "env-run"}

	stdout := c.MustRun("run", "--workload", "unet3d.yaml")

	cli.AssertContains(t, stdout, "Aggregated results (from-env, 1/1 ranks)")
	cli.AssertContains(t, stdout, "Run id:                env-run")
}

func Test_Run_Writes_Json_And_Metrics_When_Output_Paths_Given(t *testing.T) {
	t.Parallel()

	c := newRunCLI(t)
	c.MustRun("run", "--workload", "unet3d.yaml", "--coord-id", "out",
		"--results", "report.json", "--metrics-textfile", "dlcoord.prom", "--run-id", "r2")

	var rep struct {
		RunID          string `json:"run_id"`
		CoordinationID string `json:"coordination_id"`
		Workload       string `json:"workload"`
		WorldSize      uint32 `json:"world_size"`
		Files          uint64 `json:"total_files_processed"`
		Bytes          uint64 `json:"total_bytes_read"`
		Ranks          []struct {
			Rank uint32 `json:"rank"`
		} `json:"ranks"`
	}

	require.NoError(t, json.Unmarshal([]byte(c.ReadFile("report.json")), &rep))

	assert.Equal(t, "r2", rep.RunID)
	assert.Equal(t, "out", rep.CoordinationID)
	assert.Equal(t, "unet3d", rep.Workload)
	assert.Equal(t, uint32(1), rep.WorldSize)
	assert.Equal(t, uint64(8), rep.Files)
	assert.Equal(t, uint64(8*1024), rep.Bytes)
	assert.Len(t, rep.Ranks, 1)

	metrics := c.ReadFile("dlcoord.prom")
	cli.AssertContains(t, metrics, `dlcoord_world_size{coordination_id="out",workload="unet3d"} 1`)
	cli.AssertContains(t, metrics, "dlcoord_files_processed_total{")
	cli.AssertContains(t, metrics, `rank="0"`)
}

func Test_Run_Fails_After_Printing_Report_When_Strict_AU_Not_Met(t *testing.T) {
	t.Parallel()

	c := newRunCLI(t)
	stdout, stderr, code := c.Run("run", "--workload", "unet3d.yaml", "--strict-au")

	assert.Equal(t, 1, code)
	cli.AssertContains(t, stdout, "Aggregated results")
	cli.AssertContains(t, stderr, "accelerator utilization below threshold")
	assert.False(t, c.RegionExists("dlio_unet3d_1"), "region is removed even when the check fails")
}

func Test_Run_Passes_Strict_AU_When_Threshold_Is_Zero(t *testing.T) {
	t.Parallel()

	c := newRunCLI(t)
	stdout := c.MustRun("run", "--workload", "unet3d.yaml", "--strict-au", "--au-threshold", "0")

	cli.AssertContains(t, stdout, "threshold 0.0%, PASS")
}

func Test_Run_Reads_Filelist_When_Given(t *testing.T) {
	t.Parallel()

	c := newRunCLI(t)
	c.WriteFile("files.txt", "# two of them\ndata/unet3d/img_000.npz\n\ndata/unet3d/img_001.npz\n")

	stdout := c.MustRun("run", "--workload", "unet3d.yaml", "--filelist", "files.txt")

	cli.AssertContains(t, stdout, "Total files processed: 2")
}

func Test_Run_Honors_Pattern_And_File_Limit_When_Given(t *testing.T) {
	t.Parallel()

	c := newRunCLI(t)
	c.WriteFile("limited.yaml", "model:\n  name: limited\ndataset:\n  data_folder: data\n  num_files_train: 3\n")

	stdout := c.MustRun("run", "--workload", "limited.yaml", "--pattern", "**/*.npz")

	cli.AssertContains(t, stdout, "Aggregated results (dlio_limited_1, 1/1 ranks)")
	cli.AssertContains(t, stdout, "Total files processed: 3")
}

func Test_Run_Fails_With_Coordination_Message_When_Peer_Never_Registers(t *testing.T) {
	t.Parallel()

	c := newRunCLI(t)
	c.WriteFile("fast.json", `{"poll_interval": "5ms", "register_timeout": "100ms", "log_level": "error"}`)

	stderr := c.MustFail("-c", "fast.json", "run", "--workload", "unet3d.yaml", "--rank", "0", "--world-size", "2")

	cli.AssertContains(t, stderr, "rank 0 did not complete coordination")
	cli.AssertContains(t, stderr, "registration timed out")
	cli.AssertContains(t, stderr, "1/2 ranks arrived")
	assert.True(t, c.RegionExists("dlio_unet3d_2"), "failed region is kept for inspection")
}

func Test_Run_Refuses_Region_Left_By_Timed_Out_Run_When_Id_Reused(t *testing.T) {
	t.Parallel()

	c := newRunCLI(t)
	c.WriteFile("fast.json", `{"poll_interval": "5ms", "register_timeout": "100ms", "log_level": "error"}`)

	stderr := c.MustFail("-c", "fast.json", "run", "--workload", "unet3d.yaml", "--rank", "0", "--world-size", "2")
	cli.AssertContains(t, stderr, "registration timed out")

	// Rank 1 of the next run must not register into the dead group.
	stderr = c.MustFail("-c", "fast.json", "run", "--workload", "unet3d.yaml", "--rank", "1", "--world-size", "2")
	cli.AssertContains(t, stderr, "rank 1: ")
	cli.AssertContains(t, stderr, "stale region")
	cli.AssertNotContains(t, stderr, "did not complete coordination")

	c.MustRun("clean", "dlio_unet3d_2")
	assert.False(t, c.RegionExists("dlio_unet3d_2"))
}

func Test_Run_Aborts_Group_When_One_Rank_Fails_Its_Workload(t *testing.T) {
	t.Parallel()

	c := newRunCLI(t)
	// Interleaved: rank 0 gets the real file, rank 1 the missing one.
	c.WriteFile("files.txt", "data/unet3d/img_000.npz\ndata/unet3d/missing.npz\n")

	codes := make([]int, 2)
	stderrs := make([]string, 2)

	var wg sync.WaitGroup

	for rank := range 2 {
		wg.Go(func() {
			_, stderrs[rank], codes[rank] = c.Run("run", "--workload", "unet3d.yaml", "--filelist", "files.txt",
				"--coord-id", "broken", "--rank", strconv.Itoa(rank), "--world-size", "2")
		})
	}

	wg.Wait()

	assert.Equal(t, []int{1, 1}, codes)
	cli.AssertContains(t, stderrs[1], "rank 1 did not complete coordination: workload:")
	cli.AssertContains(t, stderrs[0], "rank 0 did not complete coordination")
	cli.AssertContains(t, stderrs[0], "aborted")
}

func Test_Run_Rejects_Invalid_Invocations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing workload", []string{"run"}, "missing required flag: --workload"},
		{"rank without world size", []string{"run", "-w", "unet3d.yaml", "--rank", "1"}, "must be given together"},
		{"world size without rank", []string{"run", "-w", "unet3d.yaml", "--world-size", "2"}, "must be given together"},
		{"rank out of range", []string{"run", "-w", "unet3d.yaml", "--rank", "2", "--world-size", "2"}, "invalid rank"},
		{"world too large", []string{"run", "-w", "unet3d.yaml", "--rank", "0", "--world-size", "65"}, "capacity exceeded"},
		{"unknown strategy", []string{"run", "-w", "unet3d.yaml", "--shard-strategy", "random"}, "unknown shard strategy"},
		{"bad threshold", []string{"run", "-w", "unet3d.yaml", "--au-threshold", "1.5"}, "--au-threshold 1.5"},
		{"missing workload file", []string{"run", "-w", "nope.yaml"}, "read workload"},
		{"positional args", []string{"run", "-w", "unet3d.yaml", "extra"}, "too many arguments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newRunCLI(t)
			stderr := c.MustFail(tt.args...)

			cli.AssertContains(t, stderr, tt.want)
		})
	}
}

func Test_Run_Fails_When_Workload_Has_No_Data_Source(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteFile("nodata.yaml", "model:\n  name: nodata\n")

	stderr := c.MustFail("run", "--workload", "nodata.yaml")

	cli.AssertContains(t, stderr, "no data")
	assert.True(t, c.RegionExists("dlio_nodata_1"), "setup failure leaves the aborted region behind")
}
