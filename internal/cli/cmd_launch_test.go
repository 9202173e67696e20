package cli_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/calvinalkan/rankcoord/internal/cli"
)

// newLaunchCLI returns a run CLI whose launched ranks are this test binary.
func newLaunchCLI(t *testing.T) *cli.CLI {
	t.Helper()

	c := newRunCLI(t)
	c.Env[cli.EnvCLIMain] = "1"

	return c
}

func Test_Launch_Runs_All_Ranks_As_Processes_When_Invoked(t *testing.T) {
	t.Parallel()

	c := newLaunchCLI(t)
	stdout := c.MustRun("launch", "-n", "3", "--stagger", "20ms", "--run-id", "L1", "--", "--workload", "unet3d.yaml")

	cli.AssertContains(t, stdout, "[rank 0] Aggregated results (dlio_unet3d_3, 3/3 ranks)")
	cli.AssertContains(t, stdout, "[rank 0]   Run id:                L1")
	cli.AssertContains(t, stdout, "[rank 0]   Total files processed: 8")
	cli.AssertContains(t, stdout, "[rank 1] rank 1 done:")
	cli.AssertContains(t, stdout, "[rank 2] rank 2 done:")
	cli.AssertNotContains(t, stdout, "[rank 0] rank 0 done:")
	assert.False(t, c.RegionExists("dlio_unet3d_3"))
}

func Test_Launch_Passes_Coordination_Id_To_Every_Rank_When_Given(t *testing.T) {
	t.Parallel()

	c := newLaunchCLI(t)
	stdout := c.MustRun("launch", "-n", "2", "--coord-id", "shared", "--", "--workload", "unet3d.yaml")

	cli.AssertContains(t, stdout, "Aggregated results (shared, 2/2 ranks)")
}

func Test_Launch_Reports_Each_Failed_Rank_When_Children_Fail(t *testing.T) {
	t.Parallel()

	c := newLaunchCLI(t)
	_, stderr, code := c.Run("launch", "-n", "2", "--", "--workload", "nope.yaml")

	assert.Equal(t, 1, code)
	cli.AssertContains(t, stderr, "one or more ranks failed")
	cli.AssertContains(t, stderr, "read workload")
	cli.AssertContains(t, stderr, "] error: ")
}

func Test_Launch_Rejects_Process_Count_When_Out_Of_Range(t *testing.T) {
	t.Parallel()

	for _, n := range []string{"0", "65"} {
		c := newLaunchCLI(t)
		stderr := c.MustFail("launch", "-n", n, "--", "--workload", "unet3d.yaml")

		cli.AssertContains(t, stderr, "--nprocs "+n)
	}
}
