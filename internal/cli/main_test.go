package cli_test

import (
	"os"
	"testing"

	"github.com/calvinalkan/rankcoord/internal/cli"
)

func TestMain(m *testing.M) {
	// launch tests start this binary as their ranks.
	cli.MainForTest()

	os.Exit(m.Run())
}
