package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/rankcoord/internal/config"
)

// StatusCmd returns the status command.
func StatusCmd(cfg config.Config, log *zap.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("status", flag.ContinueOnError),
		Usage: "status <coord-id>",
		Short: "Show the state of a coordination group",
		Long: `Show the state of a coordination group without joining it.

Prints the shared counters, one line per rank, and any results published
so far. Works on live groups and on regions left behind by failed runs.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			id, err := oneArg(args, "coord-id")
			if err != nil {
				return err
			}

			m, err := attach(id, cfg.CoordOptions(log))
			if err != nil {
				return err
			}
			defer m.Close()

			stats, err := m.Stats()
			if err != nil {
				return err
			}

			ranks, err := m.Ranks()
			if err != nil {
				return err
			}

			out := o.Out()

			o.Printf("region=%s\n", m.Path())
			writeStats(out, stats)
			o.Println()

			err = writeRanks(out, ranks)
			if err != nil {
				return err
			}

			o.Println()

			agg, aggErr := m.AggregatedResults()

			err = writePartialResults(out, agg, aggErr)
			if err != nil {
				return err
			}

			if stats.Aborted {
				o.Warn("group "+id+" was aborted", fmt.Sprintf("remove it with 'dlcoord clean %s'", id))
			}

			return nil
		},
	}
}

// oneArg returns the single positional argument a command expects.
func oneArg(args []string, name string) (string, error) {
	switch {
	case len(args) == 0:
		return "", fmt.Errorf("%w: <%s>", ErrArgRequired, name)
	case len(args) > 1:
		return "", fmt.Errorf("%w: %v", ErrTooManyArgs, args[1:])
	}

	return args[0], nil
}
