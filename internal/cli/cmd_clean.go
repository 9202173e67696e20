package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/rankcoord/internal/config"
	"github.com/calvinalkan/rankcoord/pkg/rankcoord"
)

// CleanCmd returns the clean command.
func CleanCmd(cfg config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("clean", flag.ContinueOnError),
		Usage: "clean <coord-id>",
		Short: "Remove a leftover coordination region",
		Long: `Remove the region of a coordination group.

Use this after a failed run so the next run with the same id starts fresh.
Ranks still attached keep their mapping. Removing a missing region is not
an error.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			id, err := oneArg(args, "coord-id")
			if err != nil {
				return err
			}

			err = rankcoord.Remove(cfg.ShmDir, id)
			if err != nil {
				return err
			}

			o.Println("removed", id)

			return nil
		},
	}
}
