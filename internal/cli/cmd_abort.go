package cli

import (
	"context"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/rankcoord/internal/config"
)

// AbortCmd returns the abort command.
func AbortCmd(cfg config.Config, log *zap.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("abort", flag.ContinueOnError),
		Usage: "abort <coord-id> [reason]",
		Short: "Abort a running coordination group",
		Long: `Set the abort flag of a coordination group.

Every rank waiting in registration, a barrier, or the finish phase returns
an error at its next poll. The flag is sticky.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("%w: <coord-id>", ErrArgRequired)
			}

			id := args[0]

			reason := strings.Join(args[1:], " ")
			if reason == "" {
				reason = "aborted by operator"
			}

			m, err := attach(id, cfg.CoordOptions(log))
			if err != nil {
				return err
			}
			defer m.Close()

			err = m.Abort(reason)
			if err != nil {
				return err
			}

			o.Println("aborted", id)

			return nil
		},
	}
}
