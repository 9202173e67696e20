package cli

import (
	"context"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/rankcoord/internal/config"
)

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(cfg config.Config) *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show the effective configuration",
		Long:  "Show the resolved configuration and the files it was loaded from.",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) > 0 {
				return ErrTooManyArgs
			}

			o.Println(config.Format(cfg))
			o.Println()
			o.Println("# sources")

			if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
				o.Println("(defaults only)")

				return nil
			}

			if cfg.Sources.Global != "" {
				o.Println("global=" + cfg.Sources.Global)
			}

			if cfg.Sources.Project != "" {
				o.Println("project=" + cfg.Sources.Project)
			}

			return nil
		},
	}
}
