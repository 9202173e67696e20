// Package cli implements the dlcoord command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/rankcoord/internal/config"
	"github.com/calvinalkan/rankcoord/internal/logging"
)

// Env is what the process environment gives the CLI.
type Env struct {
	Vars   map[string]string // environment variables
	Launch config.LaunchEnv  // rank assignment from a launcher, if any
	Self   string            // executable that launch starts ranks with
}

// Run is the main entry point. Returns exit code.
//
// The first value received on sigCh cancels the running command; commands
// that joined a coordination group abort it.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env Env, sigCh <-chan os.Signal) int {
	globals := newGlobalFlags()

	usage := func(w io.Writer) {
		printUsage(w, globals.set, newCommands(config.Default(), env, in, zap.NewNop(), nil))
	}

	err := globals.set.Parse(args[min(1, len(args)):])
	if err != nil {
		fprintln(errOut, "error:", err)
		usage(errOut)

		return 1
	}

	rest := globals.set.Args()

	if *globals.help || len(rest) == 0 {
		usage(out)

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: *globals.cwd,
		ConfigPath:      *globals.config,
		Overrides: config.Overrides{
			ShmDir:    *globals.shmDir,
			LogLevel:  *globals.logLevel,
			LogFormat: *globals.logFormat,
		},
		Env: env.Vars,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	o := NewIO(out, errOut)

	log, err := logging.New(cfg.LogConfig(), o.Err())
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case sig := <-sigCh:
				log.Warn("received signal, stopping", zap.String("signal", sig.String()))
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	name := rest[0]

	for _, cmd := range newCommands(cfg, env, in, log, globals.forward(cfg)) {
		if cmd.Name() != name {
			continue
		}

		code := cmd.Run(ctx, o, rest[1:])
		if code != 0 {
			return code
		}

		return o.Finish()
	}

	fprintln(errOut, "error:", ErrUnknownCommand.Error()+":", name)
	usage(errOut)

	return 1
}

func newCommands(cfg config.Config, env Env, in io.Reader, log *zap.Logger, forward []string) []*Command {
	return []*Command{
		RunCmd(cfg, env, log),
		LaunchCmd(cfg, env, forward),
		StatusCmd(cfg, log),
		AbortCmd(cfg, log),
		CleanCmd(cfg),
		ConsoleCmd(cfg, in, log),
		PrintConfigCmd(cfg),
	}
}

type globalFlags struct {
	set       *flag.FlagSet
	cwd       *string
	config    *string
	shmDir    *string
	logLevel  *string
	logFormat *string
	help      *bool
}

func newGlobalFlags() globalFlags {
	set := flag.NewFlagSet("dlcoord", flag.ContinueOnError)
	set.SetInterspersed(false)
	set.SetOutput(&strings.Builder{}) // discard pflag output

	return globalFlags{
		set:       set,
		cwd:       set.StringP("cwd", "C", "", "Run as if started in `dir`"),
		config:    set.StringP("config", "c", "", "Use specified config `file`"),
		shmDir:    set.String("shm-dir", "", "Directory holding coordination regions (default /dev/shm)"),
		logLevel:  set.String("log-level", "", "Log level: debug, info, warn, error"),
		logFormat: set.String("log-format", "", "Log format: console or json"),
		help:      set.BoolP("help", "h", false, "Show help"),
	}
}

// forward returns the global flags a child rank needs to see the same
// configuration as this process.
func (g globalFlags) forward(cfg config.Config) []string {
	args := []string{"--cwd", cfg.EffectiveCwd}

	if *g.config != "" {
		args = append(args, "--config", *g.config)
	}

	if *g.shmDir != "" {
		args = append(args, "--shm-dir", *g.shmDir)
	}

	if *g.logLevel != "" {
		args = append(args, "--log-level", *g.logLevel)
	}

	if *g.logFormat != "" {
		args = append(args, "--log-format", *g.logFormat)
	}

	return args
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, globals *flag.FlagSet, commands []*Command) {
	fprintln(w, `dlcoord - multi-rank coordination for DLIO-style storage benchmarks

Usage: dlcoord [global flags] <command> [args]

Global flags:`)
	_, _ = io.WriteString(w, globals.FlagUsages())
	fprintln(w)
	fprintln(w, "Commands:")

	for _, cmd := range commands {
		fprintln(w, cmd.HelpLine())
	}
}

// ProcessEnv reads the Env of the current process.
func ProcessEnv() (Env, error) {
	environ := os.Environ()
	vars := make(map[string]string, len(environ))

	for _, e := range environ {
		if k, v, ok := strings.Cut(e, "="); ok {
			vars[k] = v
		}
	}

	launch, err := config.ReadLaunchEnv()
	if err != nil {
		return Env{}, err
	}

	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	return Env{Vars: vars, Launch: launch, Self: self}, nil
}
