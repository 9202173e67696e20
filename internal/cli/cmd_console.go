package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/rankcoord/internal/config"
	"github.com/calvinalkan/rankcoord/pkg/rankcoord"
)

var consoleCommands = []string{"stats", "ranks", "results", "abort", "help", "quit", "exit"}

// ConsoleCmd returns the console command.
func ConsoleCmd(cfg config.Config, in io.Reader, log *zap.Logger) *Command {
	return &Command{
		Flags: flag.NewFlagSet("console", flag.ContinueOnError),
		Usage: "console <coord-id>",
		Short: "Inspect a coordination group interactively",
		Long: `Open an interactive console attached to a coordination group.

Commands:
  stats            Show the shared counters
  ranks            Show one line per rank
  results          Show results published so far
  abort [reason]   Abort the group
  help             Show this help
  quit             Leave the console`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			id, err := oneArg(args, "coord-id")
			if err != nil {
				return err
			}

			m, err := attach(id, cfg.CoordOptions(log))
			if err != nil {
				return err
			}
			defer m.Close()

			lines := newLineReader(in)
			defer lines.Close()

			c := &console{id: id, m: m, o: o, lines: lines}

			return c.run(ctx)
		},
	}
}

// lineReader is the part of liner the console uses, so tests can feed it
// plain input.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

func newLineReader(in io.Reader) lineReader {
	if f, ok := in.(*os.File); ok && f == os.Stdin {
		l := liner.NewLiner()
		l.SetCtrlCAborts(true)
		l.SetCompleter(completeConsole)

		hist := historyFile()
		if hist != "" {
			if hf, err := os.Open(hist); err == nil {
				_, _ = l.ReadHistory(hf)
				_ = hf.Close()
			}
		}

		return &linerReader{State: l, history: hist}
	}

	return &scanReader{sc: bufio.NewScanner(in)}
}

type linerReader struct {
	*liner.State
	history string
}

func (l *linerReader) Close() error {
	if l.history != "" {
		if f, err := os.Create(l.history); err == nil {
			_, _ = l.WriteHistory(f)
			_ = f.Close()
		}
	}

	return l.State.Close()
}

type scanReader struct {
	sc *bufio.Scanner
}

func (s *scanReader) Prompt(string) (string, error) {
	if !s.sc.Scan() {
		err := s.sc.Err()
		if err == nil {
			err = io.EOF
		}

		return "", err
	}

	return s.sc.Text(), nil
}

func (*scanReader) AppendHistory(string) {}

func (*scanReader) Close() error { return nil }

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".dlcoord_history")
}

func completeConsole(line string) []string {
	var out []string

	lower := strings.ToLower(line)
	for _, cmd := range consoleCommands {
		if strings.HasPrefix(cmd, lower) {
			out = append(out, cmd)
		}
	}

	return out
}

type console struct {
	id    string
	m     *rankcoord.Monitor
	o     *IO
	lines lineReader
}

func (c *console) run(ctx context.Context) error {
	c.o.Printf("attached to %s (%s)\n", c.id, c.m.Path())
	c.o.Println("Type 'help' for available commands.")

	for ctx.Err() == nil {
		line, err := c.lines.Prompt("dlcoord> ")
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		c.lines.AppendHistory(line)

		fields := strings.Fields(line)
		cmd, args := strings.ToLower(fields[0]), fields[1:]

		switch cmd {
		case "quit", "exit", "q":
			return nil
		case "help", "?":
			c.o.Println("Commands: stats, ranks, results, abort [reason], help, quit")
		case "stats":
			err = c.stats()
		case "ranks":
			err = c.ranks()
		case "results":
			agg, aggErr := c.m.AggregatedResults()
			err = writePartialResults(c.o.Out(), agg, aggErr)
		case "abort":
			err = c.abort(args)
		default:
			c.o.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}

		// Errors from one command don't end the session.
		if err != nil {
			c.o.Println("error:", err)
		}
	}

	return ctx.Err()
}

func (c *console) stats() error {
	s, err := c.m.Stats()
	if err != nil {
		return err
	}

	writeStats(c.o.Out(), s)

	return nil
}

func (c *console) ranks() error {
	ranks, err := c.m.Ranks()
	if err != nil {
		return err
	}

	return writeRanks(c.o.Out(), ranks)
}

func (c *console) abort(args []string) error {
	reason := strings.Join(args, " ")
	if reason == "" {
		reason = "aborted from console"
	}

	err := c.m.Abort(reason)
	if err != nil {
		return err
	}

	c.o.Println("aborted", c.id)

	return nil
}
