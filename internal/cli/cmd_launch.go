package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/rankcoord/internal/config"
	"github.com/calvinalkan/rankcoord/pkg/rankcoord"
)

// childWaitDelay bounds how long a rank may take to exit after interrupt.
const childWaitDelay = 10 * time.Second

// LaunchCmd returns the launch command. forward holds the global flags each
// child is started with.
func LaunchCmd(cfg config.Config, env Env, forward []string) *Command {
	fs := flag.NewFlagSet("launch", flag.ContinueOnError)
	nprocs := fs.IntP("nprocs", "n", 0, "Number of ranks to start")
	coordID := fs.String("coord-id", "", "Coordination id passed to every rank")
	runID := fs.String("run-id", "", "Run id passed to every rank (default random)")
	stagger := fs.Duration("stagger", 0, "Delay between starting consecutive ranks")

	return &Command{
		Flags: fs,
		Usage: "launch -n <N> -- <run flags>",
		Short: "Start N ranks of this executable",
		Long: `Start N ranks of this executable on this host and wait for all of them.

Each child runs 'dlcoord run <run flags>' with RANK, WORLD_SIZE, and
DLCOORD_RUN_ID set. Output lines are prefixed with the rank. If one rank
fails the others are interrupted, which aborts the group.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if *nprocs < 1 || *nprocs > rankcoord.MaxRanks {
				return fmt.Errorf("%w: --nprocs %d not in [1, %d]", ErrInvalidFlagUsed, *nprocs, rankcoord.MaxRanks)
			}

			if env.Self == "" {
				return fmt.Errorf("%w: cannot determine own executable", ErrLaunchFailed)
			}

			l := launcher{
				self:    env.Self,
				args:    append(slices.Clone(forward), append([]string{"run"}, args...)...),
				vars:    env.Vars,
				world:   *nprocs,
				coordID: *coordID,
				runID:   firstNonEmpty(*runID, uuid.NewString()),
				stagger: *stagger,
				dir:     cfg.EffectiveCwd,
			}

			return l.run(ctx, o)
		},
	}
}

type launcher struct {
	self    string
	args    []string
	vars    map[string]string
	world   int
	coordID string
	runID   string
	stagger time.Duration
	dir     string
}

func (l launcher) run(ctx context.Context, o *IO) error {
	g, gctx := errgroup.WithContext(ctx)

	errs := make([]error, l.world)

	for rank := range l.world {
		if rank > 0 && l.stagger > 0 {
			select {
			case <-gctx.Done():
			case <-time.After(l.stagger):
			}
		}

		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			stdout, stderr := newPrefixWriter(o.Out(), rank), newPrefixWriter(o.Err(), rank)

			err := l.child(gctx, rank, stdout, stderr).Run()
			stdout.Flush()
			stderr.Flush()

			if err != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
			}

			return errs[rank]
		})
	}

	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		return fmt.Errorf("%w:\n%w", ErrLaunchFailed, err)
	}

	return ctx.Err()
}

func (l launcher) child(ctx context.Context, rank int, stdout, stderr io.Writer) *exec.Cmd {
	cmd := exec.CommandContext(ctx, l.self, l.args...)
	cmd.Dir = l.dir
	cmd.Env = l.environ(rank)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = childWaitDelay

	return cmd
}

// environ is the parent's environment with the rank assignment on top.
func (l launcher) environ(rank int) []string {
	vars := make(map[string]string, len(l.vars)+4)
	for k, v := range l.vars {
		vars[k] = v
	}

	vars[config.EnvRank] = strconv.Itoa(rank)
	vars[config.EnvWorldSize] = strconv.Itoa(l.world)
	vars[config.EnvRunID] = l.runID

	if l.coordID != "" {
		vars[config.EnvCoordID] = l.coordID
	} else {
		delete(vars, config.EnvCoordID)
	}

	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}

	slices.Sort(out)

	return out
}

// prefixWriter prefixes every line with the rank. A partial line is held
// until its newline arrives or Flush is called.
type prefixWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix []byte
	buf    []byte
}

func newPrefixWriter(w io.Writer, rank int) *prefixWriter {
	return &prefixWriter{w: w, prefix: fmt.Appendf(nil, "[rank %d] ", rank)}
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, b...)

	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}

		line := append(slices.Clone(p.prefix), p.buf[:i+1]...)

		_, err := p.w.Write(line)
		if err != nil {
			return len(b), err
		}

		p.buf = p.buf[i+1:]
	}

	return len(b), nil
}

// Flush writes a held partial line followed by a newline.
func (p *prefixWriter) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) == 0 {
		return
	}

	line := append(slices.Clone(p.prefix), p.buf...)
	line = append(line, '\n')
	_, _ = p.w.Write(line)
	p.buf = nil
}
