package cli

import (
	"fmt"
	"io"
	"sync"
)

// IO handles command output with warnings that stay visible when output is
// long or piped.
type IO struct {
	mu       sync.Mutex
	out      io.Writer
	errOut   io.Writer
	warnings []string
	started  bool
}

// NewIO creates a new IO instance.
func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Warn adds an actionable warning.
//
// Parameters:
//   - issue: what went wrong
//   - action: what the operator should do about it
//
// Warnings are printed to stderr at both the START and END of output.
// Any warnings cause exit code 1 to signal attention is needed.
//
// Output to stdout (via Println) still occurs - warnings don't suppress
// normal output. This allows partial results with issues flagged.
func (o *IO) Warn(issue string, action string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.warnings = append(o.warnings, fmt.Sprintf("%s: %s", issue, action))
}

// Println writes to stdout. On first call, any collected warnings
// are printed to stderr first.
func (o *IO) Println(a ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.flushWarningsStart()
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted output to stdout. On first call, any collected
// warnings are printed to stderr first.
func (o *IO) Printf(format string, a ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.flushWarningsStart()
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// ErrPrintln writes to stderr.
func (o *IO) ErrPrintln(a ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Out returns a writer that goes to stdout under the IO's lock.
func (o *IO) Out() io.Writer { return lockedWriter{o: o, w: o.out} }

// Err returns a writer that goes to stderr under the IO's lock.
func (o *IO) Err() io.Writer { return lockedWriter{o: o, w: o.errOut} }

// Finish prints warnings to stderr and returns exit code.
// Returns 1 if any warnings, 0 otherwise.
func (o *IO) Finish() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	// If no output happened but we have warnings, print them at "start" position
	o.flushWarningsStart()

	// Always print at end
	for _, w := range o.warnings {
		_, _ = fmt.Fprintln(o.errOut, "warning:", w)
	}

	if len(o.warnings) > 0 {
		return 1
	}

	return 0
}

func (o *IO) flushWarningsStart() {
	if !o.started && len(o.warnings) > 0 {
		for _, w := range o.warnings {
			_, _ = fmt.Fprintln(o.errOut, "warning:", w)
		}

		o.started = true
	}
}

// lockedWriter serializes writes from child processes and goroutines.
type lockedWriter struct {
	o *IO
	w io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.o.mu.Lock()
	defer l.o.mu.Unlock()

	return l.w.Write(p)
}
