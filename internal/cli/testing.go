package cli

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/calvinalkan/rankcoord/internal/config"
)

// EnvCLIMain makes a test binary behave like dlcoord, so launch can start
// the test binary itself as its ranks. See [MainForTest].
const EnvCLIMain = "DLCOORD_CLI_MAIN"

// testConfig keeps coordination waits short.
const testConfig = `{
  // fast polling for tests
  "poll_interval": "5ms",
  "register_timeout": "10s",
  "barrier_timeout": "10s",
  "finish_timeout": "20s",
  "init_timeout": "2s",
  "log_level": "warn"
}
`

// CLI provides a clean interface for running CLI commands in tests.
// It manages a temp working directory, a private shared-memory directory,
// and environment variables.
type CLI struct {
	t      *testing.T
	Dir    string
	ShmDir string
	Env    map[string]string
	Launch config.LaunchEnv
}

// NewCLI creates a new test CLI with a temp directory holding a
// .dlcoord.json with short timeouts.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	c := &CLI{
		t:      t,
		Dir:    t.TempDir(),
		ShmDir: t.TempDir(),
		Env:    map[string]string{},
		Launch: config.LaunchEnv{Rank: -1},
	}

	c.WriteFile(config.FileName, testConfig)

	return c
}

// Run executes the CLI with the given args and returns stdout, stderr, and exit code.
// Args should not include "dlcoord", "--cwd" or "--shm-dir" - those are added automatically.
func (r *CLI) Run(args ...string) (string, string, int) {
	return r.RunWithInput("", args...)
}

// RunWithInput executes the CLI with stdin and returns stdout, stderr, and exit code.
// stdin must be a string or io.Reader; panics otherwise.
func (r *CLI) RunWithInput(stdin any, args ...string) (string, string, int) {
	var inReader io.Reader

	switch v := stdin.(type) {
	case string:
		inReader = strings.NewReader(v)
	case io.Reader:
		inReader = v
	default:
		panic(fmt.Sprintf("stdin must be string or io.Reader, got %T", stdin))
	}

	var outBuf, errBuf bytes.Buffer

	fullArgs := append([]string{"dlcoord", "--cwd", r.Dir, "--shm-dir", r.ShmDir}, args...)
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	env := Env{Vars: maps.Clone(r.Env), Launch: r.Launch, Self: self}
	code := Run(inReader, &outBuf, &errBuf, fullArgs, env, nil)

	return outBuf.String(), errBuf.String(), code
}

// MustRun executes the CLI and fails the test if the command returns non-zero.
// Returns trimmed stdout on success.
func (r *CLI) MustRun(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code != 0 {
		r.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail executes the CLI and fails the test if the command succeeds.
// Returns trimmed stderr.
func (r *CLI) MustFail(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code == 0 {
		r.t.Fatalf("command %v should have failed but succeeded\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// WriteFile writes content to a file relative to Dir, creating parents.
func (r *CLI) WriteFile(rel, content string) string {
	r.t.Helper()

	path := filepath.Join(r.Dir, rel)

	err := os.MkdirAll(filepath.Dir(path), 0o750)
	if err != nil {
		r.t.Fatalf("mkdir for %s: %v", rel, err)
	}

	err = os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		r.t.Fatalf("failed to write %s: %v", rel, err)
	}

	return path
}

// ReadFile reads a file relative to Dir.
func (r *CLI) ReadFile(rel string) string {
	r.t.Helper()

	content, err := os.ReadFile(filepath.Join(r.Dir, rel))
	if err != nil {
		r.t.Fatalf("failed to read %s: %v", rel, err)
	}

	return string(content)
}

// WriteDataset writes n files of size bytes each under Dir/rel.
func (r *CLI) WriteDataset(rel, ext string, n, size int) {
	r.t.Helper()

	for i := range n {
		r.WriteFile(filepath.Join(rel, fmt.Sprintf("img_%03d.%s", i, ext)), strings.Repeat("x", size))
	}
}

// RegionExists reports whether the region for coordinationID is present.
func (r *CLI) RegionExists(coordinationID string) bool {
	_, err := os.Stat(filepath.Join(r.ShmDir, "dlcoord_"+coordinationID))

	return err == nil
}

// MainForTest runs the CLI as the process's main function when
// [EnvCLIMain] is set, and exits. Call it first in TestMain.
func MainForTest() {
	if os.Getenv(EnvCLIMain) != "1" {
		return
	}

	env, err := ProcessEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, env, sigCh))
}

// AssertContains fails the test if content doesn't contain substr.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}
