package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/rankcoord/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func Test_Load_Returns_Defaults_When_No_Files(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: dir, Env: map[string]string{}})
	require.NoError(t, err)

	want := config.Default()
	want.EffectiveCwd = dir

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func Test_Load_Applies_Layers_In_Precedence_Order_When_All_Present(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := t.TempDir()

	writeFile(t, filepath.Join(xdg, "dlcoord", "config.json"), `{
		// global
		"poll_interval": "50ms",
		"barrier_timeout": "1m",
		"log_level": "debug",
	}`)
	writeFile(t, filepath.Join(dir, ".dlcoord.json"), `{"barrier_timeout": "2m", "shm_dir": "shm"}`)

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: dir,
		Overrides:       config.Overrides{LogFormat: "json"},
		Env:             map[string]string{"XDG_CONFIG_HOME": xdg},
	})
	require.NoError(t, err)

	assert.Equal(t, config.Duration(50*time.Millisecond), cfg.PollInterval, "from global")
	assert.Equal(t, config.Duration(2*time.Minute), cfg.BarrierTimeout, "project beats global")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat, "cli beats files")
	assert.Equal(t, filepath.Join(dir, "shm"), cfg.ShmDir, "relative shm_dir resolves against cwd")
	assert.Equal(t, filepath.Join(xdg, "dlcoord", "config.json"), cfg.Sources.Global)
	assert.Equal(t, filepath.Join(dir, ".dlcoord.json"), cfg.Sources.Project)

	opts := cfg.CoordOptions(nil)
	assert.Equal(t, 50*time.Millisecond, opts.PollInterval)
	assert.Equal(t, 2*time.Minute, opts.BarrierTimeout)
	assert.Equal(t, filepath.Join(dir, "shm"), opts.Dir)
}

func Test_Load_Uses_Home_Config_When_XDG_Unset(t *testing.T) {
	t.Parallel()

	home := t.TempDir()
	writeFile(t, filepath.Join(home, ".config", "dlcoord", "config.json"), `{"init_timeout": "9s"}`)

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: t.TempDir(), Env: map[string]string{"HOME": home}})
	require.NoError(t, err)
	assert.Equal(t, config.Duration(9*time.Second), cfg.InitTimeout)
}

func Test_Load_Uses_Explicit_Config_Instead_Of_Project_When_Given(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".dlcoord.json"), `{"finish_timeout": "1h"}`)
	writeFile(t, filepath.Join(dir, "custom.json"), `{"register_timeout": "3s"}`)

	cfg, err := config.Load(config.LoadInput{WorkDirOverride: dir, ConfigPath: "custom.json"})
	require.NoError(t, err)

	assert.Equal(t, config.Duration(3*time.Second), cfg.RegisterTimeout)
	assert.Equal(t, config.Default().FinishTimeout, cfg.FinishTimeout)
	assert.Equal(t, filepath.Join(dir, "custom.json"), cfg.Sources.Project)
}

func Test_Load_Returns_Error_When_Config_Invalid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		content string
		want    error
	}{
		{name: "UnknownKey", content: `{"ticket_dir": "x"}`, want: config.ErrConfigInvalid},
		{name: "BadJSONC", content: `{"poll_interval": }`, want: config.ErrConfigInvalid},
		{name: "BadDuration", content: `{"poll_interval": "soon"}`, want: config.ErrConfigInvalid},
		{name: "NumericDuration", content: `{"poll_interval": 100}`, want: config.ErrConfigInvalid},
		{name: "NegativeDuration", content: `{"barrier_timeout": "-1s"}`, want: config.ErrInvalidValue},
		{name: "BadLogLevel", content: `{"log_level": "chatty"}`, want: config.ErrInvalidValue},
		{name: "BadLogFormat", content: `{"log_format": "xml"}`, want: config.ErrInvalidValue},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, ".dlcoord.json"), testCase.content)

			_, err := config.Load(config.LoadInput{WorkDirOverride: dir})
			require.ErrorIs(t, err, testCase.want)
		})
	}
}

func Test_Load_Returns_ErrConfigFileNotFound_When_Explicit_File_Missing(t *testing.T) {
	t.Parallel()

	_, err := config.Load(config.LoadInput{WorkDirOverride: t.TempDir(), ConfigPath: "nope.json"})
	require.ErrorIs(t, err, config.ErrConfigFileNotFound)
}

func Test_Format_Lists_Every_Key_When_Called(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.EffectiveCwd = "/work"

	got := config.Format(cfg)

	assert.Contains(t, got, "effective_cwd=/work")
	assert.Contains(t, got, "shm_dir=(auto)")
	assert.Contains(t, got, "poll_interval=100ms")
	assert.Contains(t, got, "register_timeout=20s")
	assert.Contains(t, got, "barrier_timeout=30s")
	assert.Contains(t, got, "finish_timeout=5m0s")
	assert.Contains(t, got, "init_timeout=5s")
	assert.Contains(t, got, "log_level=info")
	assert.Contains(t, got, "log_format=console")
}

func Test_Duration_Marshals_As_String_When_Encoded(t *testing.T) {
	t.Parallel()

	b, err := config.Duration(1500 * time.Millisecond).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"1.5s"`, string(b))
}
