// Package config loads dlcoord's layered configuration and the launcher
// environment that tells a rank who it is.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/calvinalkan/rankcoord/internal/logging"
	"github.com/calvinalkan/rankcoord/pkg/rankcoord"
)

// FileName is the project config file looked up in the working directory.
const FileName = ".dlcoord.json"

// Duration is a time.Duration that reads and writes Go duration strings
// ("250ms", "30s") in config files.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string

	err := json.Unmarshal(b, &s)
	if err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	*d = Duration(parsed)

	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) String() string { return time.Duration(d).String() }

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	ShmDir          string   `json:"shm_dir,omitempty"`
	PollInterval    Duration `json:"poll_interval,omitempty"`
	RegisterTimeout Duration `json:"register_timeout,omitempty"`
	BarrierTimeout  Duration `json:"barrier_timeout,omitempty"`
	FinishTimeout   Duration `json:"finish_timeout,omitempty"`
	InitTimeout     Duration `json:"init_timeout,omitempty"`
	LogLevel        string   `json:"log_level,omitempty"`
	LogFormat       string   `json:"log_format,omitempty"`

	// Resolved (computed, not serialized)
	EffectiveCwd string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		PollInterval:    Duration(rankcoord.DefaultPollInterval),
		RegisterTimeout: Duration(rankcoord.DefaultRegisterTimeout),
		BarrierTimeout:  Duration(rankcoord.DefaultBarrierTimeout),
		FinishTimeout:   Duration(rankcoord.DefaultFinishTimeout),
		InitTimeout:     Duration(rankcoord.DefaultInitTimeout),
		LogLevel:        "info",
		LogFormat:       logging.FormatConsole,
	}
}

// Overrides are values given on the command line. Empty fields don't
// override anything.
type Overrides struct {
	ShmDir    string
	LogLevel  string
	LogFormat string
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Overrides       Overrides         // CLI flag values
	Env             map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config (~/.config/dlcoord/config.json or $XDG_CONFIG_HOME/dlcoord/config.json)
// 3. Project config file (.dlcoord.json in the working directory, if it exists)
// 4. Explicit config file via ConfigPath (replaces 3 when set)
// 5. CLI overrides.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	globalPath := globalConfigPath(input.Env)
	if globalPath != "" {
		globalCfg, loaded, err := loadFile(globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, globalCfg)
			cfg.Sources.Global = globalPath
		}
	}

	projectPath, mustExist := filepath.Join(workDir, FileName), false
	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}

	projectCfg, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, projectCfg)
		cfg.Sources.Project = projectPath
	}

	cfg = merge(cfg, Config{
		ShmDir:    input.Overrides.ShmDir,
		LogLevel:  input.Overrides.LogLevel,
		LogFormat: input.Overrides.LogFormat,
	})

	err = validate(cfg)
	if err != nil {
		return Config{}, err
	}

	if cfg.ShmDir != "" && !filepath.IsAbs(cfg.ShmDir) {
		cfg.ShmDir = filepath.Join(workDir, cfg.ShmDir)
	}

	cfg.EffectiveCwd = workDir

	return cfg, nil
}

// CoordOptions returns the rankcoord options this config describes.
func (c Config) CoordOptions(log *zap.Logger) rankcoord.Options {
	return rankcoord.Options{
		Dir:             c.ShmDir,
		PollInterval:    time.Duration(c.PollInterval),
		RegisterTimeout: time.Duration(c.RegisterTimeout),
		BarrierTimeout:  time.Duration(c.BarrierTimeout),
		FinishTimeout:   time.Duration(c.FinishTimeout),
		InitTimeout:     time.Duration(c.InitTimeout),
		Logger:          log,
	}
}

// LogConfig returns the logger configuration.
func (c Config) LogConfig() logging.Config {
	return logging.Config{Level: c.LogLevel, Format: c.LogFormat}
}

// Format renders the effective configuration as key=value lines.
func Format(c Config) string {
	shmDir := c.ShmDir
	if shmDir == "" {
		shmDir = "(auto)"
	}

	lines := []string{
		"effective_cwd=" + c.EffectiveCwd,
		"shm_dir=" + shmDir,
		"poll_interval=" + c.PollInterval.String(),
		"register_timeout=" + c.RegisterTimeout.String(),
		"barrier_timeout=" + c.BarrierTimeout.String(),
		"finish_timeout=" + c.FinishTimeout.String(),
		"init_timeout=" + c.InitTimeout.String(),
		"log_level=" + c.LogLevel,
		"log_format=" + c.LogFormat,
	}

	return strings.Join(lines, "\n")
}

// globalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/dlcoord/config.json if set, otherwise
// ~/.config/dlcoord/config.json. Returns empty string if neither is known.
func globalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "dlcoord", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "dlcoord", "config.json")
	}

	return ""
}

// loadFile loads a config file. If mustExist is false, a missing file is
// not an error and reports loaded=false.
func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	var cfg Config

	err = dec.Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.ShmDir != "" {
		base.ShmDir = overlay.ShmDir
	}

	for _, d := range []struct{ dst, src *Duration }{
		{&base.PollInterval, &overlay.PollInterval},
		{&base.RegisterTimeout, &overlay.RegisterTimeout},
		{&base.BarrierTimeout, &overlay.BarrierTimeout},
		{&base.FinishTimeout, &overlay.FinishTimeout},
		{&base.InitTimeout, &overlay.InitTimeout},
	} {
		if *d.src != 0 {
			*d.dst = *d.src
		}
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.LogFormat != "" {
		base.LogFormat = overlay.LogFormat
	}

	return base
}

func validate(cfg Config) error {
	for name, d := range map[string]Duration{
		"poll_interval":    cfg.PollInterval,
		"register_timeout": cfg.RegisterTimeout,
		"barrier_timeout":  cfg.BarrierTimeout,
		"finish_timeout":   cfg.FinishTimeout,
		"init_timeout":     cfg.InitTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be > 0, got %s", ErrInvalidValue, name, d)
		}
	}

	_, err := logging.New(cfg.LogConfig(), nopWriter{})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidValue, err)
	}

	return nil
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
