package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// LaunchEnv is what a launcher (dlcoord launch, mpirun wrappers, torchrun
// style scripts) tells a rank through the environment.
type LaunchEnv struct {
	// Rank is -1 when unset.
	Rank      int    `envconfig:"RANK" default:"-1"`
	WorldSize int    `envconfig:"WORLD_SIZE" default:"0"`
	CoordID   string `envconfig:"DLCOORD_COORD_ID"`
	RunID     string `envconfig:"DLCOORD_RUN_ID"`
}

// Env var names of the LaunchEnv fields, used by launchers.
const (
	EnvRank      = "RANK"
	EnvWorldSize = "WORLD_SIZE"
	EnvCoordID   = "DLCOORD_COORD_ID"
	EnvRunID     = "DLCOORD_RUN_ID"
)

// ReadLaunchEnv reads the launcher environment of this process.
func ReadLaunchEnv() (LaunchEnv, error) {
	var env LaunchEnv

	err := envconfig.Process("", &env)
	if err != nil {
		return LaunchEnv{}, fmt.Errorf("%w: %w", ErrLaunchEnv, err)
	}

	if env.Rank < -1 {
		return LaunchEnv{}, fmt.Errorf("%w: %s=%d", ErrLaunchEnv, EnvRank, env.Rank)
	}

	if env.WorldSize < 0 {
		return LaunchEnv{}, fmt.Errorf("%w: %s=%d", ErrLaunchEnv, EnvWorldSize, env.WorldSize)
	}

	return env, nil
}

// HasRank reports whether the launcher assigned a rank.
func (e LaunchEnv) HasRank() bool { return e.Rank >= 0 && e.WorldSize > 0 }
