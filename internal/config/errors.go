package config

import "errors"

// Config errors.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrInvalidValue       = errors.New("invalid config value")
	ErrLaunchEnv          = errors.New("invalid launcher environment")
)
