package cli

import "errors"

// CLI errors.
var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrArgRequired     = errors.New("missing required argument")
	ErrFlagRequired    = errors.New("missing required flag")
	ErrRankWorldPair   = errors.New("--rank and --world-size must be given together")
	ErrNoDataSource    = errors.New("no data: set --data-dir, --filelist, or dataset.data_folder")
	ErrLaunchFailed    = errors.New("one or more ranks failed")
	ErrTooManyArgs     = errors.New("too many arguments")
	ErrInvalidFlagUsed = errors.New("invalid flag value")
)
