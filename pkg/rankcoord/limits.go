package rankcoord

import "time"

// MaxRanks is the number of rank slots in every region. It is part of the
// shared layout and cannot change without bumping the layout version.
const MaxRanks = 64

// Default timings, matching what a DLIO run expects from its launcher.
const (
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRegisterTimeout = 20 * time.Second
	DefaultBarrierTimeout  = 30 * time.Second
	DefaultFinishTimeout   = 300 * time.Second
	DefaultInitTimeout     = 5 * time.Second
)

const (
	// Attempts at the open/create race before giving up. Each lost attempt
	// means the region appeared or vanished between two syscalls.
	maxOpenAttempts = 16

	// Upper bound for a coordination id, keeping the file name well below
	// NAME_MAX.
	maxCoordinationIDLen = 200

	// How often a waiting rank logs its progress at debug level.
	progressLogInterval = 2 * time.Second
)
