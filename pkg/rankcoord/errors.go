package rankcoord

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by rankcoord operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, rankcoord.ErrAborted) {
//	    // another rank gave up, leave the protocol
//	}
var (
	// ErrInvalidRank indicates rank >= world size.
	ErrInvalidRank = errors.New("rankcoord: invalid rank")

	// ErrCapacityExceeded indicates a world size above [MaxRanks].
	ErrCapacityExceeded = errors.New("rankcoord: capacity exceeded")

	// ErrWorldSizeMismatch indicates the joined region was created for a
	// different world size. Usually two unrelated runs share a coordination id.
	ErrWorldSizeMismatch = errors.New("rankcoord: world size mismatch")

	// ErrTimeout indicates a wait ran out of time. The concrete error is a
	// [*TimeoutError] naming the phase.
	ErrTimeout = errors.New("rankcoord: timeout")

	// ErrAborted indicates the group's abort flag is set. It is never cleared.
	ErrAborted = errors.New("rankcoord: aborted")

	// ErrPermissionDenied indicates a rank-0-only operation was called by
	// another rank.
	ErrPermissionDenied = errors.New("rankcoord: permission denied")

	// ErrNoValidResults indicates no rank has published results yet.
	ErrNoValidResults = errors.New("rankcoord: no valid results")

	// ErrAlreadyPublished indicates [Coordinator.StoreResults] was called twice.
	// Results are published at most once per rank.
	ErrAlreadyPublished = errors.New("rankcoord: results already published")

	// ErrInvalidInput indicates invalid arguments (empty id, zero world size,
	// negative durations, non-finite metrics).
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("rankcoord: invalid input")

	// ErrIncompatible indicates the region was created with a different
	// layout version or size.
	//
	// Recovery: remove the region with [Remove] and start again.
	ErrIncompatible = errors.New("rankcoord: incompatible region")

	// ErrCorrupt indicates the region does not carry the expected magic or
	// holds impossible values.
	//
	// Recovery: remove the region with [Remove] and start again.
	ErrCorrupt = errors.New("rankcoord: corrupt region")

	// ErrStale indicates the region was cleaned up, or left behind by an
	// earlier run that never cleaned up.
	//
	// Recovery: remove the region with [Remove] and start again.
	ErrStale = errors.New("rankcoord: stale region")

	// ErrClosed indicates the [Coordinator] or [Monitor] was closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("rankcoord: closed")
)

// TimeoutError reports which wait timed out and how far it got.
type TimeoutError struct {
	Phase    string        // "registration", `barrier "execution_start"`, "finish"
	Arrived  uint32        // ranks that had arrived when the wait gave up
	Expected uint32        // world size
	Waited   time.Duration // time spent waiting
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rankcoord: %s timed out after %s: %d/%d ranks arrived",
		e.Phase, e.Waited.Round(time.Millisecond), e.Arrived, e.Expected)
}

// Is makes errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
