package rankcoord

import (
	"sync/atomic"
	"time"
	"unsafe"
)

// Region layout constants.
const (
	// regionMagic is published last by the creator. Joiners treat the region
	// as uninitialized until they observe it.
	regionMagic uint64 = 0x31_44_52_4F_43_4C_44_01 // "\x01DLCORD1"

	// layoutVersion changes whenever sharedState changes shape.
	layoutVersion uint32 = 1

	// regionFilePrefix is prepended to the coordination id to form the
	// region's name.
	regionFilePrefix = "dlcoord_"
)

// Fixed-point scales for values that are floats at the API boundary.
const (
	bytesPerGiB = 1 << 30
	auScale     = 1e15
)

// regionSize is the exact byte size of every region.
const regionSize = int(unsafe.Sizeof(sharedState{}))

// RankStatus is the per-rank protocol state stored in the region.
type RankStatus uint32

// Rank statuses. Each rank only ever writes its own status.
const (
	StatusNotStarted   RankStatus = 0
	StatusRegistered   RankStatus = 1
	StatusBarrierReady RankStatus = 2
	StatusFinished     RankStatus = 3
	StatusFailed       RankStatus = 4
)

func (s RankStatus) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusRegistered:
		return "registered"
	case StatusBarrierReady:
		return "barrier_ready"
	case StatusFinished:
		return "finished"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// sharedState is the typed view over a mapped region.
//
// Every field is an atomic so any process may touch any field at any time
// without tearing. Ownership rules: per-rank arrays are written only at index
// rank by that rank and barriers[rank] only grows; counters only move forward through Add; startTime is
// owned by rank 0; endTime is claimed by compare-and-swap.
//
// The struct is overlaid on mmap'd memory, so it must hold no pointers.
// Changing it requires bumping layoutVersion.
type sharedState struct {
	magic      atomic.Uint64
	version    atomic.Uint32
	worldSize  atomic.Uint32
	registered atomic.Uint32
	finished   atomic.Uint32
	active     atomic.Bool
	abort      atomic.Bool
	startTime  atomic.Uint64 // unix ns, 0 = unset
	endTime    atomic.Uint64 // unix ns, 0 = unset

	// Reserved. Earlier layouts kept a ready counter here that nothing read.
	_ uint32
	_ uint32

	heartbeats [MaxRanks]atomic.Uint64 // unix seconds
	status     [MaxRanks]atomic.Uint32 // RankStatus
	barriers   [MaxRanks]atomic.Uint32 // barriers entered so far
	results    [MaxRanks]resultSlot
}

// resultSlot holds one rank's published results. valid is stored after every
// other field and loaded before them.
type resultSlot struct {
	filesProcessed atomic.Uint64
	bytesRead      atomic.Uint64
	throughputBps  atomic.Uint64
	wallClockNs    atomic.Uint64
	auScaled       atomic.Uint64
	startNs        atomic.Uint64
	endNs          atomic.Uint64
	valid          atomic.Bool
	_              uint32
}

// stateAt overlays sharedState on a mapping of at least regionSize bytes.
func stateAt(data []byte) *sharedState {
	return (*sharedState)(unsafe.Pointer(&data[0]))
}

// reset stores the canonical initial state. Only the creator calls it, before
// publishing magic.
func (s *sharedState) reset(worldSize uint32) {
	s.version.Store(layoutVersion)
	s.worldSize.Store(worldSize)
	s.registered.Store(0)
	s.finished.Store(0)
	s.startTime.Store(0)
	s.endTime.Store(0)
	s.abort.Store(false)

	for i := range MaxRanks {
		s.heartbeats[i].Store(0)
		s.status[i].Store(uint32(StatusNotStarted))
		s.barriers[i].Store(0)
		s.results[i].clear()
	}

	s.active.Store(true)
}

func (r *resultSlot) clear() {
	r.valid.Store(false)
	r.filesProcessed.Store(0)
	r.bytesRead.Store(0)
	r.throughputBps.Store(0)
	r.wallClockNs.Store(0)
	r.auScaled.Store(0)
	r.startNs.Store(0)
	r.endNs.Store(0)
}

// countBarrierArrivals returns how many of the first worldSize ranks have
// entered barrier number epoch or a later one. Failed ranks never count.
func (s *sharedState) countBarrierArrivals(worldSize, epoch uint32) uint32 {
	var n uint32

	for i := range worldSize {
		if s.barriers[i].Load() >= epoch && s.statusOf(i) != StatusFailed {
			n++
		}
	}

	return n
}

// spent reports whether a group already got past registration or gave up.
func (s *sharedState) spent(worldSize uint32) bool {
	return s.registered.Load() >= worldSize || s.finished.Load() > 0 || s.abort.Load()
}

// statusOf returns the status of rank.
func (s *sharedState) statusOf(rank uint32) RankStatus {
	return RankStatus(s.status[rank].Load())
}

// timeFromNanos converts a stored timestamp, treating 0 as unset.
func timeFromNanos(ns uint64) (time.Time, bool) {
	if ns == 0 {
		return time.Time{}, false
	}

	return time.Unix(0, int64(ns)), true //nolint:gosec // stored from UnixNano of a valid time
}

// nowNanos returns the current wall-clock time as unix nanoseconds.
func nowNanos() uint64 {
	return uint64(time.Now().UnixNano()) //nolint:gosec // wall clock is after 1970
}
