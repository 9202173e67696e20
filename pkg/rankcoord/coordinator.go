package rankcoord

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Options configures joining a coordination group. The zero value uses the
// defaults in limits.go.
type Options struct {
	// Dir is the directory holding region files. Empty means /dev/shm when
	// it exists, else [os.TempDir]. All ranks of a group must agree on it.
	Dir string

	// PollInterval is the sleep between checks while waiting.
	PollInterval time.Duration

	// RegisterTimeout bounds [Coordinator.RegisterAndWait].
	RegisterTimeout time.Duration

	// BarrierTimeout bounds each [Coordinator.Barrier].
	BarrierTimeout time.Duration

	// FinishTimeout bounds [Coordinator.MarkFinishedAndWait].
	FinishTimeout time.Duration

	// InitTimeout bounds how long a joiner waits for the creator to
	// initialize the region.
	InitTimeout time.Duration

	// Logger receives protocol events. Nil disables logging.
	Logger *zap.Logger
}

func (o Options) withDefaults() (Options, error) {
	durations := []struct {
		name string
		val  *time.Duration
		def  time.Duration
	}{
		{"poll_interval", &o.PollInterval, DefaultPollInterval},
		{"register_timeout", &o.RegisterTimeout, DefaultRegisterTimeout},
		{"barrier_timeout", &o.BarrierTimeout, DefaultBarrierTimeout},
		{"finish_timeout", &o.FinishTimeout, DefaultFinishTimeout},
		{"init_timeout", &o.InitTimeout, DefaultInitTimeout},
	}

	for _, d := range durations {
		if *d.val < 0 {
			return Options{}, fmt.Errorf("%s must be >= 0, got %s: %w", d.name, *d.val, ErrInvalidInput)
		}

		if *d.val == 0 {
			*d.val = d.def
		}
	}

	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	return o, nil
}

// Coordinator is one rank's handle on a coordination group.
//
// It owns this process's mapping of the shared region from [Open] until
// [Coordinator.Close]. A Coordinator must be obtained via [Open]; the zero
// value is not usable.
type Coordinator struct {
	_ [0]func() // prevent external construction

	// mu guards closed and the mapping. Operations hold RLock while they
	// touch the region so Close cannot unmap underneath them.
	mu     sync.RWMutex
	closed bool

	rank           uint32
	worldSize      uint32
	coordinationID string

	opts  Options
	log   *zap.Logger
	reg   *region
	state *sharedState
}

// Open joins the coordination group named coordinationID as rank, creating
// the shared region if this is the first rank to arrive.
//
// Possible errors:
//   - [ErrInvalidRank]: rank >= worldSize
//   - [ErrCapacityExceeded]: worldSize > [MaxRanks]
//   - [ErrInvalidInput]: worldSize 0, bad coordination id, negative durations
//   - [ErrWorldSizeMismatch]: the region was created for another world size
//   - [ErrIncompatible], [ErrCorrupt]: the region is not ours to use
//   - [ErrStale]: the region was cleaned up, or left over by an earlier run
//   - [ErrTimeout]: the creator never finished initializing the region
//   - syscall errors: open, ftruncate, mmap
func Open(ctx context.Context, rank, worldSize uint32, coordinationID string, opts Options) (*Coordinator, error) {
	if worldSize == 0 {
		return nil, fmt.Errorf("world size must be >= 1: %w", ErrInvalidInput)
	}

	if worldSize > MaxRanks {
		return nil, fmt.Errorf("world size %d exceeds max %d: %w", worldSize, MaxRanks, ErrCapacityExceeded)
	}

	if rank >= worldSize {
		return nil, fmt.Errorf("rank %d >= world size %d: %w", rank, worldSize, ErrInvalidRank)
	}

	err := validateCoordinationID(coordinationID)
	if err != nil {
		return nil, err
	}

	opts, err = opts.withDefaults()
	if err != nil {
		return nil, err
	}

	log := opts.Logger.With(zap.Uint32("rank", rank), zap.String("coordination_id", coordinationID))
	path := regionPath(opts.Dir, coordinationID)

	log.Info("joining coordination group", zap.Uint32("world_size", worldSize), zap.String("region", path))

	reg, err := openOrCreateRegion(ctx, path, worldSize, opts.InitTimeout, opts.PollInterval)
	if err != nil {
		return nil, err
	}

	if reg.created {
		log.Info("created coordination region")
	} else {
		log.Debug("joined existing coordination region")
	}

	existing := reg.state.worldSize.Load()
	if existing != worldSize {
		_ = reg.unmap()

		return nil, fmt.Errorf("region %s has world size %d, requested %d: %w", path, existing, worldSize, ErrWorldSizeMismatch)
	}

	if !reg.state.active.Load() {
		_ = reg.unmap()

		return nil, fmt.Errorf("region %s: %w", path, ErrStale)
	}

	// A live group never has every rank registered, a finished rank, or an
	// abort while somebody is still opening it. Such a region is left over
	// from a run that died without cleaning up.
	if !reg.created && reg.state.spent(worldSize) {
		_ = reg.unmap()

		return nil, fmt.Errorf("region %s belongs to an earlier run (registered %d/%d, finished %d, aborted %t): %w",
			path, reg.state.registered.Load(), worldSize, reg.state.finished.Load(), reg.state.abort.Load(), ErrStale)
	}

	c := &Coordinator{
		rank:           rank,
		worldSize:      worldSize,
		coordinationID: coordinationID,
		opts:           opts,
		log:            log,
		reg:            reg,
		state:          reg.state,
	}
	c.beat()

	return c, nil
}

// Rank returns this handle's rank.
func (c *Coordinator) Rank() uint32 { return c.rank }

// WorldSize returns the group's world size.
func (c *Coordinator) WorldSize() uint32 { return c.worldSize }

// CoordinationID returns the id the group was opened with.
func (c *Coordinator) CoordinationID() string { return c.coordinationID }

// Close unmaps the region. Other ranks are unaffected.
//
// Close waits for in-flight calls on this handle to return. It is idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.state = nil

	return c.reg.unmap()
}

// acquire takes the read side of mu. The returned release must be called
// once the region is no longer touched.
func (c *Coordinator) acquire() (func(), error) {
	c.mu.RLock()

	if c.closed {
		c.mu.RUnlock()

		return nil, ErrClosed
	}

	return c.mu.RUnlock, nil
}

// beat refreshes this rank's heartbeat.
func (c *Coordinator) beat() {
	c.state.heartbeats[c.rank].Store(uint64(time.Now().Unix())) //nolint:gosec // wall clock is after 1970
}

// setStatus stores this rank's status.
func (c *Coordinator) setStatus(s RankStatus) {
	c.state.status[c.rank].Store(uint32(s))
}

// MarkGlobalStart records now as the group's start time. Only rank 0 may
// call it.
//
// Every call overwrites the stored value, so calling it twice moves the
// group's start forward. Call it exactly once, right before measured work.
func (c *Coordinator) MarkGlobalStart() (time.Time, error) {
	release, err := c.acquire()
	if err != nil {
		return time.Time{}, err
	}
	defer release()

	if c.rank != 0 {
		return time.Time{}, fmt.Errorf("rank %d cannot mark global start: %w", c.rank, ErrPermissionDenied)
	}

	now := nowNanos()
	c.state.startTime.Store(now)
	c.log.Info("marked global start")

	start, _ := timeFromNanos(now)

	return start, nil
}

// GlobalStartTime returns the group's start time, or false if rank 0 has not
// marked it yet.
func (c *Coordinator) GlobalStartTime() (time.Time, bool) {
	release, err := c.acquire()
	if err != nil {
		return time.Time{}, false
	}
	defer release()

	return timeFromNanos(c.state.startTime.Load())
}

// GlobalEndTime returns the group's end time, or false if no rank has
// finished waiting yet.
func (c *Coordinator) GlobalEndTime() (time.Time, bool) {
	release, err := c.acquire()
	if err != nil {
		return time.Time{}, false
	}
	defer release()

	return timeFromNanos(c.state.endTime.Load())
}

// MarkFailed records that this rank failed. It does not unblock peers; call
// [Coordinator.Abort] as well for that.
func (c *Coordinator) MarkFailed(reason string) {
	release, err := c.acquire()
	if err != nil {
		return
	}
	defer release()

	c.log.Warn("rank failed", zap.String("reason", reason))
	c.setStatus(StatusFailed)
	c.beat()
}

// Abort sets the group's abort flag. Every rank waiting in the protocol
// returns [ErrAborted] within one poll interval. The flag is never cleared.
func (c *Coordinator) Abort(reason string) {
	release, err := c.acquire()
	if err != nil {
		return
	}
	defer release()

	c.log.Warn("aborting coordination group", zap.String("reason", reason))
	c.state.abort.Store(true)
}

// Aborted reports whether any rank has aborted the group. It never blocks.
func (c *Coordinator) Aborted() bool {
	release, err := c.acquire()
	if err != nil {
		return false
	}
	defer release()

	return c.state.abort.Load()
}

// Stats is a snapshot of a group's shared counters.
type Stats struct {
	CoordinationID string
	WorldSize      uint32
	Registered     uint32
	Finished       uint32
	GlobalStart    time.Time // zero if unset
	GlobalEnd      time.Time // zero if unset
	Active         bool
	Aborted        bool
}

// Stats returns a snapshot of the group's counters and flags.
func (c *Coordinator) Stats() (Stats, error) {
	release, err := c.acquire()
	if err != nil {
		return Stats{}, err
	}
	defer release()

	return snapshotStats(c.state, c.coordinationID), nil
}

func snapshotStats(s *sharedState, coordinationID string) Stats {
	start, _ := timeFromNanos(s.startTime.Load())
	end, _ := timeFromNanos(s.endTime.Load())

	return Stats{
		CoordinationID: coordinationID,
		WorldSize:      s.worldSize.Load(),
		Registered:     s.registered.Load(),
		Finished:       s.finished.Load(),
		GlobalStart:    start,
		GlobalEnd:      end,
		Active:         s.active.Load(),
		Aborted:        s.abort.Load(),
	}
}

// Cleanup marks the group inactive and removes the region's name so the
// memory is reclaimed once every rank has closed its handle. Ranks that still
// hold a mapping can keep reading it.
//
// By convention rank 0 calls Cleanup after aggregating results. It is
// idempotent.
func (c *Coordinator) Cleanup() error {
	release, err := c.acquire()
	if err != nil {
		return err
	}
	defer release()

	if c.state.active.Swap(false) {
		c.log.Info("cleaning up coordination group")
	}

	return unlinkRegion(c.reg.path)
}

// Remove deletes the region named coordinationID from dir without mapping
// it. Use it to clear a stale or incompatible region left by a crashed run.
func Remove(dir, coordinationID string) error {
	err := validateCoordinationID(coordinationID)
	if err != nil {
		return err
	}

	return unlinkRegion(regionPath(dir, coordinationID))
}
