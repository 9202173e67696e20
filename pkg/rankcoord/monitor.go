package rankcoord

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Monitor observes a coordination group from outside it.
//
// A Monitor does not take a rank and never touches rank-owned words. It can
// read counters, per-rank state and partial results, and it can set the
// group's abort flag. Use it for status tools and post-mortem inspection.
type Monitor struct {
	_ [0]func() // prevent external construction

	mu     sync.RWMutex
	closed bool

	coordinationID string
	worldSize      uint32
	log            *zap.Logger
	reg            *region
	state          *sharedState
}

// RankState is one rank's protocol state as seen by a [Monitor].
type RankState struct {
	Rank             uint32
	Status           RankStatus
	Heartbeat        time.Time // zero if the rank never checked in
	BarriersEntered  uint32
	ResultsPublished bool
}

// Attach maps the existing region for coordinationID. Only [Options.Dir] and
// [Options.Logger] are used.
//
// Possible errors: [ErrInvalidInput], [ErrIncompatible], [ErrCorrupt], and
// open errors (fs.ErrNotExist when there is no such group).
func Attach(coordinationID string, opts Options) (*Monitor, error) {
	err := validateCoordinationID(coordinationID)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	reg, err := attachRegion(regionPath(opts.Dir, coordinationID))
	if err != nil {
		return nil, err
	}

	return &Monitor{
		coordinationID: coordinationID,
		worldSize:      reg.state.worldSize.Load(),
		log:            log.With(zap.String("coordination_id", coordinationID)),
		reg:            reg,
		state:          reg.state,
	}, nil
}

// Path returns the file backing the observed region.
func (m *Monitor) Path() string { return m.reg.path }

// Close unmaps the region. It is idempotent.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	m.state = nil

	return m.reg.unmap()
}

func (m *Monitor) acquire() (func(), error) {
	m.mu.RLock()

	if m.closed {
		m.mu.RUnlock()

		return nil, ErrClosed
	}

	return m.mu.RUnlock, nil
}

// Stats returns a snapshot of the group's counters and flags.
func (m *Monitor) Stats() (Stats, error) {
	release, err := m.acquire()
	if err != nil {
		return Stats{}, err
	}
	defer release()

	return snapshotStats(m.state, m.coordinationID), nil
}

// Ranks returns the state of every rank of the group, in rank order.
func (m *Monitor) Ranks() ([]RankState, error) {
	release, err := m.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	ranks := make([]RankState, 0, m.worldSize)

	for rank := range m.worldSize {
		var heartbeat time.Time
		if secs := m.state.heartbeats[rank].Load(); secs != 0 {
			heartbeat = time.Unix(int64(secs), 0) //nolint:gosec // stored from time.Now().Unix()
		}

		ranks = append(ranks, RankState{
			Rank:             rank,
			Status:           m.state.statusOf(rank),
			Heartbeat:        heartbeat,
			BarriersEntered:  m.state.barriers[rank].Load(),
			ResultsPublished: m.state.results[rank].valid.Load(),
		})
	}

	return ranks, nil
}

// AggregatedResults combines whatever results have been published so far.
//
// Possible errors: [ErrNoValidResults], [ErrClosed].
func (m *Monitor) AggregatedResults() (Aggregate, error) {
	release, err := m.acquire()
	if err != nil {
		return Aggregate{}, err
	}
	defer release()

	return aggregate(m.state, m.worldSize, m.log)
}

// Abort sets the group's abort flag. See [Coordinator.Abort].
func (m *Monitor) Abort(reason string) error {
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()

	m.log.Warn("aborting coordination group from monitor", zap.String("reason", reason))
	m.state.abort.Store(true)

	return nil
}

// String implements fmt.Stringer for log lines and REPL output.
func (s RankState) String() string {
	hb := "never"
	if !s.Heartbeat.IsZero() {
		hb = s.Heartbeat.UTC().Format(time.RFC3339)
	}

	return fmt.Sprintf("rank=%d status=%s heartbeat=%s barriers=%d results=%t",
		s.Rank, s.Status, hb, s.BarriersEntered, s.ResultsPublished)
}
