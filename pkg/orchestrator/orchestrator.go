// Package orchestrator runs synchronization cycles: recover the queue, seed
// rows that predate sync, pull remote rows, push local changes and tidy up,
// one cycle at a time.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/wurt83ow/orgkeeper/pkg/appcontext"
	"github.com/wurt83ow/orgkeeper/pkg/bdkeeper"
	"github.com/wurt83ow/orgkeeper/pkg/entity"
	"github.com/wurt83ow/orgkeeper/pkg/logger"
	"github.com/wurt83ow/orgkeeper/pkg/session"
	"github.com/wurt83ow/orgkeeper/pkg/syncer"
	"github.com/wurt83ow/orgkeeper/pkg/syncinfo"
	"github.com/wurt83ow/orgkeeper/pkg/syncqueue"
)

// ErrSyncInProgress is returned by RunCycle while another cycle runs.
var ErrSyncInProgress = errors.New("sync already in progress")

// State of the orchestrator.
type State int32

const (
	StateIdle State = iota
	StateSyncing
	// StateFailed is held only while a failed cycle is being recorded; it
	// always falls back to StateIdle.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSyncing:
		return "SYNCING"
	case StateFailed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options tune the cycle schedule and status reporting.
type Options struct {
	// Interval between periodic cycles started by Start.
	Interval time.Duration
	// DoneRetention is how long acknowledged queue entries are kept.
	DoneRetention time.Duration
	// DegradedAfter is the number of failed cycles in a row that makes the
	// status degraded.
	DegradedAfter int
}

// Components are the collaborators a cycle drives.
type Components struct {
	Keeper   *bdkeeper.Keeper
	Queue    *syncqueue.Queue
	Registry *entity.Registry
	Pusher   *syncer.Pusher
	Puller   *syncer.Puller
	Session  session.Provider
	// SyncInfo persists cycle results across restarts; optional.
	SyncInfo *syncinfo.SyncManager
	Log      logger.LoggerInterface
}

// Report describes one finished cycle.
type Report struct {
	CycleID    string
	OwnerID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Recovered  int
	// Seeded counts pre-existing rows queued by this cycle.
	Seeded int
	Pull   syncer.PullReport
	Push   syncer.PushReport
	Purged int
	// FailedEntries is the owner's FAILED queue size after the cycle.
	FailedEntries int
	Err           error
}

func (r *Report) String() string {
	return fmt.Sprintf("cycle %s owner=%s seeded=%d pull[%s] push[%s] purged=%d failed=%d",
		r.CycleID, r.OwnerID, r.Seeded, r.Pull, r.Push, r.Purged, r.FailedEntries)
}

// Status is the observable state reported to the UI.
type Status struct {
	State               State
	OwnerID             string
	LastError           string
	LastSuccess         time.Time
	LastReport          *Report
	Pending             int
	InFlight            int
	Failed              int
	ConsecutiveFailures int
	Degraded            bool
}

// Orchestrator owns the single-flight sync flag. Create it once and share
// the instance.
type Orchestrator struct {
	c    Components
	opts Options
	log  logger.LoggerInterface

	// Now is the clock; replaced in tests.
	Now func() time.Time

	state atomic.Int32

	mu          sync.RWMutex
	base        context.Context
	cancel      context.CancelFunc
	last        *Report
	lastErr     string
	lastSuccess time.Time
	consecutive int
	subscribers map[int]chan Report
	nextSub     int

	wg sync.WaitGroup
}

func New(c Components, opts Options) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.DegradedAfter <= 0 {
		opts.DegradedAfter = 3
	}
	if c.Log == nil {
		c.Log = logger.Discard()
	}
	return &Orchestrator{
		c:           c,
		opts:        opts,
		log:         logger.WithPrefix(c.Log, "sync: "),
		Now:         time.Now,
		base:        context.Background(),
		subscribers: make(map[int]chan Report),
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

func (o *Orchestrator) acquire() bool {
	return o.state.CompareAndSwap(int32(StateIdle), int32(StateSyncing))
}

// TriggerSync starts a cycle in the background unless one is already
// running. It never blocks and reports whether a cycle was started.
func (o *Orchestrator) TriggerSync() bool {
	o.mu.RLock()
	base := o.base
	o.mu.RUnlock()
	if base.Err() != nil {
		return false
	}
	if !o.acquire() {
		return false
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.cycle(base); err != nil {
			o.log.Printf("cycle finished with errors: %v", err)
		}
	}()
	return true
}

// RunCycle runs one cycle on the calling goroutine.
func (o *Orchestrator) RunCycle(ctx context.Context) (*Report, error) {
	if !o.acquire() {
		return nil, ErrSyncInProgress
	}
	return o.cycle(ctx)
}

// Start triggers a cycle now and then every Interval until ctx is done or
// Stop is called.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.base = ctx
	o.cancel = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.opts.Interval)
		defer ticker.Stop()

		o.TriggerSync()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !o.TriggerSync() {
					o.log.Printf("tick skipped, cycle still running")
				}
			}
		}
	}()
}

// Stop cancels the periodic loop and any running cycle.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

// Wait blocks until the loop and every background cycle have returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Subscribe returns a channel receiving the report of every finished
// cycle. Slow subscribers miss reports rather than block a cycle. The
// returned func unsubscribes.
func (o *Orchestrator) Subscribe() (<-chan Report, func()) {
	ch := make(chan Report, 1)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = ch
	o.mu.Unlock()

	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if _, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			close(ch)
		}
	}
}

// cycle runs with the flag held and always releases it.
func (o *Orchestrator) cycle(ctx context.Context) (rep *Report, err error) {
	rep = &Report{StartedAt: o.Now().UTC()}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync cycle panicked: %v", r)
		}
		rep.FinishedAt = o.Now().UTC()
		rep.Err = err
		o.finish(rep)
	}()

	id, err := o.c.Session.Identity(ctx)
	if err != nil {
		return rep, fmt.Errorf("resolve identity: %w", err)
	}
	rep.OwnerID = id.OwnerID
	rep.CycleID = uuid.NewString()

	ctx = session.Bind(ctx, id)
	ctx = appcontext.WithCycleID(ctx, rep.CycleID)

	var errs *multierror.Error

	if rep.Recovered, err = o.c.Queue.Recover(ctx); err != nil {
		return rep, fmt.Errorf("recover queue: %w", err)
	}

	// rows that predate the owner's first cycle are queued once
	if rep.Seeded, err = o.PerformInitialSync(ctx, id.OwnerID); err != nil {
		errs = multierror.Append(errs, err)
	}

	// pull first: applying a newer remote row drops the stale local change
	// queued for it, so push never overwrites a newer remote write
	rep.Pull, err = o.c.Puller.PullAll(ctx, id.OwnerID)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("pull: %w", err))
	}
	if ctx.Err() != nil {
		return rep, multierror.Append(errs, ctx.Err()).ErrorOrNil()
	}

	rep.Push, err = o.c.Pusher.PushAll(ctx, id.OwnerID)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("push: %w", err))
	}

	if o.opts.DoneRetention > 0 {
		if rep.Purged, err = o.c.Queue.PurgeDone(ctx, o.opts.DoneRetention); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("purge queue: %w", err))
		}
	}

	stats, err := o.c.Queue.Stats(ctx, id.OwnerID)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("queue stats: %w", err))
	}
	rep.FailedEntries = stats.Failed

	return rep, errs.ErrorOrNil()
}

// finish records the outcome, notifies subscribers and drops the flag.
func (o *Orchestrator) finish(rep *Report) {
	failed := rep.Err != nil
	if failed {
		o.state.Store(int32(StateFailed))
	}

	o.mu.Lock()
	o.last = rep
	noIdentity := errors.Is(rep.Err, session.ErrNoIdentity)
	switch {
	case !failed:
		o.lastErr = ""
		o.lastSuccess = rep.FinishedAt
		o.consecutive = 0
	case noIdentity:
		o.lastErr = rep.Err.Error()
	default:
		o.lastErr = rep.Err.Error()
		o.consecutive++
	}
	o.mu.Unlock()

	if o.c.SyncInfo != nil && rep.OwnerID != "" {
		var err error
		if failed {
			_, err = o.c.SyncInfo.RecordFailure(rep.OwnerID, rep.FinishedAt, rep.Err)
		} else {
			err = o.c.SyncInfo.RecordSuccess(rep.OwnerID, rep.FinishedAt)
		}
		if err != nil {
			o.log.Printf("save sync info: %v", err)
		}
	}

	switch {
	case noIdentity:
		o.log.Printf("cycle skipped: %v", rep.Err)
	case failed:
		o.log.Printf("%s: %v", rep, rep.Err)
	default:
		o.log.Printf("%s", rep)
	}

	// unsubscribe closes channels under the write lock
	o.mu.RLock()
	for _, ch := range o.subscribers {
		select {
		case ch <- *rep:
		default:
		}
	}
	o.mu.RUnlock()

	o.state.Store(int32(StateIdle))
}

// Status reports the state of the logged-in owner's synchronization. Queue
// counters and the persisted cycle results are read fresh.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	o.mu.RLock()
	st := Status{
		State:               o.State(),
		LastError:           o.lastErr,
		LastSuccess:         o.lastSuccess,
		LastReport:          o.last,
		ConsecutiveFailures: o.consecutive,
	}
	o.mu.RUnlock()

	id, err := o.c.Session.Identity(ctx)
	if err != nil {
		return st, err
	}
	st.OwnerID = id.OwnerID

	if o.c.SyncInfo != nil {
		info := o.c.SyncInfo.GetSyncInfo(id.OwnerID)
		st.LastSuccess = info.LastSuccess
		st.LastError = info.LastError
		st.ConsecutiveFailures = info.ConsecutiveFailures
	}

	stats, err := o.c.Queue.Stats(ctx, id.OwnerID)
	if err != nil {
		return st, fmt.Errorf("queue stats: %w", err)
	}
	st.Pending = stats.Pending
	st.InFlight = stats.InFlight
	st.Failed = stats.Failed
	st.Degraded = st.Failed > 0 || st.ConsecutiveFailures >= o.opts.DegradedAfter
	return st, nil
}
