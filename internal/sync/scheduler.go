package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/JohanCodinha/icasync/internal/logger"
	"github.com/JohanCodinha/icasync/internal/notify"
	"github.com/JohanCodinha/icasync/internal/service"
)

// DefaultDebounce is the quiet period before a triggered pass runs.
const DefaultDebounce = time.Second

var (
	// ErrPassInFlight is returned by Refresh while a pass is running. A
	// follow-up pass is scheduled instead.
	ErrPassInFlight = errors.New("reconciliation pass already running")
	// ErrStopped is returned by Refresh after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (Result, error)
}

// State is the scheduler state.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Pass trigger names.
const (
	TriggerDebounce = "debounce"
	TriggerManual   = "manual"
)

// Pass outcome names.
const (
	OutcomeOK        = "ok"
	OutcomeCapacity  = "capacity"
	OutcomeReadError = "read_error"
	OutcomeBusy      = "busy"
	OutcomeError     = "error"
)

// Pass describes one attempted reconciliation pass.
type Pass struct {
	ID         string
	Trigger    string
	StartedAt  time.Time
	FinishedAt time.Time
	Result     Result
	Err        error
}

// Outcome classifies the pass for history and status reporting.
func (p Pass) Outcome() string {
	var readErr *ReadError
	switch {
	case p.Err == nil:
		return OutcomeOK
	case errors.Is(p.Err, ErrPassInFlight):
		return OutcomeBusy
	case errors.Is(p.Err, ErrCapacityExceeded):
		return OutcomeCapacity
	case errors.As(p.Err, &readErr):
		return OutcomeReadError
	default:
		return OutcomeError
	}
}

// Scheduler coalesces change notifications into debounced passes and makes
// sure at most one pass runs at a time.
//
// Notify re-arms a single timer slot. When the timer fires during a running
// pass it only marks a follow-up, which is armed once the pass finishes.
type Scheduler struct {
	engine  Reconciler
	tracker *Tracker
	listID  string
	delay   time.Duration

	mu      gosync.Mutex
	timer   *time.Timer
	gen     uint64 // identifies the armed timer
	running bool
	pending bool
	stopped bool
	hooks   []func(Pass)
	wg      gosync.WaitGroup
}

// NewScheduler creates a scheduler for the todo list listID. Events for
// other lists are ignored.
func NewScheduler(engine Reconciler, tracker *Tracker, listID string, delay time.Duration) *Scheduler {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if tracker == nil {
		tracker = NewTracker(DefaultRecentTTL)
	}
	return &Scheduler{
		engine:  engine,
		tracker: tracker,
		listID:  listID,
		delay:   delay,
	}
}

// OnPass registers fn to be called after every attempted pass.
func (s *Scheduler) OnPass(fn func(Pass)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.running:
		return StateRunning
	case s.timer != nil:
		return StateScheduled
	default:
		return StateIdle
	}
}

// HandleEvent records a todo change in the tracker and schedules a pass.
// It reports whether the event was accepted: events for other lists and
// events reporting the engine's own todo writes are dropped.
func (s *Scheduler) HandleEvent(ev notify.Event) bool {
	if ev.ListID != s.listID {
		return false
	}

	switch ev.Kind {
	case notify.KindAdd:
		if s.tracker.TakeEcho(ChangeAdd, ev.Item) {
			logger.Debug("sync: ignoring own add of %q", ev.Item)
			return false
		}
		s.tracker.Record(ChangeAdd, ev.Item)
	case notify.KindRemove:
		if s.tracker.TakeEcho(ChangeRemove, ev.Item) {
			logger.Debug("sync: ignoring own remove of %q", ev.Item)
			return false
		}
		s.tracker.Record(ChangeRemove, ev.Item)
	case notify.KindUpdateStatus:
		name := ev.Item
		if ev.Rename != "" && service.Normalize(ev.Rename) != service.Normalize(ev.Item) {
			s.tracker.Record(ChangeRemove, ev.Item)
			s.tracker.Record(ChangeAdd, ev.Rename)
			name = ev.Rename
		}
		switch ev.Status {
		case service.StatusCompleted:
			s.tracker.Record(ChangeRemove, name)
		case service.StatusNeedsAction:
			s.tracker.Record(ChangeAdd, name)
		}
	}

	logger.Debug("sync: %s %q on %s", ev.Kind, ev.Item, ev.ListID)
	s.Notify()
	return true
}

// Notify schedules a pass after the debounce delay, replacing any pending
// timer.
func (s *Scheduler) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.armLocked()
	logger.Debug("sync: debounce timer started/reset (%s)", s.delay)
}

// armLocked (re)arms the timer slot. Callers must hold s.mu.
func (s *Scheduler) armLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() { s.fire(gen) })
}

// fire runs when a debounce timer expires.
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.timer == nil || s.stopped {
		// Replaced or stopped after expiring.
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.running {
		s.pending = true
		s.mu.Unlock()
		logger.Debug("sync: pass in flight, follow-up scheduled")
		return
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	s.run(context.Background(), TriggerDebounce)
}

// Refresh runs a pass immediately, cancelling any pending timer. If a pass
// is already running it returns ErrPassInFlight and schedules one follow-up.
// The pass is not cancelled when ctx is.
func (s *Scheduler) Refresh(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Result{}, ErrStopped
	}
	if s.running {
		s.pending = true
		s.mu.Unlock()
		now := time.Now()
		s.report(Pass{ID: ulid.Make().String(), Trigger: TriggerManual, StartedAt: now, FinishedAt: now, Err: ErrPassInFlight})
		return Result{}, ErrPassInFlight
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.running = true
	s.wg.Add(1)
	s.mu.Unlock()

	return s.run(context.WithoutCancel(ctx), TriggerManual)
}

// run executes one pass. Callers must have set s.running and added to s.wg.
func (s *Scheduler) run(ctx context.Context, trigger string) (Result, error) {
	defer s.wg.Done()

	pass := Pass{ID: ulid.Make().String(), Trigger: trigger, StartedAt: time.Now()}
	logger.Debug("sync: starting %s pass %s", trigger, pass.ID)

	pass.Result, pass.Err = s.reconcile(ctx)
	pass.FinishedAt = time.Now()

	s.mu.Lock()
	s.running = false
	if s.pending && !s.stopped {
		s.pending = false
		s.armLocked()
	}
	s.mu.Unlock()

	s.report(pass)
	return pass.Result, pass.Err
}

// reconcile runs the engine, turning a panic into a failed pass.
func (s *Scheduler) reconcile(ctx context.Context) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sync: pass panicked: %v", r)
			err = fmt.Errorf("pass panicked: %v", r)
		}
	}()
	return s.engine.Reconcile(ctx)
}

func (s *Scheduler) report(p Pass) {
	s.mu.Lock()
	hooks := append([]func(Pass){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		callHook(fn, p)
	}
}

func callHook(fn func(Pass), p Pass) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sync: pass hook panicked: %v", r)
		}
	}()
	fn(p)
}

// Stop cancels the pending timer and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = false
	s.mu.Unlock()

	s.wg.Wait()
}
