// Package task implements the cooperative, time-sliced Task state
// machine: Created -> Starting -> Running -> Stopping -> Stopped, with
// Busy as a transient run-guard state and Destroying as the terminal
// cleanup state.
package task

import (
	"sync"
	"time"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
)

// Status is the task lifecycle state.
type Status int

const (
	StatusCreated Status = iota
	StatusStarting
	StatusRunning
	StatusBusy
	StatusStopping
	StatusStopped
	StatusDestroying
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusBusy:
		return "busy"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	case StatusDestroying:
		return "destroying"
	default:
		return "unknown"
	}
}

// defStepTimeslice is the base step timeslice in milliseconds; a task's
// effective budget scales down from this as priority increases.
const defStepTimeslice = 500 * time.Millisecond

// Handler is what concrete tasks (queue readers, keep-alive jobs, ...)
// implement; Task embeds the base state machine and calls into Handler
// for the behavior specific to each kind of task.
type Handler interface {
	// Step runs one unit of work and returns how much progress was made
	// (>0 keeps runByTimeslice looping within the current timeslice).
	Step() int
	// AcceptsMessage reports whether this task wants to directly handle
	// command, bypassing module dispatch.
	AcceptsMessage(command string, params *gridaddr.ParamNode) bool
	// HandleMessage processes an envelope this task accepted.
	HandleMessage(env gridaddr.Envelope, resp *gridaddr.ParamNode) gridaddr.StatusCode
	// HandleResponse processes a response matched to a request this task
	// originally sent.
	HandleResponse(env gridaddr.Envelope)
}

// Scheduler is the subset of scheduler behavior a Task needs back.
type Scheduler interface {
	OwnAddress(protocol string) gridaddr.Address
	DeleteTask(name string)
	NextRequestID() gridaddr.RequestID
}

// Task is the base state machine. Concrete task kinds embed *Task and
// supply a Handler.
type Task struct {
	mu sync.Mutex

	name     string
	priority uint
	daemon   bool
	status   Status

	stepTimeslice      time.Duration
	lastTimesliceStart time.Time

	sleepUntil time.Time

	scheduler Scheduler
	handler   Handler
}

// New creates a task bound to handler, initially in StatusCreated with no
// time-slicing (priority 0 means a single Step per tick).
func New(name string, handler Handler) *Task {
	return &Task{
		name:          name,
		handler:       handler,
		status:        StatusCreated,
		stepTimeslice: defStepTimeslice,
		daemon:        true,
	}
}

func (t *Task) Name() string { return t.name }

func (t *Task) SetScheduler(s Scheduler) { t.scheduler = s }

func (t *Task) Priority() uint { return t.priority }
func (t *Task) SetPriority(p uint) { t.priority = p }

func (t *Task) IsDaemon() bool   { return t.daemon }
func (t *Task) SetDaemon(d bool) { t.daemon = d }

// Status returns the current lifecycle state, guarded by the same mutex
// Run uses so callers never observe a torn status-keeper transition.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Task) setStatus(v Status) {
	old := t.status
	t.status = v
	if old != v {
		t.onStatusChanged()
	}
}

// setStatusSilent changes status without firing onStatusChanged, used by
// the status-keeper to restore a prior state after a transient run
// without re-triggering side effects like closeTask.
func (t *Task) setStatusSilent(v Status) {
	t.status = v
}

func (t *Task) onStatusChanged() {
	if t.status == StatusDestroying {
		// dispose hook point; concrete tasks override via Handler if needed.
	}
	if t.status == StatusStopped {
		t.closeTask()
	}
}

func (t *Task) closeTask() {
	t.status = StatusDestroying
	if t.scheduler != nil {
		t.scheduler.DeleteTask(t.name)
	}
}

// Init transitions Created -> Starting, the point at which the task
// becomes eligible for Run.
func (t *Task) Init() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusCreated {
		t.setStatus(StatusStarting)
	}
}

// RequestStop asks a live task to wind down; Stopping is only entered
// from the states that represent "still doing something".
func (t *Task) RequestStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusCreated, StatusStarting, StatusRunning, StatusBusy:
		t.setStatus(StatusStopping)
	}
}

// NeedsRun reports whether the scheduler's tick should call Run again:
// true whenever the task isn't already mid-step (Busy) and, while
// Running, only if it isn't sleeping.
func (t *Task) NeedsRun() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.status {
	case StatusRunning:
		return !t.isSleepingLocked()
	case StatusBusy:
		return false
	default:
		return true
	}
}

// SleepFor suspends Running-state stepping for the given duration; Run
// treats a sleeping task as needing no work until it elapses.
func (t *Task) SleepFor(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sleepUntil = time.Now().Add(d)
}

func (t *Task) isSleepingLocked() bool {
	return !t.sleepUntil.IsZero() && time.Now().Before(t.sleepUntil)
}

func (t *Task) stopSleep() {
	t.sleepUntil = time.Time{}
}

// Run advances the state machine by one tick, guarding the transient
// work states (Starting -> Busy, Running -> Busy) with a status keeper
// that restores the pre-run status if nothing else changed it — this
// protects against a handler that panics, or forgets to set a terminal
// status, leaving the task stuck in Busy forever.
func (t *Task) Run() int {
	t.mu.Lock()
	curr := t.status
	t.mu.Unlock()

	switch curr {
	case StatusStarting:
		return t.withStatusKeeper(curr, StatusBusy, t.runStarting)
	case StatusRunning:
		return t.withStatusKeeper(curr, StatusBusy, t.runByTimeslice)
	case StatusStopping:
		return t.runStopping()
	default:
		return 0
	}
}

func (t *Task) withStatusKeeper(oldStatus, transient Status, fn func() int) int {
	t.mu.Lock()
	t.setStatus(transient)
	t.mu.Unlock()

	res := fn()

	t.mu.Lock()
	if t.status == transient {
		t.setStatusSilent(oldStatus)
	}
	t.mu.Unlock()
	return res
}

func (t *Task) runStarting() int {
	t.mu.Lock()
	t.setStatus(StatusRunning)
	t.mu.Unlock()
	return 0
}

func (t *Task) runStopping() int {
	t.mu.Lock()
	t.setStatus(StatusStopped)
	t.mu.Unlock()
	return 0
}

// runByTimeslice repeatedly calls Handler.Step until either a step makes
// no progress, priority is 0 (unlimited single pass per tick), or the
// dynamic timeslice budget elapses. The budget shrinks as priority rises:
// stepTimeslice*10/priority, so priority 1 gets 5s, 5 gets 1s, 10 gets
// 500ms; 1ms is used only when that division comes out at zero.
func (t *Task) runByTimeslice() int {
	total := 0

	priority := t.Priority()
	if priority > 0 {
		t.mu.Lock()
		t.lastTimesliceStart = time.Now()
		t.mu.Unlock()
	}

	for {
		stepRes := t.handler.Step()
		total += stepRes
		if stepRes <= 0 || priority == 0 || t.endOfTimeslice() {
			break
		}
	}
	return total
}

func (t *Task) endOfTimeslice() bool {
	if t.stepTimeslice <= 0 {
		return false
	}

	priority := t.Priority()
	if priority == 0 {
		return true
	}

	dynamic := t.stepTimeslice * 10 / time.Duration(priority)
	if dynamic <= 0 {
		dynamic = time.Millisecond
	}

	t.mu.Lock()
	start := t.lastTimesliceStart
	t.mu.Unlock()

	return time.Since(start) >= dynamic
}

// AcceptsMessage, HandleMessage, HandleResponse delegate to the embedded
// Handler, letting concrete task kinds opt into direct message routing
// without reimplementing the state machine.
func (t *Task) AcceptsMessage(command string, params *gridaddr.ParamNode) bool {
	return t.handler.AcceptsMessage(command, params)
}

func (t *Task) HandleMessage(env gridaddr.Envelope, resp *gridaddr.ParamNode) gridaddr.StatusCode {
	return t.handler.HandleMessage(env, resp)
}

func (t *Task) HandleResponse(env gridaddr.Envelope) {
	t.handler.HandleResponse(env)
}
