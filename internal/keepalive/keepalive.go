// Package keepalive implements the periodic "are you still there" job a
// Reader's remote counterpart runs against a squeue Manager: a single
// Task holds a list of independent job items, each on its own delay,
// pinging squeue.mark_alive and falling back to re-sending
// squeue.listen_at once a job's error count crosses its limit.
package keepalive

import (
	"sync"
	"time"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/metrics"
	"go.nodegrid.dev/nodegrid/internal/reqhandler"
	"go.nodegrid.dev/nodegrid/internal/task"
)

// Scheduler is the subset of scheduler behavior a keep-alive task needs.
type Scheduler interface {
	task.Scheduler
	PostMessage(address, command string, params *gridaddr.ParamNode, requestID gridaddr.RequestID, handler reqhandler.Handler) error
}

const validateDelay = 50 * time.Millisecond

// JobConfig describes one periodic mark_alive job.
type JobConfig struct {
	QueueName   string
	SourceName  string
	Address     gridaddr.Address
	Delay       time.Duration // between pings; defaults to 30s
	MessageLimit int          // 0 = unlimited pings
	ErrorLimit  int           // consecutive errors before the job expires or falls back
	ErrorDelay  time.Duration // defaults to 3s; not applied: pings after an error are still spaced by Delay
	RetryListen bool          // on hitting ErrorLimit, re-send squeue.listen_at instead of expiring
}

// DefaultJobConfig fills in the delay/error defaults SmplQueue.cpp's
// prepareKeepAliveTask applies when a squeue.keep_alive message omits
// them.
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Delay:       30 * time.Second,
		ErrorLimit:  3,
		ErrorDelay:  3 * time.Second,
		RetryListen: true,
	}
}

type jobItem struct {
	cfg          JobConfig
	messagesSent int
	errorCount   int
	nextRun      time.Time
	expired      bool
}

func newJobItem(cfg JobConfig) *jobItem {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultJobConfig().Delay
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = DefaultJobConfig().ErrorDelay
	}
	return &jobItem{cfg: cfg, nextRun: time.Now()}
}

// isValid reports whether this job should keep running: it expires once
// it hits its message limit, or (absent RetryListen recovery) its error
// limit.
func (j *jobItem) isValid() bool {
	if j.expired {
		return false
	}
	if j.cfg.MessageLimit > 0 && j.messagesSent >= j.cfg.MessageLimit {
		return false
	}
	if !j.cfg.RetryListen && j.cfg.ErrorLimit > 0 && j.errorCount >= j.cfg.ErrorLimit {
		return false
	}
	return true
}

// needsResult reports whether a ping should wait for a synchronous
// answer: only jobs that actually react to errors need to know the
// outcome of each ping.
func (j *jobItem) needsResult() bool {
	return j.cfg.ErrorLimit > 0 || j.cfg.RetryListen
}

// Task runs a list of keep-alive jobs, one mark_alive (or listen_at
// fallback) send per job per Step that is due.
type Task struct {
	*task.Task

	scheduler Scheduler

	mu   sync.Mutex
	jobs []*jobItem
}

// NewTask builds an empty keep-alive task; jobs are added with AddJob.
func NewTask(name string, scheduler Scheduler) *Task {
	t := &Task{scheduler: scheduler}
	t.Task = task.New(name, t)
	return t
}

// AddJob registers a new periodic ping job.
func (t *Task) AddJob(cfg JobConfig) {
	t.mu.Lock()
	t.jobs = append(t.jobs, newJobItem(cfg))
	t.mu.Unlock()
}

// JobCount reports how many jobs are still running.
func (t *Task) JobCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Step implements task.Handler: it runs every due job and drops any that
// have expired.
func (t *Task) Step() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	progress := 0
	alive := t.jobs[:0]
	for _, j := range t.jobs {
		if !j.isValid() {
			progress++
			continue
		}
		if now.Before(j.nextRun) {
			alive = append(alive, j)
			continue
		}
		t.runJob(j)
		alive = append(alive, j)
		progress++
	}
	t.jobs = alive

	if progress == 0 {
		t.Task.SleepFor(validateDelay)
	}
	return progress
}

func (t *Task) runJob(j *jobItem) {
	command := "squeue.mark_alive"
	params := gridaddr.NewMap()
	params.Set("queue_name", gridaddr.NewString(j.cfg.QueueName))
	params.Set("source_name", gridaddr.NewString(j.cfg.SourceName))

	if j.cfg.RetryListen && j.cfg.ErrorLimit > 0 && j.errorCount >= j.cfg.ErrorLimit {
		command = "squeue.listen_at"
		params.Set("addr", gridaddr.NewString(j.cfg.SourceName))
		j.errorCount = 0
	}

	j.messagesSent++
	j.nextRun = time.Now().Add(j.cfg.Delay)

	var reqID gridaddr.RequestID
	var handler reqhandler.Handler
	if j.needsResult() {
		reqID = t.scheduler.NextRequestID()
		handler = &jobResultHandler{job: j}
	}

	metrics.KeepAliveMessagesSent.WithLabelValues(j.cfg.QueueName, command).Inc()
	if err := t.scheduler.PostMessage(j.cfg.Address.String(), command, params, reqID, handler); err != nil {
		j.errorCount++
		metrics.KeepAliveErrors.WithLabelValues(j.cfg.QueueName).Inc()
	}
}

// jobResultHandler feeds a job item's error counter from the outcome of
// one ping, implementing reqhandler.Handler.
type jobResultHandler struct {
	job *jobItem
}

func (h *jobResultHandler) BeforeReqQueued(gridaddr.Envelope) {}

func (h *jobResultHandler) HandleReqResult(_, _ gridaddr.Event) {
	h.job.errorCount = 0
}

func (h *jobResultHandler) HandleReqError(_, _ gridaddr.Event) {
	h.job.errorCount++
}

// AcceptsMessage implements task.Handler; keep-alive tasks are never
// addressed directly, only driven by their own Step timer.
func (t *Task) AcceptsMessage(string, *gridaddr.ParamNode) bool { return false }

// HandleMessage implements task.Handler; unreachable since AcceptsMessage
// always refuses.
func (t *Task) HandleMessage(gridaddr.Envelope, *gridaddr.ParamNode) gridaddr.StatusCode {
	return gridaddr.StatusPass
}

// HandleResponse implements task.Handler; keep-alive pings are tracked
// through jobResultHandler on the scheduler's waiting table, not through
// task-addressed response routing, so this is never invoked.
func (t *Task) HandleResponse(gridaddr.Envelope) {}
