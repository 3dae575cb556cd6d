package squeue

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/metrics"
	"go.nodegrid.dev/nodegrid/internal/task"
	"go.nodegrid.dev/nodegrid/internal/warning"
)

// inFlightWarnThreshold is how many durable in-flight requests a queue can
// accumulate before ManagerTask reports bookkeeping-map growth: a queue
// that never drains this map has readers falling behind or vanishing.
const inFlightWarnThreshold = 500

// ManagerTask is the queue itself: a task addressed directly by
// application envelopes (its "put" side), which it dispatches to its
// connected Readers according to cfg.Type, with durable retry
// bookkeeping for round-robin and high-availability queues.
type ManagerTask struct {
	*task.Task

	scheduler Scheduler
	cfg       Config
	warn      warning.Service

	mu                 sync.Mutex
	readers            []*Reader
	lastAcceptedReader string
	queue              []queuedItem
	inFlight           map[gridaddr.RequestID]*durableRequestInfo
	warnedInFlight     bool
}

// NewManagerTask builds a queue named name with the given config. For
// TypeForward, cfg.ForwardTo must be set; the caller is expected to add
// the corresponding single reader itself (the module's prepareManager
// equivalent does this right after construction).
func NewManagerTask(name string, scheduler Scheduler, cfg Config) *ManagerTask {
	m := &ManagerTask{
		scheduler: scheduler,
		cfg:       cfg,
		inFlight:  make(map[gridaddr.RequestID]*durableRequestInfo),
	}
	m.Task = task.New(name, m)
	return m
}

// Type reports the queue's configured delivery discipline.
func (m *ManagerTask) Type() Type { return m.cfg.Type }

// SetWarningService attaches w so the queue reports bookkeeping-map
// growth and exhausted-retry failures as operator-visible warnings.
// Passing nil disables reporting.
func (m *ManagerTask) SetWarningService(w warning.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warn = w
}

// AddReader registers r as a connected reader for this queue.
func (m *ManagerTask) AddReader(r *Reader) {
	m.mu.Lock()
	m.readers = append(m.readers, r)
	m.mu.Unlock()
}

// HasReader reports whether a reader already forwards to target.
func (m *ManagerTask) HasReader(target gridaddr.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.readers {
		if r.Target().Equal(target, true) {
			return true
		}
	}
	return false
}

// Readers returns a snapshot of the currently connected readers.
func (m *ManagerTask) Readers() []*Reader {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Reader, len(m.readers))
	copy(out, m.readers)
	return out
}

// MarkReaderAlive resets the contact clock of the reader forwarding to
// target, reporting whether a matching reader was found.
func (m *ManagerTask) MarkReaderAlive(target gridaddr.Address) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.readers {
		if r.Target().Equal(target, true) {
			r.NoteContact()
			return true
		}
	}
	return false
}

// ClearQueue drops every not-yet-dispatched item (squeue.clear).
func (m *ManagerTask) ClearQueue() {
	m.mu.Lock()
	m.queue = nil
	m.mu.Unlock()
}

// IsEmpty reports whether the queue currently holds no pending items.
func (m *ManagerTask) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue) == 0
}

// Status summarizes the queue for squeue.get_status.
func (m *ManagerTask) Status() *gridaddr.ParamNode {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := gridaddr.NewMap()
	out.Set("name", gridaddr.NewString(m.Name()))
	out.Set("type", gridaddr.NewString(string(m.cfg.Type)))
	out.Set("durable", gridaddr.NewBool(m.cfg.Type.isDurable()))
	out.Set("queue_len", gridaddr.NewInt(int64(len(m.queue))))
	out.Set("reader_count", gridaddr.NewInt(int64(len(m.readers))))
	out.Set("in_flight", gridaddr.NewInt(int64(len(m.inFlight))))
	return out
}

// ListReaders answers squeue.list_readers with each reader's target and
// last-contact time.
func (m *ManagerTask) ListReaders() *gridaddr.ParamNode {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]*gridaddr.ParamNode, 0, len(m.readers))
	for _, r := range m.readers {
		item := gridaddr.NewMap()
		item.Set("name", gridaddr.NewString(r.Name()))
		item.Set("target", gridaddr.NewString(r.Target().String()))
		item.Set("last_contact", gridaddr.NewDateTime(r.LastContact()))
		items = append(items, item)
	}
	return gridaddr.NewList(items...)
}

// AcceptsMessage implements task.Handler: a queue accepts anything
// addressed directly at it, since its whole job is to be a generic sink
// for application envelopes.
func (m *ManagerTask) AcceptsMessage(string, *gridaddr.ParamNode) bool { return true }

// HandleMessage implements task.Handler. "squeue.get" is the explicit
// pull-type fetch; everything else is enqueued ("put") for dispatch on
// the next Step, and answered later, asynchronously, once a reader (or
// the null-device/multicast immediate-ack path) has dealt with it.
func (m *ManagerTask) HandleMessage(env gridaddr.Envelope, resp *gridaddr.ParamNode) gridaddr.StatusCode {
	if env.Event.Core == "get" {
		return m.handleGet(resp)
	}

	if env.Event.RequestID == 0 {
		return gridaddr.StatusMsgIDRequired
	}

	m.mu.Lock()
	m.queue = append(m.queue, queuedItem{env: env, queuedAt: time.Now()})
	m.mu.Unlock()
	return gridaddr.StatusWaiting
}

// handleGet implements the pull-type explicit fetch: dequeue the oldest
// ready item and answer synchronously with its params.
func (m *ManagerTask) handleGet(resp *gridaddr.ParamNode) gridaddr.StatusCode {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return gridaddr.StatusTimeout
	}
	item := m.queue[0]
	m.queue = m.queue[1:]

	out := gridaddr.NewMap()
	out.Set("command", gridaddr.NewString(item.env.Event.Command()))
	out.Set("params", item.env.Event.Params)
	out.Set("sender", gridaddr.NewString(item.env.Sender.String()))
	*resp = *out
	return gridaddr.StatusOK
}

// Step implements task.Handler: it validates connected readers (contact
// timeout) and, for durable queues, in-flight requests (result/store
// timeout), then attempts to dispatch one ready queued item.
func (m *ManagerTask) Step() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics.SqueueActiveReaders.WithLabelValues(m.Name()).Set(float64(len(m.readers)))
	metrics.SqueueQueueDepth.WithLabelValues(m.Name()).Set(float64(len(m.queue)))

	if len(m.inFlight) >= inFlightWarnThreshold {
		if !m.warnedInFlight {
			m.warnedInFlight = true
			if m.warn != nil {
				m.warn.AddWarning("squeue", "warning",
					fmt.Sprintf("queue %q has %d durable requests in flight, readers may be falling behind", m.Name(), len(m.inFlight)),
					m.Name())
			}
		}
	} else {
		m.warnedInFlight = false
	}

	progress := m.validateReadersLocked()
	if m.cfg.Type.isDurable() {
		progress += m.validateRequestsLocked()
	}

	if m.cfg.Type == TypePull {
		if progress == 0 {
			m.Task.SleepFor(validateDelay)
		}
		return progress
	}

	now := time.Now()
	idx := -1
	for i, it := range m.queue {
		if it.ready(now) {
			idx = i
			break
		}
	}
	if idx < 0 {
		if progress == 0 {
			m.Task.SleepFor(validateDelay)
		}
		return progress
	}

	if m.dispatchLocked(m.queue[idx]) {
		m.queue = append(m.queue[:idx], m.queue[idx+1:]...)
		progress++
	} else if progress == 0 {
		m.Task.SleepFor(validateDelay)
	}
	return progress
}

// dispatchLocked attempts to route item per the queue's discipline,
// reporting whether it was consumed (dequeued) or should be left for a
// later Step.
func (m *ManagerTask) dispatchLocked(item queuedItem) bool {
	switch m.cfg.Type {
	case TypeNullDev:
		m.replyLocked(item.env, gridaddr.StatusOK, gridaddr.NewNull(), nil)
		metrics.SqueueMessagesProcessed.WithLabelValues(m.Name(), "ok").Inc()
		return true

	case TypeMultiCast:
		for _, r := range m.readers {
			if !r.AcceptEnvelope(item.env) {
				continue
			}
			if _, err := r.ForwardEnvelope(item.env); err != nil {
				log.Warn().Err(err).Str("queue", m.Name()).Msg("squeue: multicast forward failed")
			}
		}
		m.replyLocked(item.env, gridaddr.StatusOK, gridaddr.NewNull(), nil)
		metrics.SqueueMessagesProcessed.WithLabelValues(m.Name(), "ok").Inc()
		return true

	case TypeForward, TypeHighAvail:
		if len(m.readers) == 0 {
			return false
		}
		return m.forwardToLocked(m.readers[0], item)

	case TypeRoundRobin:
		reader := m.pickRoundRobinLocked(item.env)
		if reader == nil {
			return false
		}
		return m.forwardToLocked(reader, item)

	default:
		return false
	}
}

// pickRoundRobinLocked chooses the next eligible reader, refusing to
// pick the same reader two times in a row unless it is the only option
// (mirrors scSmplQueueManagerTaskRoundRobin's m_lastAcceptedReader).
func (m *ManagerTask) pickRoundRobinLocked(env gridaddr.Envelope) *Reader {
	var candidates []*Reader
	for _, r := range m.readers {
		if r.AcceptEnvelope(env) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	for _, r := range candidates {
		if r.Name() != m.lastAcceptedReader {
			return r
		}
	}
	return candidates[0]
}

// forwardToLocked hands item to reader, registering durable bookkeeping
// when this queue type requires it.
func (m *ManagerTask) forwardToLocked(reader *Reader, item queuedItem) bool {
	readerReqID, err := reader.ForwardEnvelope(item.env)
	if err != nil {
		log.Warn().Err(err).Str("queue", m.Name()).Str("reader", reader.Name()).Msg("squeue: forward failed")
		return false
	}
	m.lastAcceptedReader = reader.Name()
	metrics.SqueueMessagesProcessed.WithLabelValues(m.Name(), "ok").Inc()

	if m.cfg.Type.isDurable() {
		m.inFlight[item.env.Event.RequestID] = &durableRequestInfo{
			orig:        item.env,
			startTime:   time.Now(),
			retryCount:  item.retryCount,
			readerName:  reader.Name(),
			readerReqID: readerReqID,
		}
	}
	return true
}

// replyLocked answers orig directly (without going through a reader),
// used by the null-device and multicast disciplines' immediate ack.
func (m *ManagerTask) replyLocked(orig gridaddr.Envelope, status gridaddr.StatusCode, result, errPayload *gridaddr.ParamNode) {
	resp := gridaddr.Envelope{
		Sender:    orig.Receiver,
		Receiver:  orig.Sender,
		CreatedAt: time.Now(),
		Event:     gridaddr.NewResponse(orig.Event.RequestID, status, result, errPayload),
	}
	_ = m.scheduler.PostEnvelope(resp, nil)
}

// validateReadersLocked disconnects any reader that hasn't been in
// contact within ContactTimeout, canceling its in-flight requests first.
func (m *ManagerTask) validateReadersLocked() int {
	if m.cfg.ContactTimeout <= 0 || len(m.readers) == 0 {
		return 0
	}

	now := time.Now()
	progress := 0
	alive := m.readers[:0]
	for _, r := range m.readers {
		if now.Sub(r.LastContact()) > m.cfg.ContactTimeout {
			log.Warn().Str("queue", m.Name()).Str("reader", r.Name()).Msg("squeue: reader contact timeout, disconnecting")
			r.CancelAll()
			progress++
			continue
		}
		alive = append(alive, r)
	}
	m.readers = alive
	return progress
}

// validateRequestsLocked ages out durable in-flight requests: one still
// sitting unsent past StoreTimeout fails outright; one sent to a reader
// but unanswered past ResultTimeout is retried (or fails, past
// RetryLimit).
func (m *ManagerTask) validateRequestsLocked() int {
	if len(m.inFlight) == 0 {
		return 0
	}

	now := time.Now()
	progress := 0
	for reqID, info := range m.inFlight {
		if info.readerName == "" {
			if m.cfg.StoreTimeout > 0 && now.Sub(info.startTime) > m.cfg.StoreTimeout {
				m.replyLocked(info.orig, gridaddr.StatusTimeout, nil, gridaddr.NewString("squeue: store timeout"))
				delete(m.inFlight, reqID)
				m.removeQueuedLocked(reqID)
				progress++
				m.warnFailureLocked("store timeout: request never reached a reader")
			}
			continue
		}

		if m.cfg.ResultTimeout <= 0 || now.Sub(info.startTime) <= m.cfg.ResultTimeout {
			continue
		}

		m.cancelReaderSideLocked(info)
		progress++

		if info.retryCount >= m.cfg.RetryLimit {
			m.replyLocked(info.orig, gridaddr.StatusTimeout, nil, gridaddr.NewString("squeue: result timeout"))
			delete(m.inFlight, reqID)
			m.warnFailureLocked("result timeout: retry limit exhausted")
			continue
		}

		info.retryCount++
		info.readerName = ""
		info.readerReqID = 0
		notBefore := now.Add(m.cfg.RetryDelay)
		info.startTime = notBefore
		m.queue = append(m.queue, queuedItem{env: info.orig, queuedAt: now, notBefore: notBefore, retryCount: info.retryCount})
		metrics.SqueueRetries.WithLabelValues(m.Name()).Inc()
	}
	return progress
}

// warnFailureLocked reports a durable request's terminal failure through
// the warning service, if one is attached.
func (m *ManagerTask) warnFailureLocked(reason string) {
	if m.warn == nil {
		return
	}
	m.warn.AddWarning("squeue", "error", fmt.Sprintf("queue %q: %s", m.Name(), reason), m.Name())
}

func (m *ManagerTask) cancelReaderSideLocked(info *durableRequestInfo) {
	for _, r := range m.readers {
		if r.Name() == info.readerName {
			r.CancelRequest(info.readerReqID)
			return
		}
	}
}

func (m *ManagerTask) removeQueuedLocked(reqID gridaddr.RequestID) {
	for i, it := range m.queue {
		if it.env.Event.RequestID == reqID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// handleReaderResponse implements responseManager. Non-durable queues
// always forward the downstream reply on, except multicast, which
// already answered the caller immediately on broadcast and so drops
// every individual reader reply. Durable queues retry on failure (up to
// RetryLimit) and otherwise forward the final result or failure.
func (m *ManagerTask) handleReaderResponse(readerName string, orig gridaddr.Envelope, resp gridaddr.Event) bool {
	if !m.cfg.Type.isDurable() {
		return m.cfg.Type != TypeMultiCast
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.inFlight[orig.Event.RequestID]
	if !ok || info.readerName != readerName {
		return true
	}

	if !resp.Status.IsError() {
		delete(m.inFlight, orig.Event.RequestID)
		metrics.SqueueMessagesProcessed.WithLabelValues(m.Name(), "ok").Inc()
		return true
	}

	if info.retryCount >= m.cfg.RetryLimit {
		delete(m.inFlight, orig.Event.RequestID)
		metrics.SqueueMessagesProcessed.WithLabelValues(m.Name(), "given_up").Inc()
		m.warnFailureLocked("reader reported error, retry limit exhausted")
		return true
	}

	info.retryCount++
	info.readerName = ""
	info.readerReqID = 0
	notBefore := time.Now().Add(m.cfg.RetryDelay)
	info.startTime = notBefore
	m.queue = append(m.queue, queuedItem{env: orig, queuedAt: time.Now(), notBefore: notBefore, retryCount: info.retryCount})
	metrics.SqueueRetries.WithLabelValues(m.Name()).Inc()
	return false
}
