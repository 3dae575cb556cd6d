package squeue

import (
	"fmt"
	"sync"
	"time"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
)

// responseManager is the narrow view of a Manager a Reader needs: asked
// whether a downstream reply should actually be relayed back to the
// original caller, or whether the manager is retrying and wants the
// reply suppressed.
type responseManager interface {
	handleReaderResponse(readerName string, orig gridaddr.Envelope, resp gridaddr.Event) bool
}

// Reader forwards envelopes handed to it by a Manager on to a fixed
// target address, rewriting sender/receiver so the downstream reply
// routes back through this reader itself (as a reqhandler.Handler, not
// a scheduler-registered task — a reader does no periodic work of its
// own, so it never needs a task's Step/run-tick machinery), then unless
// the manager says otherwise, relays that reply back to the envelope's
// original sender under its original request id.
type Reader struct {
	name                string
	scheduler           Scheduler
	manager             responseManager
	target              gridaddr.Address
	limit               int // 0 = unlimited in-flight requests
	allowSenderAsReader bool

	mu          sync.Mutex
	waiting     map[gridaddr.RequestID]gridaddr.Envelope
	lastContact time.Time
}

// NewReader builds a reader bound to target, identified by name for
// diagnostics (squeue.list_readers) and round-robin bookkeeping.
func NewReader(name string, scheduler Scheduler, manager responseManager, target gridaddr.Address, limit int, allowSenderAsReader bool) *Reader {
	return &Reader{
		name:                name,
		scheduler:           scheduler,
		manager:             manager,
		target:              target,
		limit:               limit,
		allowSenderAsReader: allowSenderAsReader,
		waiting:             make(map[gridaddr.RequestID]gridaddr.Envelope),
		lastContact:         time.Now(),
	}
}

// Name returns the reader's diagnostic identifier.
func (r *Reader) Name() string { return r.name }

// Target returns the address this reader forwards to.
func (r *Reader) Target() gridaddr.Address { return r.target }

// LastContact returns the last time this reader sent or received traffic.
func (r *Reader) LastContact() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastContact
}

// NoteContact marks the reader alive as of now, resetting its contact
// timeout clock; used both on response traffic and on an explicit
// squeue.mark_alive.
func (r *Reader) NoteContact() {
	r.mu.Lock()
	r.lastContact = time.Now()
	r.mu.Unlock()
}

// IsBelowLimit reports whether this reader can accept another in-flight
// request.
func (r *Reader) IsBelowLimit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limit == 0 || len(r.waiting) < r.limit
}

// AcceptEnvelope reports whether this reader is willing to take env: it
// refuses when env's sender is this reader's own target (to prevent a
// reader forwarding a message straight back to the node that sent it,
// unless the queue is duplex or the listen passed skip_sender=false) and
// when it is already at its in-flight limit.
func (r *Reader) AcceptEnvelope(env gridaddr.Envelope) bool {
	if !r.allowSenderAsReader && env.Sender.Equal(r.target, true) {
		return false
	}
	return r.IsBelowLimit()
}

// ForwardEnvelope sends env on to this reader's target under a fresh
// request id, stashing the original envelope so the eventual reply can
// be matched back and relayed (or retried) by the owning manager. It
// returns the outbound request id so the manager can cancel it directly
// on a result timeout.
func (r *Reader) ForwardEnvelope(env gridaddr.Envelope) (gridaddr.RequestID, error) {
	newID := r.scheduler.NextRequestID()

	out := env
	out.Sender = r.scheduler.OwnAddress(r.target.Protocol)
	out.Receiver = r.target
	out.Event.RequestID = newID
	out.CreatedAt = time.Now()

	r.mu.Lock()
	r.waiting[newID] = env
	r.lastContact = time.Now()
	r.mu.Unlock()

	if err := r.scheduler.PostEnvelope(out, r); err != nil {
		r.mu.Lock()
		delete(r.waiting, newID)
		r.mu.Unlock()
		return 0, fmt.Errorf("squeue: reader %s forward: %w", r.name, err)
	}
	return newID, nil
}

// BeforeReqQueued implements reqhandler.Handler; unused here since a
// reader has nothing to do before its forwarded request is queued.
func (r *Reader) BeforeReqQueued(gridaddr.Envelope) {}

// HandleReqResult implements reqhandler.Handler.
func (r *Reader) HandleReqResult(req, resp gridaddr.Event) { r.handleResponse(req.RequestID, resp) }

// HandleReqError implements reqhandler.Handler.
func (r *Reader) HandleReqError(req, resp gridaddr.Event) { r.handleResponse(req.RequestID, resp) }

// handleResponse matches ev back to the original envelope it was
// forwarding on behalf of, and unless the manager suppresses it
// (durable retry in progress), relays the reply to the original sender
// under the original request id.
func (r *Reader) handleResponse(readerReqID gridaddr.RequestID, ev gridaddr.Event) {
	r.mu.Lock()
	orig, ok := r.waiting[readerReqID]
	if ok {
		delete(r.waiting, readerReqID)
	}
	r.lastContact = time.Now()
	r.mu.Unlock()

	if !ok {
		return
	}

	if r.manager == nil || r.manager.handleReaderResponse(r.name, orig, ev) {
		r.sendResponse(orig, ev)
	}
}

// CancelRequest drops readerReqID from the waiting table without
// synthesizing a reply, used when the manager has already decided (via
// its own result-timeout check) how to handle the request and just
// wants this reader to stop expecting a late answer.
func (r *Reader) CancelRequest(readerReqID gridaddr.RequestID) {
	r.mu.Lock()
	delete(r.waiting, readerReqID)
	r.mu.Unlock()
}

// CancelAll synthesizes a timeout reply for every request this reader is
// still waiting on, used when the reader is being torn down (contact
// timeout, or the owning queue closing).
func (r *Reader) CancelAll() {
	r.mu.Lock()
	items := r.waiting
	r.waiting = make(map[gridaddr.RequestID]gridaddr.Envelope)
	r.mu.Unlock()

	for _, orig := range items {
		resp := gridaddr.Event{Status: gridaddr.StatusTimeout, Error: gridaddr.NewString("reader unavailable")}
		if r.manager == nil || r.manager.handleReaderResponse(r.name, orig, resp) {
			r.sendResponse(orig, resp)
		}
	}
}

func (r *Reader) sendResponse(orig gridaddr.Envelope, ev gridaddr.Event) {
	resp := gridaddr.Envelope{
		Sender:    orig.Receiver,
		Receiver:  orig.Sender,
		CreatedAt: time.Now(),
		Event:     gridaddr.NewResponse(orig.Event.RequestID, ev.Status, ev.Result, ev.Error),
	}
	_ = r.scheduler.PostEnvelope(resp, nil)
}
