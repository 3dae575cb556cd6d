// Package reqhandler defines the per-request callback contract invoked
// when a posted message's response arrives, times out, or is canceled,
// plus the waiting-table entry the scheduler keeps per outstanding
// request.
package reqhandler

import (
	"time"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
)

// Handler receives the outcome of one request-response round trip.
// Callers that don't need one of the callbacks can embed NopHandler.
type Handler interface {
	// BeforeReqQueued runs synchronously right before the request
	// envelope is queued for delivery, letting the caller stash
	// additional bookkeeping keyed by the envelope's request id.
	BeforeReqQueued(env gridaddr.Envelope)
	// HandleReqResult runs when a non-error response matches this
	// request.
	HandleReqResult(req, resp gridaddr.Event)
	// HandleReqError runs when an error response, or a synthesized
	// timeout/cancel response, matches this request.
	HandleReqError(req, resp gridaddr.Event)
}

// NopHandler implements Handler with no-ops, for embedding by callers
// that only care about one or two of the callbacks.
type NopHandler struct{}

func (NopHandler) BeforeReqQueued(gridaddr.Envelope)        {}
func (NopHandler) HandleReqResult(_, _ gridaddr.Event)      {}
func (NopHandler) HandleReqError(_, _ gridaddr.Event)       {}

// WaitingItem is the scheduler's per-outstanding-request bookkeeping
// entry: the original envelope (so a timeout/cancel can be reported back
// in terms of the request that was sent), the caller's Handler, and the
// time the wait started (used for timeout elapsed checks).
type WaitingItem struct {
	Envelope  gridaddr.Envelope
	Handler   Handler
	StartedAt time.Time
}
