// Package squeue implements the simple-queue subsystem: a queue is a
// long-lived Manager task that accepts arbitrary application envelopes
// (its "put" side) and dispatches them to one or more connected Readers
// (plain reqhandler.Handler collaborators, not scheduler tasks)
// according to one of six delivery disciplines, with optional
// durable retry bookkeeping for the disciplines that promise
// at-least-once delivery to a single live reader.
package squeue

import (
	"time"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/reqhandler"
	"go.nodegrid.dev/nodegrid/internal/task"
)

// Type selects a queue's delivery discipline.
type Type string

const (
	TypeRoundRobin Type = "rrobin"  // default: fan out, never the same reader twice in a row
	TypePull       Type = "pull"    // read-only, drained by explicit "squeue.get"
	TypeMultiCast  Type = "mcast"   // every item goes to every connected reader
	TypeNullDev    Type = "null_dev" // discards every item, always answers OK
	TypeForward    Type = "forward" // single fixed reader, created at setup time
	TypeHighAvail  Type = "highav"  // always the first reader in the list
)

// isDurable reports whether a queue type carries retry/timeout
// bookkeeping for in-flight requests. Round-robin and high-availability
// are the only two disciplines that promise a single reader sees (and
// eventually acks) each item; the others are fire-and-forget.
func (t Type) isDurable() bool {
	return t == TypeRoundRobin || t == TypeHighAvail
}

// Scheduler is the subset of scheduler behavior the manager and reader
// tasks need: posting new envelopes/responses, resolving addresses, and
// the base task.Scheduler surface (OwnAddress/DeleteTask/NextRequestID)
// that AddTask wires up automatically.
type Scheduler interface {
	task.Scheduler
	PostEnvelope(env gridaddr.Envelope, handler reqhandler.Handler) error
	PostMessage(address, command string, params *gridaddr.ParamNode, requestID gridaddr.RequestID, handler reqhandler.Handler) error
	EvaluateAddress(addr gridaddr.Address) (gridaddr.Address, bool)
}

// Config configures a Manager at creation time (the squeue.init params).
type Config struct {
	Type                Type
	AllowSenderAsReader bool // "duplex": a reader may receive its own submissions back
	RetryLimit          int
	RetryDelay          time.Duration
	ContactTimeout      time.Duration // 0 disables contact checking
	ResultTimeout       time.Duration // 0 disables result-wait checking
	StoreTimeout        time.Duration // 0 disables store-wait checking
	ForwardTo           gridaddr.Address // required for TypeForward
}

// Default bookkeeping intervals, grounded on SmplQueue.cpp's
// DEF_QUEUE_VALIDATE_DELAY and the durable request's default retry/
// timeout fields.
const (
	DefaultRetryLimit     = 3
	DefaultRetryDelay     = time.Second
	DefaultContactTimeout = 30 * time.Second
	DefaultResultTimeout  = 10 * time.Second
	DefaultStoreTimeout   = 60 * time.Second
	validateDelay         = 50 * time.Millisecond
)

// DefaultConfig returns the round-robin, durable defaults used when an
// squeue.init message omits a field.
func DefaultConfig() Config {
	return Config{
		Type:           TypeRoundRobin,
		RetryLimit:     DefaultRetryLimit,
		RetryDelay:     DefaultRetryDelay,
		ContactTimeout: DefaultContactTimeout,
		ResultTimeout:  DefaultResultTimeout,
		StoreTimeout:   DefaultStoreTimeout,
	}
}

// queuedItem is one envelope waiting to be dispatched to a reader.
type queuedItem struct {
	env        gridaddr.Envelope
	queuedAt   time.Time
	notBefore  time.Time // zero means "ready now"
	retryCount int
}

func (q queuedItem) ready(now time.Time) bool {
	return q.notBefore.IsZero() || !now.Before(q.notBefore)
}

// durableRequestInfo tracks one in-flight request for durable queue
// types: it is keyed by the *original* request id so a retry can be
// matched back to the caller even after the reader-side request id
// changes on each attempt.
type durableRequestInfo struct {
	orig        gridaddr.Envelope
	startTime   time.Time
	retryCount  int
	readerName  string
	readerReqID gridaddr.RequestID
}
