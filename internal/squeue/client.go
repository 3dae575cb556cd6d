package squeue

import (
	"fmt"
	"sync"
	"time"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/reqhandler"
)

// Poster is the narrow scheduler surface an embeddable client needs to
// submit work and get a reply routed back to it.
type Poster interface {
	PostEnvelope(env gridaddr.Envelope, handler reqhandler.Handler) error
	NextRequestID() gridaddr.RequestID
}

// Client is the embeddable submission API mirrored from WorkQueueClient.h's
// scWqServerProxy: a thin factory for individual Requests and
// RequestGroups, each of which is itself a reqhandler.Handler so replies
// route straight back without any polling loop on the caller's part.
type Client struct {
	poster  Poster
	ownAddr gridaddr.Address
}

// New builds a client posting through poster, stamping its own address
// onto outgoing envelopes as ownAddr.
func New(poster Poster, ownAddr gridaddr.Address) *Client {
	return &Client{poster: poster, ownAddr: ownAddr}
}

// NewRequest builds a single request targeting target, uninitialized
// until SetCommand/SetParams (or Execute/ExecuteAsync) are called.
func (c *Client) NewRequest(target gridaddr.Address) *Request {
	return &Request{client: c, target: target, done: make(chan struct{})}
}

// NewGroup builds an empty request group.
func (c *Client) NewGroup() *RequestGroup {
	return &RequestGroup{client: c}
}

// Request is one outstanding (or answered) call, mirroring scWqRequest.
type Request struct {
	client *Client
	target gridaddr.Address

	command string
	params  *gridaddr.ParamNode

	mu       sync.Mutex
	sent     bool
	done     chan struct{}
	status   gridaddr.StatusCode
	result   *gridaddr.ParamNode
	errValue *gridaddr.ParamNode
}

// SetCommand sets the interface.core command string this request will
// send, e.g. "squeue.put".
func (r *Request) SetCommand(command string) { r.command = command }

// Command returns the request's configured command.
func (r *Request) Command() string { return r.command }

// SetParams sets the request's parameter tree.
func (r *Request) SetParams(params *gridaddr.ParamNode) { r.params = params }

// Params returns the request's configured parameter tree.
func (r *Request) Params() *gridaddr.ParamNode { return r.params }

// ExecuteAsync sends the request without waiting for a reply; the result
// becomes available once the scheduler routes the response back through
// HandleReqResult/HandleReqError, checked with IsResultReady/WaitFor.
func (r *Request) ExecuteAsync() error {
	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		return fmt.Errorf("squeue: request already sent")
	}
	r.sent = true
	r.mu.Unlock()

	reqID := r.client.poster.NextRequestID()
	env := gridaddr.Envelope{
		Sender:    r.client.ownAddr,
		Receiver:  r.target,
		CreatedAt: time.Now(),
		Event:     gridaddr.NewMessage(reqID, r.command, r.params),
	}
	if err := r.client.poster.PostEnvelope(env, r); err != nil {
		r.mu.Lock()
		r.sent = false
		r.mu.Unlock()
		return err
	}
	return nil
}

// Execute sends the request and blocks until a reply arrives or ctx-less
// timeout elapses (0 waits forever), returning the terminal status.
func (r *Request) Execute(timeout time.Duration) (gridaddr.StatusCode, error) {
	if err := r.ExecuteAsync(); err != nil {
		return 0, err
	}
	if !r.WaitFor(timeout) {
		return gridaddr.StatusTimeout, fmt.Errorf("squeue: request timed out")
	}
	return r.Status(), nil
}

// WaitFor blocks until the request's reply arrives or timeout elapses (0
// waits forever), reporting whether a reply arrived.
func (r *Request) WaitFor(timeout time.Duration) bool {
	if timeout <= 0 {
		<-r.done
		return true
	}
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// IsResultReady reports whether a reply has arrived.
func (r *Request) IsResultReady() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// IsResultOk reports whether the reply (once ready) was a success status.
func (r *Request) IsResultOk() bool {
	return r.IsResultReady() && !r.Status().IsError()
}

// Status returns the reply's status code; zero until a reply arrives.
func (r *Request) Status() gridaddr.StatusCode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Result returns the reply's result payload, nil until a reply arrives
// or if the reply was an error.
func (r *Request) Result() *gridaddr.ParamNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Error returns the reply's error payload, nil unless the reply failed.
func (r *Request) Error() *gridaddr.ParamNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errValue
}

func (r *Request) BeforeReqQueued(gridaddr.Envelope) {}

func (r *Request) HandleReqResult(_, resp gridaddr.Event) { r.finish(resp) }

func (r *Request) HandleReqError(_, resp gridaddr.Event) { r.finish(resp) }

func (r *Request) finish(resp gridaddr.Event) {
	r.mu.Lock()
	r.status = resp.Status
	r.result = resp.Result
	r.errValue = resp.Error
	r.mu.Unlock()
	close(r.done)
}

// RequestGroup batches independent requests, mirroring scWqRequestGroup's
// mapRequest/waitForAll/checkStatus convenience over a plain slice.
type RequestGroup struct {
	client   *Client
	requests []*Request
}

// AddRequest adds a caller-built request to the group.
func (g *RequestGroup) AddRequest(r *Request) { g.requests = append(g.requests, r) }

// MapRequest builds, configures, and adds a new request to the group in
// one call, returning it for further inspection.
func (g *RequestGroup) MapRequest(target gridaddr.Address, command string, params *gridaddr.ParamNode) *Request {
	r := g.client.NewRequest(target)
	r.SetCommand(command)
	r.SetParams(params)
	g.requests = append(g.requests, r)
	return r
}

// Size returns the number of requests in the group.
func (g *RequestGroup) Size() int { return len(g.requests) }

// Request returns the request at index i.
func (g *RequestGroup) Request(i int) *Request { return g.requests[i] }

// Execute sends every request in the group that hasn't already been
// sent.
func (g *RequestGroup) Execute() error {
	for _, r := range g.requests {
		if err := r.ExecuteAsync(); err != nil {
			return err
		}
	}
	return nil
}

// WaitForAll blocks until every request in the group has a reply, or
// timeout elapses (0 waits forever), reporting whether all completed.
func (g *RequestGroup) WaitForAll(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for _, r := range g.requests {
		var remaining time.Duration
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return false
			}
		}
		if !r.WaitFor(remaining) {
			return false
		}
	}
	return true
}

// CheckStatus reports whether every request in the group finished with a
// success status; a request that hasn't answered yet counts as not OK.
func (g *RequestGroup) CheckStatus() bool {
	for _, r := range g.requests {
		if !r.IsResultOk() {
			return false
		}
	}
	return true
}
