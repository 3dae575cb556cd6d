package gate

import (
	"context"
	"sync"
	"time"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/mediator"
)

// mediatorClient is the subset of mediator.Mediator an HTTPGate needs,
// narrowed so tests can substitute a fake.
type mediatorClient interface {
	Deliver(ctx context.Context, targetURL string, env gridaddr.Envelope) gridaddr.Event
}

// HTTPGate is the Gate implementation for envelopes whose receiver
// address's protocol is "http" or "https": instead of handing the
// envelope to another in-process node, it posts it to a remote URL
// through a Mediator and feeds the result back to the sender as an
// ordinary response envelope.
type HTTPGate struct {
	ownerName string
	lookup    Lookup
	cfg       *mediator.Config

	mu        sync.Mutex
	queue     []gridaddr.Envelope
	mediators map[string]mediatorClient
}

// NewHTTPGate builds an HTTP(S) gate owned by ownerName, resolving
// responses back through lookup. cfg is used to build one Mediator per
// distinct target URL, each with its own circuit breaker.
func NewHTTPGate(ownerName string, lookup Lookup, cfg *mediator.Config) *HTTPGate {
	return &HTTPGate{
		ownerName: ownerName,
		lookup:    lookup,
		cfg:       cfg,
		mediators: make(map[string]mediatorClient),
	}
}

// SupportsProtocol reports true for "http" and "https".
func (g *HTTPGate) SupportsProtocol(protocol string) bool {
	return protocol == "http" || protocol == "https"
}

// OwnAddress is not meaningful for an outbound-only HTTP gate.
func (g *HTTPGate) OwnAddress(protocol string) (gridaddr.Address, bool) {
	return gridaddr.Address{}, false
}

// Send queues env for delivery on the next Run.
func (g *HTTPGate) Send(env gridaddr.Envelope) {
	g.mu.Lock()
	g.queue = append(g.queue, env)
	g.mu.Unlock()
}

// Run delivers every queued envelope synchronously (each Deliver call
// already retries internally with backoff), then feeds the reply back
// to the sender's node as a response envelope.
func (g *HTTPGate) Run() int {
	g.mu.Lock()
	pending := g.queue
	g.queue = nil
	g.mu.Unlock()

	for _, env := range pending {
		targetURL := env.Receiver.String()
		m := g.mediatorFor(targetURL)

		ctx := context.Background()
		if !env.Deadline().IsZero() {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, env.Deadline())
			defer cancel()
		} else {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
		}

		result := m.Deliver(ctx, targetURL, env)
		g.replyTo(env, result)
	}
	return len(pending)
}

func (g *HTTPGate) mediatorFor(targetURL string) mediatorClient {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.mediators[targetURL]
	if !ok {
		m = mediator.New(targetURL, g.cfg)
		g.mediators[targetURL] = m
	}
	return m
}

func (g *HTTPGate) replyTo(orig gridaddr.Envelope, result gridaddr.Event) {
	if orig.Event.RequestID == 0 {
		return
	}
	node, ok := g.lookup.FindNode(orig.Sender.Node)
	if !ok {
		return
	}
	resp := gridaddr.Envelope{
		Sender:    orig.Receiver,
		Receiver:  orig.Sender,
		CreatedAt: time.Now(),
		Event:     result,
	}
	node.PostEnvelopeForThis(resp)
}
