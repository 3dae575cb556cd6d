// Package gate implements the in-process message gate: the only
// transport the core scheduler scope supports. A Gate moves envelopes
// from a sender scheduler's outbound queue into a receiver scheduler's
// inbound queue by looking the receiver up in a shared node registry.
package gate

import (
	"sync"

	"github.com/rs/zerolog/log"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
)

// Node is the subset of scheduler behavior a Gate needs: a way to hand a
// resolved envelope to the node it names, and a way to look a registered
// node up by name.
type Node interface {
	Name() string
	PostEnvelopeForThis(env gridaddr.Envelope)
}

// Lookup resolves a node name to a live Node, typically backed by the
// process-wide node registry.
type Lookup interface {
	FindNode(name string) (Node, bool)
}

const protocolInproc = "inproc"

// Gate is the transport abstraction a scheduler routes outbound
// envelopes through when the receiver address is not already local.
type Gate interface {
	SupportsProtocol(protocol string) bool
	OwnAddress(protocol string) (gridaddr.Address, bool)
	// Send enqueues an envelope for delivery; delivery itself happens on
	// the next Run.
	Send(env gridaddr.Envelope)
	// Run drains the gate's outbound queue, delivering each envelope to
	// its resolved receiver node, and returns how many it processed.
	Run() int
}

// InProcGate is the one Gate CORE scope implements: process-local
// delivery between scheduler instances sharing a node Lookup.
type InProcGate struct {
	ownerName string
	lookup    Lookup

	mu    sync.Mutex
	queue []gridaddr.Envelope
}

// NewInProcGate builds a gate owned by ownerName (the scheduler node name
// this gate's outbound side belongs to), resolving receivers via lookup.
func NewInProcGate(ownerName string, lookup Lookup) *InProcGate {
	return &InProcGate{ownerName: ownerName, lookup: lookup}
}

// SupportsProtocol reports true for "inproc" and the empty protocol (the
// default when an address omits one).
func (g *InProcGate) SupportsProtocol(protocol string) bool {
	return protocol == protocolInproc || protocol == ""
}

// OwnAddress returns this gate's node address for protocol, if supported.
func (g *InProcGate) OwnAddress(protocol string) (gridaddr.Address, bool) {
	if !g.SupportsProtocol(protocol) {
		return gridaddr.Address{}, false
	}
	return gridaddr.Address{Protocol: protocol, Node: g.ownerName}, true
}

// Send queues env for delivery on the next Run. Sends never block; the
// queue is an unbounded slice guarded by a mutex, matching the original
// gate's simple FIFO semantics.
func (g *InProcGate) Send(env gridaddr.Envelope) {
	g.mu.Lock()
	g.queue = append(g.queue, env)
	g.mu.Unlock()
}

// Run drains the outbound queue, delivering each envelope to its
// receiver's node if one is registered, or synthesizing an
// unknown-receiver error response back to the sender otherwise.
func (g *InProcGate) Run() int {
	g.mu.Lock()
	pending := g.queue
	g.queue = nil
	g.mu.Unlock()

	for _, env := range pending {
		node, ok := g.lookup.FindNode(env.Receiver.Node)
		if !ok {
			g.handleUnknownReceiver(env)
			continue
		}
		node.PostEnvelopeForThis(env)
	}
	return len(pending)
}

func (g *InProcGate) handleUnknownReceiver(env gridaddr.Envelope) {
	if env.Event.Kind == gridaddr.EventResponse {
		log.Error().
			Str("receiver", env.Receiver.String()).
			Msg("gate: unknown receiver for response, dropping")
		return
	}

	owner, ok := g.lookup.FindNode(g.ownerName)
	if !ok {
		log.Error().Str("owner", g.ownerName).Msg("gate: owner node not registered, cannot report unknown receiver")
		return
	}

	resp := gridaddr.Envelope{
		Sender:    env.Receiver,
		Receiver:  env.Sender,
		CreatedAt: env.CreatedAt,
		Event: gridaddr.NewResponse(env.Event.RequestID, gridaddr.StatusUnknownNode,
			nil, gridaddr.NewString("unknown node: ["+env.Receiver.Node+"]")),
	}
	owner.PostEnvelopeForThis(resp)
}
