package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
)

type fakeMediator struct {
	delivered []gridaddr.Envelope
	result    gridaddr.Event
}

func (m *fakeMediator) Deliver(_ context.Context, _ string, env gridaddr.Envelope) gridaddr.Event {
	m.delivered = append(m.delivered, env)
	return m.result
}

func TestHTTPGateSupportsProtocol(t *testing.T) {
	g := NewHTTPGate("owner", &fakeLookup{}, nil)
	assert.True(t, g.SupportsProtocol("http"))
	assert.True(t, g.SupportsProtocol("https"))
	assert.False(t, g.SupportsProtocol("inproc"))
}

func TestHTTPGateDeliversAndRepliesToSender(t *testing.T) {
	sender := &fakeNode{name: "nodeA"}
	lookup := &fakeLookup{nodes: map[string]*fakeNode{"nodeA": sender}}
	g := NewHTTPGate("owner", lookup, nil)

	fm := &fakeMediator{result: gridaddr.NewResponse(3, gridaddr.StatusOK, gridaddr.NewNull(), nil)}
	g.mediators["https://example.test/hook"] = fm

	env := gridaddr.Envelope{
		Sender:   gridaddr.Address{Node: "nodeA"},
		Receiver: gridaddr.Address{Protocol: "https", Host: "example.test", Node: "hook"},
		Event:    gridaddr.NewMessage(3, "svc.ping", nil),
	}
	g.Send(env)

	n := g.Run()
	assert.Equal(t, 1, n)
	require.Len(t, fm.delivered, 1)
	require.Len(t, sender.received, 1)
	assert.Equal(t, gridaddr.StatusOK, sender.received[0].Event.Status)
}

func TestHTTPGateSkipsReplyWhenNoRequestID(t *testing.T) {
	sender := &fakeNode{name: "nodeA"}
	lookup := &fakeLookup{nodes: map[string]*fakeNode{"nodeA": sender}}
	g := NewHTTPGate("owner", lookup, nil)

	fm := &fakeMediator{result: gridaddr.NewResponse(0, gridaddr.StatusOK, gridaddr.NewNull(), nil)}
	g.mediators["https://example.test/hook"] = fm

	env := gridaddr.Envelope{
		Sender:   gridaddr.Address{Node: "nodeA"},
		Receiver: gridaddr.Address{Protocol: "https", Host: "example.test", Node: "hook"},
		Event:    gridaddr.NewMessage(0, "svc.ping", nil),
	}
	g.Send(env)
	g.Run()

	assert.Empty(t, sender.received)
}
