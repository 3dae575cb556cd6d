package squeue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/reqhandler"
)

type fakeScheduler struct {
	posted  []gridaddr.Envelope
	handlers []reqhandler.Handler
	nextID  gridaddr.RequestID
	postErr error
	own     gridaddr.Address
}

func (s *fakeScheduler) OwnAddress(string) gridaddr.Address { return s.own }
func (s *fakeScheduler) DeleteTask(string)                  {}
func (s *fakeScheduler) NextRequestID() gridaddr.RequestID {
	s.nextID++
	return s.nextID
}
func (s *fakeScheduler) PostEnvelope(env gridaddr.Envelope, handler reqhandler.Handler) error {
	if s.postErr != nil {
		return s.postErr
	}
	s.posted = append(s.posted, env)
	s.handlers = append(s.handlers, handler)
	return nil
}
func (s *fakeScheduler) PostMessage(string, string, *gridaddr.ParamNode, gridaddr.RequestID, reqhandler.Handler) error {
	return nil
}
func (s *fakeScheduler) EvaluateAddress(addr gridaddr.Address) (gridaddr.Address, bool) {
	return addr, true
}

type fakeManager struct {
	calls   []gridaddr.Event
	relay   bool
}

func (m *fakeManager) handleReaderResponse(_ string, _ gridaddr.Envelope, resp gridaddr.Event) bool {
	m.calls = append(m.calls, resp)
	return m.relay
}

func target() gridaddr.Address { return gridaddr.Address{Node: "worker1"} }

func TestReaderAcceptEnvelopeRefusesSenderAsOwnTarget(t *testing.T) {
	r := NewReader("r1", &fakeScheduler{}, nil, target(), 0, false)
	env := gridaddr.Envelope{Sender: target()}
	assert.False(t, r.AcceptEnvelope(env))
}

func TestReaderAcceptEnvelopeAllowsSenderWhenDuplex(t *testing.T) {
	r := NewReader("r1", &fakeScheduler{}, nil, target(), 0, true)
	env := gridaddr.Envelope{Sender: target()}
	assert.True(t, r.AcceptEnvelope(env))
}

func TestReaderAcceptEnvelopeRespectsLimit(t *testing.T) {
	r := NewReader("r1", &fakeScheduler{}, nil, target(), 1, false)
	env := gridaddr.Envelope{Sender: gridaddr.Address{Node: "caller"}}
	require.True(t, r.AcceptEnvelope(env))

	_, err := r.ForwardEnvelope(env)
	require.NoError(t, err)

	assert.False(t, r.IsBelowLimit())
}

func TestReaderForwardEnvelopeRewritesSenderReceiverAndRequestID(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	r := NewReader("r1", sched, nil, target(), 0, false)

	env := gridaddr.Envelope{
		Sender:   gridaddr.Address{Node: "caller"},
		Receiver: gridaddr.Address{Node: "self"},
		Event:    gridaddr.NewMessage(42, "svc.ping", gridaddr.NewNull()),
	}
	newID, err := r.ForwardEnvelope(env)
	require.NoError(t, err)
	require.Len(t, sched.posted, 1)

	out := sched.posted[0]
	assert.Equal(t, sched.own, out.Sender)
	assert.Equal(t, target(), out.Receiver)
	assert.Equal(t, newID, out.Event.RequestID)
	assert.NotEqual(t, gridaddr.RequestID(42), newID)
	assert.Same(t, r, sched.handlers[0])
}

func TestReaderHandleReqResultRelaysWhenManagerAllows(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	mgr := &fakeManager{relay: true}
	r := NewReader("r1", sched, mgr, target(), 0, false)

	env := gridaddr.Envelope{
		Sender:   gridaddr.Address{Node: "caller"},
		Receiver: gridaddr.Address{Node: "self"},
		Event:    gridaddr.NewMessage(42, "svc.ping", gridaddr.NewNull()),
	}
	newID, err := r.ForwardEnvelope(env)
	require.NoError(t, err)

	result := gridaddr.NewMap()
	result.Set("ok", gridaddr.NewBool(true))
	r.HandleReqResult(gridaddr.Event{RequestID: newID}, gridaddr.Event{RequestID: newID, Status: gridaddr.StatusOK, Result: result})

	require.Len(t, mgr.calls, 1)
	require.Len(t, sched.posted, 2)

	relayed := sched.posted[1]
	assert.Equal(t, gridaddr.Address{Node: "caller"}, relayed.Receiver)
	assert.Equal(t, gridaddr.RequestID(42), relayed.Event.RequestID)
	assert.Equal(t, gridaddr.StatusOK, relayed.Event.Status)
}

func TestReaderHandleReqErrorSuppressedWhenManagerRetries(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	mgr := &fakeManager{relay: false}
	r := NewReader("r1", sched, mgr, target(), 0, false)

	env := gridaddr.Envelope{
		Sender:   gridaddr.Address{Node: "caller"},
		Receiver: gridaddr.Address{Node: "self"},
		Event:    gridaddr.NewMessage(42, "svc.ping", gridaddr.NewNull()),
	}
	newID, err := r.ForwardEnvelope(env)
	require.NoError(t, err)

	r.HandleReqError(gridaddr.Event{RequestID: newID}, gridaddr.Event{RequestID: newID, Status: gridaddr.StatusTimeout})

	assert.Len(t, sched.posted, 1, "manager suppressed the relay, so only the forwarded request was posted")
}

func TestReaderCancelAllSynthesizesTimeouts(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	mgr := &fakeManager{relay: true}
	r := NewReader("r1", sched, mgr, target(), 0, false)

	env := gridaddr.Envelope{
		Sender:   gridaddr.Address{Node: "caller"},
		Receiver: gridaddr.Address{Node: "self"},
		Event:    gridaddr.NewMessage(42, "svc.ping", gridaddr.NewNull()),
	}
	_, err := r.ForwardEnvelope(env)
	require.NoError(t, err)

	r.CancelAll()

	require.Len(t, sched.posted, 2)
	relayed := sched.posted[1]
	assert.Equal(t, gridaddr.StatusTimeout, relayed.Event.Status)
	assert.True(t, r.IsBelowLimit())
}

func TestReaderCancelRequestDropsWithoutReply(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	r := NewReader("r1", sched, nil, target(), 0, false)

	env := gridaddr.Envelope{Event: gridaddr.NewMessage(1, "svc.ping", gridaddr.NewNull())}
	newID, err := r.ForwardEnvelope(env)
	require.NoError(t, err)

	r.CancelRequest(newID)
	r.HandleReqResult(gridaddr.Event{RequestID: newID}, gridaddr.Event{RequestID: newID, Status: gridaddr.StatusOK})

	assert.Len(t, sched.posted, 1, "canceled request must not produce a relayed reply")
}
