package nats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/reqhandler"
)

type fakeMsg struct {
	acked   bool
	nakked  bool
	nakWait time.Duration
}

func (m *fakeMsg) Ack() error { m.acked = true; return nil }
func (m *fakeMsg) Nak() error { m.nakked = true; return nil }
func (m *fakeMsg) NakWithDelay(delay time.Duration) error {
	m.nakked = true
	m.nakWait = delay
	return nil
}

type fakePoster struct {
	posted   []gridaddr.Envelope
	handlers []reqhandler.Handler
	nextID   gridaddr.RequestID
}

func (p *fakePoster) PostEnvelope(env gridaddr.Envelope, handler reqhandler.Handler) error {
	p.posted = append(p.posted, env)
	p.handlers = append(p.handlers, handler)
	return nil
}

func (p *fakePoster) NextRequestID() gridaddr.RequestID {
	p.nextID++
	return p.nextID
}

func TestAckHandlerAcksOnSuccess(t *testing.T) {
	fm := &fakeMsg{}
	h := &ackHandler{msg: fm}
	h.HandleReqResult(gridaddr.Event{}, gridaddr.Event{})
	assert.True(t, fm.acked)
}

func TestAckHandlerNaksWithDelayOnOverflow(t *testing.T) {
	fm := &fakeMsg{}
	h := &ackHandler{msg: fm}
	h.HandleReqError(gridaddr.Event{}, gridaddr.Event{Status: gridaddr.StatusOverflow})
	assert.True(t, fm.nakked)
	assert.Equal(t, 5*time.Second, fm.nakWait)
}

func TestAckHandlerPlainNakOnOtherErrors(t *testing.T) {
	fm := &fakeMsg{}
	h := &ackHandler{msg: fm}
	h.HandleReqError(gridaddr.Event{}, gridaddr.Event{Status: gridaddr.StatusUnknownNode})
	assert.True(t, fm.nakked)
	assert.Zero(t, fm.nakWait)
}
