package squeue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/warning"
)

func callerEnv(reqID gridaddr.RequestID) gridaddr.Envelope {
	return gridaddr.Envelope{
		Sender:   gridaddr.Address{Node: "caller"},
		Receiver: gridaddr.Address{Node: "queue1"},
		Event:    gridaddr.NewMessage(reqID, "svc.put", gridaddr.NewNull()),
	}
}

func TestManagerHandleMessageEnqueuesPut(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	cfg := DefaultConfig()
	cfg.Type = TypeNullDev
	m := NewManagerTask("queue1", sched, cfg)

	resp := gridaddr.NewMap()
	status := m.HandleMessage(callerEnv(1), resp)
	assert.Equal(t, gridaddr.StatusWaiting, status)
	assert.False(t, m.IsEmpty())
}

func TestManagerHandleMessageRejectsMissingRequestID(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	m := NewManagerTask("queue1", sched, DefaultConfig())

	resp := gridaddr.NewMap()
	status := m.HandleMessage(callerEnv(0), resp)
	assert.Equal(t, gridaddr.StatusMsgIDRequired, status)
}

func TestManagerNullDevAlwaysAcksImmediately(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	cfg := DefaultConfig()
	cfg.Type = TypeNullDev
	m := NewManagerTask("queue1", sched, cfg)

	resp := gridaddr.NewMap()
	m.HandleMessage(callerEnv(1), resp)
	m.Step()

	require.Len(t, sched.posted, 1)
	assert.Equal(t, gridaddr.StatusOK, sched.posted[0].Event.Status)
	assert.True(t, m.IsEmpty())
}

func TestManagerPullTypeNeverAutoDispatches(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	cfg := DefaultConfig()
	cfg.Type = TypePull
	m := NewManagerTask("queue1", sched, cfg)

	resp := gridaddr.NewMap()
	m.HandleMessage(callerEnv(1), resp)
	m.Step()

	assert.Empty(t, sched.posted)
	assert.False(t, m.IsEmpty())
}

func TestManagerHandleGetDequeuesOldestItem(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	cfg := DefaultConfig()
	cfg.Type = TypePull
	m := NewManagerTask("queue1", sched, cfg)

	m.HandleMessage(callerEnv(1), gridaddr.NewMap())

	resp := gridaddr.NewMap()
	getEnv := gridaddr.Envelope{Event: gridaddr.NewMessage(2, "squeue.get", gridaddr.NewNull())}
	status := m.HandleMessage(getEnv, resp)
	require.Equal(t, gridaddr.StatusOK, status)
	assert.True(t, m.IsEmpty())

	empty := gridaddr.NewMap()
	status = m.HandleMessage(getEnv, empty)
	assert.Equal(t, gridaddr.StatusTimeout, status)
}

func TestManagerRoundRobinForwardsToReader(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	m := NewManagerTask("queue1", sched, DefaultConfig())

	r := NewReader("r1", sched, m, gridaddr.Address{Node: "worker1"}, 0, false)
	m.AddReader(r)

	m.HandleMessage(callerEnv(1), gridaddr.NewMap())
	m.Step()

	require.Len(t, sched.posted, 1)
	assert.Equal(t, gridaddr.Address{Node: "worker1"}, sched.posted[0].Receiver)
	assert.True(t, m.IsEmpty())
}

func TestManagerRoundRobinSkipsSameReaderTwice(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	m := NewManagerTask("queue1", sched, DefaultConfig())

	r1 := NewReader("r1", sched, m, gridaddr.Address{Node: "worker1"}, 0, false)
	r2 := NewReader("r2", sched, m, gridaddr.Address{Node: "worker2"}, 0, false)
	m.AddReader(r1)
	m.AddReader(r2)

	m.HandleMessage(callerEnv(1), gridaddr.NewMap())
	m.Step()
	m.HandleMessage(callerEnv(2), gridaddr.NewMap())
	m.Step()

	require.Len(t, sched.posted, 2)
	assert.NotEqual(t, sched.posted[0].Receiver, sched.posted[1].Receiver)
}

func TestManagerMultiCastBroadcastsAndAcksImmediately(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	cfg := DefaultConfig()
	cfg.Type = TypeMultiCast
	m := NewManagerTask("queue1", sched, cfg)

	r1 := NewReader("r1", sched, m, gridaddr.Address{Node: "worker1"}, 0, false)
	r2 := NewReader("r2", sched, m, gridaddr.Address{Node: "worker2"}, 0, false)
	m.AddReader(r1)
	m.AddReader(r2)

	m.HandleMessage(callerEnv(1), gridaddr.NewMap())
	m.Step()

	require.Len(t, sched.posted, 3)
	ack := sched.posted[2]
	assert.Equal(t, gridaddr.StatusOK, ack.Event.Status)
}

func TestManagerHighAvailAlwaysUsesFirstReader(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	cfg := DefaultConfig()
	cfg.Type = TypeHighAvail
	m := NewManagerTask("queue1", sched, cfg)

	r1 := NewReader("r1", sched, m, gridaddr.Address{Node: "worker1"}, 0, false)
	r2 := NewReader("r2", sched, m, gridaddr.Address{Node: "worker2"}, 0, false)
	m.AddReader(r1)
	m.AddReader(r2)

	m.HandleMessage(callerEnv(1), gridaddr.NewMap())
	m.Step()
	m.HandleMessage(callerEnv(2), gridaddr.NewMap())
	m.Step()

	require.Len(t, sched.posted, 2)
	assert.Equal(t, gridaddr.Address{Node: "worker1"}, sched.posted[0].Receiver)
	assert.Equal(t, gridaddr.Address{Node: "worker1"}, sched.posted[1].Receiver)
}

func TestManagerDurableRetriesOnReaderError(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	cfg := DefaultConfig()
	cfg.RetryLimit = 2
	m := NewManagerTask("queue1", sched, cfg)

	r1 := NewReader("r1", sched, m, gridaddr.Address{Node: "worker1"}, 0, false)
	m.AddReader(r1)

	m.HandleMessage(callerEnv(1), gridaddr.NewMap())
	m.Step()
	require.Len(t, sched.posted, 1)

	forwardReqID := sched.posted[0].Event.RequestID
	handler := sched.handlers[0]
	handler.HandleReqError(gridaddr.Event{RequestID: forwardReqID}, gridaddr.Event{RequestID: forwardReqID, Status: gridaddr.StatusException})

	assert.False(t, m.IsEmpty(), "failed durable request should be requeued for retry")
}

func TestManagerDurableGivesUpAfterRetryLimit(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	cfg := DefaultConfig()
	cfg.RetryLimit = 0
	m := NewManagerTask("queue1", sched, cfg)
	warnings := warning.NewInMemoryService()
	m.SetWarningService(warnings)

	r1 := NewReader("r1", sched, m, gridaddr.Address{Node: "worker1"}, 0, false)
	m.AddReader(r1)

	m.HandleMessage(callerEnv(1), gridaddr.NewMap())
	m.Step()
	require.Len(t, sched.posted, 1)

	forwardReqID := sched.posted[0].Event.RequestID
	handler := sched.handlers[0]
	handler.HandleReqError(gridaddr.Event{RequestID: forwardReqID}, gridaddr.Event{RequestID: forwardReqID, Status: gridaddr.StatusException})

	assert.True(t, m.IsEmpty(), "retry limit of 0 must give up immediately")
	require.Len(t, warnings.GetAllWarnings(), 1)
	assert.Equal(t, "squeue", warnings.GetAllWarnings()[0].Category)
}

func TestManagerWarnsOnInFlightBookkeepingGrowth(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	cfg := DefaultConfig()
	m := NewManagerTask("queue1", sched, cfg)
	warnings := warning.NewInMemoryService()
	m.SetWarningService(warnings)

	r1 := NewReader("r1", sched, m, gridaddr.Address{Node: "worker1"}, 0, false)
	m.AddReader(r1)

	for i := gridaddr.RequestID(1); i <= inFlightWarnThreshold; i++ {
		m.inFlight[i] = &durableRequestInfo{readerName: "r1", startTime: time.Now()}
	}

	m.Step()

	require.Len(t, warnings.GetAllWarnings(), 1)
	assert.Equal(t, "squeue", warnings.GetAllWarnings()[0].Category)
	assert.Contains(t, warnings.GetAllWarnings()[0].Message, "durable requests in flight")
}

func TestManagerValidateReadersDisconnectsOnContactTimeout(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	cfg := DefaultConfig()
	cfg.ContactTimeout = time.Millisecond
	m := NewManagerTask("queue1", sched, cfg)

	r1 := NewReader("r1", sched, m, gridaddr.Address{Node: "worker1"}, 0, false)
	m.AddReader(r1)
	time.Sleep(5 * time.Millisecond)

	m.Step()
	assert.Empty(t, m.Readers())
}

func TestManagerStatusAndListReaders(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	m := NewManagerTask("queue1", sched, DefaultConfig())
	r1 := NewReader("r1", sched, m, gridaddr.Address{Node: "worker1"}, 0, false)
	m.AddReader(r1)

	status := m.Status()
	assert.Equal(t, "queue1", status.Get("name").GetString())
	assert.Equal(t, int64(1), status.Get("reader_count").GetInt())

	readers := m.ListReaders()
	require.Len(t, readers.List, 1)
	assert.Equal(t, "r1", readers.List[0].Get("name").GetString())
}

func TestManagerMarkReaderAlive(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	m := NewManagerTask("queue1", sched, DefaultConfig())
	r1 := NewReader("r1", sched, m, gridaddr.Address{Node: "worker1"}, 0, false)
	m.AddReader(r1)

	assert.True(t, m.MarkReaderAlive(gridaddr.Address{Node: "worker1"}))
	assert.False(t, m.MarkReaderAlive(gridaddr.Address{Node: "unknown"}))
}

func TestManagerClearQueue(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "node1"}}
	cfg := DefaultConfig()
	cfg.Type = TypePull
	m := NewManagerTask("queue1", sched, cfg)
	m.HandleMessage(callerEnv(1), gridaddr.NewMap())
	require.False(t, m.IsEmpty())

	m.ClearQueue()
	assert.True(t, m.IsEmpty())
}
