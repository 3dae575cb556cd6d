package squeue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
)

func TestRequestExecuteAsyncPostsEnvelope(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "caller"}}
	c := New(sched, sched.own)

	req := c.NewRequest(gridaddr.Address{Node: "worker1"})
	req.SetCommand("squeue.put")
	req.SetParams(gridaddr.NewMap())

	require.NoError(t, req.ExecuteAsync())
	require.Len(t, sched.posted, 1)
	assert.Equal(t, "squeue.put", sched.posted[0].Event.Command())
	assert.False(t, req.IsResultReady())
}

func TestRequestExecuteAsyncRejectsDoubleSend(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "caller"}}
	c := New(sched, sched.own)

	req := c.NewRequest(gridaddr.Address{Node: "worker1"})
	req.SetCommand("squeue.put")
	require.NoError(t, req.ExecuteAsync())
	assert.Error(t, req.ExecuteAsync())
}

func TestRequestHandleReqResultUnblocksWaitFor(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "caller"}}
	c := New(sched, sched.own)

	req := c.NewRequest(gridaddr.Address{Node: "worker1"})
	req.SetCommand("squeue.put")
	require.NoError(t, req.ExecuteAsync())

	result := gridaddr.NewMap()
	result.Set("ok", gridaddr.NewBool(true))
	req.HandleReqResult(gridaddr.Event{}, gridaddr.Event{Status: gridaddr.StatusOK, Result: result})

	require.True(t, req.WaitFor(time.Second))
	assert.True(t, req.IsResultOk())
	assert.Equal(t, gridaddr.StatusOK, req.Status())
	assert.True(t, req.Result().Get("ok").GetBool())
}

func TestRequestHandleReqErrorMarksNotOk(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "caller"}}
	c := New(sched, sched.own)

	req := c.NewRequest(gridaddr.Address{Node: "worker1"})
	req.SetCommand("squeue.put")
	require.NoError(t, req.ExecuteAsync())

	req.HandleReqError(gridaddr.Event{}, gridaddr.Event{Status: gridaddr.StatusTimeout, Error: gridaddr.NewString("timed out")})

	assert.True(t, req.IsResultReady())
	assert.False(t, req.IsResultOk())
	assert.Equal(t, "timed out", req.Error().GetString())
}

func TestRequestWaitForTimesOutWithoutReply(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "caller"}}
	c := New(sched, sched.own)

	req := c.NewRequest(gridaddr.Address{Node: "worker1"})
	req.SetCommand("squeue.put")
	require.NoError(t, req.ExecuteAsync())

	assert.False(t, req.WaitFor(5*time.Millisecond))
}

func TestGroupMapRequestExecuteAndWaitForAll(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "caller"}}
	c := New(sched, sched.own)

	g := c.NewGroup()
	r1 := g.MapRequest(gridaddr.Address{Node: "worker1"}, "squeue.put", gridaddr.NewMap())
	r2 := g.MapRequest(gridaddr.Address{Node: "worker2"}, "squeue.put", gridaddr.NewMap())
	require.Equal(t, 2, g.Size())

	require.NoError(t, g.Execute())
	require.Len(t, sched.posted, 2)

	r1.HandleReqResult(gridaddr.Event{}, gridaddr.Event{Status: gridaddr.StatusOK, Result: gridaddr.NewNull()})
	r2.HandleReqResult(gridaddr.Event{}, gridaddr.Event{Status: gridaddr.StatusOK, Result: gridaddr.NewNull()})

	require.True(t, g.WaitForAll(time.Second))
	assert.True(t, g.CheckStatus())
}

func TestGroupCheckStatusFalseOnAnyFailure(t *testing.T) {
	sched := &fakeScheduler{own: gridaddr.Address{Node: "caller"}}
	c := New(sched, sched.own)

	g := c.NewGroup()
	r1 := g.MapRequest(gridaddr.Address{Node: "worker1"}, "squeue.put", gridaddr.NewMap())
	r2 := g.MapRequest(gridaddr.Address{Node: "worker2"}, "squeue.put", gridaddr.NewMap())
	require.NoError(t, g.Execute())

	r1.HandleReqResult(gridaddr.Event{}, gridaddr.Event{Status: gridaddr.StatusOK, Result: gridaddr.NewNull()})
	r2.HandleReqError(gridaddr.Event{}, gridaddr.Event{Status: gridaddr.StatusException, Error: gridaddr.NewString("boom")})

	assert.False(t, g.CheckStatus())
}
