package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
)

func messageEnvelope(command string, requestID gridaddr.RequestID) gridaddr.Envelope {
	return gridaddr.Envelope{
		Sender:   gridaddr.ParseAddress("@sender"),
		Receiver: gridaddr.ParseAddress("@receiver"),
		Event:    gridaddr.NewMessage(requestID, command, nil),
	}
}

func TestNewRecorderDefaultsCapacityWhenNonPositive(t *testing.T) {
	r := NewRecorder(0)
	assert.Equal(t, defaultCapacity, r.capacity)

	r = NewRecorder(-5)
	assert.Equal(t, defaultCapacity, r.capacity)
}

func TestRecordAndSnapshotOrdersOldestToNewest(t *testing.T) {
	r := NewRecorder(3)
	r.Record(messageEnvelope("core.ping", 1))
	r.Record(messageEnvelope("core.pong", 2))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "core.ping", snap[0].Command)
	assert.Equal(t, "core.pong", snap[1].Command)
	assert.Equal(t, "message", snap[0].Kind)
	assert.Equal(t, "@sender", snap[0].Sender)
	assert.Equal(t, "@receiver", snap[0].Receiver)
	assert.EqualValues(t, 1, snap[0].Request)
}

func TestSnapshotEvictsOldestOnWraparound(t *testing.T) {
	r := NewRecorder(2)
	r.Record(messageEnvelope("core.one", 1))
	r.Record(messageEnvelope("core.two", 2))
	r.Record(messageEnvelope("core.three", 3))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "core.two", snap[0].Command)
	assert.Equal(t, "core.three", snap[1].Command)
}

func TestRecordResponseEventHasNoCommand(t *testing.T) {
	r := NewRecorder(4)
	env := gridaddr.Envelope{
		Sender:   gridaddr.ParseAddress("@a"),
		Receiver: gridaddr.ParseAddress("@b"),
		Event:    gridaddr.NewResponse(7, gridaddr.StatusOK, gridaddr.NewString("done"), nil),
	}
	r.Record(env)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "response", snap[0].Kind)
	assert.Empty(t, snap[0].Command)
	assert.EqualValues(t, 7, snap[0].Request)
}

func TestSnapshotEmptyBeforeAnyRecord(t *testing.T) {
	r := NewRecorder(5)
	assert.Empty(t, r.Snapshot())
}
