package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
)

type countingHandler struct {
	stepsLeft int
}

func (h *countingHandler) Step() int {
	if h.stepsLeft <= 0 {
		return 0
	}
	h.stepsLeft--
	return 1
}
func (h *countingHandler) AcceptsMessage(string, *gridaddr.ParamNode) bool { return false }
func (h *countingHandler) HandleMessage(gridaddr.Envelope, *gridaddr.ParamNode) gridaddr.StatusCode {
	return gridaddr.StatusUnknownMsg
}
func (h *countingHandler) HandleResponse(gridaddr.Envelope) {}

func TestTaskLifecycleStartingToRunning(t *testing.T) {
	h := &countingHandler{}
	tk := New("t1", h)
	tk.Init()
	assert.Equal(t, StatusStarting, tk.Status())

	tk.Run()
	assert.Equal(t, StatusRunning, tk.Status())
}

func TestTaskRunByTimesliceZeroPriorityRunsOncePerTick(t *testing.T) {
	h := &countingHandler{stepsLeft: 100}
	tk := New("t1", h)
	tk.Init()
	tk.Run() // starting -> running

	n := tk.Run()
	assert.Equal(t, 1, n, "priority 0 means a single step per tick")
}

func TestTaskRunByTimesliceHighPriorityLoopsUntilExhausted(t *testing.T) {
	h := &countingHandler{stepsLeft: 5}
	tk := New("t1", h)
	tk.SetPriority(1000) // large budget, should drain steps well before timeslice elapses
	tk.Init()
	tk.Run()

	n := tk.Run()
	assert.Equal(t, 5, n)
}

func TestTaskRequestStopThenRunStops(t *testing.T) {
	h := &countingHandler{}
	tk := New("t1", h)
	tk.Init()
	tk.Run()
	tk.RequestStop()
	assert.Equal(t, StatusStopping, tk.Status())

	tk.Run()
	assert.Equal(t, StatusStopped, tk.Status())
}

func TestTaskNeedsRunRespectsSleep(t *testing.T) {
	h := &countingHandler{stepsLeft: 1}
	tk := New("t1", h)
	tk.Init()
	tk.Run()
	require.Equal(t, StatusRunning, tk.Status())

	assert.True(t, tk.NeedsRun())
	tk.SleepFor(50 * time.Millisecond)
	assert.False(t, tk.NeedsRun())

	time.Sleep(60 * time.Millisecond)
	assert.True(t, tk.NeedsRun())
}

func TestTaskStatusKeeperRestoresStatusAfterStep(t *testing.T) {
	h := &countingHandler{stepsLeft: 1}
	tk := New("t1", h)
	tk.Init()
	tk.Run()
	require.Equal(t, StatusRunning, tk.Status())

	tk.Run()
	assert.Equal(t, StatusRunning, tk.Status(), "status keeper must restore Running after a Busy step")
}
