package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRunsHooksInPhaseOrder(t *testing.T) {
	m := NewManager()

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}

	m.RegisterWorkerShutdown("scheduler", record("scheduler"))
	m.RegisterQueueShutdown("sqs-feeder", record("sqs-feeder"))
	m.RegisterHTTPShutdown("admin-http", record("admin-http"))

	require.NoError(t, m.Execute())
	assert.Equal(t, []string{"admin-http", "sqs-feeder", "scheduler"}, order)
}

func TestExecuteRunsHooksWithinAPhaseConcurrently(t *testing.T) {
	m := NewManager()

	var mu sync.Mutex
	var ran []string
	m.RegisterQueueShutdown("nats-feeder", func(context.Context) error {
		mu.Lock()
		ran = append(ran, "nats-feeder")
		mu.Unlock()
		return nil
	})
	m.RegisterQueueShutdown("sqs-feeder", func(context.Context) error {
		mu.Lock()
		ran = append(ran, "sqs-feeder")
		mu.Unlock()
		return nil
	})

	require.NoError(t, m.Execute())
	assert.ElementsMatch(t, []string{"nats-feeder", "sqs-feeder"}, ran)
}

func TestExecuteTimesOutWhenHookHangs(t *testing.T) {
	m := NewManager()
	m.RegisterHook(ShutdownHook{
		Name:    "stuck",
		Phase:   PhaseWorkers,
		Timeout: 5 * time.Millisecond,
		Shutdown: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})

	err := m.Execute()
	assert.NoError(t, err, "a single hook timeout doesn't abort Execute unless the overall deadline is exceeded")
}

func TestShutdownUnblocksWaitForSignal(t *testing.T) {
	m := NewManager()

	done := make(chan struct{})
	go func() {
		m.WaitForSignal()
		close(done)
	}()

	m.Shutdown()
	m.Shutdown() // must be safe to call twice

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForSignal did not return after Shutdown")
	}
}
