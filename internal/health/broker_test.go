package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBrokerChecker struct {
	connErr  error
	queueErr error
}

func (f *fakeBrokerChecker) CheckConnectivity(ctx context.Context) error { return f.connErr }
func (f *fakeBrokerChecker) CheckQueueAccessible(ctx context.Context, queueName string) error {
	return f.queueErr
}

func TestBrokerHealthServiceReportsNoIssuesWhenConnected(t *testing.T) {
	svc := NewBrokerHealthService(true, QueueTypeNATS, &fakeBrokerChecker{})
	assert.Empty(t, svc.CheckBrokerConnectivity())
	assert.True(t, svc.IsAvailable())

	attempts, successes, failures := svc.GetMetrics()
	assert.Equal(t, int64(1), attempts)
	assert.Equal(t, int64(1), successes)
	assert.Equal(t, int64(0), failures)
}

func TestBrokerHealthServiceReportsIssueOnConnectivityFailure(t *testing.T) {
	svc := NewBrokerHealthService(true, QueueTypeSQS, &fakeBrokerChecker{connErr: errors.New("refused")})
	issues := svc.CheckBrokerConnectivity()
	require.Len(t, issues, 1)
	assert.False(t, svc.IsAvailable())

	_, _, failures := svc.GetMetrics()
	assert.Equal(t, int64(1), failures)
}

func TestBrokerHealthServiceSkipsCheckWhenDisabled(t *testing.T) {
	svc := NewBrokerHealthService(false, QueueTypeSQS, &fakeBrokerChecker{connErr: errors.New("refused")})
	assert.Empty(t, svc.CheckBrokerConnectivity())
}

func TestBrokerHealthServiceEmbeddedQueueAlwaysConnected(t *testing.T) {
	svc := NewBrokerHealthService(true, QueueTypeEmbedded, nil)
	assert.Empty(t, svc.CheckBrokerConnectivity())
	assert.True(t, svc.IsAvailable())
}

func TestBrokerHealthServiceCheckQueueAccessibleReportsError(t *testing.T) {
	svc := NewBrokerHealthService(true, QueueTypeNATS, &fakeBrokerChecker{queueErr: errors.New("not found")})
	issues := svc.CheckQueueAccessible("orders")
	require.Len(t, issues, 1)
}
