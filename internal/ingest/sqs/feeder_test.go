package sqs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/reqhandler"
)

type fakeClient struct {
	mu        sync.Mutex
	messages  []types.Message
	served    bool
	deleted   []string
	visChange []int32
}

func (f *fakeClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.served {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	f.served = true
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeClient) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visChange = append(f.visChange, params.VisibilityTimeout)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{}, nil
}

type fakePoster struct {
	mu       sync.Mutex
	posted   []gridaddr.Envelope
	handlers []reqhandler.Handler
	nextID   gridaddr.RequestID
}

func (p *fakePoster) PostEnvelope(env gridaddr.Envelope, handler reqhandler.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posted = append(p.posted, env)
	p.handlers = append(p.handlers, handler)
	return nil
}

func (p *fakePoster) NextRequestID() gridaddr.RequestID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return p.nextID
}

func TestFeederDecodesAndPosts(t *testing.T) {
	client := &fakeClient{messages: []types.Message{
		{
			MessageId:     aws.String("m1"),
			ReceiptHandle: aws.String("rh1"),
			Body:          aws.String(`{"receiver":"worker1","command":"svc.ping","params":{}}`),
		},
	}}
	feeder := NewWithClient("test", client, &Config{QueueURL: "q"})
	poster := &fakePoster{}

	n, err := feeder.poll(context.Background(), poster)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, poster.posted, 1)
	assert.Equal(t, "worker1", poster.posted[0].Receiver.Node)
	assert.Equal(t, "svc.ping", poster.posted[0].Event.Command())
}

func TestFeederAcksOnSuccessfulResult(t *testing.T) {
	client := &fakeClient{messages: []types.Message{
		{MessageId: aws.String("m1"), ReceiptHandle: aws.String("rh1"), Body: aws.String(`{"receiver":"worker1","command":"svc.ping"}`)},
	}}
	feeder := NewWithClient("test", client, &Config{QueueURL: "q"})
	poster := &fakePoster{}

	_, err := feeder.poll(context.Background(), poster)
	require.NoError(t, err)
	require.Len(t, poster.handlers, 1)

	poster.handlers[0].HandleReqResult(gridaddr.Event{}, gridaddr.Event{})

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []string{"rh1"}, client.deleted)
}

func TestFeederChangesVisibilityOnError(t *testing.T) {
	client := &fakeClient{messages: []types.Message{
		{MessageId: aws.String("m1"), ReceiptHandle: aws.String("rh1"), Body: aws.String(`{"receiver":"worker1","command":"svc.ping"}`)},
	}}
	feeder := NewWithClient("test", client, &Config{QueueURL: "q"})
	poster := &fakePoster{}

	_, err := feeder.poll(context.Background(), poster)
	require.NoError(t, err)

	poster.handlers[0].HandleReqError(gridaddr.Event{}, gridaddr.Event{Status: gridaddr.StatusOverflow})

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.visChange, 1)
	assert.EqualValues(t, FastFailVisibilitySeconds, client.visChange[0])
}

func TestFeederDropsMalformedMessage(t *testing.T) {
	client := &fakeClient{messages: []types.Message{
		{MessageId: aws.String("m1"), ReceiptHandle: aws.String("rh1"), Body: aws.String(`not json`)},
	}}
	feeder := NewWithClient("test", client, &Config{QueueURL: "q"})
	poster := &fakePoster{}

	_, err := feeder.poll(context.Background(), poster)
	require.NoError(t, err)
	assert.Empty(t, poster.posted)

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Equal(t, []string{"rh1"}, client.deleted)
}

func TestFeederCheckConnectivityDelegatesToHealthCheck(t *testing.T) {
	feeder := NewWithClient("test", &fakeClient{}, &Config{QueueURL: "q"})
	assert.NoError(t, feeder.CheckConnectivity(context.Background()))
}

func TestFeederCheckQueueAccessibleRejectsMismatchedQueue(t *testing.T) {
	feeder := NewWithClient("test", &fakeClient{}, &Config{QueueURL: "q"})
	assert.NoError(t, feeder.CheckQueueAccessible(context.Background(), ""))
	assert.NoError(t, feeder.CheckQueueAccessible(context.Background(), "q"))
	assert.Error(t, feeder.CheckQueueAccessible(context.Background(), "other-queue"))
}

func TestFeederStopEndsRun(t *testing.T) {
	client := &fakeClient{}
	feeder := NewWithClient("test", client, &Config{QueueURL: "q"})
	poster := &fakePoster{}

	done := make(chan error, 1)
	go func() { done <- feeder.Run(context.Background(), poster) }()

	time.Sleep(10 * time.Millisecond)
	feeder.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
