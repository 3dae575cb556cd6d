// Package sqs feeds messages from an AWS SQS queue into a scheduler: each
// queue message is decoded as a wire.Envelope and posted, with the SQS
// message acked or returned to visibility depending on the grid's
// response.
package sqs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/ingest/wire"
	"go.nodegrid.dev/nodegrid/internal/metrics"
	"go.nodegrid.dev/nodegrid/internal/reqhandler"
)

// ClientAPI is the subset of the SQS SDK client the feeder needs; an
// interface so tests can supply a fake.
type ClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Visibility timeout constants, mirroring SQS's own bounds.
const (
	FastFailVisibilitySeconds = 10
	DefaultVisibilitySeconds  = 30
	MaxVisibilitySeconds      = 43200 // 12 hours, SQS maximum
)

// Config configures a Feeder.
type Config struct {
	Region              string
	QueueURL            string
	CustomEndpoint      string // LocalStack/testing
	AccessKeyID         string
	SecretAccessKey     string
	WaitTimeSeconds     int32
	VisibilityTimeout   int32
	MaxNumberOfMessages int32
}

func (c *Config) applyDefaults() {
	if c.WaitTimeSeconds == 0 {
		c.WaitTimeSeconds = 20 // SQS long-poll max
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = DefaultVisibilitySeconds
	}
	if c.MaxNumberOfMessages == 0 {
		c.MaxNumberOfMessages = 10 // SQS batch max
	}
}

// Poster is the scheduler surface the feeder posts decoded envelopes to.
type Poster interface {
	PostEnvelope(env gridaddr.Envelope, handler reqhandler.Handler) error
	NextRequestID() gridaddr.RequestID
}

// Feeder polls one SQS queue and posts decoded messages into a Poster.
type Feeder struct {
	name   string
	client ClientAPI
	cfg    *Config

	pendingDeletes   map[string]struct{}
	pendingDeletesMu sync.RWMutex

	mu      sync.Mutex
	running bool
}

// New builds a Feeder against the live AWS SQS service.
func New(ctx context.Context, name string, cfg *Config) (*Feeder, error) {
	cfg.applyDefaults()

	var awsCfg aws.Config
	var err error
	if cfg.CustomEndpoint != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("sqs feeder: load aws config: %w", err)
	}

	var client *sqs.Client
	if cfg.CustomEndpoint != "" {
		client = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		})
	} else {
		client = sqs.NewFromConfig(awsCfg)
	}

	return NewWithClient(name, client, cfg), nil
}

// NewWithClient builds a Feeder against an already-constructed client,
// the path unit tests use with a fake ClientAPI.
func NewWithClient(name string, client ClientAPI, cfg *Config) *Feeder {
	cfg.applyDefaults()
	return &Feeder{
		name:           name,
		client:         client,
		cfg:            cfg,
		pendingDeletes: make(map[string]struct{}),
	}
}

// HealthCheck verifies the queue is reachable.
func (f *Feeder) HealthCheck(ctx context.Context) error {
	_, err := f.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(f.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

// CheckConnectivity satisfies health.BrokerConnectivityChecker; it's
// HealthCheck under the name the broker health service expects.
func (f *Feeder) CheckConnectivity(ctx context.Context) error {
	return f.HealthCheck(ctx)
}

// CheckQueueAccessible satisfies health.BrokerConnectivityChecker.
// queueName is matched against the bound queue URL since this feeder only
// ever polls the one queue it was constructed with.
func (f *Feeder) CheckQueueAccessible(ctx context.Context, queueName string) error {
	if queueName != "" && queueName != f.cfg.QueueURL {
		return fmt.Errorf("sqs feeder: bound to queue %q, not %q", f.cfg.QueueURL, queueName)
	}
	return f.HealthCheck(ctx)
}

// Run polls the queue until ctx is canceled, posting each decoded message
// to poster. Malformed messages are acked and dropped (there's no
// receiver to retry them against); posting failures leave the message to
// redeliver after its visibility timeout.
func (f *Feeder) Run(ctx context.Context, poster Poster) error {
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()

	log.Info().Str("feeder", f.name).Str("queueURL", f.cfg.QueueURL).Msg("sqs feeder starting")

	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			f.running = false
			f.mu.Unlock()
			return ctx.Err()
		default:
		}

		f.mu.Lock()
		running := f.running
		f.mu.Unlock()
		if !running {
			return nil
		}

		batchSize, err := f.poll(ctx, poster)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("feeder", f.name).Msg("sqs feeder poll error")
			metrics.QueueConsumeErrors.WithLabelValues("sqs").Inc()
			time.Sleep(time.Second)
			continue
		}

		// Adaptive delay: empty batch backs off, a partial batch gives a
		// short grace period for more to accumulate, a full batch keeps
		// consuming at full speed.
		switch {
		case batchSize == 0:
			time.Sleep(time.Second)
		case batchSize < int(f.cfg.MaxNumberOfMessages):
			time.Sleep(50 * time.Millisecond)
		}
	}
}

// Stop signals Run's polling loop to exit at its next iteration.
func (f *Feeder) Stop() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

func (f *Feeder) poll(ctx context.Context, poster Poster) (int, error) {
	out, err := f.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(f.cfg.QueueURL),
		MaxNumberOfMessages:   f.cfg.MaxNumberOfMessages,
		WaitTimeSeconds:       f.cfg.WaitTimeSeconds,
		VisibilityTimeout:     f.cfg.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("receive messages: %w", err)
	}

	for _, msg := range out.Messages {
		f.handleOne(ctx, poster, msg)
	}
	if len(out.Messages) > 0 {
		metrics.QueueMessagesConsumed.WithLabelValues("sqs").Add(float64(len(out.Messages)))
	}
	return len(out.Messages), nil
}

func (f *Feeder) handleOne(ctx context.Context, poster Poster, msg types.Message) {
	msgID := aws.ToString(msg.MessageId)

	f.pendingDeletesMu.RLock()
	_, isPendingDelete := f.pendingDeletes[msgID]
	f.pendingDeletesMu.RUnlock()
	if isPendingDelete {
		if err := f.deleteMessage(ctx, msg.ReceiptHandle); err == nil {
			f.pendingDeletesMu.Lock()
			delete(f.pendingDeletes, msgID)
			f.pendingDeletesMu.Unlock()
		}
		return
	}

	var body string
	if msg.Body != nil {
		body = *msg.Body
	}
	env, err := wire.Decode([]byte(body))
	if err != nil {
		log.Warn().Err(err).Str("feeder", f.name).Str("sqsMessageId", msgID).Msg("dropping malformed sqs message")
		metrics.QueueConsumeErrors.WithLabelValues("sqs").Inc()
		_ = f.deleteMessage(ctx, msg.ReceiptHandle)
		return
	}
	env.CreatedAt = time.Now()

	handle := &inflightMessage{feeder: f, ctx: ctx, msgID: msgID, receiptHandle: aws.ToString(msg.ReceiptHandle)}
	env.Event.RequestID = poster.NextRequestID()
	if err := poster.PostEnvelope(env, &ackHandler{msg: handle}); err != nil {
		log.Error().Err(err).Str("feeder", f.name).Str("sqsMessageId", msgID).Msg("posting envelope failed")
	}
}

func (f *Feeder) deleteMessage(ctx context.Context, receiptHandle *string) error {
	if receiptHandle == nil {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := f.client.DeleteMessage(dctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(f.cfg.QueueURL),
		ReceiptHandle: receiptHandle,
	})
	return err
}

func (f *Feeder) changeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if seconds > MaxVisibilitySeconds {
		seconds = MaxVisibilitySeconds
	}
	if seconds < 0 {
		seconds = 0
	}
	_, err := f.client.ChangeMessageVisibility(dctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(f.cfg.QueueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	return err
}

// inflightMessage tracks one received-but-not-yet-acked SQS message.
type inflightMessage struct {
	feeder        *Feeder
	ctx           context.Context
	msgID         string
	receiptHandle string
}

func (m *inflightMessage) ack() {
	if err := m.feeder.deleteMessage(m.ctx, &m.receiptHandle); err != nil {
		if isReceiptHandleExpiredError(err) {
			m.feeder.pendingDeletesMu.Lock()
			m.feeder.pendingDeletes[m.msgID] = struct{}{}
			m.feeder.pendingDeletesMu.Unlock()
			return
		}
		log.Error().Err(err).Str("sqsMessageId", m.msgID).Msg("failed to delete sqs message")
	}
}

func (m *inflightMessage) nakWithDelay(delay time.Duration) {
	seconds := int32(delay.Seconds())
	if err := m.feeder.changeVisibility(m.ctx, m.receiptHandle, seconds); err != nil && !isReceiptHandleExpiredError(err) {
		log.Warn().Err(err).Str("sqsMessageId", m.msgID).Msg("failed to change message visibility")
	}
}

// ackHandler implements reqhandler.Handler: it acks the SQS message on a
// successful response and returns it to visibility (at the fast-fail
// delay for transient errors) on a failed one.
type ackHandler struct {
	msg *inflightMessage
}

func (h *ackHandler) BeforeReqQueued(gridaddr.Envelope) {}

func (h *ackHandler) HandleReqResult(_, _ gridaddr.Event) {
	h.msg.ack()
}

func (h *ackHandler) HandleReqError(_, resp gridaddr.Event) {
	switch resp.Status {
	case gridaddr.StatusOverflow, gridaddr.StatusTransmitError:
		h.msg.nakWithDelay(FastFailVisibilitySeconds * time.Second)
	default:
		h.msg.nakWithDelay(DefaultVisibilitySeconds * time.Second)
	}
}

func isReceiptHandleExpiredError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return containsAny(s, "receipt handle has expired", "ReceiptHandleIsInvalid", "The receipt handle has expired")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(s) >= len(sub) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}
