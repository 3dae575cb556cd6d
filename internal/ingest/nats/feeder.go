// Package nats feeds messages from a NATS JetStream consumer into a
// scheduler: each delivered message is decoded as a wire.Envelope and
// posted, acked on success and nak'd on failure (redelivered at once, or
// after 5s for overflow and transmit errors).
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/ingest/wire"
	"go.nodegrid.dev/nodegrid/internal/metrics"
	"go.nodegrid.dev/nodegrid/internal/reqhandler"
)

// Poster is the scheduler surface the feeder posts decoded envelopes to.
type Poster interface {
	PostEnvelope(env gridaddr.Envelope, handler reqhandler.Handler) error
	NextRequestID() gridaddr.RequestID
}

// Config configures a Feeder.
type Config struct {
	URL           string
	Stream        string
	Consumer      string // durable consumer name
	Subject       string // filter subject, may be empty
	FetchBatch    int
	FetchTimeout  time.Duration
	AckWait       time.Duration
}

func (c *Config) applyDefaults() {
	if c.FetchBatch == 0 {
		c.FetchBatch = 50
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.AckWait == 0 {
		c.AckWait = 30 * time.Second
	}
}

// Feeder pulls messages from one durable JetStream consumer.
type Feeder struct {
	name string
	cfg  *Config
	conn *nats.Conn
	cons jetstream.Consumer
}

// New connects to NATS and binds the configured durable consumer,
// creating the stream/consumer if they don't already exist.
func New(ctx context.Context, name string, cfg *Config) (*Feeder, error) {
	cfg.applyDefaults()

	conn, err := nats.Connect(cfg.URL, nats.Name("nodegrid-"+name))
	if err != nil {
		return nil, fmt.Errorf("nats feeder: connect: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats feeder: jetstream: %w", err)
	}

	streamCfg := jetstream.StreamConfig{Name: cfg.Stream, Subjects: []string{cfg.Subject}}
	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats feeder: ensure stream: %w", err)
	}

	consCfg := jetstream.ConsumerConfig{
		Durable:   cfg.Consumer,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   cfg.AckWait,
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, consCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats feeder: ensure consumer: %w", err)
	}

	return &Feeder{name: name, cfg: cfg, conn: conn, cons: cons}, nil
}

// Run pulls and posts messages until ctx is canceled.
func (f *Feeder) Run(ctx context.Context, poster Poster) error {
	log.Info().Str("feeder", f.name).Str("stream", f.cfg.Stream).Msg("nats feeder starting")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := f.cons.Fetch(f.cfg.FetchBatch, jetstream.FetchMaxWait(f.cfg.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("feeder", f.name).Msg("nats feeder fetch error")
			metrics.QueueConsumeErrors.WithLabelValues("nats").Inc()
			time.Sleep(time.Second)
			continue
		}

		count := 0
		for msg := range batch.Messages() {
			f.handleOne(msg, poster)
			count++
		}
		if count > 0 {
			metrics.QueueMessagesConsumed.WithLabelValues("nats").Add(float64(count))
		}
		if err := batch.Error(); err != nil && err != nats.ErrTimeout {
			log.Warn().Err(err).Str("feeder", f.name).Msg("nats feeder batch error")
			metrics.QueueConsumeErrors.WithLabelValues("nats").Inc()
		}
		if count == 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}
}

// ackNaker is the slice of jetstream.Msg's method set ackHandler needs;
// declaring it locally keeps ackHandler testable without a full
// jetstream.Msg fake.
type ackNaker interface {
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
}

func (f *Feeder) handleOne(msg jetstream.Msg, poster Poster) {
	env, err := wire.Decode(msg.Data())
	if err != nil {
		log.Warn().Err(err).Str("feeder", f.name).Msg("dropping malformed nats message")
		metrics.QueueConsumeErrors.WithLabelValues("nats").Inc()
		_ = msg.Ack()
		return
	}
	env.CreatedAt = time.Now()
	env.Event.RequestID = poster.NextRequestID()

	if err := poster.PostEnvelope(env, &ackHandler{msg: msg, ackWait: f.cfg.AckWait}); err != nil {
		log.Error().Err(err).Str("feeder", f.name).Msg("posting envelope failed")
	}
}

// Close tears down the underlying connection.
func (f *Feeder) Close() {
	f.conn.Close()
}

// CheckConnectivity satisfies health.BrokerConnectivityChecker: it reports
// whether the underlying connection is currently in the CONNECTED state.
func (f *Feeder) CheckConnectivity(ctx context.Context) error {
	if status := f.conn.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats feeder: connection status %s", status)
	}
	return nil
}

// CheckQueueAccessible satisfies health.BrokerConnectivityChecker. queueName
// is matched against the bound stream; an empty queueName just confirms the
// durable consumer is still reachable.
func (f *Feeder) CheckQueueAccessible(ctx context.Context, queueName string) error {
	if queueName != "" && queueName != f.cfg.Stream {
		return fmt.Errorf("nats feeder: bound to stream %q, not %q", f.cfg.Stream, queueName)
	}
	if _, err := f.cons.Info(ctx); err != nil {
		return fmt.Errorf("nats feeder: consumer info: %w", err)
	}
	return nil
}

type ackHandler struct {
	msg     ackNaker
	ackWait time.Duration
}

func (h *ackHandler) BeforeReqQueued(gridaddr.Envelope) {}

func (h *ackHandler) HandleReqResult(_, _ gridaddr.Event) {
	if err := h.msg.Ack(); err != nil {
		log.Warn().Err(err).Msg("nats ack failed")
	}
}

func (h *ackHandler) HandleReqError(_, resp gridaddr.Event) {
	switch resp.Status {
	case gridaddr.StatusOverflow, gridaddr.StatusTransmitError:
		if err := h.msg.NakWithDelay(5 * time.Second); err != nil {
			log.Warn().Err(err).Msg("nats nak failed")
		}
	default:
		if err := h.msg.Nak(); err != nil {
			log.Warn().Err(err).Msg("nats nak failed")
		}
	}
}
