// Package mediator delivers an envelope to an http(s) target address
// instead of an in-process reader, behind a circuit breaker and
// bounded retry, mirroring the teacher's HTTP webhook mediation but
// carrying a gridaddr.Envelope instead of a dispatch-pool message.
package mediator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"go.nodegrid.dev/nodegrid/internal/gridaddr"
	"go.nodegrid.dev/nodegrid/internal/metrics"
)

// Mediator delivers envelopes to a single http(s) target, squeue's
// Reader-equivalent for a target address whose protocol is http/https
// rather than the in-process grid protocol.
type Mediator struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
	maxRetries  int
	baseBackoff time.Duration
}

// Config configures a Mediator.
type Config struct {
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerMinRequests uint32

	// RateLimitPerSecond caps outbound requests to one target; 0 disables
	// the limiter entirely (the teacher's pool-wide admission control,
	// narrowed here to one limiter per mediated target).
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// DefaultConfig returns the mediator defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout:                   30 * time.Second,
		MaxRetries:                3,
		BaseBackoff:               time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
		RateLimitPerSecond:        20,
		RateLimitBurst:            20,
	}
}

// New builds a Mediator bound to target, used for metrics/breaker labels.
func New(target string, cfg *Config) *Mediator {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	client := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}

	m := &Mediator{client: client, maxRetries: cfg.MaxRetries, baseBackoff: cfg.BaseBackoff}

	if cfg.RateLimitPerSecond > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), burst)
	}

	if cfg.CircuitBreakerEnabled {
		m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        target,
			MaxRequests: cfg.CircuitBreakerRequests,
			Interval:    cfg.CircuitBreakerInterval,
			Timeout:     cfg.CircuitBreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cfg.CircuitBreakerMinRequests {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.CircuitBreakerRatio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info().Str("target", name).Str("from", from.String()).Str("to", to.String()).Msg("mediator: circuit breaker state changed")
				var stateValue float64
				switch to {
				case gobreaker.StateClosed:
					stateValue = metrics.CircuitBreakerClosed
				case gobreaker.StateOpen:
					stateValue = metrics.CircuitBreakerOpen
					metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
				case gobreaker.StateHalfOpen:
					stateValue = metrics.CircuitBreakerHalfOpen
				}
				metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
			},
		})
	}

	return m
}

// wirePayload is the JSON shape posted to an http(s) target: the
// envelope's command and params, flattened to plain JSON values.
type wirePayload struct {
	RequestID uint64      `json:"request_id"`
	Command   string      `json:"command"`
	Params    interface{} `json:"params,omitempty"`
}

// wireReply is the JSON shape expected back: a status code per §6's
// enumeration, plus a result or error payload.
type wireReply struct {
	Status int             `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Deliver posts env to targetURL and returns the resulting response
// event, or a synthesized error event if the request never completed
// successfully after retry.
func (m *Mediator) Deliver(ctx context.Context, targetURL string, env gridaddr.Envelope) gridaddr.Event {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return errorEvent(env, gridaddr.StatusTimeout, "mediator: rate limit wait: "+err.Error())
		}
	}

	if m.breaker != nil {
		result, err := m.breaker.Execute(func() (interface{}, error) {
			return m.executeWithRetry(ctx, targetURL, env)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				log.Warn().Str("target", targetURL).Msg("mediator: circuit breaker open")
				return errorEvent(env, gridaddr.StatusTransmitError, "mediator: circuit breaker open")
			}
		}
		if ev, ok := result.(gridaddr.Event); ok {
			return ev
		}
		return errorEvent(env, gridaddr.StatusException, "mediator: no result")
	}

	ev, _ := m.executeWithRetry(ctx, targetURL, env)
	return ev
}

func (m *Mediator) executeWithRetry(ctx context.Context, targetURL string, env gridaddr.Envelope) (gridaddr.Event, error) {
	var last gridaddr.Event

	limit := m.maxRetries
	if limit <= 0 {
		limit = 1
	}

	for attempt := 1; attempt <= limit; attempt++ {
		ev := m.executeOnce(ctx, targetURL, env, attempt)
		last = ev

		if !ev.Status.IsError() {
			return ev, nil
		}
		if !isRetryable(ev.Status) {
			return ev, nil
		}
		if attempt < limit {
			backoff := time.Duration(attempt) * m.baseBackoff
			log.Info().Str("target", targetURL).Int("attempt", attempt).Dur("backoff", backoff).Msg("mediator: retrying after backoff")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return errorEvent(env, gridaddr.StatusTimeout, ctx.Err().Error()), ctx.Err()
			}
		}
	}

	return last, fmt.Errorf("mediator: exhausted retries against %s", targetURL)
}

func (m *Mediator) executeOnce(ctx context.Context, targetURL string, env gridaddr.Envelope, attempt int) gridaddr.Event {
	body, err := json.Marshal(wirePayload{
		RequestID: uint64(env.Event.RequestID),
		Command:   env.Event.Command(),
		Params:    toJSONValue(env.Event.Params),
	})
	if err != nil {
		return errorEvent(env, gridaddr.StatusWrongParams, fmt.Sprintf("mediator: encode payload: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return errorEvent(env, gridaddr.StatusWrongParams, fmt.Sprintf("mediator: build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	log.Debug().Str("target", targetURL).Int("attempt", attempt).Msg("mediator: executing http request")

	start := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(start)
	metrics.MediatorHTTPDuration.WithLabelValues(targetURL).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return classifyTransportError(env, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	return m.handleResponse(env, resp.StatusCode, respBody)
}

func classifyTransportError(env gridaddr.Envelope, err error) gridaddr.Event {
	if errors.Is(err, context.DeadlineExceeded) {
		return errorEvent(env, gridaddr.StatusTimeout, err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errorEvent(env, gridaddr.StatusTransmitError, err.Error())
	}
	return errorEvent(env, gridaddr.StatusTransmitError, err.Error())
}

func (m *Mediator) handleResponse(env gridaddr.Envelope, statusCode int, body []byte) gridaddr.Event {
	if statusCode >= 200 && statusCode < 300 {
		var reply wireReply
		if len(body) > 0 && json.Unmarshal(body, &reply) == nil && reply.Status != 0 {
			status := gridaddr.StatusCode(reply.Status)
			if status.IsError() {
				return errorEvent(env, status, reply.Error)
			}
			return gridaddr.NewResponse(env.Event.RequestID, status, fromJSONValue(reply.Result), nil)
		}
		return gridaddr.NewResponse(env.Event.RequestID, gridaddr.StatusOK, gridaddr.NewNull(), nil)
	}

	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		log.Warn().Int("statusCode", statusCode).Msg("mediator: transient http error, will retry")
		return errorEvent(env, gridaddr.StatusTransmitError, fmt.Sprintf("mediator: http %d", statusCode))
	}

	log.Warn().Int("statusCode", statusCode).Msg("mediator: client http error, will not retry")
	return errorEvent(env, gridaddr.StatusWrongParams, fmt.Sprintf("mediator: http %d", statusCode))
}

func isRetryable(status gridaddr.StatusCode) bool {
	switch status {
	case gridaddr.StatusTransmitError, gridaddr.StatusTimeout:
		return true
	default:
		return false
	}
}

func errorEvent(env gridaddr.Envelope, status gridaddr.StatusCode, msg string) gridaddr.Event {
	return gridaddr.NewResponse(env.Event.RequestID, status, nil, gridaddr.NewString(msg))
}

// toJSONValue flattens a ParamNode into a plain interface{} tree JSON
// can marshal directly.
func toJSONValue(p *gridaddr.ParamNode) interface{} {
	if p == nil {
		return nil
	}
	switch p.Kind {
	case gridaddr.KindString:
		return p.StringVal
	case gridaddr.KindInt:
		return p.IntVal
	case gridaddr.KindUint:
		return p.UintVal
	case gridaddr.KindBool:
		return p.BoolVal
	case gridaddr.KindFloat:
		return p.FloatVal
	case gridaddr.KindBinary:
		return p.BinaryVal
	case gridaddr.KindDateTime:
		return p.DateTimeVal
	case gridaddr.KindList:
		out := make([]interface{}, len(p.List))
		for i, v := range p.List {
			out[i] = toJSONValue(v)
		}
		return out
	case gridaddr.KindMap:
		out := make(map[string]interface{}, len(p.Map))
		for k, v := range p.Map {
			out[k] = toJSONValue(v)
		}
		return out
	default:
		return nil
	}
}

// fromJSONValue rebuilds a ParamNode from a decoded JSON value, used
// for a remote http(s) target's result payload.
func fromJSONValue(raw json.RawMessage) *gridaddr.ParamNode {
	if len(raw) == 0 {
		return gridaddr.NewNull()
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return gridaddr.NewNull()
	}
	return paramFromAny(v)
}

func paramFromAny(v interface{}) *gridaddr.ParamNode {
	switch t := v.(type) {
	case nil:
		return gridaddr.NewNull()
	case string:
		return gridaddr.NewString(t)
	case bool:
		return gridaddr.NewBool(t)
	case float64:
		return gridaddr.NewFloat(t)
	case []interface{}:
		items := make([]*gridaddr.ParamNode, len(t))
		for i, item := range t {
			items[i] = paramFromAny(item)
		}
		return gridaddr.NewList(items...)
	case map[string]interface{}:
		out := gridaddr.NewMap()
		for k, item := range t {
			out.Set(k, paramFromAny(item))
		}
		return out
	default:
		return gridaddr.NewNull()
	}
}
