// Package delivery writes normalized records to the HTTP backend. Each record
// is driven through a bounded retry state machine:
//
//	pending -> sending -> success
//	                   -> retry_wait -> sending -> ... -> dropped
//
// plus abandoned when the relay drains out before the record finishes. Every
// failed attempt invalidates the shared connection pool so the next attempt
// opens fresh connections.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gelfrelay/internal/session"
	"gelfrelay/internal/types"
)

// State is a delivery task's position in the retry state machine.
type State string

const (
	StatePending   State = "pending"
	StateSending   State = "sending"
	StateSuccess   State = "success"
	StateRetryWait State = "retry_wait"
	StateDropped   State = "dropped"
	StateAbandoned State = "abandoned"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateDropped || s == StateAbandoned
}

// RetryPolicy bounds attempts and the randomized backoff between them.
type RetryPolicy struct {
	MaxAttempts   int
	BackoffWindow time.Duration
}

// DefaultRetryPolicy returns 5 attempts with a 60 second backoff window.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   5,
		BackoffWindow: 60 * time.Second,
	}
}

// Backoff returns the wait after the given failed attempt (1-based) for a
// uniform sample rnd in [0, 1): rnd * BackoffWindow * attempt.
func (p RetryPolicy) Backoff(attempt int, rnd float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(rnd * float64(p.BackoffWindow) * float64(attempt))
}

// Config holds the engine's fixed settings.
type Config struct {
	Target         Target
	Retry          RetryPolicy
	RequestTimeout time.Duration
	Breaker        BreakerSettings
	// Verbose logs every successful delivery with the backend response.
	Verbose bool
}

// DefaultRequestTimeout bounds a single POST.
const DefaultRequestTimeout = 60 * time.Second

// Result is the terminal outcome of one Deliver call.
type Result struct {
	Ident    uint64
	State    State
	Attempts int
	Err      error
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Abandoned uint64 `json:"abandoned"`
	Retries   uint64 `json:"retries"`
	InFlight  int64  `json:"in_flight"`
}

// Engine delivers records. It is safe for concurrent use; every Deliver call
// is an independent task sharing only the session manager, breaker and
// counters.
type Engine struct {
	cfg      Config
	sessions *session.Manager
	poster   *Poster
	logger   types.Logger
	metrics  Metrics
	sinks    []DropSink
	clock    types.Clock

	randFn  func() float64
	sleepFn func(ctx context.Context, d time.Duration) error

	ident     atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	abandoned atomic.Uint64
	retries   atomic.Uint64
	inFlight  atomic.Int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics sets the telemetry sink.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithDropSinks adds sinks that receive dropped and abandoned records, in
// addition to the log sink every engine has.
func WithDropSinks(sinks ...DropSink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sinks...)
	}
}

// WithRandFunc overrides the [0, 1) source used for backoff.
func WithRandFunc(fn func() float64) Option {
	return func(e *Engine) {
		e.randFn = fn
	}
}

// WithSleepFunc overrides the wait used between attempts. The function must
// return ctx.Err() if ctx ends first.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		e.sleepFn = fn
	}
}

// WithClock overrides the clock used for latency and drop timestamps.
func WithClock(c types.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// NewEngine creates an Engine posting through sessions.
func NewEngine(cfg Config, sessions *session.Manager, logger types.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = types.NopLogger{}
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if cfg.Retry.BackoffWindow < 0 {
		cfg.Retry.BackoffWindow = 0
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	e := &Engine{
		cfg:      cfg,
		sessions: sessions,
		poster:   NewPoster(cfg.Target, cfg.Breaker, logger),
		logger:   logger,
		metrics:  NopMetrics{},
		sinks:    []DropSink{NewLogDropSink(logger)},
		clock:    types.RealClock{},
		randFn:   rand.Float64,
		sleepFn:  sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliver runs rec through the retry state machine and returns once it is
// terminal. Cancelling ctx abandons the record at the next state boundary
// or aborts an attempt in progress.
func (e *Engine) Deliver(ctx context.Context, rec *types.NormalizedRecord) Result {
	ident := e.ident.Add(1)
	index := e.cfg.Target.IndexName(rec)
	log := e.logger.With("ident", ident, "index", index)

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	start := e.clock.Now()
	res := Result{Ident: ident, State: StatePending}

	body, err := json.Marshal(rec)
	if err != nil {
		res.Err = types.NewAppError(types.ErrCodeDeliveryInternal, "failed to encode document", err)
		return e.finish(ctx, log, rec, index, start, res, StateDropped)
	}
	url := e.cfg.Target.DocumentURL(rec)

	// A record turned away by an open breaker was never sent: it keeps its
	// attempt number and pool, and gives up after MaxAttempts such rejections.
	attempt, held := 1, 0
	for attempt <= e.cfg.Retry.MaxAttempts {
		if ctx.Err() != nil {
			return e.finish(ctx, log, rec, index, start, res, StateAbandoned)
		}

		res.State = StateSending
		res.Attempts = attempt
		requestID := uuid.NewString()
		pool := e.sessions.Acquire()
		log.Debug("sending record", "attempt", attempt, "request_id", requestID)

		resp, err := e.attempt(ctx, pool, url, body, requestID)
		if err == nil {
			e.metrics.RecordAttempt(ctx, "")
			res.Err = nil
			if e.cfg.Verbose {
				log.Info("record delivered",
					"attempt", attempt,
					"request_id", requestID,
					"status", resp.StatusCode,
					"response", resp.Body,
				)
			} else {
				log.Debug("record delivered",
					"attempt", attempt,
					"request_id", requestID,
					"status", resp.StatusCode,
				)
			}
			return e.finish(ctx, log, rec, index, start, res, StateSuccess)
		}

		res.Err = err
		rejected := types.CodeOf(err) == types.ErrCodeDeliveryBreakerOpen
		if rejected {
			res.Attempts = attempt - 1
		} else {
			e.sessions.Invalidate(pool)
		}
		if ctx.Err() != nil {
			return e.finish(ctx, log, rec, index, start, res, StateAbandoned)
		}
		e.metrics.RecordAttempt(ctx, types.CodeOf(err))

		if rejected {
			held++
			if held >= e.cfg.Retry.MaxAttempts {
				log.Warn("backend circuit breaker stayed open, giving up",
					"attempt", attempt,
					"held", held,
				)
				break
			}
			res.State = StateRetryWait
			wait := e.cfg.Breaker.cooldown()
			log.Debug("circuit breaker open, holding record", "attempt", attempt, "wait", wait.String())
			if err := e.sleepFn(ctx, wait); err != nil {
				return e.finish(ctx, log, rec, index, start, res, StateAbandoned)
			}
			continue
		}

		log.Warn("delivery attempt failed",
			"attempt", attempt,
			"max_attempts", e.cfg.Retry.MaxAttempts,
			"request_id", requestID,
			"code", string(types.CodeOf(err)),
			"error", err.Error(),
		)

		if attempt == e.cfg.Retry.MaxAttempts {
			break
		}

		res.State = StateRetryWait
		wait := e.cfg.Retry.Backoff(attempt, e.randFn())
		log.Debug("waiting before retry", "attempt", attempt, "wait", wait.String())
		if err := e.sleepFn(ctx, wait); err != nil {
			return e.finish(ctx, log, rec, index, start, res, StateAbandoned)
		}
		attempt++
		e.retries.Add(1)
	}

	return e.finish(ctx, log, rec, index, start, res, StateDropped)
}

// attempt performs one POST under the per-attempt timeout. A panic anywhere
// below is turned into a delivery_internal failure.
func (e *Engine) attempt(ctx context.Context, pool *session.Pool, url string, body []byte, requestID string) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in delivery attempt",
				"panic", fmt.Sprint(r),
				"request_id", requestID,
				"stack", string(debug.Stack()),
			)
			resp = nil
			err = types.NewAppError(types.ErrCodeDeliveryInternal, fmt.Sprintf("panic: %v", r), nil)
		}
	}()

	actx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	return e.poster.Post(actx, pool.Client(), url, body, requestID)
}

func (e *Engine) finish(ctx context.Context, log types.Logger, rec *types.NormalizedRecord, index string, start time.Time, res Result, state State) Result {
	res.State = state
	e.metrics.RecordLatency(ctx, e.clock.Now().Sub(start))
	e.metrics.RecordOutcome(ctx, state)

	switch state {
	case StateSuccess:
		e.delivered.Add(1)
		return res
	case StateDropped:
		e.dropped.Add(1)
		res.Err = types.NewAppErrorWithDetails(types.ErrCodeDeliveryExhausted,
			fmt.Sprintf("delivery failed after %d attempts", res.Attempts), res.Err,
			map[string]any{"ident": res.Ident, "attempts": res.Attempts})
	case StateAbandoned:
		e.abandoned.Add(1)
		res.Err = types.NewAppErrorWithDetails(types.ErrCodeDeliveryAbandoned,
			fmt.Sprintf("delivery abandoned after %d attempts", res.Attempts), res.Err,
			map[string]any{"ident": res.Ident, "attempts": res.Attempts})
	}

	dropped := DroppedRecord{
		Ident:     res.Ident,
		Index:     index,
		State:     state,
		Attempts:  res.Attempts,
		Code:      types.CodeOf(res.Err),
		Reason:    res.Err.Error(),
		DroppedAt: e.clock.Now(),
		Document:  rec,
	}

	// The caller's context may already be cancelled when abandoning; sinks
	// still get a bounded window to record the loss.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, sink := range e.sinks {
		if err := sink.Drop(sinkCtx, dropped); err != nil {
			log.Error("drop sink failed", "error", err.Error())
		}
	}
	return res
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Delivered: e.delivered.Load(),
		Dropped:   e.dropped.Load(),
		Abandoned: e.abandoned.Load(),
		Retries:   e.retries.Load(),
		InFlight:  e.inFlight.Load(),
	}
}

// BreakerState reports the backend circuit breaker state.
func (e *Engine) BreakerState() string {
	return e.poster.BreakerState()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
