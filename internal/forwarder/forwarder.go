// Package forwarder moves the caller's phone leg onto the room's SIP endpoint
// once the room reports it is ready to accept dial-in.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/clinicvoice/callbridge/internal/metrics"
	"github.com/clinicvoice/callbridge/internal/telephony"
)

const (
	DefaultMaxAttempts = 10
	DefaultDelay       = 500 * time.Millisecond
)

var (
	ErrForwardExhausted = errors.New("forwarder: retries exhausted")
	ErrForwardFailed    = errors.New("forwarder: forwarding already failed")
)

var tracer = otel.Tracer("github.com/clinicvoice/callbridge/internal/forwarder")

// State of one call's forward.
type State int

const (
	Idle State = iota
	Forwarding
	Forwarded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Forwarding:
		return "Forwarding"
	case Forwarded:
		return "Forwarded"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Redirector points a live call at a SIP URI.
type Redirector interface {
	Redirect(ctx context.Context, callID, sipURI string) error
}

// Forwarder drives at most one successful redirect for a call.
type Forwarder struct {
	callID     string
	redirector Redirector
	log        *zap.Logger
	metrics    *metrics.Collectors

	maxAttempts int
	delay       time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	retryable   func(error) bool

	mu       sync.Mutex
	state    State
	attempts int
}

type Option func(*Forwarder)

func WithMaxAttempts(n int) Option { return func(f *Forwarder) { f.maxAttempts = n } }

func WithDelay(d time.Duration) Option { return func(f *Forwarder) { f.delay = d } }

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Forwarder) { f.sleep = fn }
}

// WithRetryable replaces the classification of retry-eligible errors.
func WithRetryable(fn func(error) bool) Option { return func(f *Forwarder) { f.retryable = fn } }

func WithMetrics(m *metrics.Collectors) Option { return func(f *Forwarder) { f.metrics = m } }

func New(callID string, r Redirector, log *zap.Logger, opts ...Option) *Forwarder {
	if log == nil {
		log = zap.NewNop()
	}
	f := &Forwarder{
		callID:      callID,
		redirector:  r,
		log:         log,
		maxAttempts: DefaultMaxAttempts,
		delay:       DefaultDelay,
		sleep:       sleepCtx,
		retryable:   telephony.IsLegNotActive,
	}
	for _, o := range opts {
		o(f)
	}
	if f.maxAttempts < 1 {
		f.maxAttempts = 1
	}
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnLegReady forwards the call to endpoint. Signals after a successful forward,
// or while one is in progress, are ignored. Once forwarding has failed every
// later signal returns ErrForwardFailed.
func (f *Forwarder) OnLegReady(ctx context.Context, endpoint string) error {
	f.mu.Lock()
	switch f.state {
	case Forwarded:
		f.mu.Unlock()
		f.log.Warn("call already forwarded, ignoring dial-in ready", zap.String("endpoint", endpoint))
		return nil
	case Forwarding:
		f.mu.Unlock()
		f.log.Warn("forward in progress, ignoring dial-in ready", zap.String("endpoint", endpoint))
		return nil
	case Failed:
		f.mu.Unlock()
		f.log.Warn("forward previously failed, ignoring dial-in ready", zap.String("endpoint", endpoint))
		return ErrForwardFailed
	}
	f.state = Forwarding
	f.mu.Unlock()

	ctx, span := tracer.Start(ctx, "forwarder.forward")
	defer span.End()
	span.SetAttributes(attribute.String("call_id", f.callID))

	err := f.forward(ctx, endpoint)

	f.mu.Lock()
	if err != nil {
		f.state = Failed
	} else {
		f.state = Forwarded
	}
	attempts := f.attempts
	f.mu.Unlock()

	span.SetAttributes(attribute.Int("forward.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "forward failed")
		f.metrics.ForwardResult("failed")
		f.log.Error("forward failed", zap.Int("attempts", attempts), zap.Error(err))
		return err
	}
	f.metrics.ForwardResult("forwarded")
	f.log.Info("call forwarded", zap.String("endpoint", endpoint), zap.Int("attempts", attempts))
	return nil
}

func (f *Forwarder) forward(ctx context.Context, endpoint string) error {
	var last error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		f.mu.Lock()
		f.attempts = attempt
		f.mu.Unlock()

		err := f.redirector.Redirect(ctx, f.callID, endpoint)
		if err == nil {
			f.metrics.ForwardAttempt("ok")
			return nil
		}
		last = err

		if !f.retryable(err) {
			f.metrics.ForwardAttempt("error")
			return fmt.Errorf("forwarding call %s: %w", f.callID, err)
		}
		f.metrics.ForwardAttempt("not_active")
		f.log.Debug("call leg not active yet", zap.Int("attempt", attempt), zap.Int("max_attempts", f.maxAttempts))

		if attempt == f.maxAttempts {
			break
		}
		if err := f.sleep(ctx, f.delay); err != nil {
			return fmt.Errorf("forwarding call %s: %w", f.callID, err)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrForwardExhausted, f.maxAttempts, last)
}

func (f *Forwarder) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Attempts is the number of redirects issued so far.
func (f *Forwarder) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// Forwarded reports whether the call has been forwarded.
func (f *Forwarder) Forwarded() bool {
	return f.State() == Forwarded
}
