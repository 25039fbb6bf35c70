package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when the circuit breaker refuses a request.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

var nopBreakerLogger = zerolog.Nop()

// State is the breaker state machine position.
type State int

const (
	// Closed passes requests through while counting outcomes.
	Closed State = iota
	// Open rejects everything until the cool-off elapses.
	Open
	// HalfOpen lets a single probe through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// outcomes is the rolling success/failure tally for the closed state.
type outcomes struct {
	ok   int
	fail int
}

func (o outcomes) total() int { return o.ok + o.fail }

func (o outcomes) failureRatio() float64 {
	t := o.total()
	if t == 0 {
		return 0
	}
	return float64(o.fail) / float64(t)
}

// halve decays both counters so old history loses weight over time.
func (o *outcomes) halve() {
	o.ok = int(math.Ceil(float64(o.ok) * 0.5))
	o.fail = int(math.Ceil(float64(o.fail) * 0.5))
}

// Breaker is a failure-ratio circuit breaker guarding one downstream
// dependency, typically a payroll provider or webhook endpoint.
type Breaker struct {
	mu       sync.Mutex
	state    State
	tally    outcomes
	minReqs  int
	maxRatio float64
	openedAt time.Time
	openFor  time.Duration
	target   string
	logger   *zerolog.Logger
}

// NewBreaker builds a breaker that trips once the failure ratio reaches
// failureRatio over at least minRequests observations, and stays open
// for openFor before probing again.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	if failureRatio > 1 {
		failureRatio = 1
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		state:    Closed,
		minReqs:  minRequests,
		maxRatio: failureRatio,
		openFor:  openFor,
	}
}

// WithTarget sets the dependency name used in metric labels and logs.
func (b *Breaker) WithTarget(target string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.target = strings.TrimSpace(target)
	b.publishStateLocked()
	return b
}

// WithLogger sets the logger for transition events when none is carried
// by the request context.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = &logger
	return b
}

// Allow reports whether a request may proceed. An open breaker whose
// cool-off has elapsed transitions to half-open and admits the caller
// as the probe.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return true
	}
	if time.Since(b.openedAt) < b.openFor {
		return false
	}
	b.transitionLocked(ctx, HalfOpen)
	return true
}

// Report records a request outcome and advances the state machine.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		// Stragglers from before the trip carry no signal.
		return
	case HalfOpen:
		if success {
			b.transitionLocked(ctx, Closed)
		} else {
			b.transitionLocked(ctx, Open)
		}
		return
	}

	if success {
		b.tally.ok++
	} else {
		b.tally.fail++
	}
	if b.tally.total() < b.minReqs {
		return
	}
	if b.tally.failureRatio() >= b.maxRatio {
		b.transitionLocked(ctx, Open)
		return
	}
	if b.tally.total() > b.minReqs*2 {
		b.tally.halve()
	}
}

func (b *Breaker) transitionLocked(ctx context.Context, next State) {
	prev := b.state
	if prev == next {
		b.publishStateLocked()
		return
	}
	b.state = next
	b.tally = outcomes{}
	switch next {
	case Open:
		b.openedAt = time.Now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.publishStateLocked()

	label := b.targetLabel()
	if BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(label, prev.String(), next.String()).Inc()
	}
	if next == Open && BreakerOpenedTotal != nil {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}

	evt := b.loggerFor(ctx).Info().
		Str("target", label).
		Str("from_state", prev.String()).
		Str("to_state", next.String())
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		evt = evt.Str("trace_id", span.TraceID().String())
	}
	evt.Msg("breaker_transition")
}

func (b *Breaker) publishStateLocked() {
	if BreakerState == nil {
		return
	}
	var v float64
	switch b.state {
	case Closed:
		v = 0
	case Open:
		v = 1
	case HalfOpen:
		v = 2
	default:
		v = -1
	}
	BreakerState.WithLabelValues(b.targetLabel()).Set(v)
}

func (b *Breaker) targetLabel() string {
	if b.target == "" {
		return "default"
	}
	return b.target
}

func (b *Breaker) loggerFor(ctx context.Context) *zerolog.Logger {
	if ctxLogger := zerolog.Ctx(ctx); ctxLogger != nil {
		logger := ctxLogger.With().Logger()
		return &logger
	}
	if b.logger != nil {
		return b.logger
	}
	return &nopBreakerLogger
}

// Backoff returns the exponential delay for the given attempt, starting
// at base for attempt 1. Jitter is a fraction of the delay, applied
// symmetrically.
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base * time.Duration(1<<uint(attempt-1))
	if jitterPct <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * float64(d) * jitterPct
	return d + time.Duration(delta)
}
