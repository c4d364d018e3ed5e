package pipeline

import (
	"context"
	"math/rand"
	"time"
)

// Reporter forwards failures to an alerting channel. Implementations must
// not block the caller for long; delivery is fire-and-forget.
type Reporter interface {
	Report(ctx context.Context, err error)
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, error) {}

// Environment carries the side-effect providers every stage needs. It is
// built once by the caller and passed into each stage's constructor.
type Environment struct {
	Clock    func() time.Time
	Random   func() float64
	Reporter Reporter
	Metrics  *Metrics
	Log      Logger
}

// Option configures an Environment.
type Option func(*Environment)

// WithClock sets the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Environment) { e.Clock = fn }
}

// WithRandom sets the source of values in [0, 1) used for downscaling.
func WithRandom(fn func() float64) Option {
	return func(e *Environment) { e.Random = fn }
}

// WithReporter sets the alert forwarder.
func WithReporter(r Reporter) Option {
	return func(e *Environment) { e.Reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(e *Environment) { e.Log = l }
}

// WithMetrics sets the counters sink.
func WithMetrics(m *Metrics) Option {
	return func(e *Environment) { e.Metrics = m }
}

// NewEnvironment returns an Environment with production defaults, overridden
// by opts.
func NewEnvironment(opts ...Option) *Environment {
	e := &Environment{
		Clock:    func() time.Time { return time.Now().UTC() },
		Random:   rand.Float64,
		Reporter: nopReporter{},
		Metrics:  NewMetrics(),
		Log:      NopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.Log == nil {
		e.Log = NopLogger{}
	}
	if e.Reporter == nil {
		e.Reporter = nopReporter{}
	}
	if e.Metrics == nil {
		e.Metrics = NewMetrics()
	}
	return e
}

// Now returns the current time from the configured clock.
func (e *Environment) Now() time.Time {
	return e.Clock()
}

// Fail logs err at the severity of its kind and forwards it to the reporter.
func (e *Environment) Fail(ctx context.Context, err error) {
	if err == nil {
		return
	}
	switch KindOf(err).Severity() {
	case SeverityWarning:
		e.Log.Warnf("%v", err)
	case SeverityCritical:
		e.Log.Errorf("CRITICAL: %v", err)
	default:
		e.Log.Errorf("%v", err)
	}
	e.Reporter.Report(ctx, err)
}
