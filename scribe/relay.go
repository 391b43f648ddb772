package scribe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bosley/whisperwire/metrics"
)

const (
	minForwardInterval = 100 * time.Millisecond
	minForwardDelta    = 2
	maxBacktrack       = 2

	// How long Close waits for the relay goroutine before abandoning it.
	relayShutdownWait = time.Second
)

// Sink receives forwarded progress values.
type Sink interface {
	SendProgress(ctx context.Context, percent int) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, percent int) error

func (f SinkFunc) SendProgress(ctx context.Context, percent int) error {
	return f(ctx, percent)
}

// Limiter decides which samples are worth forwarding.
type Limiter struct {
	MinInterval  time.Duration
	MinDelta     int
	MaxBacktrack int

	last   int
	lastAt time.Time
	sent   bool
}

func NewLimiter() *Limiter {
	return &Limiter{
		MinInterval:  minForwardInterval,
		MinDelta:     minForwardDelta,
		MaxBacktrack: maxBacktrack,
	}
}

// Allow reports whether percent may be forwarded at now.
func (l *Limiter) Allow(percent int, now time.Time) bool {
	if percent < 0 || percent > percentMaximum {
		return false
	}
	if !l.sent {
		return true
	}

	delta := percent - l.last
	if delta == 0 || delta < -l.MaxBacktrack {
		return false
	}
	if now.Sub(l.lastAt) >= l.MinInterval {
		return true
	}
	return abs(delta) >= l.MinDelta
}

// RetryAt reports when percent becomes forwardable if only the interval rule
// holds it back now.
func (l *Limiter) RetryAt(percent int) (time.Time, bool) {
	if !l.sent || percent < 0 || percent > percentMaximum {
		return time.Time{}, false
	}
	delta := percent - l.last
	if delta == 0 || delta < -l.MaxBacktrack {
		return time.Time{}, false
	}
	return l.lastAt.Add(l.MinInterval), true
}

// Record marks percent as forwarded at now.
func (l *Limiter) Record(percent int, now time.Time) {
	l.last = percent
	l.lastAt = now
	l.sent = true
}

// Last returns the most recently forwarded value.
func (l *Limiter) Last() (int, bool) {
	return l.last, l.sent
}

// Relay hands samples from the parser to a sink. It keeps a single pending
// slot: a slow sink only ever sees the newest value, never a backlog.
type Relay struct {
	clientID string
	sink     Sink
	limiter  *Limiter
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.Mutex
	pending ProgressSample
	has     bool
	closed  bool

	wake   chan struct{}
	quit   chan struct{}
	exited chan struct{}
	cancel context.CancelFunc
}

func NewRelay(clientID string, sink Sink, m *metrics.Metrics) *Relay {
	return &Relay{
		clientID: clientID,
		sink:     sink,
		limiter:  NewLimiter(),
		metrics:  m,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Start forwards the initial 0% sample and launches the delivery goroutine.
func (r *Relay) Start(ctx context.Context) {
	r.deliver(ctx, 0)

	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
}

// Offer queues a sample, replacing any sample not yet delivered.
func (r *Relay) Offer(sample ProgressSample) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if r.has {
		r.metrics.ProgressDropped()
	}
	r.pending = sample
	r.has = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery. On success the final 100% sample is forwarded after
// every other sample, unless it already was the last one.
func (r *Relay) Close(ctx context.Context, success bool) {
	if !r.stop() {
		return
	}
	if !success {
		return
	}
	if last, ok := r.limiter.Last(); ok && last == percentMaximum {
		return
	}
	r.deliver(ctx, percentMaximum)
}

// Abandon stops delivery without a final sample.
func (r *Relay) Abandon() {
	r.stop()
}

// stop reports whether the delivery goroutine exited in time, which makes the
// limiter safe to use from the caller.
func (r *Relay) stop() bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.closed = true
	r.has = false
	r.mu.Unlock()

	close(r.quit)
	if r.cancel == nil {
		return true
	}

	timer := time.NewTimer(relayShutdownWait)
	defer timer.Stop()
	select {
	case <-r.exited:
		return true
	case <-timer.C:
		r.cancel()
		slog.Warn("Progress relay did not stop in time, abandoning", "clientID", r.clientID)
		return false
	}
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.exited)
	defer r.cancel()

	// Fires when a sample held back by the interval rule may go out.
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	var held ProgressSample
	holding := false

	for {
		select {
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		case <-r.wake:
			r.mu.Lock()
			sample, ok := r.pending, r.has
			r.has = false
			r.mu.Unlock()

			if !ok {
				continue
			}
			if holding {
				r.metrics.ProgressDropped()
			}
			held, holding = r.forward(ctx, sample, retry)

		case <-retry.C:
			if holding {
				held, holding = r.forward(ctx, held, retry)
			}
		}
	}
}

// forward delivers sample if the limiter allows it now. A sample only held
// back by the interval is returned so it can go out when retry fires.
func (r *Relay) forward(ctx context.Context, sample ProgressSample, retry *time.Timer) (ProgressSample, bool) {
	now := r.now()
	if r.limiter.Allow(sample.Percent, now) {
		r.deliver(ctx, sample.Percent)
		return ProgressSample{}, false
	}

	at, ok := r.limiter.RetryAt(sample.Percent)
	if !ok {
		r.metrics.ProgressDropped()
		return ProgressSample{}, false
	}
	retry.Reset(at.Sub(now))
	return sample, true
}

func (r *Relay) deliver(ctx context.Context, percent int) {
	r.limiter.Record(percent, r.now())
	r.metrics.ProgressForwarded()

	if err := r.sink.SendProgress(ctx, percent); err != nil {
		slog.Warn("Failed to deliver progress", "clientID", r.clientID, "progress", percent, "error", err)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
