// Package monitor polls a source on a fixed interval and reports connection
// health, backing off with jitter while the source keeps failing.
package monitor

import (
	"context"
	"math/rand"
	"time"

	"slurm_why/internal/logutils"
)

type State string

const (
	StateConnected              State = "connected"
	StateReconnecting           State = "reconnecting"
	StateDisconnectedRecovering State = "disconnected-recovering"
)

type Update[T any] struct {
	Value       *T
	State       State
	LastError   string
	LastSuccess time.Time
	NextRetry   time.Time
}

// Source produces one value per poll.
type Source[T any] interface {
	Fetch(ctx context.Context) (T, error)
}

// SourceFunc adapts a plain function to Source.
type SourceFunc[T any] func(ctx context.Context) (T, error)

func (f SourceFunc[T]) Fetch(ctx context.Context) (T, error) {
	return f(ctx)
}

type Loop[T any] struct {
	Source           Source[T]
	Refresh          time.Duration
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	FailureThreshold int
	Rand             *rand.Rand
	// Name tags log lines from this loop.
	Name string
}

func NewLoop[T any](source Source[T], refresh time.Duration) *Loop[T] {
	return &Loop[T]{
		Source:           source,
		Refresh:          refresh,
		BaseBackoff:      1 * time.Second,
		MaxBackoff:       30 * time.Second,
		FailureThreshold: 3,
	}
}

// Run polls until ctx is done and closes updates on return.
func (l *Loop[T]) Run(ctx context.Context, updates chan<- Update[T]) {
	defer close(updates)

	if l.Rand == nil {
		l.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	log := logutils.Log.WithField("loop", l.Name)

	failures := 0
	var lastSuccess time.Time

	for {
		value, err := l.Source.Fetch(ctx)
		if err == nil {
			if failures > 0 {
				log.WithField("failures", failures).Info("source recovered")
			}
			failures = 0
			lastSuccess = time.Now()
			if !sendUpdate(ctx, updates, Update[T]{
				Value:       &value,
				State:       StateConnected,
				LastSuccess: lastSuccess,
			}) {
				return
			}
			if !wait(ctx, l.Refresh) {
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		state := StateReconnecting
		if failures >= l.FailureThreshold {
			state = StateDisconnectedRecovering
		}
		delay := l.backoffDelay(failures)
		log.WithError(err).WithField("state", state).WithField("retry_in", delay).Warn("poll failed")

		if !sendUpdate(ctx, updates, Update[T]{
			State:       state,
			LastError:   err.Error(),
			LastSuccess: lastSuccess,
			NextRetry:   time.Now().Add(delay),
		}) {
			return
		}

		if !wait(ctx, delay) {
			return
		}
	}
}

func (l *Loop[T]) backoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	delay := l.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= l.MaxBackoff {
			delay = l.MaxBackoff
			break
		}
	}

	jitterFactor := 0.8 + (l.Rand.Float64() * 0.4)
	jittered := time.Duration(float64(delay) * jitterFactor)
	if jittered < l.BaseBackoff {
		jittered = l.BaseBackoff
	}
	if jittered > l.MaxBackoff {
		jittered = l.MaxBackoff
	}
	return jittered
}

func sendUpdate[T any](ctx context.Context, updates chan<- Update[T], update Update[T]) bool {
	select {
	case <-ctx.Done():
		return false
	case updates <- update:
		return true
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
