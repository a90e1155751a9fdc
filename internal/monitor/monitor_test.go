package monitor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"slurm_why/internal/slurm"
)

func TestBackoffDelayBounds(t *testing.T) {
	l := &Loop[slurm.Snapshot]{
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  10 * time.Second,
		Rand:        rand.New(rand.NewSource(1)),
	}

	for i := 1; i <= 10; i++ {
		d := l.backoffDelay(i)
		if d < l.BaseBackoff {
			t.Fatalf("delay below base: %v", d)
		}
		if d > l.MaxBackoff {
			t.Fatalf("delay above max: %v", d)
		}
	}
}

type scriptedSource[T any] struct {
	mu       sync.Mutex
	position int
	steps    []fetchStep[T]
}

type fetchStep[T any] struct {
	value T
	err   error
}

func (s *scriptedSource[T]) Fetch(context.Context) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var zero T
	if s.position >= len(s.steps) {
		return zero, errors.New("exhausted")
	}
	step := s.steps[s.position]
	s.position++
	return step.value, step.err
}

func TestLoopEmitsConnectedThenRecovering(t *testing.T) {
	src := &scriptedSource[slurm.Snapshot]{
		steps: []fetchStep[slurm.Snapshot]{
			{value: slurm.Snapshot{CollectedAt: time.Now()}},
			{err: errors.New("timeout one")},
			{err: errors.New("timeout two")},
			{err: errors.New("timeout three")},
		},
	}

	loop := &Loop[slurm.Snapshot]{
		Source:           src,
		Refresh:          5 * time.Millisecond,
		BaseBackoff:      5 * time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
		FailureThreshold: 2,
		Rand:             rand.New(rand.NewSource(1)),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	updates := make(chan Update[slurm.Snapshot], 10)
	go loop.Run(ctx, updates)

	var got []State
	for update := range updates {
		got = append(got, update.State)
		if len(got) >= 4 {
			cancel()
		}
	}

	if len(got) == 0 {
		t.Fatalf("expected updates")
	}
	if got[0] != StateConnected {
		t.Fatalf("expected first state connected, got %s", got[0])
	}
	foundRecovering := false
	for _, s := range got {
		if s == StateDisconnectedRecovering {
			foundRecovering = true
			break
		}
	}
	if !foundRecovering {
		t.Fatalf("expected disconnected-recovering state in updates: %v", got)
	}
}

func TestLoopRecoversAfterTransientFailures(t *testing.T) {
	src := &scriptedSource[string]{
		steps: []fetchStep[string]{
			{value: "Priority"},
			{err: errors.New("temporary timeout")},
			{err: errors.New("temporary timeout")},
			{value: "Resources"},
		},
	}

	loop := &Loop[string]{
		Source:           src,
		Refresh:          5 * time.Millisecond,
		BaseBackoff:      5 * time.Millisecond,
		MaxBackoff:       10 * time.Millisecond,
		FailureThreshold: 2,
		Rand:             rand.New(rand.NewSource(1)),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	updates := make(chan Update[string], 16)
	go loop.Run(ctx, updates)

	var got []Update[string]
	for update := range updates {
		got = append(got, update)
		if len(got) >= 4 {
			cancel()
		}
	}

	if len(got) < 4 {
		t.Fatalf("expected at least 4 updates, got %d", len(got))
	}
	if got[0].State != StateConnected || *got[0].Value != "Priority" {
		t.Fatalf("expected initial connected update, got %+v", got[0])
	}
	if got[1].State != StateReconnecting || got[1].Value != nil {
		t.Fatalf("expected first error to emit reconnecting, got %+v", got[1])
	}
	if got[2].State != StateDisconnectedRecovering {
		t.Fatalf("expected repeated errors to emit disconnected-recovering, got %s", got[2].State)
	}
	if got[2].LastSuccess.IsZero() {
		t.Fatalf("failures must carry the last success time")
	}
	if got[3].State != StateConnected || *got[3].Value != "Resources" {
		t.Fatalf("expected recovery to return connected, got %+v", got[3])
	}
}

func TestSourceFunc(t *testing.T) {
	calls := 0
	src := SourceFunc[int](func(context.Context) (int, error) {
		calls++
		return calls, nil
	})
	v, err := src.Fetch(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("unexpected fetch result %d, %v", v, err)
	}
}
