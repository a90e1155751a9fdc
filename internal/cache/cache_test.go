package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slurm_why/internal/slurm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestTTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)}
	c := NewTTL[string](10 * time.Second)
	c.now = clock.Now

	c.Add("a", "one")
	c.AddWithTTL("b", "two", time.Minute)
	c.AddWithTTL("ignored", "x", 0)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "one", v)

	clock.Advance(10 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry is stale exactly at its ttl")
	_, ok = c.Get("b")
	assert.True(t, ok)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 0, c.Purge())
	_, ok = c.Get("b")
	assert.False(t, ok)
}

func TestStoreSnapshotSwap(t *testing.T) {
	s := NewStore[string](time.Minute, time.Minute)
	assert.Nil(t, s.Current())
	assert.Nil(t, s.ActiveJobs())

	at := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	first := NewSnapshot(slurm.Snapshot{
		Associations: []slurm.Association{{Account: "physics", GrpJobs: slurm.Unset, GrpSubmitJobs: slurm.Unset, MaxJobs: slurm.Unset, MaxSubmitJobs: slurm.Unset}},
		Jobs:         []slurm.Job{{ID: "1", State: slurm.StateRunning}},
		CollectedAt:  at,
	})
	s.Replace(first)

	held := s.Current()
	require.NotNil(t, held)
	assert.Contains(t, held.Limits.Accounts, "physics")
	job, ok := held.Job("1")
	require.True(t, ok)
	assert.Equal(t, slurm.StateRunning, job.State)

	s.Replace(NewSnapshot(slurm.Snapshot{CollectedAt: at.Add(time.Minute)}))
	assert.Len(t, held.Jobs, 1, "a held snapshot never changes")
	assert.Empty(t, s.ActiveJobs())
	_, ok = s.Current().Job("1")
	assert.False(t, ok)
}

func TestStoreDiagnostics(t *testing.T) {
	s := NewStore[string](time.Minute, time.Minute)
	s.PutDiagnostic("7", "result", 0)
	got, ok := s.Diagnostic("7")
	require.True(t, ok)
	assert.Equal(t, "result", got)

	_, ok = s.Diagnostic("8")
	assert.False(t, ok)
}

func TestStoreLoadJobSharesFetch(t *testing.T) {
	s := NewStore[string](time.Minute, time.Minute)
	var calls int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, id string) (slurm.Job, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return slurm.Job{ID: id, State: slurm.StatePending}, nil
	}

	var wg sync.WaitGroup
	results := make([]slurm.Job, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := s.LoadJob(context.Background(), "42", fetch)
			if err == nil {
				results[i] = job
			}
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, job := range results {
		assert.Equal(t, "42", job.ID)
	}

	// Now served from the job cache.
	_, err := s.LoadJob(context.Background(), "42", func(context.Context, string) (slurm.Job, error) {
		return slurm.Job{}, errors.New("must not be called")
	})
	require.NoError(t, err)

	cached, ok := s.Job("42")
	require.True(t, ok)
	assert.Equal(t, slurm.StatePending, cached.State)
}

func TestStoreLoadSnapshot(t *testing.T) {
	s := NewStore[string](time.Minute, time.Minute)
	_, err := s.LoadSnapshot(context.Background(), func(context.Context) (*Snapshot, error) {
		return nil, errors.New("sacctmgr: timeout")
	})
	require.Error(t, err)
	assert.Nil(t, s.Current())

	var calls int32
	collect := func(context.Context) (*Snapshot, error) {
		atomic.AddInt32(&calls, 1)
		return NewSnapshot(slurm.Snapshot{Jobs: []slurm.Job{{ID: "5"}}}), nil
	}
	snap, err := s.LoadSnapshot(context.Background(), collect)
	require.NoError(t, err)
	_, ok := snap.Job("5")
	assert.True(t, ok)
	assert.Same(t, snap, s.Current())

	_, err = s.LoadSnapshot(context.Background(), collect)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStoreLoadJobError(t *testing.T) {
	s := NewStore[string](time.Minute, time.Minute)
	_, err := s.LoadJob(context.Background(), "9", func(context.Context, string) (slurm.Job, error) {
		return slurm.Job{}, slurm.ErrJobNotFound
	})
	assert.ErrorIs(t, err, slurm.ErrJobNotFound)
	_, ok := s.Job("9")
	assert.False(t, ok, "failures are not cached")
}
