package cache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"slurm_why/internal/quota"
	"slurm_why/internal/slurm"
)

// Snapshot is one refresh of the cluster-wide state. It is published whole
// and never modified afterwards.
type Snapshot struct {
	Limits      *quota.Snapshot
	Jobs        []slurm.Job
	Nodes       []slurm.Node
	CollectedAt time.Time

	byID map[string]int
}

// NewSnapshot derives the account tree from a collection pass.
func NewSnapshot(s slurm.Snapshot) *Snapshot {
	out := &Snapshot{
		Limits:      quota.NewSnapshot(s.Associations, s.CollectedAt),
		Jobs:        s.Jobs,
		Nodes:       s.Nodes,
		CollectedAt: s.CollectedAt,
		byID:        make(map[string]int, len(s.Jobs)),
	}
	for i, j := range s.Jobs {
		out.byID[j.ID] = i
	}
	return out
}

// Job finds an active job by id.
func (s *Snapshot) Job(id string) (slurm.Job, bool) {
	i, ok := s.byID[id]
	if !ok {
		return slurm.Job{}, false
	}
	return s.Jobs[i], true
}

// Store is safe for concurrent use. D is the diagnostic result type.
type Store[D any] struct {
	snapshot    atomic.Pointer[Snapshot]
	jobs        *TTL[slurm.Job]
	diagnostics *TTL[D]
	group       singleflight.Group
}

func NewStore[D any](jobTTL, diagnosticTTL time.Duration) *Store[D] {
	return &Store[D]{
		jobs:        NewTTL[slurm.Job](jobTTL),
		diagnostics: NewTTL[D](diagnosticTTL),
	}
}

// Replace publishes a new snapshot. Readers holding the previous one keep a
// consistent view.
func (s *Store[D]) Replace(snap *Snapshot) {
	s.snapshot.Store(snap)
}

// Current returns the latest snapshot, or nil before the first refresh.
func (s *Store[D]) Current() *Snapshot {
	return s.snapshot.Load()
}

func (s *Store[D]) ActiveJobs() []slurm.Job {
	if snap := s.Current(); snap != nil {
		return snap.Jobs
	}
	return nil
}

func (s *Store[D]) Job(id string) (slurm.Job, bool) {
	return s.jobs.Get(id)
}

func (s *Store[D]) PutJob(job slurm.Job) {
	s.jobs.Add(job.ID, job)
}

func (s *Store[D]) Diagnostic(id string) (D, bool) {
	return s.diagnostics.Get(id)
}

// PutDiagnostic caches d for ttl; a non-positive ttl uses the store default.
func (s *Store[D]) PutDiagnostic(id string, d D, ttl time.Duration) {
	if ttl <= 0 {
		s.diagnostics.Add(id, d)
		return
	}
	s.diagnostics.AddWithTTL(id, d, ttl)
}

// LoadJob returns the cached record for id or fetches it. Concurrent loads
// of the same id share one fetch.
func (s *Store[D]) LoadJob(ctx context.Context, id string, fetch func(context.Context, string) (slurm.Job, error)) (slurm.Job, error) {
	if job, ok := s.jobs.Get(id); ok {
		return job, nil
	}
	v, err, _ := s.group.Do(id, func() (any, error) {
		if job, ok := s.jobs.Get(id); ok {
			return job, nil
		}
		job, err := fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		s.jobs.Add(id, job)
		return job, nil
	})
	if err != nil {
		return slurm.Job{}, err
	}
	return v.(slurm.Job), nil
}

// LoadSnapshot returns the current snapshot, or runs collect once and
// publishes its result when there is none yet.
func (s *Store[D]) LoadSnapshot(ctx context.Context, collect func(context.Context) (*Snapshot, error)) (*Snapshot, error) {
	if snap := s.Current(); snap != nil {
		return snap, nil
	}
	v, err, _ := s.group.Do(snapshotKey, func() (any, error) {
		if snap := s.Current(); snap != nil {
			return snap, nil
		}
		snap, err := collect(ctx)
		if err != nil {
			return nil, err
		}
		s.Replace(snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Job ids are digits and underscores, so this key cannot collide.
const snapshotKey = "snapshot"

// Purge drops stale job and diagnostic entries.
func (s *Store[D]) Purge() int {
	return s.jobs.Purge() + s.diagnostics.Purge()
}
