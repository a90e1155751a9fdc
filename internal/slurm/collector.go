package slurm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source is the subset of Client the collector needs.
type Source interface {
	Associations(ctx context.Context) ([]Association, error)
	ActiveJobs(ctx context.Context) ([]Job, error)
	Nodes(ctx context.Context) ([]Node, error)
}

type Collector struct {
	source Source
	now    func() time.Time
}

func NewCollector(source Source) *Collector {
	return &Collector{source: source, now: time.Now}
}

// Collect gathers the account table, the active queue and the node table in
// parallel. Any failure fails the whole pass so a snapshot is never partial.
func (c *Collector) Collect(ctx context.Context) (Snapshot, error) {
	var snapshot Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		assocs, err := c.source.Associations(gctx)
		if err != nil {
			return fmt.Errorf("associations: %w", err)
		}
		snapshot.Associations = assocs
		return nil
	})
	g.Go(func() error {
		jobs, err := c.source.ActiveJobs(gctx)
		if err != nil {
			return fmt.Errorf("active jobs: %w", err)
		}
		SortByPriority(jobs)
		snapshot.Jobs = jobs
		return nil
	})
	g.Go(func() error {
		nodes, err := c.source.Nodes(gctx)
		if err != nil {
			return fmt.Errorf("nodes: %w", err)
		}
		snapshot.Nodes = nodes
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, fmt.Errorf("collect snapshot: %w", err)
	}
	snapshot.CollectedAt = c.now()
	return snapshot, nil
}
