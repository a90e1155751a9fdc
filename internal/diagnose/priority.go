package diagnose

import (
	"context"
	"fmt"

	"slurm_why/internal/priority"
	"slurm_why/internal/slurm"
)

func (e *Engine) analyzePriority(ctx context.Context, job slurm.Job) Result {
	factors, err := e.source.Priority(ctx, job.ID)
	if err != nil {
		return e.other(job, fmt.Sprintf("higher-priority jobs are ahead of this one; the priority breakdown is unavailable: %v", err))
	}
	weights, err := e.source.PriorityWeights(ctx)
	if err != nil {
		return e.other(job, fmt.Sprintf("higher-priority jobs are ahead of this one; priority weights are unavailable: %v", err))
	}

	partition := factors.Partition
	if partition == "" {
		if parts := partitions(job); len(parts) > 0 {
			partition = parts[0]
		}
	}
	own := factors.Priority
	if own == 0 {
		own = job.Priority
	}

	pending := e.pendingIn(ctx, partition)
	breakdown := priority.FromFactors(factors, weights)
	contributions := breakdown.Contributions()
	ranking := priority.Rank(pending, job.ID, own, e.topCompetitors)
	dominant := priority.DominantFactor(contributions)

	summary := fmt.Sprintf("position %d of %d pending in %s; %d jobs have higher priority",
		ranking.Position, ranking.TotalPending, partition, ranking.HigherPriorityCount)
	if dominant != "" {
		summary += fmt.Sprintf("; %s drives %.1f%% of this job's priority", dominant, contributions[dominant])
	}

	return PriorityResult{
		Base:          e.base(KindPriority, job.ID, job.Reason, summary),
		Partition:     partition,
		Breakdown:     breakdown,
		Contributions: contributions,
		Dominant:      dominant,
		Ranking:       ranking,
	}
}

// pendingIn lists the partition's queue live, falling back to the snapshot.
func (e *Engine) pendingIn(ctx context.Context, partition string) []slurm.Job {
	if partition != "" {
		if jobs, err := e.source.PendingJobs(ctx, partition); err == nil {
			return jobs
		}
	}
	var out []slurm.Job
	for _, j := range e.store.ActiveJobs() {
		if !j.IsPending() {
			continue
		}
		for _, p := range partitions(j) {
			if p == partition {
				out = append(out, j)
				break
			}
		}
	}
	return out
}
