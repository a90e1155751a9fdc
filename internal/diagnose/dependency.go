package diagnose

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"slurm_why/internal/cache"
	"slurm_why/internal/dependency"
	"slurm_why/internal/slurm"
)

// jobResolver looks referenced jobs up in the job cache, then the snapshot,
// then the controller, then accounting.
type jobResolver struct {
	e    *Engine
	snap *cache.Snapshot
}

func (r jobResolver) Resolve(ctx context.Context, id string) (dependency.JobStatus, error) {
	if job, ok := r.e.store.Job(id); ok {
		return statusOf(job), nil
	}
	if r.snap != nil {
		if job, ok := r.snap.Job(id); ok {
			return statusOf(job), nil
		}
	}
	job, err := r.e.store.LoadJob(ctx, id, r.e.source.Job)
	if err == nil {
		return statusOf(job), nil
	}
	if !errors.Is(err, slurm.ErrJobNotFound) {
		return dependency.JobStatus{}, err
	}
	rec, err := r.e.source.AccountingJob(ctx, id)
	if err != nil {
		return dependency.JobStatus{}, err
	}
	return dependency.JobStatus{JobID: rec.JobID, State: rec.State, ExitCode: rec.ExitCode, StartTime: rec.Start}, nil
}

func statusOf(job slurm.Job) dependency.JobStatus {
	return dependency.JobStatus{JobID: job.ID, State: job.State, ExitCode: job.ExitCode, StartTime: job.StartTime}
}

func (e *Engine) resolver() jobResolver {
	return jobResolver{e: e, snap: e.store.Current()}
}

// evaluateDependency parses and evaluates the job's dependency. A non-nil
// Result means the expression could not be analyzed.
func (e *Engine) evaluateDependency(ctx context.Context, job slurm.Job, opts dependency.Options) (dependency.Evaluation, Result) {
	spec, err := dependency.Parse(job.Dependency)
	if err != nil {
		return dependency.Evaluation{}, e.other(job, fmt.Sprintf("dependency %q could not be parsed: %v", job.Dependency, err))
	}
	if spec.Empty() {
		return dependency.Evaluation{}, e.other(job, "Slurm reports a dependency wait but the job lists no dependency; it was likely just satisfied")
	}
	return dependency.Evaluate(ctx, spec, e.resolver(), e.now(), opts), nil
}

func (e *Engine) analyzeDependency(ctx context.Context, job slurm.Job) Result {
	ev, failed := e.evaluateDependency(ctx, job, dependency.Options{})
	if failed != nil {
		return failed
	}

	never := ev.NeverSatisfiable()
	var summary string
	switch {
	case ev.Satisfied:
		summary = "every dependency is met; the scheduler will release the job on its next pass"
	case never:
		summary = fmt.Sprintf("the dependency can never be satisfied because of job(s) %s; cancel and resubmit", strings.Join(ev.Permanent(), ", "))
	default:
		summary = "waiting on " + describeUnmet(ev.Unmet())
	}

	return DependencyResult{
		Base:             e.base(KindDependency, job.ID, job.Reason, summary),
		Expression:       job.Dependency,
		Evaluation:       ev,
		NeverSatisfiable: never,
	}
}

func (e *Engine) analyzeDependencyNeverSatisfied(ctx context.Context, job slurm.Job) Result {
	ev, failed := e.evaluateDependency(ctx, job, dependency.Options{GoneIsPermanent: true})
	if failed != nil {
		return failed
	}

	blocking := ev.Permanent()
	summary := "the dependency can never be satisfied; cancel the job and resubmit without it"
	if len(blocking) > 0 {
		summary = fmt.Sprintf("the dependency can never be satisfied because of job(s) %s; cancel the job and resubmit without it", strings.Join(blocking, ", "))
	}

	return DependencyNeverSatisfiedResult{
		Base:       e.base(KindDependencyNeverSatisfied, job.ID, job.Reason, summary),
		Expression: job.Dependency,
		Evaluation: ev,
		Blocking:   blocking,
	}
}

// lookupFailed reports a dependency result that rests on a failed job lookup.
// Such results are not cached.
func lookupFailed(r Result) bool {
	switch d := r.(type) {
	case DependencyResult:
		return d.Evaluation.LookupFailed()
	case DependencyNeverSatisfiedResult:
		return d.Evaluation.LookupFailed()
	}
	return false
}

func describeUnmet(clauses []dependency.ClauseResult) string {
	var parts []string
	for _, c := range clauses {
		if c.Clause.Type == dependency.Singleton {
			parts = append(parts, "singleton (another job with the same name is active)")
			continue
		}
		for _, j := range c.Jobs {
			if j.Satisfied {
				continue
			}
			note := j.Note
			if note == "" {
				note = strings.ToLower(j.State)
			}
			parts = append(parts, fmt.Sprintf("%s %s (%s)", c.Clause.Type, j.JobID, note))
		}
	}
	return strings.Join(parts, ", ")
}
