// Package diagnose explains why a pending job has not started. The engine
// classifies the job's pending reason and hands it to one analyzer, which
// always produces a Result even when its queries fail.
package diagnose

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"slurm_why/internal/cache"
	"slurm_why/internal/logutils"
	"slurm_why/internal/slurm"
)

var ErrInvalidJobID = errors.New("invalid job id")

// Source is the live query side of the engine. *slurm.Client implements it.
type Source interface {
	Job(ctx context.Context, id string) (slurm.Job, error)
	AccountingJob(ctx context.Context, id string) (slurm.AccountingRecord, error)
	PendingJobs(ctx context.Context, partition string) ([]slurm.Job, error)
	Priority(ctx context.Context, id string) (slurm.PriorityFactors, error)
	PriorityWeights(ctx context.Context) (map[string]int64, error)
	Partition(ctx context.Context, name string) (slurm.Partition, error)
	Reservation(ctx context.Context, name string) (slurm.Reservation, error)
	Nodes(ctx context.Context) ([]slurm.Node, error)
	QOSNames(ctx context.Context) ([]string, error)
}

// Collector produces a full snapshot when the store has none yet.
type Collector interface {
	Collect(ctx context.Context) (slurm.Snapshot, error)
}

type Store = cache.Store[Result]

func NewStore(jobTTL, diagnosticTTL time.Duration) *Store {
	return cache.NewStore[Result](jobTTL, diagnosticTTL)
}

const defaultTopCompetitors = 10

type Engine struct {
	source         Source
	collector      Collector
	store          *Store
	diagnosticTTL  time.Duration
	topCompetitors int
	now            func() time.Time
}

func NewEngine(source Source, collector Collector, store *Store, diagnosticTTL time.Duration) *Engine {
	return &Engine{
		source:         source,
		collector:      collector,
		store:          store,
		diagnosticTTL:  diagnosticTTL,
		topCompetitors: defaultTopCompetitors,
		now:            time.Now,
	}
}

// Diagnose is the single entry point. The only error it returns is
// ErrInvalidJobID; every other failure becomes an Error, Info or Other
// result.
func (e *Engine) Diagnose(ctx context.Context, jobID string) (Result, error) {
	if !slurm.ValidJobID(jobID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	if cached, ok := e.store.Diagnostic(jobID); ok {
		return cached, nil
	}

	result := e.diagnose(ctx, jobID)
	if result.Kind() != KindError && !lookupFailed(result) {
		e.store.PutDiagnostic(jobID, result, e.diagnosticTTL)
	}
	return result, nil
}

func (e *Engine) diagnose(ctx context.Context, jobID string) (result Result) {
	log := logutils.Log.WithField("job_id", jobID)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("analyzer panic: %v", r)
			result = e.errorResult(jobID, "", fmt.Sprintf("internal error while analyzing: %v", r))
		}
	}()

	job, err := e.store.LoadJob(ctx, jobID, e.source.Job)
	if err != nil {
		if errors.Is(err, slurm.ErrJobNotFound) {
			return e.purged(ctx, jobID)
		}
		log.WithError(err).Warn("job lookup failed")
		return e.errorResult(jobID, "", fmt.Sprintf("could not query job %s: %v", jobID, err))
	}
	if !job.IsPending() {
		return e.status(job)
	}

	reason := ClassifyReason(job.Reason)
	log.WithField("reason", job.Reason).Debug("dispatching")
	return e.dispatch(ctx, job, reason)
}

// dispatch has exactly one case per Reason.
func (e *Engine) dispatch(ctx context.Context, job slurm.Job, reason Reason) Result {
	switch reason {
	case ReasonResources:
		return e.analyzeResources(ctx, job)
	case ReasonPriority:
		return e.analyzePriority(ctx, job)
	case ReasonDependency:
		return e.analyzeDependency(ctx, job)
	case ReasonDependencyNeverSatisfied:
		return e.analyzeDependencyNeverSatisfied(ctx, job)
	case ReasonAssocGrpCPULimit, ReasonAssocGrpMemLimit, ReasonAssocGrpNodeLimit,
		ReasonAssocGrpGRES, ReasonAssocGrpJobsLimit, ReasonAssocGrpSubmitJobsLimit,
		ReasonAssocGrpCPURunMinutesLimit, ReasonAssocGrpMemRunMinutes, ReasonAssocGrpNodeRunMinutes,
		ReasonAssocMaxJobsLimit, ReasonAssocMaxSubmitJobLimit:
		return e.analyzeLimit(ctx, job, reason)
	case ReasonBeginTime:
		return e.analyzeBeginTime(job)
	case ReasonJobHeldUser, ReasonJobHeldAdmin:
		return e.analyzeHeld(job, reason)
	case ReasonReqNodeNotAvail:
		return e.analyzeReqNodeNotAvail(ctx, job)
	case ReasonPartitionDown, ReasonPartitionInactive, ReasonPartitionTimeLimit, ReasonPartitionNodeLimit:
		return e.analyzePartition(ctx, job, reason)
	case ReasonReservation:
		return e.analyzeReservation(ctx, job)
	case ReasonInvalidQOS:
		return e.analyzeInvalidQOS(ctx, job)
	case ReasonJobArrayTaskLimit:
		return e.analyzeArrayTaskLimit(ctx, job)
	case ReasonUnknown:
		return e.other(job, fmt.Sprintf("Slurm reports %q; there is no detailed analysis for this reason", job.Reason))
	}
	return e.other(job, fmt.Sprintf("unhandled reason %s", reason))
}

// snapshot returns the published snapshot, collecting one on a cold store.
func (e *Engine) snapshot(ctx context.Context) (*cache.Snapshot, error) {
	return e.store.LoadSnapshot(ctx, func(ctx context.Context) (*cache.Snapshot, error) {
		if e.collector == nil {
			return nil, errors.New("no snapshot available")
		}
		s, err := e.collector.Collect(ctx)
		if err != nil {
			return nil, err
		}
		return cache.NewSnapshot(s), nil
	})
}

// purged handles jobs the controller no longer knows. Accounting may still
// have them.
func (e *Engine) purged(ctx context.Context, jobID string) Result {
	rec, err := e.source.AccountingJob(ctx, jobID)
	if err != nil {
		return e.errorResult(jobID, "", fmt.Sprintf("job %s was not found by the controller or in accounting", jobID))
	}
	return StatusResult{
		Base:      e.base(KindStatus, jobID, "", fmt.Sprintf("job %s is no longer pending: it is %s", jobID, rec.State)),
		State:     rec.State,
		ExitCode:  rec.ExitCode,
		StartTime: rec.Start,
		EndTime:   rec.End,
	}
}

func (e *Engine) status(job slurm.Job) Result {
	return StatusResult{
		Base:      e.base(KindStatus, job.ID, job.Reason, fmt.Sprintf("job %s is no longer pending: it is %s", job.ID, job.State)),
		State:     job.State,
		ExitCode:  job.ExitCode,
		StartTime: job.StartTime,
		EndTime:   job.EndTime,
	}
}

func (e *Engine) base(kind Kind, jobID, reason, summary string) Base {
	return Base{Type: kind, JobID: jobID, Reason: reason, Summary: summary, At: e.now()}
}

func (e *Engine) other(job slurm.Job, message string) Result {
	return MessageResult{
		Base:    e.base(KindOther, job.ID, job.Reason, fmt.Sprintf("pending: %s", job.Reason)),
		Message: message,
	}
}

func (e *Engine) errorResult(jobID, reason, message string) Result {
	return MessageResult{
		Base:    e.base(KindError, jobID, reason, message),
		Message: message,
	}
}

func (e *Engine) info(job slurm.Job, summary, message string) MessageResult {
	return MessageResult{
		Base:       e.base(KindInfo, job.ID, job.Reason, summary),
		Message:    message,
		Confidence: "low",
	}
}
