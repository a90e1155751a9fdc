package dependency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"slurm_why/internal/slurm"
	"slurm_why/internal/transport"
)

// JobStatus is what the evaluator needs to know about a referenced job.
type JobStatus struct {
	JobID     string
	State     string
	ExitCode  int
	StartTime time.Time
}

// Resolver looks up a referenced job, cache first. It returns an error
// wrapping slurm.ErrJobNotFound only when neither the controller nor
// accounting knows the job; any other error is a failed lookup.
type Resolver interface {
	Resolve(ctx context.Context, jobID string) (JobStatus, error)
}

// Options tunes how lookups that return no job are judged.
type Options struct {
	// GoneIsPermanent marks a referenced job that no longer exists as a
	// permanent blocker. Only set when Slurm itself has declared the
	// dependency unsatisfiable; otherwise a missing job only leaves the
	// clause unsatisfied.
	GoneIsPermanent bool
}

type JobResult struct {
	JobID      string `json:"jobId"`
	State      string `json:"state,omitempty"`
	ExitCode   int    `json:"exitCode"`
	Satisfied  bool   `json:"satisfied"`
	Unresolved bool   `json:"unresolved,omitempty"`
	// Gone is set when the lookup positively found no such job.
	Gone bool `json:"gone,omitempty"`
	// Permanent is set when this job can never satisfy the clause.
	Permanent bool   `json:"permanent,omitempty"`
	Note      string `json:"note,omitempty"`
}

type ClauseResult struct {
	Clause    Clause      `json:"clause"`
	Satisfied bool        `json:"satisfied"`
	Jobs      []JobResult `json:"jobs"`
}

// blocked reports whether the clause can never become satisfied.
func (c ClauseResult) blocked() bool {
	for _, j := range c.Jobs {
		if j.Permanent {
			return true
		}
	}
	return false
}

type Evaluation struct {
	Operator  Operator       `json:"operator"`
	Satisfied bool           `json:"satisfied"`
	Clauses   []ClauseResult `json:"clauses"`
}

// Permanent lists the referenced jobs that can never satisfy their clause,
// either because they finished the wrong way or because they no longer exist.
func (e Evaluation) Permanent() []string {
	var out []string
	for _, c := range e.Clauses {
		for _, j := range c.Jobs {
			if j.Permanent {
				out = append(out, j.JobID)
			}
		}
	}
	return out
}

// NeverSatisfiable is true when no future state change can satisfy the
// expression: one blocked clause under AND, every clause blocked under OR.
func (e Evaluation) NeverSatisfiable() bool {
	if e.Satisfied || len(e.Clauses) == 0 {
		return false
	}
	blocked := 0
	for _, c := range e.Clauses {
		if c.blocked() {
			blocked++
		}
	}
	if e.Operator == OpOr {
		return blocked == len(e.Clauses)
	}
	return blocked > 0
}

// Unmet returns the clauses that are not satisfied yet.
func (e Evaluation) Unmet() []ClauseResult {
	var out []ClauseResult
	for _, c := range e.Clauses {
		if !c.Satisfied {
			out = append(out, c)
		}
	}
	return out
}

// LookupFailed reports whether some referenced job could not be looked up
// for a reason other than the job being gone.
func (e Evaluation) LookupFailed() bool {
	for _, c := range e.Clauses {
		for _, j := range c.Jobs {
			if j.Unresolved && !j.Gone {
				return true
			}
		}
	}
	return false
}

// Evaluate resolves every referenced job and applies the per-type rules. A
// clause holds when every listed job satisfies it; the expression holds when
// all (AND) or any (OR) clauses hold. Referenced jobs are resolved one at a
// time.
func Evaluate(ctx context.Context, spec Spec, resolver Resolver, now time.Time, opts Options) Evaluation {
	ev := Evaluation{Operator: spec.Operator}
	if spec.Operator == "" {
		ev.Operator = OpAnd
	}
	for _, clause := range spec.Clauses {
		ev.Clauses = append(ev.Clauses, evaluateClause(ctx, clause, resolver, now, opts))
	}

	switch ev.Operator {
	case OpOr:
		for _, c := range ev.Clauses {
			if c.Satisfied {
				ev.Satisfied = true
				break
			}
		}
	default:
		ev.Satisfied = true
		for _, c := range ev.Clauses {
			if !c.Satisfied {
				ev.Satisfied = false
				break
			}
		}
	}
	return ev
}

func evaluateClause(ctx context.Context, clause Clause, resolver Resolver, now time.Time, opts Options) ClauseResult {
	res := ClauseResult{Clause: clause}
	if clause.Type == Singleton {
		res.Jobs = []JobResult{{
			Note: "another job with the same name and user is still active",
		}}
		return res
	}

	res.Satisfied = true
	for _, id := range clause.JobIDs {
		jr := JobResult{JobID: id}
		status, err := resolver.Resolve(ctx, lookupID(id))
		if err != nil {
			jr.Unresolved = true
			jr.Gone, jr.Permanent, jr.Note = unresolved(id, err, opts)
		} else {
			jr.State = status.State
			jr.ExitCode = status.ExitCode
			jr.Satisfied, jr.Permanent, jr.Note = judge(clause.Type, status, clause.DelayMinutes[id], now)
		}
		if !jr.Satisfied {
			res.Satisfied = false
		}
		res.Jobs = append(res.Jobs, jr)
	}
	return res
}

func unresolved(id string, err error, opts Options) (gone, permanent bool, note string) {
	switch {
	case errors.Is(err, slurm.ErrJobNotFound):
		if opts.GoneIsPermanent {
			return true, true, fmt.Sprintf("job %s no longer exists and never completed the way this clause needs", id)
		}
		return true, false, fmt.Sprintf("job %s could not be found; it has likely been purged", id)
	case transport.IsRetryable(err):
		return false, false, fmt.Sprintf("lookup of job %s timed out or lost its connection; it will be retried", id)
	}
	return false, false, fmt.Sprintf("lookup of job %s failed: %v", id, err)
}

// lookupID maps "123_*" (every task of an array) to the array job id.
func lookupID(id string) string {
	return strings.TrimSuffix(id, arrayWildcard)
}

func judge(t Type, st JobStatus, delay int64, now time.Time) (satisfied, permanent bool, note string) {
	terminal := slurm.IsTerminalState(st.State)
	success := strings.EqualFold(st.State, slurm.StateCompleted) && st.ExitCode == 0

	switch t {
	case AfterOK:
		if success {
			return true, false, ""
		}
		if terminal {
			return false, true, fmt.Sprintf("ended %s with exit code %d; afterok needs a clean completion", st.State, st.ExitCode)
		}
		return false, false, fmt.Sprintf("still %s", st.State)
	case AfterNotOK:
		if terminal && !success {
			return true, false, ""
		}
		if success {
			return false, true, "completed successfully; afternotok needs a failure"
		}
		return false, false, fmt.Sprintf("still %s", st.State)
	case AfterAny, AfterCorr, AfterBurstBuffer:
		if terminal {
			return true, false, ""
		}
		return false, false, fmt.Sprintf("still %s", st.State)
	case After:
		if strings.EqualFold(st.State, slurm.StatePending) {
			return false, false, "has not started"
		}
		if delay > 0 && !st.StartTime.IsZero() {
			ready := st.StartTime.Add(time.Duration(delay) * time.Minute)
			if now.Before(ready) {
				return false, false, fmt.Sprintf("started; %d minute delay ends at %s", delay, ready.Format("15:04"))
			}
		}
		return true, false, ""
	}
	return false, false, ""
}
