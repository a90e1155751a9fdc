package diagnose

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"slurm_why/internal/billing"
	"slurm_why/internal/slurm"
)

func (e *Engine) analyzeBeginTime(job slurm.Job) Result {
	res := BeginTimeResult{EligibleTime: job.EligibleTime}
	now := e.now()
	var summary string
	switch {
	case job.EligibleTime.IsZero():
		summary = "the job was submitted with a begin time that Slurm did not report"
	case !job.EligibleTime.After(now):
		summary = fmt.Sprintf("the begin time %s has passed; the job becomes eligible on the next scheduling pass",
			job.EligibleTime.Format("2006-01-02 15:04"))
	default:
		res.WaitMinutes = int64((job.EligibleTime.Sub(now) + time.Minute - 1) / time.Minute)
		summary = fmt.Sprintf("the job may not start before %s (%d more minutes)",
			job.EligibleTime.Format("2006-01-02 15:04"), res.WaitMinutes)
	}
	res.Base = e.base(KindBeginTime, job.ID, job.Reason, summary)
	return res
}

func (e *Engine) analyzeHeld(job slurm.Job, reason Reason) Result {
	if reason == ReasonJobHeldUser {
		return HeldResult{
			Base:   e.base(KindJobHeldUser, job.ID, job.Reason, "the job is held by its owner"),
			HeldBy: "user",
			Hint:   fmt.Sprintf("scontrol release %s", job.ID),
		}
	}
	return HeldResult{
		Base:   e.base(KindJobHeldAdmin, job.ID, job.Reason, "the job is held by an administrator"),
		HeldBy: "admin",
		Hint:   "only an administrator can release it; ask your cluster support team",
	}
}

func (e *Engine) analyzeReqNodeNotAvail(ctx context.Context, job slurm.Job) Result {
	res := ReqNodeNotAvailResult{
		RequiredNodes:    job.ReqNodes,
		ExcludedNodes:    job.ExcNodes,
		UnavailableNodes: unavailableNodes(job.Reason),
		Unschedulable:    []NodeState{},
	}

	parts := partitions(job)
	all, err := e.nodes(ctx)
	if err == nil {
		for _, n := range all {
			if inAny(n, parts) && !n.Schedulable() {
				res.Unschedulable = append(res.Unschedulable, NodeState{Name: n.Name, State: n.State})
			}
		}
		sort.Slice(res.Unschedulable, func(i, j int) bool {
			return res.Unschedulable[i].Name < res.Unschedulable[j].Name
		})
	}

	var summary string
	switch {
	case res.UnavailableNodes != "":
		summary = fmt.Sprintf("nodes the job needs are unavailable: %s", res.UnavailableNodes)
	case len(res.Unschedulable) > 0:
		summary = fmt.Sprintf("%d nodes in %s are down, drained or reserved", len(res.Unschedulable), job.Partition)
	default:
		summary = "a node the job needs is down, drained or reserved"
	}
	if job.ReqNodes != "" {
		summary += fmt.Sprintf("; the job asks for nodes %s specifically", job.ReqNodes)
	}
	res.Base = e.base(KindReqNodeNotAvail, job.ID, job.Reason, summary)
	return res
}

// unavailableNodes extracts the node list from
// "ReqNodeNotAvail, UnavailableNodes:gpu[01-02]".
func unavailableNodes(reason string) string {
	_, rest, ok := strings.Cut(reason, "UnavailableNodes:")
	if !ok {
		return ""
	}
	return strings.TrimSpace(rest)
}

func (e *Engine) analyzePartition(ctx context.Context, job slurm.Job, reason Reason) Result {
	name := job.Partition
	if parts := partitions(job); len(parts) > 0 {
		name = parts[0]
	}
	p, err := e.source.Partition(ctx, name)
	if err != nil {
		return e.other(job, fmt.Sprintf("partition %s could not be queried: %v", name, err))
	}

	res := PartitionResult{Partition: p}
	var summary string
	kind := Kind(reason.String())
	switch reason {
	case ReasonPartitionDown:
		summary = fmt.Sprintf("partition %s is %s; jobs queue but do not start until it is brought up", p.Name, p.State)
	case ReasonPartitionInactive:
		summary = fmt.Sprintf("partition %s is %s; it neither accepts nor starts jobs", p.Name, p.State)
	case ReasonPartitionTimeLimit:
		res.JobTimeLimit = job.TimeLimit
		summary = fmt.Sprintf("the job's time limit %s exceeds the partition maximum %s", job.TimeLimit, p.MaxTime)
		if jobMin, ok := billing.ParseTimeLimit(job.TimeLimit); ok {
			if maxMin, ok := billing.ParseTimeLimit(p.MaxTime); ok && jobMin <= maxMin {
				summary = fmt.Sprintf("the job's time limit %s is within the partition maximum %s; the partition limit may have changed", job.TimeLimit, p.MaxTime)
			}
		}
	case ReasonPartitionNodeLimit:
		res.JobNodes = job.NumNodes
		switch {
		case p.MaxNodes >= 0 && job.NumNodes > p.MaxNodes:
			summary = fmt.Sprintf("the job asks for %d nodes; partition %s allows at most %d", job.NumNodes, p.Name, p.MaxNodes)
		case job.NumNodes < p.MinNodes:
			summary = fmt.Sprintf("the job asks for %d nodes; partition %s needs at least %d", job.NumNodes, p.Name, p.MinNodes)
		default:
			summary = fmt.Sprintf("the job's %d nodes fall outside what partition %s can offer (%d nodes total)", job.NumNodes, p.Name, p.TotalNodes)
		}
	}
	res.Base = e.base(kind, job.ID, job.Reason, summary)
	return res
}

func (e *Engine) analyzeReservation(ctx context.Context, job slurm.Job) Result {
	if job.Reservation == "" {
		return e.other(job, "Slurm reports a reservation wait but the job names no reservation")
	}
	r, err := e.source.Reservation(ctx, job.Reservation)
	if err != nil {
		return e.other(job, fmt.Sprintf("reservation %s could not be queried: %v", job.Reservation, err))
	}

	now := e.now()
	var summary string
	switch {
	case !r.StartTime.IsZero() && r.StartTime.After(now):
		summary = fmt.Sprintf("reservation %s starts at %s", r.Name, r.StartTime.Format("2006-01-02 15:04"))
	case !r.EndTime.IsZero() && !r.EndTime.After(now):
		summary = fmt.Sprintf("reservation %s ended at %s; the job cannot run in it", r.Name, r.EndTime.Format("2006-01-02 15:04"))
	default:
		summary = fmt.Sprintf("reservation %s is %s; its %d nodes are busy", r.Name, strings.ToLower(r.State), r.NodeCount)
	}
	return ReservationResult{
		Base:        e.base(KindReservation, job.ID, job.Reason, summary),
		Reservation: r,
	}
}

func (e *Engine) analyzeInvalidQOS(ctx context.Context, job slurm.Job) Result {
	res := InvalidQOSResult{QOS: job.QOS, Account: job.Account, AllowedQOS: []string{}}

	if snap, err := e.snapshot(ctx); err == nil {
		if node, ok := snap.Limits.Accounts[job.Account]; ok && len(node.QOS) > 0 {
			res.AllowedQOS = node.QOS
		}
	}

	names, err := e.source.QOSNames(ctx)
	var summary string
	switch {
	case err != nil:
		summary = fmt.Sprintf("QOS %s is not usable by account %s", job.QOS, job.Account)
	default:
		res.Exists = contains(names, job.QOS)
		if !res.Exists {
			summary = fmt.Sprintf("QOS %s does not exist", job.QOS)
		} else {
			summary = fmt.Sprintf("QOS %s exists but account %s may not use it", job.QOS, job.Account)
		}
	}
	if len(res.AllowedQOS) > 0 {
		summary += "; allowed: " + strings.Join(res.AllowedQOS, ", ")
	}
	res.Base = e.base(KindInvalidQOS, job.ID, job.Reason, summary)
	return res
}

func (e *Engine) analyzeArrayTaskLimit(ctx context.Context, job slurm.Job) Result {
	root := job.RootID()
	res := ArrayTaskLimitResult{ArrayJobID: root, Throttle: job.ArrayThrottle}

	if snap, err := e.snapshot(ctx); err == nil {
		for _, j := range snap.Jobs {
			if j.RootID() != root {
				continue
			}
			switch {
			case j.IsRunning():
				res.RunningTasks++
			case j.IsPending():
				res.PendingTasks++
			}
		}
	}

	var summary string
	if res.Throttle > 0 {
		summary = fmt.Sprintf("array %s runs at most %d tasks at once; %d running, %d pending",
			root, res.Throttle, res.RunningTasks, res.PendingTasks)
	} else {
		summary = fmt.Sprintf("array %s has reached its task limit; %d running, %d pending",
			root, res.RunningTasks, res.PendingTasks)
	}
	res.Base = e.base(KindJobArrayTaskLimit, job.ID, job.Reason, summary)
	return res
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
