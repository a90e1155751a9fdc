package quota

import (
	"sort"
	"time"

	"slurm_why/internal/billing"
	"slurm_why/internal/slurm"
)

// MaxTopConsumers caps Usage.TopConsumers.
const MaxTopConsumers = 10

type Consumer struct {
	JobID   string `json:"jobId"`
	User    string `json:"user"`
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

type Usage struct {
	Total        int64      `json:"total"`
	Count        int        `json:"count"`
	TopConsumers []Consumer `json:"topConsumers"`
}

// Contribution is what one job counts against dim. ok is false when the job
// does not count at all: it is not active for the dimension, or it has no
// time limit and dim is a run-minutes dimension.
func Contribution(job slurm.Job, dim Dimension, now time.Time) (int64, bool) {
	switch dim {
	case DimSubmitJobs:
		if !job.IsPending() && !job.IsRunning() {
			return 0, false
		}
	default:
		if !job.IsRunning() {
			return 0, false
		}
	}
	return amount(job, dim, now)
}

// Requested is the job's own demand in dim, added on top of current usage
// when testing a limit. A submitted job already counts toward submit_jobs.
func Requested(job slurm.Job, dim Dimension, now time.Time) int64 {
	if dim == DimSubmitJobs {
		return 0
	}
	n, ok := amount(job, dim, now)
	if !ok {
		return 0
	}
	return n
}

func amount(job slurm.Job, dim Dimension, now time.Time) (int64, bool) {
	alloc := job.Allocated()
	switch dim {
	case DimCPU:
		return alloc.CPU, true
	case DimMemory:
		return alloc.MemoryMB, true
	case DimNode:
		return alloc.Nodes, true
	case DimGPU:
		return alloc.GPU.Total, true
	case DimJobs, DimSubmitJobs:
		return 1, true
	case DimCPURunMins:
		return billing.ResourceMinutes(job, billing.ResourceCPU, now)
	case DimMemRunMins:
		return billing.ResourceMinutes(job, billing.ResourceMemory, now)
	case DimNodeRunMins:
		return billing.ResourceMinutes(job, billing.ResourceNode, now)
	}
	return 0, false
}

// AggregateUsage sums dim over the jobs charged to account, and to every
// account below it when includeDescendants is set.
func AggregateUsage(s *Snapshot, account string, dim Dimension, jobs []slurm.Job, includeDescendants bool, now time.Time) Usage {
	targets := map[string]bool{account: true}
	if includeDescendants {
		for _, d := range s.Descendants(account) {
			targets[d] = true
		}
	}
	return aggregate(jobs, dim, now, func(j slurm.Job) bool {
		return targets[j.Account]
	})
}

// UserUsage sums dim over one user's jobs in account.
func UserUsage(account, user string, dim Dimension, jobs []slurm.Job, now time.Time) Usage {
	return aggregate(jobs, dim, now, func(j slurm.Job) bool {
		return j.Account == account && j.User == user
	})
}

func aggregate(jobs []slurm.Job, dim Dimension, now time.Time, match func(slurm.Job) bool) Usage {
	var usage Usage
	consumers := make([]Consumer, 0)
	for _, j := range jobs {
		if !match(j) {
			continue
		}
		n, ok := Contribution(j, dim, now)
		if !ok {
			continue
		}
		usage.Total += n
		usage.Count++
		consumers = append(consumers, Consumer{JobID: j.ID, User: j.User, Account: j.Account, Amount: n})
	}
	sort.SliceStable(consumers, func(i, k int) bool {
		return consumers[i].Amount > consumers[k].Amount
	})
	if len(consumers) > MaxTopConsumers {
		consumers = consumers[:MaxTopConsumers]
	}
	usage.TopConsumers = consumers
	return usage
}
