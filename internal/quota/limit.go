package quota

import (
	"time"

	"slurm_why/internal/slurm"
)

const (
	ScopeUser  = "user"
	ScopeGroup = "group"
)

// Level is one limit that was tested for the job.
type Level struct {
	Account   string `json:"account"`
	Scope     string `json:"scope"`
	Limit     int64  `json:"limit"`
	Usage     Usage  `json:"usage"`
	Requested int64  `json:"requested"`
	Exceeded  bool   `json:"exceeded"`
}

// Headroom is how much of the limit is left before the job's own request.
func (l Level) Headroom() int64 {
	h := l.Limit - l.Usage.Total
	if h < 0 {
		return 0
	}
	return h
}

type Finding struct {
	Dimension Dimension `json:"dimension"`
	Limiting  *Level    `json:"limiting,omitempty"`
	Levels    []Level   `json:"levels"`
}

// FindLimit looks for the limit holding job back in dim. Only limits of the
// given scope can be the limiting one: ScopeUser tests the user's own limit
// on the job's account, ScopeGroup tests every group limit from the job's
// account outward, closest first. Limits of the other scope are still
// reported after them for context. ok is false when no limit of the scope
// is exceeded, which means the snapshot is behind the scheduler.
func FindLimit(s *Snapshot, job slurm.Job, dim Dimension, scope string, jobs []slurm.Job, now time.Time) (Finding, bool) {
	finding := Finding{Dimension: dim}
	requested := Requested(job, dim, now)

	var user, group []Level
	if node, ok := s.Accounts[job.Account]; ok {
		if limit, ok := node.UserLimit(job.User, dim); ok {
			user = append(user, Level{
				Account: job.Account,
				Scope:   ScopeUser,
				Limit:   limit,
				Usage:   UserUsage(job.Account, job.User, dim, jobs, now),
			})
		}
	}
	for _, account := range s.AncestorChain(job.Account) {
		node, ok := s.Accounts[account]
		if !ok {
			continue
		}
		limit, ok := node.Group[dim]
		if !ok {
			continue
		}
		group = append(group, Level{
			Account: account,
			Scope:   ScopeGroup,
			Limit:   limit,
			Usage:   AggregateUsage(s, account, dim, jobs, true, now),
		})
	}

	primary, secondary := group, user
	if scope == ScopeUser {
		primary, secondary = user, group
	}
	for _, l := range primary {
		l.Requested = requested
		l.Exceeded = l.Usage.Total+requested > l.Limit
		finding.Levels = append(finding.Levels, l)
		if l.Exceeded && finding.Limiting == nil {
			limiting := l
			finding.Limiting = &limiting
		}
	}
	for _, l := range secondary {
		l.Requested = requested
		l.Exceeded = l.Usage.Total+requested > l.Limit
		finding.Levels = append(finding.Levels, l)
	}

	return finding, finding.Limiting != nil
}
