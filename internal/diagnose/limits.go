package diagnose

import (
	"context"
	"fmt"

	"slurm_why/internal/billing"
	"slurm_why/internal/quota"
	"slurm_why/internal/slurm"
)

var runMinuteResource = map[quota.Dimension]string{
	quota.DimCPURunMins:  billing.ResourceCPU,
	quota.DimMemRunMins:  billing.ResourceMemory,
	quota.DimNodeRunMins: billing.ResourceNode,
}

func (e *Engine) analyzeLimit(ctx context.Context, job slurm.Job, reason Reason) Result {
	dim, scope, ok := limitDimension(reason)
	if !ok {
		return e.other(job, fmt.Sprintf("no quota dimension is known for %s", reason))
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return e.errorResult(job.ID, job.Reason, fmt.Sprintf("account limits could not be loaded: %v", err))
	}

	finding, found := quota.FindLimit(snap.Limits, job, dim, scope, snap.Jobs, e.now())
	if !found {
		info := e.info(job,
			fmt.Sprintf("Slurm reports %s but no account in the hierarchy is over its %s limit", reason, dim),
			fmt.Sprintf("The cached snapshot from %s shows headroom at every level. Usage figures can lag the scheduler by one refresh interval; the cache is likely catching up.",
				snap.CollectedAt.Format("15:04:05")))
		info.Levels = finding.Levels
		return info
	}

	l := finding.Limiting
	res := LimitResult{
		Dimension: dim,
		Scope:     l.Scope,
		Account:   l.Account,
		Limit:     l.Limit,
		Usage:     l.Usage,
		Requested: l.Requested,
		Chain:     snap.Limits.AncestorChain(job.Account),
		Levels:    finding.Levels,
	}

	limitText, usageText := fmt.Sprint(l.Limit), fmt.Sprint(l.Usage.Total)
	requestText := fmt.Sprint(l.Requested)
	switch {
	case runMinuteResource[dim] != "":
		resource := runMinuteResource[dim]
		ld := billing.FormatRunMinutes(resource, l.Limit)
		ud := billing.FormatRunMinutes(resource, l.Usage.Total)
		res.LimitDisplay, res.UsageDisplay = &ld, &ud
		limitText, usageText = ld.Text, ud.Text
		requestText = billing.FormatRunMinutes(resource, l.Requested).Text
	case dim == quota.DimMemory:
		limitText, usageText, requestText = formatMB(l.Limit), formatMB(l.Usage.Total), formatMB(l.Requested)
	}

	var summary string
	if l.Scope == quota.ScopeUser {
		summary = fmt.Sprintf("user %s is at the per-user %s limit on account %s: %s in use, job needs %s, limit %s",
			job.User, dim, l.Account, usageText, requestText, limitText)
	} else {
		summary = fmt.Sprintf("account %s is at its %s limit: %s in use across %d jobs, job needs %s, limit %s",
			l.Account, dim, usageText, l.Usage.Count, requestText, limitText)
	}
	if dim == quota.DimSubmitJobs {
		summary = fmt.Sprintf("%s has %s of %s allowed jobs queued or running", scopeName(l, job), usageText, limitText)
	}
	res.Base = e.base(Kind(reason.String()), job.ID, job.Reason, summary)
	return res
}

func scopeName(l *quota.Level, job slurm.Job) string {
	if l.Scope == quota.ScopeUser {
		return fmt.Sprintf("user %s on account %s", job.User, l.Account)
	}
	return "account " + l.Account
}
