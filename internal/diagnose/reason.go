package diagnose

import (
	"strings"

	"slurm_why/internal/quota"
)

// Reason is the closed set of pending reasons with a dedicated analyzer.
type Reason int

const (
	ReasonUnknown Reason = iota
	ReasonResources
	ReasonPriority
	ReasonDependency
	ReasonDependencyNeverSatisfied
	ReasonAssocGrpCPULimit
	ReasonAssocGrpMemLimit
	ReasonAssocGrpNodeLimit
	ReasonAssocGrpGRES
	ReasonAssocGrpJobsLimit
	ReasonAssocGrpSubmitJobsLimit
	ReasonAssocGrpCPURunMinutesLimit
	ReasonAssocGrpMemRunMinutes
	ReasonAssocGrpNodeRunMinutes
	ReasonAssocMaxJobsLimit
	ReasonAssocMaxSubmitJobLimit
	ReasonBeginTime
	ReasonJobHeldUser
	ReasonJobHeldAdmin
	ReasonReqNodeNotAvail
	ReasonPartitionDown
	ReasonPartitionInactive
	ReasonPartitionTimeLimit
	ReasonPartitionNodeLimit
	ReasonReservation
	ReasonInvalidQOS
	ReasonJobArrayTaskLimit
)

var reasonNames = map[Reason]string{
	ReasonUnknown:                    "Unknown",
	ReasonResources:                  "Resources",
	ReasonPriority:                   "Priority",
	ReasonDependency:                 "Dependency",
	ReasonDependencyNeverSatisfied:   "DependencyNeverSatisfied",
	ReasonAssocGrpCPULimit:           "AssocGrpCpuLimit",
	ReasonAssocGrpMemLimit:           "AssocGrpMemLimit",
	ReasonAssocGrpNodeLimit:          "AssocGrpNodeLimit",
	ReasonAssocGrpGRES:               "AssocGrpGRES",
	ReasonAssocGrpJobsLimit:          "AssocGrpJobsLimit",
	ReasonAssocGrpSubmitJobsLimit:    "AssocGrpSubmitJobsLimit",
	ReasonAssocGrpCPURunMinutesLimit: "AssocGrpCPURunMinutesLimit",
	ReasonAssocGrpMemRunMinutes:      "AssocGrpMemRunMinutes",
	ReasonAssocGrpNodeRunMinutes:     "AssocGrpNodeRunMinutes",
	ReasonAssocMaxJobsLimit:          "AssocMaxJobsLimit",
	ReasonAssocMaxSubmitJobLimit:     "AssocMaxSubmitJobLimit",
	ReasonBeginTime:                  "BeginTime",
	ReasonJobHeldUser:                "JobHeldUser",
	ReasonJobHeldAdmin:               "JobHeldAdmin",
	ReasonReqNodeNotAvail:            "ReqNodeNotAvail",
	ReasonPartitionDown:              "PartitionDown",
	ReasonPartitionInactive:          "PartitionInactive",
	ReasonPartitionTimeLimit:         "PartitionTimeLimit",
	ReasonPartitionNodeLimit:         "PartitionNodeLimit",
	ReasonReservation:                "Reservation",
	ReasonInvalidQOS:                 "InvalidQOS",
	ReasonJobArrayTaskLimit:          "JobArrayTaskLimit",
}

// Older Slurm releases and a few code paths print different names for the
// same condition.
var reasonAliases = map[string]Reason{
	"associationjoblimit":     ReasonAssocMaxJobsLimit,
	"assocmaxsubmitjobslimit": ReasonAssocMaxSubmitJobLimit,
	"qosnotallowed":           ReasonInvalidQOS,
}

var reasonByName = func() map[string]Reason {
	out := make(map[string]Reason, len(reasonNames)+len(reasonAliases))
	for r, name := range reasonNames {
		if r != ReasonUnknown {
			out[strings.ToLower(name)] = r
		}
	}
	for name, r := range reasonAliases {
		out[name] = r
	}
	return out
}()

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return reasonNames[ReasonUnknown]
}

// ClassifyReason maps a raw reason string to a Reason. Detail that Slurm
// appends after a comma, colon or space ("ReqNodeNotAvail,
// UnavailableNodes:gpu01") is ignored.
func ClassifyReason(raw string) Reason {
	code := strings.TrimSpace(raw)
	if i := strings.IndexAny(code, ",: ("); i >= 0 {
		code = code[:i]
	}
	if r, ok := reasonByName[strings.ToLower(code)]; ok {
		return r
	}
	return ReasonUnknown
}

// limitDimension is the quota dimension behind an association limit reason,
// and the scope the reason names: Max* reasons are per-user limits, Grp*
// reasons are account-wide.
func limitDimension(r Reason) (quota.Dimension, string, bool) {
	switch r {
	case ReasonAssocGrpCPULimit:
		return quota.DimCPU, quota.ScopeGroup, true
	case ReasonAssocGrpMemLimit:
		return quota.DimMemory, quota.ScopeGroup, true
	case ReasonAssocGrpNodeLimit:
		return quota.DimNode, quota.ScopeGroup, true
	case ReasonAssocGrpGRES:
		return quota.DimGPU, quota.ScopeGroup, true
	case ReasonAssocGrpJobsLimit:
		return quota.DimJobs, quota.ScopeGroup, true
	case ReasonAssocMaxJobsLimit:
		return quota.DimJobs, quota.ScopeUser, true
	case ReasonAssocGrpSubmitJobsLimit:
		return quota.DimSubmitJobs, quota.ScopeGroup, true
	case ReasonAssocMaxSubmitJobLimit:
		return quota.DimSubmitJobs, quota.ScopeUser, true
	case ReasonAssocGrpCPURunMinutesLimit:
		return quota.DimCPURunMins, quota.ScopeGroup, true
	case ReasonAssocGrpMemRunMinutes:
		return quota.DimMemRunMins, quota.ScopeGroup, true
	case ReasonAssocGrpNodeRunMinutes:
		return quota.DimNodeRunMins, quota.ScopeGroup, true
	}
	return "", "", false
}
