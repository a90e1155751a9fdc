package diagnose

import (
	"time"

	"slurm_why/internal/billing"
	"slurm_why/internal/dependency"
	"slurm_why/internal/priority"
	"slurm_why/internal/quota"
	"slurm_why/internal/resources"
	"slurm_why/internal/slurm"
)

// Kind is the discriminant written as "type" in JSON.
type Kind string

const (
	KindResources                Kind = "Resources"
	KindPriority                 Kind = "Priority"
	KindDependency               Kind = "Dependency"
	KindDependencyNeverSatisfied Kind = "DependencyNeverSatisfied"
	KindBeginTime                Kind = "BeginTime"
	KindJobHeldUser              Kind = "JobHeldUser"
	KindJobHeldAdmin             Kind = "JobHeldAdmin"
	KindReqNodeNotAvail          Kind = "ReqNodeNotAvail"
	KindPartitionDown            Kind = "PartitionDown"
	KindPartitionInactive        Kind = "PartitionInactive"
	KindPartitionTimeLimit       Kind = "PartitionTimeLimit"
	KindPartitionNodeLimit       Kind = "PartitionNodeLimit"
	KindReservation              Kind = "Reservation"
	KindInvalidQOS               Kind = "InvalidQOS"
	KindJobArrayTaskLimit        Kind = "JobArrayTaskLimit"
	KindOther                    Kind = "Other"
	KindError                    Kind = "Error"
	KindInfo                     Kind = "Info"
	KindStatus                   Kind = "Status"
)

// Limit results use the reason name itself as their kind, e.g.
// "AssocGrpMemLimit".

// Result is one diagnostic outcome. Implementations are plain data and are
// never modified once returned.
type Result interface {
	Kind() Kind
	Header() Base
}

// Base is shared by every result.
type Base struct {
	Type    Kind      `json:"type"`
	JobID   string    `json:"jobId"`
	Reason  string    `json:"reason,omitempty"`
	Summary string    `json:"summary"`
	At      time.Time `json:"diagnosedAt"`
}

func (b Base) Kind() Kind   { return b.Type }
func (b Base) Header() Base { return b }

type ResourcesResult struct {
	Base
	Partition   string                 `json:"partition"`
	Required    resources.Quantity     `json:"required"`
	Available   resources.Quantity     `json:"available"`
	Bottlenecks []resources.Bottleneck `json:"bottlenecks"`
	// EligibleNodes are schedulable nodes in the job's partitions;
	// FittingNodes could each take one node's share of the job right now.
	EligibleNodes int `json:"eligibleNodes"`
	FittingNodes  int `json:"fittingNodes"`
}

type PriorityResult struct {
	Base
	Partition     string             `json:"partition"`
	Breakdown     priority.Breakdown `json:"breakdown"`
	Contributions map[string]float64 `json:"contributions"`
	Dominant      string             `json:"dominantFactor,omitempty"`
	Ranking       priority.Ranking   `json:"ranking"`
}

type DependencyResult struct {
	Base
	Expression       string                `json:"expression"`
	Evaluation       dependency.Evaluation `json:"evaluation"`
	NeverSatisfiable bool                  `json:"neverSatisfiable"`
}

type DependencyNeverSatisfiedResult struct {
	Base
	Expression string                `json:"expression"`
	Evaluation dependency.Evaluation `json:"evaluation"`
	// Blocking are the referenced jobs that can never satisfy their clause.
	Blocking []string `json:"blocking"`
}

type LimitResult struct {
	Base
	Dimension quota.Dimension `json:"dimension"`
	Scope     string          `json:"scope"`
	Account   string          `json:"account"`
	Limit     int64           `json:"limit"`
	Usage     quota.Usage     `json:"usage"`
	Requested int64           `json:"requested"`
	// Set for run-minute dimensions.
	LimitDisplay *billing.Display `json:"limitDisplay,omitempty"`
	UsageDisplay *billing.Display `json:"usageDisplay,omitempty"`
	Chain        []string         `json:"chain"`
	Levels       []quota.Level    `json:"levels"`
}

type BeginTimeResult struct {
	Base
	EligibleTime time.Time `json:"eligibleTime"`
	WaitMinutes  int64     `json:"waitMinutes"`
}

type HeldResult struct {
	Base
	HeldBy string `json:"heldBy"`
	Hint   string `json:"hint"`
}

type NodeState struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type ReqNodeNotAvailResult struct {
	Base
	RequiredNodes    string      `json:"requiredNodes,omitempty"`
	ExcludedNodes    string      `json:"excludedNodes,omitempty"`
	UnavailableNodes string      `json:"unavailableNodes,omitempty"`
	Unschedulable    []NodeState `json:"unschedulable"`
}

type PartitionResult struct {
	Base
	Partition slurm.Partition `json:"partition"`
	// Filled for PartitionTimeLimit.
	JobTimeLimit string `json:"jobTimeLimit,omitempty"`
	// Filled for PartitionNodeLimit.
	JobNodes int64 `json:"jobNodes,omitempty"`
}

type ReservationResult struct {
	Base
	Reservation slurm.Reservation `json:"reservation"`
}

type InvalidQOSResult struct {
	Base
	QOS        string   `json:"qos"`
	Account    string   `json:"account"`
	AllowedQOS []string `json:"allowedQos"`
	Exists     bool     `json:"exists"`
}

type ArrayTaskLimitResult struct {
	Base
	ArrayJobID   string `json:"arrayJobId"`
	Throttle     int64  `json:"throttle"`
	RunningTasks int    `json:"runningTasks"`
	PendingTasks int    `json:"pendingTasks"`
}

// MessageResult carries Other, Error and Info outcomes.
type MessageResult struct {
	Base
	Message string `json:"message"`
	// Low-confidence results say so explicitly.
	Confidence string `json:"confidence,omitempty"`
	// Levels is set for the stale-snapshot Info result.
	Levels []quota.Level `json:"levels,omitempty"`
}

type StatusResult struct {
	Base
	State     string    `json:"state"`
	ExitCode  int       `json:"exitCode"`
	StartTime time.Time `json:"startTime,omitempty"`
	EndTime   time.Time `json:"endTime,omitempty"`
}
