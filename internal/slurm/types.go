package slurm

import (
	"strings"
	"time"

	"slurm_why/internal/resources"
)

// Job states as printed by scontrol, squeue and sacct (long form).
const (
	StatePending     = "PENDING"
	StateRunning     = "RUNNING"
	StateSuspended   = "SUSPENDED"
	StateCompleting  = "COMPLETING"
	StateConfiguring = "CONFIGURING"
	StateCompleted   = "COMPLETED"
	StateCancelled   = "CANCELLED"
	StateFailed      = "FAILED"
	StateTimeout     = "TIMEOUT"
	StateNodeFail    = "NODE_FAIL"
	StatePreempted   = "PREEMPTED"
	StateBootFail    = "BOOT_FAIL"
	StateDeadline    = "DEADLINE"
	StateOutOfMemory = "OUT_OF_MEMORY"
)

// Job is the typed view of one scheduler job record. Fields that were absent
// or unparseable hold zero values.
type Job struct {
	ID            string
	ArrayJobID    string
	ArrayTaskID   string
	ArrayThrottle int64
	Name          string
	User          string
	Account       string
	Partition     string
	QOS           string
	State         string
	Reason        string
	Dependency    string
	Priority      int64
	NumNodes      int64
	NumCPUs       int64
	ReqTRES       resources.Quantity
	AllocTRES     resources.Quantity
	TimeLimit     string
	SubmitTime    time.Time
	EligibleTime  time.Time
	StartTime     time.Time
	EndTime       time.Time
	ExitCode      int
	ReqNodes      string
	ExcNodes      string
	Reservation   string

	Raw map[string]string
}

func (j Job) IsPending() bool {
	return j.State == StatePending
}

func (j Job) IsRunning() bool {
	switch j.State {
	case StateRunning, StateCompleting, StateConfiguring, StateSuspended:
		return true
	}
	return false
}

// IsTerminal reports whether the job has finished in any way.
func (j Job) IsTerminal() bool {
	return IsTerminalState(j.State)
}

// RootID is the array parent id when the job is an array task, otherwise the
// job id with any array or step suffix removed.
func (j Job) RootID() string {
	if j.ArrayJobID != "" {
		return j.ArrayJobID
	}
	return RootJobID(j.ID)
}

// Allocated is what the job holds (running) or asks for (pending).
func (j Job) Allocated() resources.Quantity {
	if !j.AllocTRES.IsZero() {
		q := j.AllocTRES
		if q.Nodes == 0 {
			q.Nodes = j.NumNodes
		}
		return q
	}
	q := j.ReqTRES
	if q.CPU == 0 {
		q.CPU = j.NumCPUs
	}
	if q.Nodes == 0 {
		q.Nodes = j.NumNodes
	}
	return q
}

func IsTerminalState(state string) bool {
	switch normalizeState(state) {
	case StateCompleted, StateCancelled, StateFailed, StateTimeout, StateNodeFail,
		StatePreempted, StateBootFail, StateDeadline, StateOutOfMemory:
		return true
	}
	return false
}

// normalizeState turns "CANCELLED by 1001" or "cancelled+" into "CANCELLED".
func normalizeState(state string) string {
	state = strings.ToUpper(strings.TrimSpace(state))
	if fields := strings.Fields(state); len(fields) > 0 {
		state = fields[0]
	}
	return strings.TrimRight(state, "+*")
}

// Association is one row of the accounting association table. Account-level
// rows have an empty User; Parent is only reported on those rows.
type Association struct {
	Account        string
	User           string
	Parent         string
	Partition      string
	GrpTRES        string
	GrpTRESRunMins string
	GrpJobs        int64
	GrpSubmitJobs  int64
	MaxJobs        int64
	MaxSubmitJobs  int64
	QOS            []string
}

// Node is one compute node with configured and allocated resources.
type Node struct {
	Name       string
	State      string
	Partitions []string
	Configured resources.Quantity
	Allocated  resources.Quantity
}

// Free is what the node could still hand out. Nodes that are down, drained
// or failing offer nothing.
func (n Node) Free() resources.Quantity {
	if !n.Schedulable() {
		return resources.Quantity{GPU: resources.GPU{ByType: map[string]int64{}}}
	}
	return n.Configured.Sub(n.Allocated)
}

func (n Node) Schedulable() bool {
	for _, flag := range []string{"DOWN", "DRAIN", "FAIL", "MAINT", "RESERVED", "POWERED_DOWN", "NOT_RESPONDING"} {
		if strings.Contains(n.State, flag) {
			return false
		}
	}
	return true
}

func (n Node) InPartition(partition string) bool {
	for _, p := range n.Partitions {
		if p == partition {
			return true
		}
	}
	return false
}

type Partition struct {
	Name       string
	State      string
	MaxTime    string
	MaxNodes   int64 // -1 when unlimited
	MinNodes   int64
	TotalNodes int64
	TotalCPUs  int64
	Nodes      string
}

type Reservation struct {
	Name      string
	State     string
	StartTime time.Time
	EndTime   time.Time
	Nodes     string
	NodeCount int64
	Users     string
	Accounts  string
}

// AccountingRecord is the sacct view of a job, used when the controller has
// already forgotten it.
type AccountingRecord struct {
	JobID    string
	State    string
	ExitCode int
	Start    time.Time
	End      time.Time
}

// PriorityFactors is one sprio row. Factors holds the normalized factors
// (sprio's lowercase %a %f %j %p %q columns, fractions in [0,1]) scaled to
// parts-per-million, so factor x weight is proportional to the weighted
// value sprio prints in its uppercase columns.
type PriorityFactors struct {
	JobID     string
	Partition string
	User      string
	Priority  int64
	Factors   map[string]int64
}

// Snapshot is one collection pass over the accounting and queue state.
type Snapshot struct {
	Associations []Association
	Jobs         []Job
	Nodes        []Node
	CollectedAt  time.Time
}

// RunningJobs returns the jobs holding resources.
func (s Snapshot) RunningJobs() []Job {
	out := make([]Job, 0, len(s.Jobs))
	for _, j := range s.Jobs {
		if j.IsRunning() {
			out = append(out, j)
		}
	}
	return out
}
