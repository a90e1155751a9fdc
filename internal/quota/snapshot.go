// Package quota models the accounting association tree and answers which
// account in a job's ancestry is holding it back.
package quota

import (
	"sort"
	"strings"
	"time"

	"slurm_why/internal/resources"
	"slurm_why/internal/slurm"
)

// MaxDepth bounds every walk up the parent chain. Real trees are a handful of
// levels deep; the bound only matters when the data has a cycle.
const MaxDepth = 20

type Dimension string

const (
	DimCPU         Dimension = "cpu"
	DimMemory      Dimension = "mem"
	DimNode        Dimension = "node"
	DimGPU         Dimension = "gres/gpu"
	DimJobs        Dimension = "jobs"
	DimSubmitJobs  Dimension = "submit_jobs"
	DimCPURunMins  Dimension = "cpu_run_mins"
	DimMemRunMins  Dimension = "mem_run_mins"
	DimNodeRunMins Dimension = "node_run_mins"
)

// Limits holds the limits that are defined; a missing key means no limit.
type Limits map[Dimension]int64

type AccountNode struct {
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
	// Group limits cap the account and all of its descendants together.
	Group Limits `json:"groupLimits"`
	// UserDefaults are the account row's MaxJobs/MaxSubmitJobs, applied to
	// every user without an override.
	UserDefaults Limits            `json:"userDefaults,omitempty"`
	Users        map[string]Limits `json:"perUserLimits,omitempty"`
	QOS          []string          `json:"qos,omitempty"`
}

// UserLimit returns the per-user limit for dim, preferring the user's own
// association over the account default.
func (n *AccountNode) UserLimit(user string, dim Dimension) (int64, bool) {
	if l, ok := n.Users[user][dim]; ok {
		return l, true
	}
	l, ok := n.UserDefaults[dim]
	return l, ok
}

// Snapshot is the account tree at one point in time. It is never modified
// after NewSnapshot returns.
type Snapshot struct {
	CapturedAt time.Time               `json:"capturedAt"`
	Accounts   map[string]*AccountNode `json:"accounts"`

	children map[string][]string
}

// NewSnapshot folds flat association rows into the account tree. Rows
// without a partition win over partition-specific rows for the same limit.
func NewSnapshot(assocs []slurm.Association, at time.Time) *Snapshot {
	s := &Snapshot{
		CapturedAt: at,
		Accounts:   make(map[string]*AccountNode),
		children:   make(map[string][]string),
	}

	ordered := make([]slurm.Association, len(assocs))
	copy(ordered, assocs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Partition == "" && ordered[j].Partition != ""
	})

	for _, a := range ordered {
		if a.Account == "" {
			continue
		}
		node := s.node(a.Account)
		if a.User == "" {
			if node.Parent == "" && a.Parent != a.Account {
				node.Parent = a.Parent
			}
			mergeLimits(node.Group, groupLimits(a))
			mergeLimits(node.UserDefaults, maxLimits(a))
			if len(node.QOS) == 0 {
				node.QOS = a.QOS
			}
			continue
		}
		if node.Users[a.User] == nil {
			node.Users[a.User] = Limits{}
		}
		mergeLimits(node.Users[a.User], userLimits(a))
	}

	for name, node := range s.Accounts {
		if node.Parent != "" {
			s.node(node.Parent)
			s.children[node.Parent] = append(s.children[node.Parent], name)
		}
	}
	for parent := range s.children {
		sort.Strings(s.children[parent])
	}
	return s
}

func (s *Snapshot) node(name string) *AccountNode {
	if n, ok := s.Accounts[name]; ok {
		return n
	}
	n := &AccountNode{
		Name:         name,
		Group:        Limits{},
		UserDefaults: Limits{},
		Users:        map[string]Limits{},
	}
	s.Accounts[name] = n
	return n
}

// AncestorChain returns account followed by its parents up to the root. It
// stops early on an unknown account, a repeated account or MaxDepth entries.
func (s *Snapshot) AncestorChain(account string) []string {
	var chain []string
	seen := make(map[string]bool)
	cur := account
	for cur != "" && len(chain) < MaxDepth && !seen[cur] {
		chain = append(chain, cur)
		seen[cur] = true
		node, ok := s.Accounts[cur]
		if !ok {
			break
		}
		cur = node.Parent
	}
	return chain
}

// Descendants returns every account below account, sorted. account itself
// is not included, even when the data makes it its own descendant.
func (s *Snapshot) Descendants(account string) []string {
	visited := map[string]bool{account: true}
	queue := []string{account}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range s.children[cur] {
			if visited[child] {
				continue
			}
			visited[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	sort.Strings(out)
	return out
}

func mergeLimits(dst, src Limits) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

func groupLimits(a slurm.Association) Limits {
	l := tresLimits(a.GrpTRES, a.GrpTRESRunMins)
	if a.GrpJobs != slurm.Unset {
		l[DimJobs] = a.GrpJobs
	}
	if a.GrpSubmitJobs != slurm.Unset {
		l[DimSubmitJobs] = a.GrpSubmitJobs
	}
	return l
}

func maxLimits(a slurm.Association) Limits {
	l := Limits{}
	if a.MaxJobs != slurm.Unset {
		l[DimJobs] = a.MaxJobs
	}
	if a.MaxSubmitJobs != slurm.Unset {
		l[DimSubmitJobs] = a.MaxSubmitJobs
	}
	return l
}

// userLimits reads a user row. Max* columns take precedence over Grp* for
// the job counts since both are per-user on a user association.
func userLimits(a slurm.Association) Limits {
	l := groupLimits(a)
	for k, v := range maxLimits(a) {
		l[k] = v
	}
	return l
}

// tresLimits keeps only the keys that were actually written, so "cpu=100"
// defines a CPU limit and nothing else.
func tresLimits(grpTRES, runMins string) Limits {
	l := Limits{}
	present := tresKeys(grpTRES)
	q := resources.Parse(grpTRES)
	if present["cpu"] {
		l[DimCPU] = q.CPU
	}
	if present["mem"] {
		l[DimMemory] = q.MemoryMB
	}
	if present["node"] {
		l[DimNode] = q.Nodes
	}
	if present["gres/gpu"] {
		l[DimGPU] = q.GPU.Total
	}

	present = tresKeys(runMins)
	// Run-minute values are plain counts; memory is already MB-minutes.
	rm := resources.Parse(runMins)
	if present["cpu"] {
		l[DimCPURunMins] = rm.CPU
	}
	if present["mem"] {
		l[DimMemRunMins] = rm.MemoryMB
	}
	if present["node"] {
		l[DimNodeRunMins] = rm.Nodes
	}
	return l
}

func tresKeys(s string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		key, _, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		key = strings.ToLower(key)
		if strings.HasPrefix(key, "gres/gpu") {
			key = "gres/gpu"
		}
		out[key] = true
	}
	return out
}
