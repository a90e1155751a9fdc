package quota

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slurm_why/internal/resources"
	"slurm_why/internal/slurm"
)

var testNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func account(name, parent, grpTRES string) slurm.Association {
	return slurm.Association{
		Account:       name,
		Parent:        parent,
		GrpTRES:       grpTRES,
		GrpJobs:       slurm.Unset,
		GrpSubmitJobs: slurm.Unset,
		MaxJobs:       slurm.Unset,
		MaxSubmitJobs: slurm.Unset,
	}
}

func running(id, acct, user, tres string) slurm.Job {
	return slurm.Job{
		ID:        id,
		Account:   acct,
		User:      user,
		State:     slurm.StateRunning,
		TimeLimit: "60",
		StartTime: testNow.Add(-10 * time.Minute),
		AllocTRES: resources.Parse(tres),
	}
}

func TestAncestorChainFiveLevels(t *testing.T) {
	s := NewSnapshot([]slurm.Association{
		account("A", "B", ""),
		account("B", "C", ""),
		account("C", "D", ""),
		account("D", "root", ""),
		account("root", "", ""),
	}, testNow)

	got := s.AncestorChain("A")
	want := []string{"A", "B", "C", "D", "root"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected diff (-want +got):\n%s", diff)
	}
}

func TestAncestorChainCycleTerminates(t *testing.T) {
	s := NewSnapshot([]slurm.Association{
		account("a", "b", ""),
		account("b", "c", ""),
		account("c", "a", ""),
	}, testNow)

	chain := s.AncestorChain("a")
	if len(chain) == 0 || len(chain) >= 25 {
		t.Fatalf("cycle must terminate within the cap, got %v", chain)
	}
	if chain[0] != "a" {
		t.Fatalf("chain must start at the account itself, got %v", chain)
	}

	desc := s.Descendants("a")
	if diff := cmp.Diff([]string{"b", "c"}, desc); diff != "" {
		t.Fatalf("unexpected descendants (-want +got):\n%s", diff)
	}
}

func TestAncestorChainDepthCap(t *testing.T) {
	var assocs []slurm.Association
	for i := 0; i < 40; i++ {
		assocs = append(assocs, account(fmt.Sprintf("acct%02d", i), fmt.Sprintf("acct%02d", i+1), ""))
	}
	s := NewSnapshot(assocs, testNow)
	if got := len(s.AncestorChain("acct00")); got != MaxDepth {
		t.Fatalf("expected chain capped at %d, got %d", MaxDepth, got)
	}
}

func TestDescendantsIgnoresSelfParent(t *testing.T) {
	s := NewSnapshot([]slurm.Association{
		account("root", "", ""),
		account("x", "x", ""),
		account("y", "root", ""),
		account("z", "y", ""),
	}, testNow)
	if diff := cmp.Diff([]string{"y", "z"}, s.Descendants("root")); diff != "" {
		t.Fatalf("unexpected descendants (-want +got):\n%s", diff)
	}
	if got := s.Descendants("x"); len(got) != 0 {
		t.Fatalf("self-parented account must have no descendants, got %v", got)
	}
}

func TestNewSnapshotLimits(t *testing.T) {
	acct := account("physics", "root", "cpu=100,mem=1000G,gres/gpu:a100=8")
	acct.GrpTRESRunMins = "cpu=6000"
	acct.MaxJobs = 4
	user := account("physics", "", "mem=100G")
	user.User = "alice"
	user.MaxSubmitJobs = 2
	partitioned := account("physics", "", "cpu=1")
	partitioned.Partition = "debug"

	s := NewSnapshot([]slurm.Association{partitioned, user, acct}, testNow)
	node := s.Accounts["physics"]
	require.NotNil(t, node)

	assert.Equal(t, "root", node.Parent)
	assert.Equal(t, Limits{DimCPU: 100, DimMemory: 1024000, DimGPU: 8, DimCPURunMins: 6000}, node.Group)
	assert.Equal(t, Limits{DimJobs: 4}, node.UserDefaults)
	assert.Equal(t, Limits{DimMemory: 102400, DimSubmitJobs: 2}, node.Users["alice"])

	limit, ok := node.UserLimit("alice", DimJobs)
	assert.True(t, ok)
	assert.Equal(t, int64(4), limit)
	_, ok = node.UserLimit("alice", DimCPU)
	assert.False(t, ok)

	require.Contains(t, s.Accounts, "root")
	assert.Equal(t, []string{"physics"}, s.Descendants("root"))
}

func TestAggregateUsage(t *testing.T) {
	s := NewSnapshot([]slurm.Association{
		account("root", "", ""),
		account("parent", "root", ""),
		account("child", "parent", ""),
	}, testNow)
	jobs := []slurm.Job{
		running("1", "parent", "alice", "cpu=4"),
		running("2", "child", "bob", "cpu=8"),
		running("3", "child", "carol", "cpu=8"),
		{ID: "4", Account: "child", State: slurm.StatePending, ReqTRES: resources.Parse("cpu=64")},
		running("5", "other", "dave", "cpu=128"),
	}

	own := AggregateUsage(s, "parent", DimCPU, jobs, false, testNow)
	assert.Equal(t, int64(4), own.Total)
	assert.Equal(t, 1, own.Count)

	all := AggregateUsage(s, "parent", DimCPU, jobs, true, testNow)
	assert.Equal(t, int64(20), all.Total)
	assert.Equal(t, 3, all.Count)
	got := []string{all.TopConsumers[0].JobID, all.TopConsumers[1].JobID, all.TopConsumers[2].JobID}
	assert.Equal(t, []string{"2", "3", "1"}, got, "ties keep input order")

	submit := AggregateUsage(s, "child", DimSubmitJobs, jobs, false, testNow)
	assert.Equal(t, int64(3), submit.Total, "submit_jobs counts pending and running")
}

func TestAggregateUsageTopConsumersCapped(t *testing.T) {
	s := NewSnapshot([]slurm.Association{account("acct", "", "")}, testNow)
	var jobs []slurm.Job
	for i := 0; i < 15; i++ {
		jobs = append(jobs, running(fmt.Sprint(i), "acct", "u", fmt.Sprintf("cpu=%d", i+1)))
	}
	u := AggregateUsage(s, "acct", DimCPU, jobs, false, testNow)
	assert.Len(t, u.TopConsumers, MaxTopConsumers)
	assert.Equal(t, 15, u.Count)
	assert.Equal(t, int64(120), u.Total)
	assert.Equal(t, int64(15), u.TopConsumers[0].Amount)
}

func TestAggregateUsageRunMinutesExcludesUnlimited(t *testing.T) {
	s := NewSnapshot([]slurm.Association{account("acct", "", "")}, testNow)
	limited := running("1", "acct", "u", "cpu=2")
	unlimited := running("2", "acct", "u", "cpu=100")
	unlimited.TimeLimit = "UNLIMITED"

	u := AggregateUsage(s, "acct", DimCPURunMins, []slurm.Job{limited, unlimited}, false, testNow)
	assert.Equal(t, int64(50*2), u.Total)
	assert.Equal(t, 1, u.Count)
}

func TestFindLimitClosestAccountWins(t *testing.T) {
	s := NewSnapshot([]slurm.Association{
		account("root", "", "mem=50000"),
		account("child", "root", "mem=10000"),
		account("sibling", "root", ""),
	}, testNow)
	jobs := []slurm.Job{
		running("1", "child", "alice", "mem=4000"),
		running("2", "child", "bob", "mem=5000"),
		running("3", "sibling", "carol", "mem=10000"),
	}
	pending := slurm.Job{ID: "9", Account: "child", User: "alice", State: slurm.StatePending, ReqTRES: resources.Parse("mem=2000")}

	finding, ok := FindLimit(s, pending, DimMemory, ScopeGroup, jobs, testNow)
	require.True(t, ok)
	require.NotNil(t, finding.Limiting)
	assert.Equal(t, "child", finding.Limiting.Account)
	assert.Equal(t, int64(9000), finding.Limiting.Usage.Total)
	assert.Equal(t, int64(2000), finding.Limiting.Requested)
	assert.Equal(t, int64(1000), finding.Limiting.Headroom())

	require.Len(t, finding.Levels, 2)
	assert.Equal(t, "root", finding.Levels[1].Account)
	assert.False(t, finding.Levels[1].Exceeded)
	assert.Equal(t, int64(19000), finding.Levels[1].Usage.Total)
}

func TestFindLimitMatchesReasonScope(t *testing.T) {
	acct := account("lab", "", "")
	acct.MaxJobs = 2
	acct.GrpJobs = 1
	s := NewSnapshot([]slurm.Association{acct}, testNow)
	jobs := []slurm.Job{
		running("1", "lab", "alice", "cpu=1"),
		running("2", "lab", "alice", "cpu=1"),
	}
	pending := slurm.Job{ID: "3", Account: "lab", User: "alice", State: slurm.StatePending}

	finding, ok := FindLimit(s, pending, DimJobs, ScopeUser, jobs, testNow)
	require.True(t, ok)
	assert.Equal(t, ScopeUser, finding.Limiting.Scope)
	require.Len(t, finding.Levels, 2)
	assert.Equal(t, ScopeGroup, finding.Levels[1].Scope)
	assert.True(t, finding.Levels[1].Exceeded)

	finding, ok = FindLimit(s, pending, DimJobs, ScopeGroup, jobs, testNow)
	require.True(t, ok)
	assert.Equal(t, ScopeGroup, finding.Limiting.Scope)
	assert.Equal(t, int64(1), finding.Limiting.Limit)
	require.Len(t, finding.Levels, 2)
	assert.Equal(t, ScopeUser, finding.Levels[1].Scope)
}

func TestFindLimitOtherScopeNeverLimits(t *testing.T) {
	acct := account("lab", "", "")
	acct.MaxJobs = 10
	acct.GrpJobs = 1
	s := NewSnapshot([]slurm.Association{acct}, testNow)
	jobs := []slurm.Job{running("1", "lab", "bob", "cpu=1")}
	pending := slurm.Job{ID: "3", Account: "lab", User: "alice", State: slurm.StatePending}

	finding, ok := FindLimit(s, pending, DimJobs, ScopeUser, jobs, testNow)
	assert.False(t, ok, "an exceeded group limit must not explain a per-user reason")
	assert.Nil(t, finding.Limiting)
	require.Len(t, finding.Levels, 2)
	assert.True(t, finding.Levels[1].Exceeded)
}

func TestFindLimitStaleSnapshot(t *testing.T) {
	s := NewSnapshot([]slurm.Association{account("lab", "", "cpu=1000")}, testNow)
	pending := slurm.Job{ID: "3", Account: "lab", State: slurm.StatePending, ReqTRES: resources.Parse("cpu=4")}

	finding, ok := FindLimit(s, pending, DimCPU, ScopeGroup, nil, testNow)
	assert.False(t, ok)
	assert.Nil(t, finding.Limiting)
	assert.Len(t, finding.Levels, 1)
}
