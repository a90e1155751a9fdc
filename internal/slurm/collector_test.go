package slurm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"slurm_why/internal/transport"
)

type fakeTransport struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	calls   []transport.Command
}

func (f *fakeTransport) Run(_ context.Context, cmd transport.Command) (transport.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)
	key := cmd.Tool
	if len(cmd.Args) > 0 {
		key += " " + cmd.Args[0]
	}
	if err := f.errs[key]; err != nil {
		return transport.RunResult{}, err
	}
	return transport.RunResult{Stdout: f.outputs[key]}, nil
}

func (f *fakeTransport) Describe() string {
	return "fake"
}

func TestClientJobNotFound(t *testing.T) {
	ft := &fakeTransport{errs: map[string]error{
		"scontrol show": &transport.RunError{ExitCode: 1, Stderr: "slurm_load_jobs error: Invalid job id specified"},
	}}
	c := NewClient(ft, time.Second)
	_, err := c.Job(context.Background(), "999")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestClientRejectsInvalidIdentifiers(t *testing.T) {
	ft := &fakeTransport{}
	c := NewClient(ft, time.Second)
	ctx := context.Background()

	if _, err := c.Job(ctx, "1;rm -rf /"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := c.PendingJobs(ctx, "gpu $(id)"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if len(ft.calls) != 0 {
		t.Fatalf("invalid identifiers must never reach the transport, got %d calls", len(ft.calls))
	}
}

func TestClientToolAllowList(t *testing.T) {
	c := NewClient(&fakeTransport{}, time.Second)
	if _, err := c.run(context.Background(), "scancel", "1"); !errors.Is(err, ErrToolNotAllowed) {
		t.Fatalf("expected ErrToolNotAllowed, got %v", err)
	}
}

func TestClientActiveJobsCommandExpandsArrays(t *testing.T) {
	ft := &fakeTransport{outputs: map[string]string{
		"squeue -h": "100|RUNNING|alice|physics|gpu|8|4G|1|N/A|60|2026-10-18T08:00:00|500|N/A|N/A|None\n",
	}}
	c := NewClient(ft, time.Second)
	jobs, err := c.ActiveJobs(context.Background())
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
	if got := ft.calls[0].String(); !strings.Contains(got, "squeue '-h' '-r'") {
		t.Fatalf("squeue must expand array tasks: %s", got)
	}
}

func TestValidators(t *testing.T) {
	for _, id := range []string{"1", "123456", "123_4"} {
		if !ValidJobID(id) {
			t.Fatalf("expected %q to be valid", id)
		}
	}
	for _, id := range []string{"", "abc", "12 3", "1;2", "123_", "-1", "123_*"} {
		if ValidJobID(id) {
			t.Fatalf("expected %q to be invalid", id)
		}
	}
	if !ValidName("gpu-a100.long_q") || ValidName("gpu;ls") || ValidName("") {
		t.Fatalf("unexpected ValidName results")
	}
}

type fakeSource struct {
	assocs  []Association
	jobs    []Job
	nodes   []Node
	nodeErr error
}

func (f fakeSource) Associations(context.Context) ([]Association, error) { return f.assocs, nil }
func (f fakeSource) ActiveJobs(context.Context) ([]Job, error)           { return f.jobs, nil }
func (f fakeSource) Nodes(context.Context) ([]Node, error)               { return f.nodes, f.nodeErr }

func TestCollectorBuildsSortedSnapshot(t *testing.T) {
	at := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	c := NewCollector(fakeSource{
		assocs: []Association{{Account: "physics"}},
		jobs:   []Job{{ID: "2", Priority: 10}, {ID: "1", Priority: 10}, {ID: "3", Priority: 50}},
		nodes:  []Node{{Name: "n1"}},
	})
	c.now = func() time.Time { return at }

	snap, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("expected nil err, got %v", err)
	}
	if !snap.CollectedAt.Equal(at) || len(snap.Associations) != 1 || len(snap.Nodes) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	got := []string{snap.Jobs[0].ID, snap.Jobs[1].ID, snap.Jobs[2].ID}
	if strings.Join(got, ",") != "3,1,2" {
		t.Fatalf("unexpected job order %v", got)
	}
}

func TestCollectorFailsWhole(t *testing.T) {
	c := NewCollector(fakeSource{nodeErr: errors.New("boom")})
	_, err := c.Collect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "nodes: boom") {
		t.Fatalf("expected nodes error, got %v", err)
	}
}

func TestSortByPriorityNumericIDs(t *testing.T) {
	jobs := []Job{{ID: "100"}, {ID: "99"}, {ID: "99_2"}, {ID: "7", Priority: 1}}
	SortByPriority(jobs)
	var got []string
	for _, j := range jobs {
		got = append(got, j.ID)
	}
	if strings.Join(got, ",") != "7,99,99_2,100" {
		t.Fatalf("unexpected order %v", got)
	}
}
